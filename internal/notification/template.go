package notification

import "time"

// Template is a stored subject/body pair with {{token}} placeholders.
type Template struct {
	Key             string    `json:"key"`
	SubjectTemplate string    `json:"subject_template"`
	BodyTemplate    string    `json:"body_template"`
	IsHTML          bool      `json:"is_html"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Preference is a per user, per channel opt-in flag.
type Preference struct {
	UserID    string    `json:"user_id"`
	Channel   Channel   `json:"channel"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
