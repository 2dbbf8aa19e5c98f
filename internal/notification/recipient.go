package notification

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoContactMethod is returned when a recipient has neither email nor phone.
var ErrNoContactMethod = errors.New("recipient requires an email or a phone number")

// Recipient is the contact identity a notification is addressed to. It is a
// comparable value: two recipients are equal when all fields match.
type Recipient struct {
	userID string
	email  string
	phone  string
}

// NewRecipient builds a recipient. At least one of email or phone is required.
func NewRecipient(userID, email, phone string) (Recipient, error) {
	r := Recipient{
		userID: strings.TrimSpace(userID),
		email:  strings.TrimSpace(email),
		phone:  strings.TrimSpace(phone),
	}
	if r.email == "" && r.phone == "" {
		return Recipient{}, ErrNoContactMethod
	}
	return r, nil
}

func (r Recipient) UserID() string { return r.userID }
func (r Recipient) Email() string  { return r.email }
func (r Recipient) Phone() string  { return r.phone }

// IsZero reports whether r was never constructed.
func (r Recipient) IsZero() bool {
	return r.email == "" && r.phone == ""
}

type recipientJSON struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

func (r Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(recipientJSON{UserID: r.userID, Email: r.email, Phone: r.phone})
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var raw recipientJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec, err := NewRecipient(raw.UserID, raw.Email, raw.Phone)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
