package queue

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lalithlochan/courier/internal/notification"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Request asks for one notification to be queued. It is the body of
// POST /v1/notifications and of inbound integration messages.
type Request struct {
	UserID          string            `json:"user_id" validate:"required,max=128"`
	Email           string            `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Phone           string            `json:"phone,omitempty" validate:"omitempty,e164"`
	Channel         string            `json:"channel" validate:"required,oneof=email sms in_app"`
	Subject         string            `json:"subject,omitempty" validate:"max=998"`
	Body            string            `json:"body,omitempty"`
	TemplateKey     string            `json:"template_key,omitempty" validate:"max=128"`
	Metadata        map[string]string `json:"metadata,omitempty" validate:"max=64"`
	ScheduledSendAt *time.Time        `json:"scheduled_send_at,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty" validate:"max=128"`
}

// ValidationError lists every rejected field of a Request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks r and converts it into notification parameters.
func (r Request) Validate() (notification.Params, error) {
	verr := &ValidationError{}

	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return notification.Params{}, fmt.Errorf("validate request: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add(fe.Field(), describe(fe))
		}
	}

	if strings.TrimSpace(r.Email) == "" && strings.TrimSpace(r.Phone) == "" {
		verr.add("recipient", notification.ErrNoContactMethod.Error())
	}
	if strings.TrimSpace(r.TemplateKey) == "" {
		if strings.TrimSpace(r.Subject) == "" {
			verr.add("subject", "is required when template_key is empty")
		}
		if strings.TrimSpace(r.Body) == "" {
			verr.add("body", "is required when template_key is empty")
		}
	}

	if len(verr.Fields) > 0 {
		return notification.Params{}, verr
	}

	recipient, err := notification.NewRecipient(r.UserID, strings.TrimSpace(r.Email), strings.TrimSpace(r.Phone))
	if err != nil {
		verr.add("recipient", err.Error())
		return notification.Params{}, verr
	}

	return notification.Params{
		Channel:         notification.Channel(r.Channel),
		Recipient:       recipient,
		Subject:         r.Subject,
		Body:            r.Body,
		TemplateKey:     r.TemplateKey,
		Metadata:        r.Metadata,
		ScheduledSendAt: r.ScheduledSendAt,
		CorrelationID:   r.CorrelationID,
	}, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "e164":
		return "must be an E.164 phone number"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " long"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
