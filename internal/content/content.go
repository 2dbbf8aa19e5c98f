// Package content resolves the subject and body a channel backend sends.
package content

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// Content is the rendered message for one delivery attempt. It is rebuilt on
// every attempt and never persisted.
type Content struct {
	Subject string
	Body    string
	IsHTML  bool
}

// TemplateLookup finds a template by key and returns notification.ErrNotFound
// when none exists.
type TemplateLookup interface {
	GetTemplateByKey(ctx context.Context, key string) (*notification.Template, error)
}

// Builder renders notification content, applying a stored template when the
// notification names one.
type Builder struct {
	templates TemplateLookup
	logger    *zap.Logger
}

func NewBuilder(templates TemplateLookup, logger *zap.Logger) *Builder {
	return &Builder{templates: templates, logger: logger}
}

// Build returns the content to send for n.
//
// A missing template falls back to the subject and body stored on the
// notification. Any other lookup error is returned so the attempt can be
// retried.
func (b *Builder) Build(ctx context.Context, n *notification.Notification) (Content, error) {
	stored := Content{Subject: n.Subject, Body: n.Body, IsHTML: true}
	if n.TemplateKey == "" {
		return stored, nil
	}

	tmpl, err := b.templates.GetTemplateByKey(ctx, n.TemplateKey)
	if errors.Is(err, notification.ErrNotFound) {
		b.logger.Warn("template not found, using stored content",
			zap.String("notification_id", n.ID.String()),
			zap.String("template_key", n.TemplateKey),
		)
		return stored, nil
	}
	if err != nil {
		return Content{}, fmt.Errorf("lookup template %q: %w", n.TemplateKey, err)
	}

	return Content{
		Subject: Render(tmpl.SubjectTemplate, n.Metadata),
		Body:    Render(tmpl.BodyTemplate, n.Metadata),
		IsHTML:  tmpl.IsHTML,
	}, nil
}

var tokenPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Render replaces every {{key}} in text with values[key]. Keys match exactly,
// unknown tokens are left as written, and substituted values are not scanned
// again.
func Render(text string, values map[string]string) string {
	if len(values) == 0 {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := token[2 : len(token)-2]
		if v, ok := values[key]; ok {
			return v
		}
		return token
	})
}
