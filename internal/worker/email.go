package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

// SESAPI is the subset of *ses.Client used by EmailBackend.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailBackend sends email through AWS SES.
type EmailBackend struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

// NewEmailBackendFromConfig builds an SES client from the default AWS
// credential chain.
func NewEmailBackendFromConfig(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SES: %w", err)
	}
	return NewEmailBackend(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func NewEmailBackend(client SESAPI, from string, logger *zap.Logger) *EmailBackend {
	return &EmailBackend{client: client, from: from, logger: logger}
}

func (b *EmailBackend) Channel() notification.Channel { return notification.ChannelEmail }

func (b *EmailBackend) Send(ctx context.Context, n *notification.Notification, c content.Content) error {
	to := n.Recipient.Email()
	if to == "" {
		return fmt.Errorf("%w: no email address", notification.ErrRecipientUnreachable)
	}
	if c.Body == "" {
		return fmt.Errorf("%w: email body is empty", notification.ErrRecipientUnreachable)
	}

	body := &types.Body{}
	part := &types.Content{Data: aws.String(c.Body), Charset: aws.String("UTF-8")}
	if c.IsHTML {
		body.Html = part
	} else {
		body.Text = part
	}

	out, err := b.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(b.from),
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(c.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	b.logger.Info("email sent via SES",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
