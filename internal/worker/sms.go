package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

// SNSAPI is the subset of *sns.Client used by SMSBackend.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSBackend sends text messages through AWS SNS direct publish. Only the
// body is sent.
type SMSBackend struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSMSBackendFromConfig(ctx context.Context, region string, logger *zap.Logger) (*SMSBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSMSBackend(sns.NewFromConfig(awsCfg), logger), nil
}

func NewSMSBackend(client SNSAPI, logger *zap.Logger) *SMSBackend {
	return &SMSBackend{client: client, logger: logger}
}

func (b *SMSBackend) Channel() notification.Channel { return notification.ChannelSMS }

func (b *SMSBackend) Send(ctx context.Context, n *notification.Notification, c content.Content) error {
	phone := n.Recipient.Phone()
	if phone == "" {
		return fmt.Errorf("%w: no phone number", notification.ErrRecipientUnreachable)
	}
	if c.Body == "" {
		return fmt.Errorf("%w: sms body is empty", notification.ErrRecipientUnreachable)
	}

	out, err := b.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(c.Body),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	b.logger.Info("SMS sent via SNS",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
