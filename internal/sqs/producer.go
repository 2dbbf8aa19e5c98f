// Package sqs publishes notification events to an SQS queue and consumes
// inbound queue requests from another.
package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
)

// API is the subset of the SQS client used by Producer and Listener.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewClient loads the default AWS config for region.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer sends events to an SQS queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs event producer initialized", zap.String("queue_url", queueURL))
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// Publish sends e as one message.
func (p *Producer) Publish(ctx context.Context, e notification.Event) error {
	body, err := events.Encode(e)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.EventType()),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send event to sqs",
			zap.Error(err),
			zap.String("notification_id", e.AggregateID().String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("event sent to sqs",
		zap.String("event_type", e.EventType()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
