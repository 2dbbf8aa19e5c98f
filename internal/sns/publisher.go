// Package sns publishes notification events to an SNS topic.
package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
)

// API is the subset of the SNS client used by Publisher.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends events to a topic, with event_type and channel message
// attributes for subscription filter policies.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// NewPublisherFromConfig loads the default AWS config for region. A non-empty
// endpoint overrides the service URL (for LocalStack).
func NewPublisherFromConfig(ctx context.Context, region, topicARN, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	logger.Info("sns event publisher initialized", zap.String("topic_arn", topicARN))
	return NewPublisher(client, topicARN, logger), nil
}

// Publish sends e to the topic.
func (p *Publisher) Publish(ctx context.Context, e notification.Event) error {
	payload, err := events.Encode(e)
	if err != nil {
		return err
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.EventType()),
			},
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(e.EventChannel().String()),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("event published to sns",
		zap.String("event_type", e.EventType()),
		zap.String("notification_id", e.AggregateID().String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
