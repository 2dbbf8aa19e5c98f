package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

const (
	maxMessages       = 10
	waitTimeSeconds   = 20
	visibilityTimeout = 60
	receiveRetryDelay = 5 * time.Second
)

// Queuer accepts queue requests.
type Queuer interface {
	Queue(ctx context.Context, req queue.Request) (uuid.UUID, error)
}

// Listener long-polls an SQS queue of inbound integration requests and
// queues a notification for each. Messages that cannot be decoded or fail
// validation are deleted; other failures leave the message to be redelivered
// after the visibility timeout.
type Listener struct {
	client     API
	queueURL   string
	queuer     Queuer
	logger     *zap.Logger
	retryDelay time.Duration
}

func NewListener(client API, queueURL string, queuer Queuer, logger *zap.Logger) *Listener {
	return &Listener{
		client:     client,
		queueURL:   queueURL,
		queuer:     queuer,
		logger:     logger,
		retryDelay: receiveRetryDelay,
	}
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("sqs listener started", zap.String("queue_url", l.queueURL))

	for {
		if ctx.Err() != nil {
			l.logger.Info("sqs listener stopped")
			return
		}

		if _, err := l.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.logger.Error("sqs receive failed", zap.Error(err))

			t := time.NewTimer(l.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}

// Poll receives one batch and handles it. It returns the number of messages
// that were queued successfully.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	result, err := l.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(l.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitTimeSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	queued := 0
	for _, msg := range result.Messages {
		if l.handle(ctx, msg) {
			queued++
		}
	}
	return queued, nil
}

func (l *Listener) handle(ctx context.Context, msg types.Message) bool {
	messageID := aws.ToString(msg.MessageId)

	var req queue.Request
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &req); err != nil {
		l.logger.Error("discarding malformed inbound message",
			zap.Error(err),
			zap.String("message_id", messageID),
		)
		l.delete(ctx, msg)
		return false
	}

	id, err := l.queuer.Queue(ctx, req)
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		l.logger.Warn("discarding invalid inbound request",
			zap.String("message_id", messageID),
			zap.Any("fields", verr.Fields),
		)
		l.delete(ctx, msg)
		return false
	case err != nil:
		l.logger.Error("failed to queue inbound request, leaving for redelivery",
			zap.Error(err),
			zap.String("message_id", messageID),
		)
		return false
	}

	l.logger.Debug("inbound request queued",
		zap.String("message_id", messageID),
		zap.String("notification_id", id.String()),
	)
	l.delete(ctx, msg)
	return true
}

func (l *Listener) delete(ctx context.Context, msg types.Message) {
	_, err := l.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(l.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		l.logger.Warn("sqs delete failed",
			zap.Error(err),
			zap.String("message_id", aws.ToString(msg.MessageId)),
		)
	}
}
