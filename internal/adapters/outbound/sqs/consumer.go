// Package sqs provides an SQS adapter for consuming engine events from AWS SQS queues.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/dca/internal/ports/outbound"
)

// ErrQueueNotFound is returned when the configured queue does not exist.
var ErrQueueNotFound = errors.New("sqs queue not found")

// sqsAPI defines the subset of SQS operations needed by the Consumer.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Compile-time check that Consumer implements outbound.SQSConsumer
var _ outbound.SQSConsumer = (*Consumer)(nil)

// Config holds SQS consumer configuration.
type Config struct {
	// QueueURL is the URL of the SQS queue to consume from.
	QueueURL string

	// WaitTimeSeconds is how long to wait for messages (long polling).
	// Max is 20 seconds.
	WaitTimeSeconds int32

	// VisibilityTimeout hides received messages from other consumers while
	// they are handled. Zero keeps the queue's setting.
	VisibilityTimeout int32
}

// ConfigDefaults returns sensible defaults for SQS consumer configuration.
func ConfigDefaults() Config {
	return Config{
		WaitTimeSeconds: 20,
	}
}

// Consumer is an SQS implementation of the outbound.SQSConsumer port.
type Consumer struct {
	client sqsAPI
	config Config
	logger *slog.Logger
}

// NewConsumer creates a new SQS consumer with optional SQS client options.
func NewConsumer(cfg aws.Config, sqsConfig Config, logger *slog.Logger, optFns ...func(*sqs.Options)) (*Consumer, error) {
	return newConsumer(sqs.NewFromConfig(cfg, optFns...), sqsConfig, logger)
}

func newConsumer(client sqsAPI, sqsConfig Config, logger *slog.Logger) (*Consumer, error) {
	if sqsConfig.QueueURL == "" {
		return nil, fmt.Errorf("queue URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := ConfigDefaults()
	if sqsConfig.WaitTimeSeconds == 0 {
		sqsConfig.WaitTimeSeconds = defaults.WaitTimeSeconds
	}
	sqsConfig.WaitTimeSeconds = min(sqsConfig.WaitTimeSeconds, 20)

	return &Consumer{
		client: client,
		config: sqsConfig,
		logger: logger.With("component", "sqs-consumer"),
	}, nil
}

// ReceiveMessages fetches up to maxMessages from the queue.
func (c *Consumer) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error) {
	// SQS accepts 1 to 10.
	maxMessages = max(1, min(maxMessages, 10))

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
	}
	if c.config.VisibilityTimeout > 0 {
		input.VisibilityTimeout = c.config.VisibilityTimeout
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		if isQueueMissing(err) {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, c.config.QueueURL)
		}
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	messages := make([]outbound.SQSMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}
		messages = append(messages, outbound.SQSMessage{
			MessageID:     *msg.MessageId,
			ReceiptHandle: *msg.ReceiptHandle,
			Body:          *msg.Body,
		})
	}

	if len(messages) > 0 {
		c.logger.Debug("received messages", "count", len(messages))
	}
	return messages, nil
}

// DeleteMessage removes a successfully processed message from the queue.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ReceiptHandleIsInvalid" {
			// The visibility timeout lapsed; the message will be delivered again.
			c.logger.Warn("receipt handle expired before delete", "error", apiErr.ErrorMessage())
		}
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// isQueueMissing reports whether err is SQS rejecting an unknown queue URL.
func isQueueMissing(err error) bool {
	var notFound *types.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "AWS.SimpleQueueService.NonExistentQueue"
}

// Close closes the consumer (no-op for SQS, but satisfies interface).
func (c *Consumer) Close() error {
	return nil
}
