// Package sns implements the EventSink interface using AWS SNS.
//
// Committed engine events are published to a single topic as
// outbound.EventMessage JSON, so subscribers can decode them without
// looking at attributes. Message attributes still carry the event type and
// order id for subscription filter policies.
//
// On FIFO topics (ARN ending in ".fifo") the order id is the message group,
// which keeps the events of one order in commit order.
//
// For testing, use the memory.EventSink adapter instead.
package sns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/dca/internal/pkg/retry"
	"github.com/archon-research/dca/internal/ports/outbound"
)

// Compile-time check that EventSink implements outbound.EventSink
var _ outbound.EventSink = (*EventSink)(nil)

// SNSPublisher defines the subset of SNS client methods used by EventSink.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS event sink.
type Config struct {
	// TopicARN is the topic every engine event is published to.
	TopicARN string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each retry.
	BackoffFactor float64

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Logger:         slog.Default(),
	}
}

// EventSink publishes events to AWS SNS.
type EventSink struct {
	client SNSPublisher
	config Config
	fifo   bool
	logger *slog.Logger

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewEventSink creates a new SNS event sink.
func NewEventSink(client SNSPublisher, config Config) (*EventSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &EventSink{
		client: client,
		config: config,
		fifo:   strings.HasSuffix(config.TopicARN, ".fifo"),
		logger: config.Logger.With("component", "sns-eventsink"),
	}, nil
}

// Publish publishes an event to SNS.
func (s *EventSink) Publish(ctx context.Context, event outbound.Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("event sink is closed")
	}
	s.mu.RUnlock()

	message, err := outbound.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	orderID := event.GetOrderID().Hex()
	input := &sns.PublishInput{
		TopicArn: aws.String(s.config.TopicARN),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.EventType())),
			},
			"orderId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(orderID),
			},
		},
	}
	if s.fifo {
		input.MessageGroupId = aws.String(orderID)
		input.MessageDeduplicationId = aws.String(crypto.Keccak256Hash(message).Hex())
	}

	cfg := retry.Config{
		MaxRetries:     s.config.MaxRetries,
		InitialBackoff: s.config.InitialBackoff,
		MaxBackoff:     s.config.MaxBackoff,
		BackoffFactor:  s.config.BackoffFactor,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("publish failed, retrying",
			"attempt", attempt,
			"maxRetries", s.config.MaxRetries,
			"backoff", backoff,
			"error", err,
			"eventType", event.EventType(),
			"orderId", orderID,
		)
	}

	err = retry.DoVoid(ctx, cfg, isRetryableError, onRetry, func() error {
		_, err := s.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		s.logger.Error("failed to publish event",
			"error", err,
			"eventType", event.EventType(),
			"orderId", orderID,
		)
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var throttleErr *types.ThrottledException
	if errors.As(err, &throttleErr) {
		return true
	}
	var internalErr *types.InternalErrorException
	if errors.As(err, &internalErr) {
		return true
	}
	var kmsThrottleErr *types.KMSThrottlingException
	if errors.As(err, &kmsThrottleErr) {
		return true
	}

	// Requests the topic rejects will not succeed on retry.
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) {
		return false
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var authErr *types.AuthorizationErrorException
	if errors.As(err, &authErr) {
		return false
	}

	// Network issues and unknown errors.
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *EventSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS event sink closed")
	})
	return nil
}
