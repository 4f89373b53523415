// Package main runs the relayer: it follows engine events from SQS, keeps an
// index of active orders by due time, and submits fills to the engine when
// each order's epoch elapses.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	httpapi "github.com/archon-research/dca/internal/adapters/inbound/http"
	"github.com/archon-research/dca/internal/adapters/outbound/memory"
	"github.com/archon-research/dca/internal/adapters/outbound/redis"
	sqsadapter "github.com/archon-research/dca/internal/adapters/outbound/sqs"
	"github.com/archon-research/dca/internal/adapters/outbound/telemetry"
	"github.com/archon-research/dca/internal/pkg/blockchain"
	"github.com/archon-research/dca/internal/pkg/env"
	"github.com/archon-research/dca/internal/ports/outbound"
	"github.com/archon-research/dca/internal/services/relayer"
	"github.com/archon-research/dca/pkg/dcaclient"
)

const serviceName = "dca-relayer"

type options struct {
	engineURL    string
	healthAddr   string
	queueURL     string
	index        string
	redisAddr    string
	fee          *big.Int
	rateLimit    float64
	batchSize    int
	pollInterval time.Duration
	otlp         string
	relayerKey   string
}

func parseFlags(args []string) (options, error) {
	var (
		o   options
		fee string
	)
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&o.engineURL, "engine", env.Get("DCA_ENGINE_URL", "http://localhost:8080"), "Engine base URL")
	fs.StringVar(&o.healthAddr, "addr", env.Get("HEALTH_ADDR", ":8081"), "Health endpoint listen address")
	fs.StringVar(&o.queueURL, "queue", env.Get("AWS_SQS_QUEUE_URL", ""), "SQS queue subscribed to the engine topic (empty disables event consumption)")
	fs.StringVar(&o.index, "index", env.Get("RELAYER_INDEX", "memory"), "Order index: memory or redis")
	fs.StringVar(&o.redisAddr, "redis", env.Get("REDIS_ADDR", ""), "Redis address")
	fs.StringVar(&fee, "fee", env.Get("RELAYER_FEE", "0"), "Fee asked per fill, in input asset units (e.g. 0.001)")
	fs.Float64Var(&o.rateLimit, "rate", 5, "Maximum fill submissions per second")
	fs.IntVar(&o.batchSize, "batch", env.GetInt("RELAYER_BATCH_SIZE", 50), "Maximum fills per poll")
	fs.DurationVar(&o.pollInterval, "poll", env.GetDuration("RELAYER_POLL_INTERVAL", 5*time.Second), "How often due orders are checked")
	fs.StringVar(&o.otlp, "otlp", env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC endpoint (empty disables export)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	parsed, err := blockchain.ParseUnits(fee, 18)
	if err != nil {
		return options{}, fmt.Errorf("invalid fee: %w", err)
	}
	if parsed.Sign() < 0 {
		return options{}, fmt.Errorf("fee must be non-negative, got %s", fee)
	}
	o.fee = parsed
	o.relayerKey = env.Get("RELAYER_PRIVATE_KEY", "")
	return o, o.validate()
}

func (o options) validate() error {
	if o.relayerKey == "" {
		return errors.New("RELAYER_PRIVATE_KEY is required")
	}
	switch o.index {
	case "memory":
	case "redis":
		if o.redisAddr == "" {
			return errors.New("redis index requires -redis or REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown index %q", o.index)
	}
	if o.rateLimit <= 0 {
		return fmt.Errorf("rate must be positive, got %v", o.rateLimit)
	}
	return nil
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	if err := run(context.Background(), opts, logger); err != nil {
		logger.Error("relayer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	key, err := parseKey(opts.relayerKey)
	if err != nil {
		return fmt.Errorf("invalid RELAYER_PRIVATE_KEY: %w", err)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: env.Get("SERVICE_VERSION", "dev"),
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   opts.otlp,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	client, err := dcaclient.NewClient(dcaclient.Config{
		BaseURL:   opts.engineURL,
		Key:       key,
		RateLimit: rate.Limit(opts.rateLimit),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	index, err := buildIndex(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Warn("failed to close order index", "error", err)
		}
	}()

	var consumer outbound.SQSConsumer
	if opts.queueURL != "" {
		c, err := buildConsumer(ctx, opts, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		consumer = c
	} else {
		logger.Warn("no queue configured, the index must be fed by another relayer")
	}

	cfg := relayer.ConfigDefaults()
	cfg.Fee = opts.fee
	cfg.BatchSize = opts.batchSize
	cfg.FillPollInterval = opts.pollInterval
	cfg.RateLimit = rate.Limit(opts.rateLimit)
	cfg.Logger = logger
	service, err := relayer.NewService(cfg, consumer, index, client)
	if err != nil {
		return fmt.Errorf("failed to create relayer: %w", err)
	}

	var shuttingDown atomic.Bool
	health := httpapi.NewHealthServer(httpapi.HealthServerConfig{
		Addr:   opts.healthAddr,
		Logger: logger,
	}, service, &shuttingDown)
	health.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relayer: %w", err)
	}
	logger.Info("relayer running",
		"engine", opts.engineURL,
		"relayer", client.Address(),
		"index", opts.index)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down...", "signal", sig)

	shuttingDown.Store(true)
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := service.Stop(); err != nil {
			logger.Error("error stopping relayer", "error", err)
		}
	}()
	select {
	case <-shutdownDone:
	case <-time.After(25 * time.Second):
		return errors.New("shutdown timed out")
	}

	if err := health.Shutdown(5 * time.Second); err != nil {
		logger.Error("error stopping health server", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func buildIndex(ctx context.Context, opts options, logger *slog.Logger) (outbound.OrderIndex, error) {
	if opts.index == "memory" {
		return memory.NewOrderIndex(), nil
	}

	cfg := redis.ConfigDefaults()
	cfg.Addr = opts.redisAddr
	cfg.Password = env.Get("REDIS_PASSWORD", "")
	cfg.KeyPrefix = env.Get("REDIS_KEY_PREFIX", cfg.KeyPrefix)
	index, err := redis.NewOrderIndex(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := index.Ping(ctx); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Redis connected", "addr", opts.redisAddr)
	return index, nil
}

func buildConsumer(ctx context.Context, opts options, logger *slog.Logger) (*sqsadapter.Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(env.Get("AWS_REGION", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cfg := sqsadapter.ConfigDefaults()
	cfg.QueueURL = opts.queueURL
	return sqsadapter.NewConsumer(awsCfg, cfg, logger, func(o *sqs.Options) {
		if endpoint := env.Get("AWS_SQS_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}
