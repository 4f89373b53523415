// Package main runs the DCA execution engine: the escrow ledger, the swap
// router, the HTTP API that deposits, cancels and fills orders, and the
// settlement worker that pays refunds and relayer fees out of custody.
//
// Every adapter has an in-process variant so the engine runs locally with no
// infrastructure:
//
//	dca-engine -router=memory -store=memory -sink=memory
//
// The in-process router accepts any non-zero fundingTx as deposit backing
// since it holds no real value.
//
// Production uses Uniswap V2 over an Ethereum RPC, PostgreSQL and SNS:
//
//	dca-engine -router=uniswap -store=postgres -sink=sns
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
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"

	httpapi "github.com/archon-research/dca/internal/adapters/inbound/http"
	"github.com/archon-research/dca/internal/adapters/outbound/memory"
	"github.com/archon-research/dca/internal/adapters/outbound/postgres"
	snsadapter "github.com/archon-research/dca/internal/adapters/outbound/sns"
	"github.com/archon-research/dca/internal/adapters/outbound/telemetry"
	"github.com/archon-research/dca/internal/adapters/outbound/uniswap"
	"github.com/archon-research/dca/internal/pkg/blockchain"
	"github.com/archon-research/dca/internal/pkg/blockchain/multicall"
	"github.com/archon-research/dca/internal/pkg/env"
	"github.com/archon-research/dca/internal/ports/inbound"
	"github.com/archon-research/dca/internal/ports/outbound"
	"github.com/archon-research/dca/internal/services/dca_engine"
	"github.com/archon-research/dca/internal/services/settlement"
	"github.com/archon-research/dca/internal/services/shared"
)

const serviceName = "dca-engine"

// ledger is an escrow store that also drives payouts to settlement.
type ledger interface {
	outbound.EscrowStore
	outbound.PayoutLedger
}

// custodian checks deposits into and pays out of the custody account.
type custodian interface {
	outbound.FundingVerifier
	outbound.Payer
}

type options struct {
	addr        string
	network     string
	router      string
	store       string
	sink        string
	dbURL       string
	rpcURL      string
	custodyKey  string
	chainID     int64
	topicARN    string
	slippageBps uint
	swapTimeout time.Duration
	settleEvery time.Duration
	otlp        string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", env.Get("API_ADDR", ":8080"), "HTTP listen address for the API and health endpoints")
	fs.StringVar(&o.network, "network", env.Get("NETWORK", "mainnet"), "Address book network ("+strings.Join(blockchain.Networks(), ", ")+")")
	fs.StringVar(&o.router, "router", env.Get("DCA_ROUTER", "memory"), "Swap router: memory or uniswap")
	fs.StringVar(&o.store, "store", env.Get("DCA_STORE", "memory"), "Escrow store: memory or postgres")
	fs.StringVar(&o.sink, "sink", env.Get("DCA_SINK", "memory"), "Event sink: memory or sns")
	fs.StringVar(&o.dbURL, "db", env.Get("DATABASE_URL", ""), "PostgreSQL connection URL")
	fs.StringVar(&o.rpcURL, "rpc", env.Get("ETH_RPC_URL", ""), "Ethereum JSON-RPC URL")
	fs.StringVar(&o.topicARN, "topic", env.Get("AWS_SNS_TOPIC_ARN", ""), "SNS topic ARN for engine events")
	fs.Int64Var(&o.chainID, "chain-id", int64(env.GetInt("CHAIN_ID", 1)), "Chain ID used to sign transactions")
	fs.UintVar(&o.slippageBps, "slippage-bps", uint(env.GetInt("SLIPPAGE_BPS", 50)), "Tolerated swap slippage in basis points")
	fs.DurationVar(&o.swapTimeout, "swap-timeout", env.GetDuration("SWAP_TIMEOUT", 30*time.Second), "Deadline for a swap to be mined")
	fs.DurationVar(&o.settleEvery, "settle-interval", env.GetDuration("SETTLE_INTERVAL", 5*time.Second), "How often pending payouts are sent")
	fs.StringVar(&o.otlp, "otlp", env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP gRPC endpoint (empty disables export)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.custodyKey = env.Get("CUSTODY_PRIVATE_KEY", "")
	return o, o.validate()
}

func (o options) validate() error {
	switch o.router {
	case "memory":
	case "uniswap":
		if o.rpcURL == "" {
			return errors.New("uniswap router requires -rpc or ETH_RPC_URL")
		}
		if o.custodyKey == "" {
			return errors.New("uniswap router requires CUSTODY_PRIVATE_KEY")
		}
	default:
		return fmt.Errorf("unknown router %q", o.router)
	}
	switch o.store {
	case "memory":
	case "postgres":
		if o.dbURL == "" {
			return errors.New("postgres store requires -db or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store %q", o.store)
	}
	switch o.sink {
	case "memory":
	case "sns":
		if o.topicARN == "" {
			return errors.New("sns sink requires -topic or AWS_SNS_TOPIC_ARN")
		}
	default:
		return fmt.Errorf("unknown sink %q", o.sink)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	book, err := blockchain.AddressBookFor(opts.network)
	if err != nil {
		return err
	}

	telemetryConfig := telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: env.Get("SERVICE_VERSION", "dev"),
		Environment:    env.Get("ENVIRONMENT", "development"),
		OTLPEndpoint:   opts.otlp,
	}
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetryConfig)
	if err != nil {
		return err
	}
	defer flush(logger, "metrics", shutdownMetrics)
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetryConfig)
	if err != nil {
		return err
	}
	defer flush(logger, "tracer", shutdownTracer)

	metrics, err := shared.NewAppTelemetry()
	if err != nil {
		return fmt.Errorf("failed to create telemetry: %w", err)
	}

	store, closeStore, err := buildStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	router, custody, err := buildRouter(ctx, opts, book, logger)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close event sink", "error", err)
		}
	}()

	engine, err := dca_engine.NewEngine(dca_engine.Config{
		WrappedNative: book.WETH,
		SwapTimeout:   opts.swapTimeout,
		Logger:        logger,
	}, store, router, custody, sink, metrics)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	settler, err := settlement.NewService(settlement.Config{
		PollInterval: opts.settleEvery,
		Logger:       logger,
	}, store, custody)
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	if err := settler.Start(ctx); err != nil {
		return err
	}

	// a fill may wait out the swap deadline plus the router's grace
	requestBudget := opts.swapTimeout + uniswap.ConfigDefaults().SettleGrace

	var shuttingDown atomic.Bool
	server := httpapi.NewHealthServer(httpapi.HealthServerConfig{
		Addr:         opts.addr,
		Logger:       logger,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestBudget + 10*time.Second,
		Routes:       []httpapi.RouteRegistrar{httpapi.NewHandler(engine, logger)},
	}, health{engine: engine, workers: []inbound.HealthChecker{settler}}, &shuttingDown)
	server.Start()

	logger.Info("engine started",
		"addr", opts.addr,
		"network", book.Network,
		"router", opts.router,
		"store", opts.store,
		"sink", opts.sink)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down...", "signal", sig)
	case <-ctx.Done():
	}

	// Fail the health checks first so the load balancer stops routing to us.
	shuttingDown.Store(true)
	if err := server.Shutdown(requestBudget + 5*time.Second); err != nil {
		logger.Error("error stopping http server", "error", err)
	}
	if err := settler.Stop(); err != nil {
		logger.Error("error stopping settlement", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// health is ready when the engine is, and healthy while the engine and every
// background worker are.
type health struct {
	engine  inbound.HealthChecker
	workers []inbound.HealthChecker
}

func (h health) IsReady() bool { return h.engine.IsReady() }

func (h health) IsHealthy() bool {
	if !h.engine.IsHealthy() {
		return false
	}
	for _, w := range h.workers {
		if !w.IsHealthy() {
			return false
		}
	}
	return true
}

func buildStore(ctx context.Context, opts options, logger *slog.Logger) (ledger, func(), error) {
	if opts.store == "memory" {
		return memory.NewEscrowStore(), func() {}, nil
	}

	pool, err := postgres.OpenPool(ctx, postgres.DefaultPoolConfig(opts.dbURL))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	store, err := postgres.NewEscrowStore(pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("PostgreSQL connected")
	return store, pool.Close, nil
}

// buildRouter returns the swap venue and the custody account behind it.
func buildRouter(ctx context.Context, opts options, book blockchain.AddressBook, logger *slog.Logger) (outbound.SwapRouter, custodian, error) {
	if opts.router == "memory" {
		router := memory.NewRouter()
		// Demo liquidity at 2000 DAI per WETH.
		if err := router.AddPool(book.WETH, book.DAI,
			blockchain.MustParseUnits("1000", 18),
			blockchain.MustParseUnits("2000000", 18)); err != nil {
			return nil, nil, err
		}
		return router, memory.NewSelfFundingCustody(), nil
	}

	key, err := parseKey(opts.custodyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid CUSTODY_PRIVATE_KEY: %w", err)
	}
	client, err := ethclient.DialContext(ctx, opts.rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}
	mc, err := multicall.NewClient(client, blockchain.Multicall3)
	if err != nil {
		return nil, nil, err
	}

	cfg := uniswap.ConfigDefaults()
	cfg.Book = book
	cfg.ChainID = big.NewInt(opts.chainID)
	cfg.Key = key
	cfg.SlippageBps = uint32(opts.slippageBps)
	cfg.Deadline = opts.swapTimeout
	cfg.Logger = logger
	router, err := uniswap.NewRouter(cfg, client, mc)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Ethereum node connected", "custody", router.Custody())
	return router, router, nil
}

func buildSink(ctx context.Context, opts options, logger *slog.Logger) (outbound.EventSink, error) {
	if opts.sink == "memory" {
		return memory.NewEventSink(), nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(env.Get("AWS_REGION", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint := env.Get("AWS_SNS_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	cfg := snsadapter.ConfigDefaults()
	cfg.TopicARN = opts.topicARN
	cfg.Logger = logger
	return snsadapter.NewEventSink(client, cfg)
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
}

func flush(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("failed to flush telemetry", "provider", name, "error", err)
	}
}
