// Package dcaclient is a Go client for the execution engine's HTTP API.
//
// Cancel and Fill are signed with the client's key, so the engine sees the
// key's address as the caller. Errors returned by the engine unwrap to the
// entity sentinel errors and can be matched with errors.Is.
package dcaclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/pkg/blockchain"
)

// Config holds the configuration for the client.
type Config struct {
	// BaseURL is the engine's root URL, e.g. "http://localhost:8080".
	BaseURL string

	// Key signs cancel and fill requests. Required for those calls only.
	Key *ecdsa.PrivateKey

	Timeout   time.Duration
	RateLimit rate.Limit
	RateBurst int
	Logger    *slog.Logger
}

// DefaultConfig returns sensible defaults for the client.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8080",
		Timeout:   60 * time.Second,
		RateLimit: rate.Limit(10),
		RateBurst: 1,
		Logger:    slog.Default(),
	}
}

// Client talks to one engine.
type Client struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// APIError is a non-2xx response from the engine.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine error %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("engine error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Unwrap returns the engine sentinel matching Code, if any.
func (e *APIError) Unwrap() error {
	return entity.ErrorFromCode(e.Code)
}

// FillResult is the engine's answer to a successful fill.
type FillResult struct {
	OrderID    entity.OrderID
	AmountIn   *big.Int
	AmountOut  *big.Int
	FeeCharged *big.Int
	Balance    *big.Int
}

// Escrow is the engine's view of an active order.
type Escrow struct {
	OrderID           entity.OrderID
	Order             entity.Order
	Balance           *big.Int
	LastExecutionTime time.Time
	NextFillTime      time.Time
	Fillable          bool
}

// NewClient creates a client. Zero config fields take the defaults.
func NewClient(cfg Config) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("base URL must be http(s), got %q", cfg.BaseURL)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		key:        cfg.Key,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:     cfg.Logger.With("component", "dca-client"),
	}, nil
}

// Address returns the address requests are signed as, or the zero address
// when the client has no key.
func (c *Client) Address() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Deposit opens escrow of value for order and returns the order id.
func (c *Client) Deposit(ctx context.Context, order entity.Order, value *big.Int, fundingTx common.Hash) (entity.OrderID, error) {
	sig, err := c.sign("deposit", order)
	if err != nil {
		return entity.OrderID{}, err
	}
	body := map[string]any{"order": order, "value": value.String(), "fundingTx": fundingTx.Hex()}
	var resp struct {
		OrderID common.Hash `json:"orderId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders/deposit", body, sig, &resp); err != nil {
		return entity.OrderID{}, err
	}
	return resp.OrderID, nil
}

// Cancel closes order and returns the refunded amount.
func (c *Client) Cancel(ctx context.Context, order entity.Order) (*big.Int, error) {
	sig, err := c.sign("cancel", order)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Refund string `json:"refund"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders/cancel", map[string]any{"order": order}, sig, &resp); err != nil {
		return nil, err
	}
	return entity.ParseAmount(resp.Refund)
}

// Fill executes one epoch of order, charging fee to the escrow.
func (c *Client) Fill(ctx context.Context, order entity.Order, fee *big.Int) (*FillResult, error) {
	sig, err := c.sign("fill", order)
	if err != nil {
		return nil, err
	}
	body := map[string]any{"order": order, "relayerFee": fee.String()}
	var resp struct {
		OrderID    common.Hash `json:"orderId"`
		AmountIn   string      `json:"amountIn"`
		AmountOut  string      `json:"amountOut"`
		FeeCharged string      `json:"feeCharged"`
		Balance    string      `json:"balance"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders/fill", body, sig, &resp); err != nil {
		return nil, err
	}

	res := &FillResult{OrderID: resp.OrderID}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{{&res.AmountIn, resp.AmountIn}, {&res.AmountOut, resp.AmountOut}, {&res.FeeCharged, resp.FeeCharged}, {&res.Balance, resp.Balance}} {
		v, err := entity.ParseAmount(f.src)
		if err != nil {
			return nil, fmt.Errorf("parsing fill response: %w", err)
		}
		*f.dst = v
	}
	return res, nil
}

// GetOrder reads an active order.
func (c *Client) GetOrder(ctx context.Context, id entity.OrderID) (*Escrow, error) {
	var resp struct {
		OrderID           common.Hash  `json:"orderId"`
		Order             entity.Order `json:"order"`
		Balance           string       `json:"balance"`
		LastExecutionTime int64        `json:"lastExecutionTime"`
		NextFillTime      int64        `json:"nextFillTime"`
		Fillable          bool         `json:"fillable"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+id.Hex(), nil, nil, &resp); err != nil {
		return nil, err
	}
	balance, err := entity.ParseAmount(resp.Balance)
	if err != nil {
		return nil, fmt.Errorf("parsing balance: %w", err)
	}
	return &Escrow{
		OrderID:           resp.OrderID,
		Order:             resp.Order,
		Balance:           balance,
		LastExecutionTime: time.Unix(resp.LastExecutionTime, 0).UTC(),
		NextFillTime:      time.Unix(resp.NextFillTime, 0).UTC(),
		Fillable:          resp.Fillable,
	}, nil
}

func (c *Client) sign(action string, order entity.Order) ([]byte, error) {
	if c.key == nil {
		return nil, fmt.Errorf("%s requires a signing key", action)
	}
	id, err := order.ID()
	if err != nil {
		return nil, err
	}
	return blockchain.SignAction(c.key, action, id)
}

func (c *Client) do(ctx context.Context, method, path string, body any, sig []byte, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sig != nil {
		req.Header.Set("X-Signature", hexutil.Encode(sig))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			apiErr.Code, apiErr.Message = parsed.Code, parsed.Error
		}
		return apiErr
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
