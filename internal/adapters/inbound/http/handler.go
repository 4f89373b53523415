// handler.go provides the HTTP REST API of the execution engine.
//
//   - POST /v1/orders/deposit: open escrow for an order (signed by the owner)
//   - POST /v1/orders/cancel:  refund the owner (signed by the owner)
//   - POST /v1/orders/fill:    execute one epoch (signed by the relayer)
//   - GET  /v1/orders/{id}:    read an active order
//
// Every write identifies the caller by an EIP-191 signature of
// "dca:<action>:<orderId>" in the X-Signature header. A deposit names the
// owner's WETH transfer into custody that backs it.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/pkg/blockchain"
	"github.com/archon-research/dca/internal/ports/inbound"
)

// SignatureHeader carries the caller's signature of the action message.
const SignatureHeader = "X-Signature"

const maxBodyBytes = 1 << 20

var _ RouteRegistrar = (*Handler)(nil)

// Handler implements HTTP handlers for the API.
type Handler struct {
	service inbound.DCAService
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler with the given service.
func NewHandler(service inbound.DCAService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger.With("component", "http-api"),
	}
}

// RegisterRoutes registers the HTTP routes with the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/orders/deposit", h.Deposit)
	mux.HandleFunc("POST /v1/orders/cancel", h.Cancel)
	mux.HandleFunc("POST /v1/orders/fill", h.Fill)
	mux.HandleFunc("GET /v1/orders/{id}", h.GetOrder)
}

// Deposit handles POST /v1/orders/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := entity.ParseAmount(req.Value)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "", fmt.Sprintf("invalid value: %v", err))
		return
	}
	fundingTx, err := parseHash(req.FundingTx)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "", "fundingTx "+err.Error())
		return
	}
	caller, ok := h.authenticate(w, r, "deposit", req.Order)
	if !ok {
		return
	}

	res, err := h.service.Deposit(r.Context(), inbound.DepositRequest{
		Order:     req.Order,
		Caller:    caller,
		Value:     value,
		FundingTx: fundingTx,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(h.logger, w, http.StatusCreated, DepositResponse{OrderID: res.OrderID.Hex()})
}

// Cancel handles POST /v1/orders/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	caller, ok := h.authenticate(w, r, "cancel", req.Order)
	if !ok {
		return
	}

	res, err := h.service.Cancel(r.Context(), inbound.CancelRequest{Order: req.Order, Caller: caller})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, CancelResponse{
		OrderID: res.OrderID.Hex(),
		Refund:  amountString(res.Refund),
	})
}

// Fill handles POST /v1/orders/fill.
func (h *Handler) Fill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !h.decode(w, r, &req) {
		return
	}
	fee, err := entity.ParseAmount(req.RelayerFee)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "", fmt.Sprintf("invalid relayerFee: %v", err))
		return
	}
	caller, ok := h.authenticate(w, r, "fill", req.Order)
	if !ok {
		return
	}

	res, err := h.service.Fill(r.Context(), inbound.FillRequest{Order: req.Order, Caller: caller, RelayerFee: fee})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, FillResponse{
		OrderID:    res.OrderID.Hex(),
		AmountIn:   amountString(res.AmountIn),
		AmountOut:  amountString(res.AmountOut),
		FeeCharged: amountString(res.FeeCharged),
		Balance:    amountString(res.Balance),
	})
}

// GetOrder handles GET /v1/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "", "order id "+err.Error())
		return
	}

	record, err := h.service.GetEscrow(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, newEscrowResponse(record))
}

func parseHash(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errors.New("must be a 0x-prefixed 32 byte hex string")
	}
	return common.BytesToHash(b), nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// authenticate recovers the caller from the signature header. The order must
// be valid to derive the id the signature commits to.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, action string, order entity.Order) (common.Address, bool) {
	id, err := order.ID()
	if err != nil {
		h.respondServiceError(w, err)
		return common.Address{}, false
	}
	header := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if header == "" {
		h.respondError(w, http.StatusUnauthorized, "", "missing "+SignatureHeader+" header")
		return common.Address{}, false
	}
	sig, err := hexutil.Decode(header)
	if err != nil {
		h.respondError(w, http.StatusUnauthorized, "", "malformed signature")
		return common.Address{}, false
	}
	caller, err := blockchain.RecoverActionSigner(action, id, sig)
	if err != nil {
		h.respondError(w, http.StatusUnauthorized, "", err.Error())
		return common.Address{}, false
	}
	return caller, true
}

// StatusForError maps an engine error to its HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, entity.ErrZeroValue),
		errors.Is(err, entity.ErrInvalidOrder),
		errors.Is(err, entity.ErrInvalidFee),
		errors.Is(err, entity.ErrUnsupportedRoute):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, entity.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrDuplicateOrder),
		errors.Is(err, entity.ErrFundingReused):
		return http.StatusConflict
	case errors.Is(err, entity.ErrEpochNotElapsed):
		return http.StatusTooEarly
	case errors.Is(err, entity.ErrExpiryPassed),
		errors.Is(err, entity.ErrUnfundedDeposit),
		errors.Is(err, entity.ErrFeeTooHigh),
		errors.Is(err, entity.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, entity.ErrSwapFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		h.respondError(w, status, "", "internal error")
		return
	}
	h.respondError(w, status, entity.ErrorCode(err), err.Error())
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(h.logger, w, status, ErrorResponse{Error: message, Code: code})
}
