package http

import (
	"math/big"

	"github.com/archon-research/dca/internal/domain/entity"
)

// Amounts are base-10 strings so JSON clients never lose precision.

type depositRequest struct {
	Order     entity.Order `json:"order"`
	Value     string       `json:"value"`
	FundingTx string       `json:"fundingTx"`
}

type cancelRequest struct {
	Order entity.Order `json:"order"`
}

type fillRequest struct {
	Order      entity.Order `json:"order"`
	RelayerFee string       `json:"relayerFee"`
}

// DepositResponse is the body of a successful deposit.
type DepositResponse struct {
	OrderID string `json:"orderId"`
}

// CancelResponse is the body of a successful cancel.
type CancelResponse struct {
	OrderID string `json:"orderId"`
	Refund  string `json:"refund"`
}

// FillResponse is the body of a successful fill.
type FillResponse struct {
	OrderID    string `json:"orderId"`
	AmountIn   string `json:"amountIn"`
	AmountOut  string `json:"amountOut"`
	FeeCharged string `json:"feeCharged"`
	Balance    string `json:"balance"`
}

// EscrowResponse describes an active order.
type EscrowResponse struct {
	OrderID           string       `json:"orderId"`
	Order             entity.Order `json:"order"`
	Balance           string       `json:"balance"`
	LastExecutionTime int64        `json:"lastExecutionTime"`
	NextFillTime      int64        `json:"nextFillTime"`
	CreatedAt         int64        `json:"createdAt"`
	Fillable          bool         `json:"fillable"`
}

// ErrorResponse is the body of every failed request. Code is one of the
// stable engine codes, or empty for transport and internal errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func newEscrowResponse(r *entity.EscrowRecord) EscrowResponse {
	return EscrowResponse{
		OrderID:           r.OrderID.Hex(),
		Order:             r.Order,
		Balance:           amountString(r.Balance),
		LastExecutionTime: r.LastExecutionTime.Unix(),
		NextFillTime:      r.NextFillTime().Unix(),
		CreatedAt:         r.CreatedAt.Unix(),
		Fillable:          r.Fillable(),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
