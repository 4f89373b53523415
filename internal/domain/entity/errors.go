package entity

import "errors"

// Engine errors. Every one of them aborts the operation with no state change.
var (
	ErrZeroValue         = errors.New("deposit value is zero")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrUnknownOrder      = errors.New("order does not exist")
	ErrNotOwner          = errors.New("caller is not the order owner")
	ErrExpiryPassed      = errors.New("order expiry date has passed")
	ErrEpochNotElapsed   = errors.New("epoch has not elapsed since last execution")
	ErrFeeTooHigh        = errors.New("relayer fee exceeds order maximum")
	ErrInsufficientFunds = errors.New("escrow balance cannot cover epoch amount and fee")
	ErrSwapFailed        = errors.New("swap failed")
	ErrUnfundedDeposit   = errors.New("deposit is not backed by a matching transfer into custody")
	ErrFundingReused     = errors.New("funding transaction already backs a deposit")

	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidFee       = errors.New("invalid relayer fee")
	ErrUnsupportedRoute = errors.New("unsupported route")
)

// IsRetryable reports whether resubmitting the same call later may succeed.
// EpochNotElapsed resolves with time; SwapFailed depends on venue state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEpochNotElapsed) || errors.Is(err, ErrSwapFailed)
}

// ErrorCode returns the stable wire code for an engine error, or "" if err is
// not one of the engine sentinels.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrZeroValue):
		return "ZERO_VALUE"
	case errors.Is(err, ErrDuplicateOrder):
		return "DUPLICATE_ORDER"
	case errors.Is(err, ErrUnknownOrder):
		return "UNKNOWN_ORDER"
	case errors.Is(err, ErrNotOwner):
		return "NOT_OWNER"
	case errors.Is(err, ErrExpiryPassed):
		return "EXPIRY_PASSED"
	case errors.Is(err, ErrEpochNotElapsed):
		return "EPOCH_NOT_ELAPSED"
	case errors.Is(err, ErrFeeTooHigh):
		return "FEE_TOO_HIGH"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrSwapFailed):
		return "SWAP_FAILED"
	case errors.Is(err, ErrUnfundedDeposit):
		return "UNFUNDED_DEPOSIT"
	case errors.Is(err, ErrFundingReused):
		return "FUNDING_REUSED"
	case errors.Is(err, ErrInvalidOrder):
		return "INVALID_ORDER"
	case errors.Is(err, ErrInvalidFee):
		return "INVALID_FEE"
	case errors.Is(err, ErrUnsupportedRoute):
		return "UNSUPPORTED_ROUTE"
	default:
		return ""
	}
}

// ErrorFromCode is the inverse of ErrorCode. Unknown codes return nil.
func ErrorFromCode(code string) error {
	for _, err := range []error{
		ErrZeroValue, ErrDuplicateOrder, ErrUnknownOrder, ErrNotOwner,
		ErrExpiryPassed, ErrEpochNotElapsed, ErrFeeTooHigh, ErrInsufficientFunds,
		ErrSwapFailed, ErrUnfundedDeposit, ErrFundingReused, ErrInvalidOrder, ErrInvalidFee, ErrUnsupportedRoute,
	} {
		if ErrorCode(err) == code {
			return err
		}
	}
	return nil
}
