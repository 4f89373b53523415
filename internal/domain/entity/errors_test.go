package entity

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode_WrappedSentinels(t *testing.T) {
	wrapped := fmt.Errorf("fill 0xabc: %w", ErrEpochNotElapsed)
	if got := ErrorCode(wrapped); got != "EPOCH_NOT_ELAPSED" {
		t.Errorf("expected EPOCH_NOT_ELAPSED, got %q", got)
	}
	if got := ErrorCode(errors.New("boom")); got != "" {
		t.Errorf("expected empty code for foreign error, got %q", got)
	}
}

func TestErrorFromCode_Inverse(t *testing.T) {
	for _, sentinel := range []error{ErrZeroValue, ErrNotOwner, ErrSwapFailed, ErrUnfundedDeposit, ErrFundingReused, ErrUnsupportedRoute} {
		if got := ErrorFromCode(ErrorCode(sentinel)); got != sentinel {
			t.Errorf("round trip of %v gave %v", sentinel, got)
		}
	}
	if ErrorFromCode("NOPE") != nil {
		t.Error("expected nil for unknown code")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("x: %w", ErrSwapFailed)) {
		t.Error("swap failures are retryable")
	}
	if !IsRetryable(ErrEpochNotElapsed) {
		t.Error("epoch gate is retryable")
	}
	if IsRetryable(ErrUnknownOrder) || IsRetryable(ErrNotOwner) {
		t.Error("unknown order and not owner are terminal")
	}
}
