package blockchain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature is malformed or does not recover.
var ErrInvalidSignature = errors.New("invalid signature")

// ActionMessage is the text a caller signs to authorize action on an order.
func ActionMessage(action string, orderID common.Hash) string {
	return fmt.Sprintf("dca:%s:%s", action, orderID.Hex())
}

// SignAction produces an EIP-191 personal_sign signature of ActionMessage
// with V in {27, 28}, as wallets return it.
func SignAction(key *ecdsa.PrivateKey, action string, orderID common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(ActionMessage(action, orderID))), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", action, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverActionSigner returns the address that signed ActionMessage.
// Both V conventions (0/1 and 27/28) are accepted.
func RecoverActionSigner(action string, orderID common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(ActionMessage(action, orderID))), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
