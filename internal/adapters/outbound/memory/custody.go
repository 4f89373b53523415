package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/dca/internal/domain/entity"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var (
	_ outbound.FundingVerifier = (*Custody)(nil)
	_ outbound.Payer           = (*Custody)(nil)
)

// Transfer is a payment out of the simulated custody account.
type Transfer struct {
	Hash      common.Hash
	Token     common.Address
	Recipient common.Address
	Amount    *big.Int
}

// Custody simulates the custody account next to the in-memory router.
// Transfers in are registered with Fund; transfers out are signed, kept and
// executed once on their first broadcast.
type Custody struct {
	mu          sync.Mutex
	selfFunding bool
	funded      map[common.Hash]outbound.Funding
	signed      map[common.Hash]Transfer
	executed    map[common.Hash]bool
	transfers   []Transfer
	nonce       uint64
}

// NewCustody returns a custody that only accepts funding registered with Fund.
func NewCustody() *Custody {
	return &Custody{
		funded:   make(map[common.Hash]outbound.Funding),
		signed:   make(map[common.Hash]Transfer),
		executed: make(map[common.Hash]bool),
	}
}

// NewSelfFundingCustody returns a custody that treats every deposit as
// funded by the hash it names. Only for the simulated venue, where no real
// value is held.
func NewSelfFundingCustody() *Custody {
	c := NewCustody()
	c.selfFunding = true
	return c
}

// Fund registers a transfer into custody.
func (c *Custody) Fund(f outbound.Funding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.Amount = new(big.Int).Set(f.Amount)
	c.funded[f.TxHash] = f
}

// VerifyFunding matches f against the registered transfer with the same hash.
func (c *Custody) VerifyFunding(ctx context.Context, f outbound.Funding) error {
	if f.TxHash == (common.Hash{}) {
		return fmt.Errorf("%w: no funding transaction", entity.ErrUnfundedDeposit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selfFunding {
		return nil
	}
	got, ok := c.funded[f.TxHash]
	if !ok {
		return fmt.Errorf("%w: unknown transaction %s", entity.ErrUnfundedDeposit, f.TxHash.Hex())
	}
	if got.From != f.From || got.Token != f.Token || got.Amount.Cmp(f.Amount) != 0 {
		return fmt.Errorf("%w: %s moved %s of %s from %s", entity.ErrUnfundedDeposit,
			f.TxHash.Hex(), got.Amount, got.Token.Hex(), got.From.Hex())
	}
	return nil
}

// SignTransfer prepares a payment. Raw is the transfer hash.
func (c *Custody) SignTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int) (*outbound.SignedTransfer, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("transfer amount must be non-negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce++
	hash := crypto.Keccak256Hash(
		token.Bytes(),
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		new(big.Int).SetUint64(c.nonce).Bytes(),
	)
	c.signed[hash] = Transfer{Hash: hash, Token: token, Recipient: recipient, Amount: new(big.Int).Set(amount)}
	return &outbound.SignedTransfer{Hash: hash, Raw: hash.Bytes()}, nil
}

// Broadcast executes a signed transfer the first time it is seen.
func (c *Custody) Broadcast(ctx context.Context, raw []byte) error {
	hash := common.BytesToHash(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.signed[hash]
	if !ok {
		return fmt.Errorf("unknown transfer %s", hash.Hex())
	}
	if c.executed[hash] {
		return nil
	}
	c.executed[hash] = true
	c.transfers = append(c.transfers, t)
	return nil
}

// TransferStatus reports executed transfers as succeeded.
func (c *Custody) TransferStatus(ctx context.Context, hash common.Hash) (outbound.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executed[hash] {
		return outbound.TransferSucceeded, nil
	}
	return outbound.TransferPending, nil
}

// Transfers returns every executed payment in order.
func (c *Custody) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transfer, len(c.transfers))
	for i, t := range c.transfers {
		t.Amount = new(big.Int).Set(t.Amount)
		out[i] = t
	}
	return out
}

// Paid returns the total amount of token transferred to recipient.
func (c *Custody) Paid(token, recipient common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := new(big.Int)
	for _, t := range c.transfers {
		if t.Token == token && t.Recipient == recipient {
			total.Add(total, t.Amount)
		}
	}
	return total
}
