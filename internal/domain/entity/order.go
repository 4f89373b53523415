package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OrderID is the commitment identifying an order: keccak256 of the ABI
// encoding of all of its fields.
type OrderID = common.Hash

// Order is a recurring conversion instruction. It is a value type; two orders
// with identical fields are the same logical order.
type Order struct {
	Owner         common.Address
	Beneficiary   common.Address
	OutputToken   common.Address
	EpochAmount   *big.Int
	MaxRelayerFee *big.Int
	Salt          *big.Int
	Epoch         uint64 // seconds
	ExpiryDate    uint64 // unix seconds
	Path          []common.Address
}

// orderTuple mirrors the ABI tuple layout. Field names must match the
// camel-cased component names below for the ABI packer.
type orderTuple struct {
	Owner         common.Address
	Beneficiary   common.Address
	OutputToken   common.Address
	EpochAmount   *big.Int
	MaxRelayerFee *big.Int
	Salt          *big.Int
	Epoch         *big.Int
	ExpiryDate    *big.Int
	Path          []common.Address
}

var orderArguments = mustOrderArguments()

func mustOrderArguments() abi.Arguments {
	tupleType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "owner", Type: "address"},
		{Name: "beneficiary", Type: "address"},
		{Name: "outputToken", Type: "address"},
		{Name: "epochAmount", Type: "uint256"},
		{Name: "maxRelayerFee", Type: "uint256"},
		{Name: "salt", Type: "uint256"},
		{Name: "epoch", Type: "uint256"},
		{Name: "expiryDate", Type: "uint256"},
		{Name: "path", Type: "address[]"},
	})
	if err != nil {
		panic(fmt.Sprintf("building order ABI type: %v", err))
	}
	return abi.Arguments{{Name: "order", Type: tupleType}}
}

// Validate checks the structural rules every order must satisfy.
func (o Order) Validate() error {
	if o.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner must not be the zero address", ErrInvalidOrder)
	}
	if o.Beneficiary == (common.Address{}) {
		return fmt.Errorf("%w: beneficiary must not be the zero address", ErrInvalidOrder)
	}
	if o.EpochAmount == nil || o.EpochAmount.Sign() <= 0 {
		return fmt.Errorf("%w: epoch amount must be positive", ErrInvalidOrder)
	}
	if o.MaxRelayerFee == nil || o.MaxRelayerFee.Sign() < 0 {
		return fmt.Errorf("%w: max relayer fee must be non-negative", ErrInvalidOrder)
	}
	if o.Salt == nil || o.Salt.Sign() < 0 {
		return fmt.Errorf("%w: salt must be non-negative", ErrInvalidOrder)
	}
	if o.Epoch == 0 {
		return fmt.Errorf("%w: epoch must be positive", ErrInvalidOrder)
	}
	if len(o.Path) < 2 {
		return fmt.Errorf("%w: path needs at least two assets, got %d", ErrInvalidOrder, len(o.Path))
	}
	if o.Path[len(o.Path)-1] != o.OutputToken {
		return fmt.Errorf("%w: path must end with the output token %s", ErrInvalidOrder, o.OutputToken.Hex())
	}
	return nil
}

// InputToken returns the asset held in escrow.
func (o Order) InputToken() common.Address {
	if len(o.Path) == 0 {
		return common.Address{}
	}
	return o.Path[0]
}

// Encode returns the canonical ABI encoding of the order.
func (o Order) Encode() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return orderArguments.Pack(orderTuple{
		Owner:         o.Owner,
		Beneficiary:   o.Beneficiary,
		OutputToken:   o.OutputToken,
		EpochAmount:   o.EpochAmount,
		MaxRelayerFee: o.MaxRelayerFee,
		Salt:          o.Salt,
		Epoch:         new(big.Int).SetUint64(o.Epoch),
		ExpiryDate:    new(big.Int).SetUint64(o.ExpiryDate),
		Path:          o.Path,
	})
}

// ID derives the order commitment.
func (o Order) ID() (OrderID, error) {
	encoded, err := o.Encode()
	if err != nil {
		return OrderID{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Clone returns a deep copy that shares no big.Int or slice storage.
func (o Order) Clone() Order {
	c := o
	c.EpochAmount = cloneInt(o.EpochAmount)
	c.MaxRelayerFee = cloneInt(o.MaxRelayerFee)
	c.Salt = cloneInt(o.Salt)
	if o.Path != nil {
		c.Path = append([]common.Address(nil), o.Path...)
	}
	return c
}

// maxEpochSeconds is the longest epoch a time.Duration can hold.
const maxEpochSeconds = uint64(math.MaxInt64 / int64(time.Second))

// EpochDuration returns Epoch as a duration. Epochs too long for a
// time.Duration saturate at the largest one.
func (o Order) EpochDuration() time.Duration {
	if o.Epoch > maxEpochSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(o.Epoch) * time.Second
}

// EpochCost is the balance one fill consumes for the given fee.
func (o Order) EpochCost(fee *big.Int) *big.Int {
	return new(big.Int).Add(o.EpochAmount, fee)
}

type orderJSON struct {
	Owner         common.Address   `json:"owner"`
	Beneficiary   common.Address   `json:"beneficiary"`
	OutputToken   common.Address   `json:"outputToken"`
	EpochAmount   string           `json:"epochAmount"`
	MaxRelayerFee string           `json:"maxRelayerFee"`
	Salt          string           `json:"salt"`
	Epoch         uint64           `json:"epoch"`
	ExpiryDate    uint64           `json:"expiryDate"`
	Path          []common.Address `json:"path"`
}

// MarshalJSON encodes amounts as base-10 strings.
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{
		Owner:         o.Owner,
		Beneficiary:   o.Beneficiary,
		OutputToken:   o.OutputToken,
		EpochAmount:   intString(o.EpochAmount),
		MaxRelayerFee: intString(o.MaxRelayerFee),
		Salt:          intString(o.Salt),
		Epoch:         o.Epoch,
		ExpiryDate:    o.ExpiryDate,
		Path:          o.Path,
	})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (o *Order) UnmarshalJSON(data []byte) error {
	var raw orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	epochAmount, err := ParseAmount(raw.EpochAmount)
	if err != nil {
		return fmt.Errorf("epochAmount: %w", err)
	}
	maxFee, err := ParseAmount(raw.MaxRelayerFee)
	if err != nil {
		return fmt.Errorf("maxRelayerFee: %w", err)
	}
	salt, err := ParseAmount(raw.Salt)
	if err != nil {
		return fmt.Errorf("salt: %w", err)
	}
	*o = Order{
		Owner:         raw.Owner,
		Beneficiary:   raw.Beneficiary,
		OutputToken:   raw.OutputToken,
		EpochAmount:   epochAmount,
		MaxRelayerFee: maxFee,
		Salt:          salt,
		Epoch:         raw.Epoch,
		ExpiryDate:    raw.ExpiryDate,
		Path:          raw.Path,
	}
	return nil
}

// ParseAmount parses a base-10 integer string. The empty string yields nil.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
