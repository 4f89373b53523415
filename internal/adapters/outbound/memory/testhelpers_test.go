package memory

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/domain/entity"
)

var (
	testWETH  = common.HexToAddress("0xc778417E063141139Fce010982780140Aa0cD5Ab")
	testDAI   = common.HexToAddress("0xc7AD46e0b8a400Bb3C915120d284AafbA8fc4735")
	testMaker = common.HexToAddress("0xF9bA5210F91D0474bd1e1DcDAeC4C58E359AaD85")
	testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testBenef = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func testOrder(salt int64) entity.Order {
	return entity.Order{
		Owner:         testOwner,
		Beneficiary:   testBenef,
		OutputToken:   testDAI,
		EpochAmount:   ether(1),
		MaxRelayerFee: big.NewInt(1e17),
		Salt:          big.NewInt(salt),
		Epoch:         3600,
		ExpiryDate:    1_700_086_400,
		Path:          []common.Address{testWETH, testDAI},
	}
}

func testRecord(salt int64, value *big.Int) *entity.EscrowRecord {
	r, err := entity.NewEscrowRecord(testOrder(salt), value, time.Unix(1_700_000_000, 0))
	if err != nil {
		panic(err)
	}
	return r
}
