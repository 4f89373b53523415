package uniswapv2

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	factory      = common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")
	initCodeHash = common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f")
	weth         = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai          = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

func TestPairFor_MainnetWETHDAI(t *testing.T) {
	want := common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11")

	got, err := PairFor(factory, initCodeHash, weth, dai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("PairFor(WETH, DAI) = %s, want %s", got.Hex(), want.Hex())
	}

	reversed, _ := PairFor(factory, initCodeHash, dai, weth)
	if reversed != got {
		t.Errorf("pair address depends on argument order: %s vs %s", reversed.Hex(), got.Hex())
	}
}

func TestSortTokens(t *testing.T) {
	t0, t1, err := SortTokens(weth, dai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if t0 != dai || t1 != weth {
		t.Errorf("expected DAI < WETH, got %s, %s", t0.Hex(), t1.Hex())
	}
	if _, _, err := SortTokens(dai, dai); !errors.Is(err, ErrIdenticalAddresses) {
		t.Errorf("expected ErrIdenticalAddresses, got %v", err)
	}
	if _, _, err := SortTokens(common.Address{}, dai); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("expected ErrZeroAddress, got %v", err)
	}
}

func TestGetAmountOut(t *testing.T) {
	got, err := GetAmountOut(big.NewInt(1000), big.NewInt(1_000_000), big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != 996 {
		t.Errorf("expected 996, got %s", got)
	}

	if _, err := GetAmountOut(big.NewInt(0), big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("expected ErrInsufficientInput, got %v", err)
	}
	if _, err := GetAmountOut(big.NewInt(1), big.NewInt(0), big.NewInt(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestGetAmountsOut_MultiHop(t *testing.T) {
	reserves := []Reserves{
		{In: big.NewInt(1_000_000), Out: big.NewInt(1_000_000)},
		{In: big.NewInt(1_000_000), Out: big.NewInt(2_000_000)},
	}
	amounts, err := GetAmountsOut(big.NewInt(1000), reserves)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(amounts) != 3 {
		t.Fatalf("expected 3 amounts, got %d", len(amounts))
	}
	// hop 2: 996*997*2e6 / (1e6*1000 + 996*997) = 1984
	if amounts[1].Int64() != 996 || amounts[2].Int64() != 1984 {
		t.Errorf("unexpected amounts %v", amounts)
	}
}

func TestOrderReserves(t *testing.T) {
	r0, r1 := big.NewInt(10), big.NewInt(20)
	// token0 is DAI.
	r, _ := OrderReserves(weth, dai, r0, r1)
	if r.In != r1 || r.Out != r0 {
		t.Errorf("WETH->DAI should read reserve1 as input, got %+v", r)
	}
	r, _ = OrderReserves(dai, weth, r0, r1)
	if r.In != r0 || r.Out != r1 {
		t.Errorf("DAI->WETH should read reserve0 as input, got %+v", r)
	}
}

func TestApplySlippage(t *testing.T) {
	if got := ApplySlippage(big.NewInt(10_000), 50); got.Int64() != 9_950 {
		t.Errorf("expected 9950, got %s", got)
	}
	if got := ApplySlippage(big.NewInt(10_000), 10_000); got.Sign() != 0 {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestPairs(t *testing.T) {
	if _, err := Pairs(factory, initCodeHash, []common.Address{weth}); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	pairs, err := Pairs(factory, initCodeHash, []common.Address{weth, dai})
	if err != nil || len(pairs) != 1 {
		t.Fatalf("expected one pair, got %v, %v", pairs, err)
	}
}
