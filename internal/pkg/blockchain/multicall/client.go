// Package multicall batches read-only contract calls through Multicall3.
package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/dca/internal/pkg/blockchain/abis"
	"github.com/archon-research/dca/internal/ports/outbound"
)

var _ outbound.Multicaller = (*Client)(nil)

// Client sends aggregate3 calls to a Multicall3 deployment.
type Client struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     *abi.ABI
}

// NewClient creates a client. Any ethereum.ContractCaller works, including
// *ethclient.Client.
func NewClient(caller ethereum.ContractCaller, multicall3Address common.Address) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller cannot be nil")
	}
	multicallABI, err := abis.GetMulticall3ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load multicall3 ABI: %w", err)
	}

	return &Client{
		caller:  caller,
		address: multicall3Address,
		abi:     multicallABI,
	}, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) Execute(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) ([]outbound.Result, error) {
	if len(calls) == 0 {
		return []outbound.Result{}, nil
	}

	data, err := c.abi.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack multicall: %w", err)
	}

	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to call multicall contract at address=%s block=%s calls=%d: %w",
			c.address.Hex(), blockNumberString(blockNumber), len(calls), err)
	}

	unpacked, err := c.abi.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack multicall response at block=%s: %w",
			blockNumberString(blockNumber), err)
	}

	resultsRaw, ok := unpacked[0].([]struct {
		Success    bool   `json:"success"`
		ReturnData []byte `json:"returnData"`
	})
	if !ok {
		return nil, fmt.Errorf("unexpected multicall response type %T", unpacked[0])
	}
	if len(resultsRaw) != len(calls) {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(resultsRaw), len(calls))
	}

	results := make([]outbound.Result, len(resultsRaw))
	for i, r := range resultsRaw {
		results[i] = outbound.Result{
			Success:    r.Success,
			ReturnData: r.ReturnData,
		}
	}
	return results, nil
}

func blockNumberString(blockNumber *big.Int) string {
	if blockNumber == nil {
		return "latest"
	}
	return blockNumber.String()
}
