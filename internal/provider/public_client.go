package provider

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PublicClient performs read-only calls for a single chain.
type PublicClient struct {
	chainID  int64
	provider Provider
}

// NewPublicClient wraps p for chainID.
func NewPublicClient(chainID int64, p Provider) *PublicClient {
	return &PublicClient{chainID: chainID, provider: p}
}

// ChainID returns the chain the client reads from.
func (c *PublicClient) ChainID() int64 { return c.chainID }

// Provider returns the underlying transport.
func (c *PublicClient) Provider() Provider { return c.provider }

type callArgs struct {
	From *string       `json:"from,omitempty"`
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// CallContract executes an eth_call. A nil blockNumber reads the latest block.
func (c *PublicClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, fmt.Errorf("eth_call without target")
	}
	args := callArgs{To: msg.To.Hex(), Data: msg.Data}
	if msg.From != (common.Address{}) {
		from := msg.From.Hex()
		args.From = &from
	}
	block := "latest"
	if blockNumber != nil {
		block = hexutil.EncodeBig(blockNumber)
	}

	var out hexutil.Bytes
	if err := RequestInto(ctx, c.provider, &out, MethodCall, args, block); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockNumber returns the latest block number.
func (c *PublicClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := RequestInto(ctx, c.provider, &n, MethodBlockNumber); err != nil {
		return 0, err
	}
	return uint64(n), nil
}
