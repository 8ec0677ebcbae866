// Package types contains shared type definitions used across multiple packages
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Chain is the static descriptor of an EVM network. Chains are immutable once
// registered with a store and are looked up by ID.
type Chain struct {
	ID             int64          `json:"id" mapstructure:"id" validate:"gt=0"`
	Name           string         `json:"name" mapstructure:"name" validate:"required"`
	Network        string         `json:"network,omitempty" mapstructure:"network"`
	NativeCurrency NativeCurrency `json:"nativeCurrency" mapstructure:"native_currency"`
	RPCURLs        RPCURLs        `json:"rpcUrls" mapstructure:"rpc_urls"`
	BlockExplorers BlockExplorers `json:"blockExplorers,omitempty" mapstructure:"block_explorers"`
	Contracts      Contracts      `json:"contracts,omitempty" mapstructure:"contracts"`
	Testnet        bool           `json:"testnet,omitempty" mapstructure:"testnet"`
}

// NativeCurrency describes the gas token of a chain.
type NativeCurrency struct {
	Name     string `json:"name" mapstructure:"name" validate:"required"`
	Symbol   string `json:"symbol" mapstructure:"symbol" validate:"required"`
	Decimals uint8  `json:"decimals" mapstructure:"decimals"`
}

// RPCURLs holds the HTTP endpoints for a chain
type RPCURLs struct {
	Default []string `json:"default" mapstructure:"default" validate:"dive,url"`
	Public  []string `json:"public,omitempty" mapstructure:"public" validate:"dive,url"`
}

// BlockExplorer is a named explorer link.
type BlockExplorer struct {
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url" validate:"omitempty,url"`
}

// BlockExplorers holds the default explorer followed by any extra ones.
type BlockExplorers struct {
	Default *BlockExplorer  `json:"default,omitempty" mapstructure:"default"`
	Others  []BlockExplorer `json:"others,omitempty" mapstructure:"others"`
}

// Contract is a well-known on-chain deployment.
type Contract struct {
	Address      common.Address `json:"address" mapstructure:"address"`
	BlockCreated uint64         `json:"blockCreated,omitempty" mapstructure:"block_created"`
}

// Contracts are the registry addresses a chain may expose.
type Contracts struct {
	Multicall3 *Contract `json:"multicall3,omitempty" mapstructure:"multicall3"`
}

// DefaultRPCURL returns the first default RPC endpoint or the first public one.
func (c Chain) DefaultRPCURL() string {
	if len(c.RPCURLs.Default) > 0 {
		return c.RPCURLs.Default[0]
	}
	if len(c.RPCURLs.Public) > 0 {
		return c.RPCURLs.Public[0]
	}
	return ""
}

// ExplorerURLs lists the default explorer first, then the others.
func (c Chain) ExplorerURLs() []string {
	var urls []string
	if c.BlockExplorers.Default == nil {
		return urls
	}
	urls = append(urls, c.BlockExplorers.Default.URL)
	for _, e := range c.BlockExplorers.Others {
		urls = append(urls, e.URL)
	}
	return urls
}

// HexID returns the chain id as a 0x-prefixed quantity.
func (c Chain) HexID() string {
	return ChainIDToHex(c.ID)
}

// ChainIDToHex encodes a chain id the way wallets expect it on the wire.
func ChainIDToHex(id int64) string {
	return hexutil.EncodeBig(big.NewInt(id))
}

// FindChain looks a chain up by id.
func FindChain(chains []Chain, id int64) (Chain, bool) {
	for _, c := range chains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

// NormalizeChainID accepts the shapes providers use for chain ids: hex strings
// ("0x1"), decimal strings ("1"), JSON numbers and Go integers.
func NormalizeChainID(v any) (int64, error) {
	switch id := v.(type) {
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	case uint64:
		return int64(id), nil
	case float64:
		return int64(id), nil
	case *big.Int:
		if id == nil {
			return 0, fmt.Errorf("nil chain id")
		}
		return id.Int64(), nil
	case json.Number:
		return NormalizeChainID(string(id))
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(id, &decoded); err != nil {
			return 0, fmt.Errorf("decode chain id %s: %w", string(id), err)
		}
		return NormalizeChainID(decoded)
	case string:
		s := strings.TrimSpace(id)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			n, err := strconv.ParseInt(s[2:], 16, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid hex chain id %q: %w", id, err)
			}
			return n, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid chain id %q: %w", id, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported chain id type %T", v)
	}
}

// NormalizeAddress validates and checksums a hex address.
func NormalizeAddress(raw string) (common.Address, error) {
	a := strings.TrimSpace(raw)
	if !common.IsHexAddress(a) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(a), nil
}

// NormalizeAddresses checksums a provider account list.
func NormalizeAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		a, err := NormalizeAddress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
