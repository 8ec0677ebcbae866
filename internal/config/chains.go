package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/yourorg/wallet-sync/internal/types"
	"github.com/yourorg/wallet-sync/internal/validation"
)

// Multicall3Address is the deterministic Multicall3 deployment shared by most EVM chains.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// chainFile is the layout of a chain catalog file:
//
//	chains:
//	  - id: 1
//	    name: Ethereum
//	    native_currency: {name: Ether, symbol: ETH, decimals: 18}
//	    rpc_urls: {default: ["https://eth.llamarpc.com"]}
//	    contracts:
//	      multicall3: {address: "0xcA11bde05977b3631167028862bE2a173976CA11"}
type chainFile struct {
	Chains []types.Chain `mapstructure:"chains"`
}

// DefaultChains is the catalog used when no chain file is configured.
func DefaultChains() []types.Chain {
	return []types.Chain{
		{
			ID:             1,
			Name:           "Ethereum",
			Network:        "homestead",
			NativeCurrency: types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
			RPCURLs:        types.RPCURLs{Default: []string{"https://cloudflare-eth.com"}},
			BlockExplorers: types.BlockExplorers{
				Default: &types.BlockExplorer{Name: "Etherscan", URL: "https://etherscan.io"},
			},
			Contracts: types.Contracts{
				Multicall3: &types.Contract{Address: Multicall3Address, BlockCreated: 14353601},
			},
		},
		{
			ID:             11155111,
			Name:           "Sepolia",
			Network:        "sepolia",
			NativeCurrency: types.NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
			RPCURLs:        types.RPCURLs{Default: []string{"https://rpc.sepolia.org"}},
			BlockExplorers: types.BlockExplorers{
				Default: &types.BlockExplorer{Name: "Etherscan", URL: "https://sepolia.etherscan.io"},
			},
			Contracts: types.Contracts{
				Multicall3: &types.Contract{Address: Multicall3Address, BlockCreated: 751532},
			},
			Testnet: true,
		},
	}
}

// LoadChains reads a chain catalog. An empty path returns DefaultChains.
// CHAIN_<ID>_RPC_URL overrides the default RPC endpoint of a chain, and
// entries that fail validation are dropped with a warning.
func LoadChains(path string) ([]types.Chain, error) {
	chains := DefaultChains()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read chain catalog: %w", err)
		}

		var file chainFile
		hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))
		if err := v.Unmarshal(&file, hook); err != nil {
			return nil, fmt.Errorf("failed to parse chain catalog: %w", err)
		}
		chains = file.Chains
		logrus.Infof("Loaded %d chains from %s", len(chains), path)
	}

	chains = validation.FilterInvalid(applyChainOverrides(chains))
	if len(chains) == 0 {
		return nil, validation.ErrEmptyCatalog
	}
	return chains, nil
}

func applyChainOverrides(chains []types.Chain) []types.Chain {
	out := make([]types.Chain, len(chains))
	for i, c := range chains {
		key := "CHAIN_" + strconv.FormatInt(c.ID, 10) + "_RPC_URL"
		if url := strings.TrimSpace(os.Getenv(key)); url != "" {
			c.RPCURLs.Default = append([]string{url}, c.RPCURLs.Default...)
		}
		out[i] = c
	}
	return out
}
