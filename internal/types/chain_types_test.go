package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChainID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      any
		want    int64
		wantErr bool
	}{
		{name: "hex", in: "0x1", want: 1},
		{name: "hex upper prefix", in: "0XA", want: 10},
		{name: "hex zero padded", in: "0x0089", want: 137},
		{name: "decimal string", in: "137", want: 137},
		{name: "float64 from json", in: float64(10), want: 10},
		{name: "int", in: 5, want: 5},
		{name: "big", in: big.NewInt(42161), want: 42161},
		{name: "raw hex", in: json.RawMessage(`"0x5"`), want: 5},
		{name: "raw number", in: json.RawMessage(`56`), want: 56},
		{name: "json number", in: json.Number("8453"), want: 8453},
		{name: "garbage", in: "0xzz", wantErr: true},
		{name: "bool", in: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeChainID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	a, err := NormalizeAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045")
	require.NoError(t, err)
	assert.Equal(t, "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045", a.Hex())

	_, err = NormalizeAddress("0x123")
	require.Error(t, err)

	list, err := NormalizeAddresses([]string{"0xd8da6bf26964af9d7eed9e03e53415d37aa96045"})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{a}, list)
}

func TestChainHelpers(t *testing.T) {
	t.Parallel()

	c := Chain{
		ID:      10,
		Name:    "Optimism",
		RPCURLs: RPCURLs{Public: []string{"https://mainnet.optimism.io"}},
		BlockExplorers: BlockExplorers{
			Default: &BlockExplorer{Name: "Etherscan", URL: "https://optimistic.etherscan.io"},
			Others:  []BlockExplorer{{Name: "Blockscout", URL: "https://optimism.blockscout.com"}},
		},
	}

	assert.Equal(t, "0xa", c.HexID())
	assert.Equal(t, "https://mainnet.optimism.io", c.DefaultRPCURL())
	assert.Equal(t, []string{"https://optimistic.etherscan.io", "https://optimism.blockscout.com"}, c.ExplorerURLs())

	found, ok := FindChain([]Chain{c}, 10)
	assert.True(t, ok)
	assert.Equal(t, "Optimism", found.Name)
	_, ok = FindChain([]Chain{c}, 1)
	assert.False(t, ok)
}
