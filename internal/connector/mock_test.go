package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/signature"
	"github.com/yourorg/wallet-sync/internal/storage"
)

func TestMockConnectorLifecycle(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	c := NewMock(MockOptions{Accounts: []common.Address{alice}})(Config{Chains: testChains, Storage: store})
	ctx := context.Background()

	assert.Equal(t, "mock", c.ID())
	assert.False(t, c.IsAuthorized(ctx))

	res, err := c.Connect(ctx, ConnectParams{})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice}, res.Accounts)
	assert.Equal(t, int64(1), res.ChainID)
	assert.True(t, c.IsAuthorized(ctx))

	chain, err := c.SwitchChain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), chain.ID)
	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsAuthorized(ctx))
}

func TestMockConnectorFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMock(MockOptions{Accounts: []common.Address{alice}, Flags: MockFlags{FailConnect: true}})(Config{Chains: testChains})
	_, err := c.Connect(ctx, ConnectParams{})
	assert.True(t, walleterrors.IsUserRejected(err))

	s := NewMock(MockOptions{Accounts: []common.Address{alice}, Flags: MockFlags{FailSwitchChain: true}})(Config{Chains: testChains})
	_, err = s.Connect(ctx, ConnectParams{})
	require.NoError(t, err)
	_, err = s.SwitchChain(ctx, 10)
	assert.True(t, walleterrors.IsUserRejected(err))

	n := NewMock(MockOptions{Accounts: []common.Address{alice}, Flags: MockFlags{NoSwitchChain: true}})(Config{Chains: testChains})
	assert.False(t, n.Supports(CapabilitySwitchChain))
	_, err = n.SwitchChain(ctx, 10)
	var notSupported *walleterrors.SwitchChainNotSupportedError
	require.ErrorAs(t, err, &notSupported)
}

func TestMockConnectorAddsUnknownChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMock(MockOptions{Accounts: []common.Address{alice}, Flags: MockFlags{UnknownChains: true}})(Config{Chains: testChains})
	_, err := c.Connect(ctx, ConnectParams{})
	require.NoError(t, err)

	chain, err := c.SwitchChain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), chain.ID)
	assert.Len(t, c.(*Mock).Wallet().Calls(provider.MethodAddChain), 1)
}

func TestMockConnectorSignsMessages(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c := NewMock(MockOptions{Key: key})(Config{Chains: testChains})
	ctx := context.Background()

	res, err := c.Connect(ctx, ConnectParams{})
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	assert.Equal(t, []common.Address{signer}, res.Accounts)

	p, err := c.Provider(ctx)
	require.NoError(t, err)
	msg := []byte("hello")
	var sig string
	require.NoError(t, provider.RequestInto(ctx, p, &sig, provider.MethodPersonalSign, hexutil.Encode(msg), signer.Hex()))

	ok, err := signature.Verify(signer, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNodeConnector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case provider.MethodAccounts:
			resp["result"] = []string{alice.Hex()}
		case provider.MethodChainID:
			resp["result"] = "0x7a69"
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	store := storage.NewMemory()
	c := NewNode(NodeOptions{URL: srv.URL})(Config{Chains: testChains, Storage: store})
	ctx := context.Background()

	assert.Equal(t, TypeNode, c.Type())
	assert.False(t, c.Supports(CapabilitySwitchChain))
	assert.True(t, c.IsAuthorized(ctx))

	res, err := c.Connect(ctx, ConnectParams{ChainID: 1})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice}, res.Accounts)
	assert.Equal(t, int64(31337), res.ChainID)

	_, err = c.SwitchChain(ctx, 1)
	var notSupported *walleterrors.SwitchChainNotSupportedError
	require.ErrorAs(t, err, &notSupported)

	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsAuthorized(ctx))
}

func TestNodeConnectorWithoutURL(t *testing.T) {
	t.Parallel()

	c := NewNode(NodeOptions{})(Config{})
	_, err := c.Accounts(context.Background())
	var notFound *walleterrors.ProviderNotFoundError
	require.ErrorAs(t, err, &notFound)
}
