package connector

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/retry"
	"github.com/yourorg/wallet-sync/internal/signature"
	"github.com/yourorg/wallet-sync/internal/types"
)

// MockFlags switch on scripted failures.
type MockFlags struct {
	FailConnect     bool
	FailSwitchChain bool
	// Authorized makes eth_accounts answer before any connect
	Authorized bool
	// NoSwitchChain hides the switchChain capability
	NoSwitchChain bool
	// UnknownChains makes the wallet answer 4902 until the chain is added
	UnknownChains bool
}

// MockOptions configures the mock connector.
type MockOptions struct {
	ID       string
	Accounts []common.Address
	// Key signs personal_sign requests and, when Accounts is empty, supplies the account
	Key     *ecdsa.PrivateKey
	ChainID int64
	Flags   MockFlags
}

// Mock is a fully scripted wallet backed by an in-process provider.
type Mock struct {
	*eip1193
	wallet *mockWallet
}

var _ Connector = (*Mock)(nil)

// NewMock returns a CreateFunc for a mock connector.
func NewMock(opts MockOptions) CreateFunc {
	return func(cfg Config) Connector {
		return newMock(opts, cfg.withDefaults())
	}
}

func newMock(opts MockOptions, cfg Config) *Mock {
	id := opts.ID
	if id == "" {
		id = TypeMock
	}
	if len(opts.Accounts) == 0 && opts.Key != nil {
		opts.Accounts = []common.Address{crypto.PubkeyToAddress(opts.Key.PublicKey)}
	}
	if opts.ChainID == 0 && len(cfg.Chains) > 0 {
		opts.ChainID = cfg.Chains[0].ID
	}

	w := newMockWallet(opts)
	return &Mock{
		wallet: w,
		eip1193: &eip1193{
			id:         id,
			name:       "Mock",
			typ:        TypeMock,
			cfg:        cfg,
			resolve:    func(context.Context) (provider.Provider, error) { return w.provider, nil },
			probe:      retry.DefaultProbe,
			switchable: !opts.Flags.NoSwitchChain,
		},
	}
}

// Wallet exposes the backing provider so callers can fire wallet-side events.
func (m *Mock) Wallet() *provider.Mock { return m.wallet.provider }

// mockWallet keeps the state a real wallet would hold behind the provider.
type mockWallet struct {
	mu         sync.Mutex
	opts       MockOptions
	chainID    int64
	authorized bool
	known      map[int64]bool
	provider   *provider.Mock
}

func newMockWallet(opts MockOptions) *mockWallet {
	w := &mockWallet{
		opts:       opts,
		chainID:    opts.ChainID,
		authorized: opts.Flags.Authorized,
		known:      map[int64]bool{opts.ChainID: true},
		provider:   provider.NewMock(),
	}
	p := w.provider

	p.Handle(provider.MethodRequestPermissions, func(context.Context, []any) (any, error) {
		if opts.Flags.FailConnect {
			return nil, provider.NewRPCError(provider.CodeUserRejected, "User rejected the request.")
		}
		w.mu.Lock()
		w.authorized = true
		w.mu.Unlock()
		return []map[string]any{{
			"parentCapability": "eth_accounts",
			"caveats":          []map[string]any{{"type": "restrictReturnedAccounts", "value": hexAccounts(opts.Accounts)}},
		}}, nil
	})
	p.Handle(provider.MethodRequestAccounts, func(context.Context, []any) (any, error) {
		if opts.Flags.FailConnect {
			return nil, provider.NewRPCError(provider.CodeUserRejected, "User rejected the request.")
		}
		w.mu.Lock()
		w.authorized = true
		w.mu.Unlock()
		return hexAccounts(opts.Accounts), nil
	})
	p.Handle(provider.MethodAccounts, func(context.Context, []any) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.authorized {
			return []string{}, nil
		}
		return hexAccounts(opts.Accounts), nil
	})
	p.Handle(provider.MethodChainID, func(context.Context, []any) (any, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		return types.ChainIDToHex(w.chainID), nil
	})
	p.Handle(provider.MethodSwitchChain, w.switchChain)
	p.Handle(provider.MethodAddChain, w.addChain)
	p.Handle(provider.MethodPersonalSign, w.personalSign)
	return w
}

func (w *mockWallet) switchChain(_ context.Context, params []any) (any, error) {
	if w.opts.Flags.FailSwitchChain {
		return nil, provider.NewRPCError(provider.CodeUserRejected, "User rejected the request.")
	}
	id, err := chainIDParam(params)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.opts.Flags.UnknownChains && !w.known[id] {
		w.mu.Unlock()
		return nil, provider.NewRPCError(provider.CodeUnrecognizedChain, fmt.Sprintf("Unrecognized chain ID %q.", types.ChainIDToHex(id)))
	}
	w.chainID = id
	w.mu.Unlock()

	w.provider.Fire(provider.EventChainChanged, types.ChainIDToHex(id))
	return nil, nil
}

func (w *mockWallet) addChain(_ context.Context, params []any) (any, error) {
	id, err := chainIDParam(params)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.known[id] = true
	w.chainID = id
	w.mu.Unlock()
	w.provider.Fire(provider.EventChainChanged, types.ChainIDToHex(id))
	return nil, nil
}

func (w *mockWallet) personalSign(_ context.Context, params []any) (any, error) {
	if w.opts.Key == nil {
		return nil, provider.NewRPCError(provider.CodeUnsupportedMethod, "personal_sign not supported")
	}
	if len(params) == 0 {
		return nil, provider.NewRPCError(-32602, "missing message")
	}
	msg, ok := params[0].(string)
	if !ok {
		return nil, provider.NewRPCError(-32602, "message must be a string")
	}
	data := []byte(msg)
	if decoded, err := hexutil.Decode(msg); err == nil {
		data = decoded
	}
	sig, err := signature.Sign(w.opts.Key, data)
	if err != nil {
		return nil, err
	}
	return hexutil.Encode(sig), nil
}

func chainIDParam(params []any) (int64, error) {
	if len(params) == 0 {
		return 0, provider.NewRPCError(-32602, "missing chain params")
	}
	switch p := params[0].(type) {
	case switchChainParams:
		return types.NormalizeChainID(p.ChainID)
	case addChainParams:
		return types.NormalizeChainID(p.ChainID)
	case map[string]any:
		return types.NormalizeChainID(p["chainId"])
	default:
		return 0, provider.NewRPCError(-32602, fmt.Sprintf("unexpected chain params %T", p))
	}
}

func hexAccounts(list []common.Address) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Hex()
	}
	return out
}
