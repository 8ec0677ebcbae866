package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/emitter"
	"github.com/yourorg/wallet-sync/internal/otel"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/retry"
	"github.com/yourorg/wallet-sync/internal/types"
)

// NodeOptions configures a node connector.
type NodeOptions struct {
	ID   string
	Name string
	// URL of a JSON-RPC endpoint that manages accounts (dev node, remote signer)
	URL  string
	HTTP provider.HTTPOptions
}

// Node connects to accounts managed by a JSON-RPC node over HTTP. The node
// has no event stream and cannot switch chains.
type Node struct {
	id   string
	name string
	url  string
	opts provider.HTTPOptions
	cfg  Config

	mu       sync.Mutex
	provider *provider.HTTP
}

var _ Connector = (*Node)(nil)

// NewNode returns a CreateFunc for a node connector.
func NewNode(opts NodeOptions) CreateFunc {
	return func(cfg Config) Connector {
		id, name := opts.ID, opts.Name
		if id == "" {
			id = TypeNode
		}
		if name == "" {
			name = "Node"
		}
		return &Node{id: id, name: name, url: opts.URL, opts: opts.HTTP, cfg: cfg.withDefaults()}
	}
}

func (n *Node) ID() string                 { return n.id }
func (n *Node) Name() string               { return n.name }
func (n *Node) Icon() string               { return "" }
func (n *Node) Type() string               { return TypeNode }
func (n *Node) Emitter() *emitter.Emitter { return n.cfg.Emitter }

func (n *Node) Supports(c Capability) bool { return c == CapabilitySignMessage }

func (n *Node) Setup(context.Context) error { return nil }

func (n *Node) Provider(context.Context) (provider.Provider, error) {
	if n.url == "" {
		return nil, walleterrors.NewProviderNotFoundError(n.id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.provider == nil {
		n.provider = provider.NewHTTP(n.url, n.opts)
	}
	return n.provider, nil
}

func (n *Node) Connect(ctx context.Context, params ConnectParams) (ConnectResult, error) {
	ctx, span := otel.Tracer().Start(ctx, "connector.connect")
	res, err := n.connect(ctx, params)
	otel.End(span, err)
	return res, err
}

func (n *Node) connect(ctx context.Context, params ConnectParams) (ConnectResult, error) {
	accounts, err := n.Accounts(ctx)
	if err != nil {
		return ConnectResult{}, mapProviderError(err)
	}
	if len(accounts) == 0 {
		return ConnectResult{}, errors.New("node manages no accounts")
	}
	chainID, err := n.ChainID(ctx)
	if err != nil {
		return ConnectResult{}, err
	}
	if params.ChainID != 0 && params.ChainID != chainID {
		logrus.WithFields(logrus.Fields{"connector": n.id, "requested": params.ChainID, "chainId": chainID}).
			Warn("node cannot switch chains, keeping node chain")
	}
	if err := n.cfg.Storage.RemoveItem(ctx, disconnectedKey(n.id)); err != nil {
		logrus.Warnf("clear disconnect shim for %s: %v", n.id, err)
	}
	return ConnectResult{Accounts: accounts, ChainID: chainID}, nil
}

func (n *Node) Disconnect(ctx context.Context) error {
	return n.cfg.Storage.SetItem(ctx, disconnectedKey(n.id), "true")
}

func (n *Node) Accounts(ctx context.Context) ([]common.Address, error) {
	p, err := n.Provider(ctx)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := provider.RequestInto(ctx, p, &raw, provider.MethodAccounts); err != nil {
		return nil, err
	}
	return types.NormalizeAddresses(raw)
}

func (n *Node) ChainID(ctx context.Context) (int64, error) {
	p, err := n.Provider(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := p.Request(ctx, provider.MethodChainID)
	if err != nil {
		return 0, err
	}
	return types.NormalizeChainID(raw)
}

func (n *Node) IsAuthorized(ctx context.Context) bool {
	if _, shimmed, err := n.cfg.Storage.GetItem(ctx, disconnectedKey(n.id)); err != nil || shimmed {
		return false
	}
	accounts, err := retry.Do(ctx, retry.DefaultProbe, n.Accounts)
	return err == nil && len(accounts) > 0
}

func (n *Node) SwitchChain(context.Context, int64) (types.Chain, error) {
	return types.Chain{}, walleterrors.NewSwitchChainNotSupportedError(n.id)
}
