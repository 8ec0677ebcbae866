package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/retry"
)

// DefaultAsyncInjectTimeout bounds how long IsAuthorized waits for a late injection.
const DefaultAsyncInjectTimeout = time.Second

// Target describes how to find one wallet's provider in the host.
type Target struct {
	ID   string
	Name string
	Icon string
	// Find returns the wallet's provider or nil.
	Find func(r *provider.Registry) provider.Provider
}

var (
	targetsMu sync.RWMutex
	targets   = map[string]Target{}
)

// RegisterTarget adds or replaces a wallet target. New wallets are supported
// by registering a target rather than by branching in the connector.
func RegisterTarget(t Target) {
	targetsMu.Lock()
	defer targetsMu.Unlock()
	targets[t.ID] = t
}

// LookupTarget returns the registered target for id. Unregistered ids resolve
// to a flag target: "rainbow" matches providers advertising "isRainbow".
func LookupTarget(id string) Target {
	targetsMu.RLock()
	t, ok := targets[id]
	targetsMu.RUnlock()
	if ok {
		return t
	}
	return FlagTarget(id)
}

// FlagTarget matches the first provider carrying "is<Id>".
func FlagTarget(id string) Target {
	flag := "is" + strings.ToUpper(id[:1]) + id[1:]
	return Target{
		ID:   id,
		Name: strings.ToUpper(id[:1]) + id[1:],
		Find: func(r *provider.Registry) provider.Provider {
			return findProvider(r, func(p provider.Provider) bool { return p.Has(flag) })
		},
	}
}

// metaMaskImpostors are wallets that also set isMetaMask.
var metaMaskImpostors = []string{
	"isApexWallet",
	"isAvalanche",
	"isBitKeep",
	"isBlockWallet",
	"isKuCoinWallet",
	"isMathWallet",
	"isOkxWallet",
	"isOKExWallet",
	"isOneInchIOSWallet",
	"isOneInchAndroidWallet",
	"isOpera",
	"isPortal",
	"isRabby",
	"isTokenPocket",
	"isTokenary",
	"isZerion",
}

func isMetaMask(p provider.Provider) bool {
	if !p.Has("isMetaMask") {
		return false
	}
	// Brave sets isMetaMask but lacks the extension's internal state
	if p.Has("isBraveWallet") && !p.Has("_events") && !p.Has("_state") {
		return false
	}
	for _, flag := range metaMaskImpostors {
		if p.Has(flag) {
			return false
		}
	}
	return true
}

func init() {
	RegisterTarget(Target{
		ID:   "metaMask",
		Name: "MetaMask",
		Find: func(r *provider.Registry) provider.Provider {
			return findProvider(r, isMetaMask)
		},
	})
	RegisterTarget(Target{
		ID:   "coinbaseWallet",
		Name: "Coinbase Wallet",
		Find: func(r *provider.Registry) provider.Provider {
			if p, ok := r.Get(provider.SlotCoinbaseWalletExtension); ok {
				return p
			}
			return findProvider(r, func(p provider.Provider) bool { return p.Has("isCoinbaseWallet") })
		},
	})
	RegisterTarget(Target{
		ID:   "phantom",
		Name: "Phantom",
		Find: func(r *provider.Registry) provider.Provider {
			if p, ok := r.Get(provider.SlotPhantom); ok {
				return p
			}
			return findProvider(r, func(p provider.Provider) bool { return p.Has("isPhantom") })
		},
	})
}

// findProvider searches the shared provider list first, then the default slot.
func findProvider(r *provider.Registry, match func(provider.Provider) bool) provider.Provider {
	if list := r.Providers(); len(list) > 0 {
		for _, p := range list {
			if match(p) {
				return p
			}
		}
		return nil
	}
	if p, ok := r.Get(provider.SlotEthereum); ok && match(p) {
		return p
	}
	return nil
}

// InjectedOptions configures an injected connector.
type InjectedOptions struct {
	Registry *provider.Registry
	// Target id; empty selects whatever sits in the default slot
	Target string
	// AsyncInject waits this long for a late injection in IsAuthorized; zero disables
	AsyncInject time.Duration
	Probe       *retry.Policy
}

// Injected talks to a provider placed in the host registry by a wallet.
type Injected struct {
	*eip1193
	registry *provider.Registry
	target   *Target
}

var _ Connector = (*Injected)(nil)

// NewInjected returns a CreateFunc for an injected connector.
func NewInjected(opts InjectedOptions) CreateFunc {
	return func(cfg Config) Connector {
		return newInjected(opts, cfg.withDefaults())
	}
}

func newInjected(opts InjectedOptions, cfg Config) *Injected {
	if opts.Registry == nil {
		opts.Registry = provider.NewRegistry()
	}
	c := &Injected{registry: opts.Registry}

	id, name := TypeInjected, "Injected"
	if opts.Target != "" {
		t := LookupTarget(opts.Target)
		c.target = &t
		id, name = t.ID, t.Name
	}

	probe := retry.DefaultProbe
	if opts.Probe != nil {
		probe = *opts.Probe
	}

	c.eip1193 = &eip1193{
		id:             id,
		name:           name,
		typ:            TypeInjected,
		cfg:            cfg,
		resolve:        c.lookup,
		trackConnected: c.target == nil,
		probe:          probe,
		switchable:     true,
	}
	if c.target != nil {
		c.icon = c.target.Icon
	}
	if opts.AsyncInject > 0 {
		c.asyncWait = func(ctx context.Context) bool {
			return c.registry.WaitForInjection(ctx, opts.AsyncInject)
		}
	}
	return c
}

func (c *Injected) lookup(context.Context) (provider.Provider, error) {
	var p provider.Provider
	if c.target != nil {
		p = c.target.Find(c.registry)
	} else if slot, ok := c.registry.Get(provider.SlotEthereum); ok {
		p = slot
	} else if list := c.registry.Providers(); len(list) > 0 {
		p = list[0]
	}
	if p == nil {
		return nil, walleterrors.NewProviderNotFoundError(c.id)
	}
	return p, nil
}
