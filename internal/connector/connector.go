// Package connector normalises heterogeneous wallet providers into a single
// connector contract with a uniform lifecycle and event surface.
package connector

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/wallet-sync/internal/emitter"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/storage"
	"github.com/yourorg/wallet-sync/internal/types"
)

// Capability names an optional connector feature.
type Capability string

const (
	CapabilitySwitchChain Capability = "switchChain"
	CapabilitySignMessage Capability = "signMessage"
)

// Connector types.
const (
	TypeInjected = "injected"
	TypeNode     = "node"
	TypeMock     = "mock"
)

// ConnectParams tunes a connect call.
type ConnectParams struct {
	// ChainID to switch to after connecting; zero keeps the wallet's chain
	ChainID        int64
	IsReconnecting bool
}

// ConnectResult is what a successful connect yields.
type ConnectResult struct {
	Accounts []common.Address
	ChainID  int64
}

// Connector is the contract every wallet integration satisfies.
type Connector interface {
	ID() string
	Name() string
	Icon() string
	Type() string

	// Setup runs once when the store registers the connector.
	Setup(ctx context.Context) error
	Connect(ctx context.Context, params ConnectParams) (ConnectResult, error)
	Disconnect(ctx context.Context) error
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (int64, error)
	Provider(ctx context.Context) (provider.Provider, error)
	// IsAuthorized never fails; any error reads as false.
	IsAuthorized(ctx context.Context) bool

	Supports(c Capability) bool
	// SwitchChain is only meaningful when Supports(CapabilitySwitchChain).
	SwitchChain(ctx context.Context, chainID int64) (types.Chain, error)

	// Emitter carries connect, change, disconnect and message events.
	Emitter() *emitter.Emitter
}

// Config is handed to a CreateFunc by the store.
type Config struct {
	Chains  []types.Chain
	Storage storage.Storage
	Emitter *emitter.Emitter
}

func (c Config) withDefaults() Config {
	if c.Storage == nil {
		c.Storage = storage.NewNoop()
	}
	if c.Emitter == nil {
		c.Emitter = emitter.New()
	}
	return c
}

// CreateFunc builds a connector for a store.
type CreateFunc func(cfg Config) Connector

// Storage keys written by connectors.
const (
	connectedKey = "injected.connected"
)

func disconnectedKey(id string) string { return id + ".disconnected" }
