// Package model defines the connection state published by the store.
package model

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/wallet-sync/internal/connector"
)

// Status is the connection lifecycle phase.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// State is the single live connection value owned by the store. It is
// replaced wholesale on every transition and must be treated as read-only.
type State struct {
	Status   Status
	Accounts []common.Address
	// ChainID is the connected chain, or the default chain while disconnected
	ChainID   int64
	Connector connector.Connector
}

// Account returns the active account, the first of Accounts.
func (s State) Account() (common.Address, bool) {
	if len(s.Accounts) == 0 {
		return common.Address{}, false
	}
	return s.Accounts[0], true
}

// IsConnected reports whether a connector is active.
func (s State) IsConnected() bool {
	return s.Status == StatusConnected && s.Connector != nil
}

// ConnectorID returns the active connector id or "".
func (s State) ConnectorID() string {
	if s.Connector == nil {
		return ""
	}
	return s.Connector.ID()
}

// Disconnected returns the reset state, keeping chainID as the default chain.
func Disconnected(chainID int64) State {
	return State{Status: StatusDisconnected, ChainID: chainID}
}

// Snapshot is the JSON view of a State.
type Snapshot struct {
	Status    Status           `json:"status"`
	Accounts  []common.Address `json:"accounts"`
	Account   *common.Address  `json:"account,omitempty"`
	ChainID   int64            `json:"chainId"`
	Connector string           `json:"connector,omitempty"`
}

// Snapshot renders s for transport.
func (s State) Snapshot() Snapshot {
	snap := Snapshot{
		Status:    s.Status,
		Accounts:  s.Accounts,
		ChainID:   s.ChainID,
		Connector: s.ConnectorID(),
	}
	if snap.Accounts == nil {
		snap.Accounts = []common.Address{}
	}
	if a, ok := s.Account(); ok {
		snap.Account = &a
	}
	return snap
}
