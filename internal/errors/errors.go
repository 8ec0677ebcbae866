// Package walleterrors defines the typed errors surfaced by connectors and the store.
package walleterrors

import (
	"errors"
	"fmt"
)

// Kinds returned by Kind. They are stable and safe to switch on for user messaging.
const (
	KindProviderNotFound          = "provider_not_found"
	KindUserRejected              = "user_rejected"
	KindResourceUnavailable       = "resource_unavailable"
	KindChainNotConfigured        = "chain_not_configured"
	KindSwitchChainNotSupported   = "switch_chain_not_supported"
	KindSwitchChain               = "switch_chain"
	KindConnectorAlreadyConnected = "connector_already_connected"
	KindConnectorNotFound         = "connector_not_found"
	KindConnectorNotConnected     = "connector_not_connected"
	KindChainMismatch             = "chain_mismatch"
	KindUnknown                   = "unknown"
)

// ProviderNotFoundError is returned when a connector cannot locate its provider.
type ProviderNotFoundError struct {
	ConnectorID string
}

func NewProviderNotFoundError(connectorID string) *ProviderNotFoundError {
	return &ProviderNotFoundError{ConnectorID: connectorID}
}

func (e *ProviderNotFoundError) Error() string {
	if e.ConnectorID == "" {
		return "provider not found"
	}
	return fmt.Sprintf("provider not found for connector %s", e.ConnectorID)
}

// UserRejectedRequestError means the wallet user declined a prompt (code 4001).
type UserRejectedRequestError struct {
	Cause error
}

func NewUserRejectedRequestError(cause error) *UserRejectedRequestError {
	return &UserRejectedRequestError{Cause: cause}
}

func (e *UserRejectedRequestError) Error() string {
	if e.Cause == nil {
		return "user rejected the request"
	}
	return fmt.Sprintf("user rejected the request: %v", e.Cause)
}

func (e *UserRejectedRequestError) Unwrap() error { return e.Cause }

// ResourceUnavailableRpcError means a wallet prompt is already pending (code -32002).
type ResourceUnavailableRpcError struct {
	Cause error
}

func NewResourceUnavailableRpcError(cause error) *ResourceUnavailableRpcError {
	return &ResourceUnavailableRpcError{Cause: cause}
}

func (e *ResourceUnavailableRpcError) Error() string {
	if e.Cause == nil {
		return "requested resource not available"
	}
	return fmt.Sprintf("requested resource not available: %v", e.Cause)
}

func (e *ResourceUnavailableRpcError) Unwrap() error { return e.Cause }

// ChainNotConfiguredError is returned for chain ids absent from the catalog.
type ChainNotConfiguredError struct {
	ChainID int64
}

func NewChainNotConfiguredError(chainID int64) *ChainNotConfiguredError {
	return &ChainNotConfiguredError{ChainID: chainID}
}

func (e *ChainNotConfiguredError) Error() string {
	return fmt.Sprintf("chain %d not configured", e.ChainID)
}

// SwitchChainNotSupportedError is returned when the active connector lacks the capability.
type SwitchChainNotSupportedError struct {
	ConnectorID string
}

func NewSwitchChainNotSupportedError(connectorID string) *SwitchChainNotSupportedError {
	return &SwitchChainNotSupportedError{ConnectorID: connectorID}
}

func (e *SwitchChainNotSupportedError) Error() string {
	return fmt.Sprintf("connector %s does not support switching chains", e.ConnectorID)
}

// SwitchChainError wraps any other chain switch failure.
type SwitchChainError struct {
	ChainID int64
	Cause   error
}

func NewSwitchChainError(chainID int64, cause error) *SwitchChainError {
	return &SwitchChainError{ChainID: chainID, Cause: cause}
}

func (e *SwitchChainError) Error() string {
	return fmt.Sprintf("failed to switch to chain %d: %v", e.ChainID, e.Cause)
}

func (e *SwitchChainError) Unwrap() error { return e.Cause }

// ConnectorAlreadyConnectedError is returned by connect when the connector is already active.
type ConnectorAlreadyConnectedError struct {
	ConnectorID string
}

func NewConnectorAlreadyConnectedError(connectorID string) *ConnectorAlreadyConnectedError {
	return &ConnectorAlreadyConnectedError{ConnectorID: connectorID}
}

func (e *ConnectorAlreadyConnectedError) Error() string {
	return fmt.Sprintf("connector %s already connected", e.ConnectorID)
}

// ConnectorNotFoundError is returned for connector ids absent from the catalog.
type ConnectorNotFoundError struct {
	ConnectorID string
}

func NewConnectorNotFoundError(connectorID string) *ConnectorNotFoundError {
	return &ConnectorNotFoundError{ConnectorID: connectorID}
}

func (e *ConnectorNotFoundError) Error() string {
	return fmt.Sprintf("connector %s not found", e.ConnectorID)
}

// ConnectorNotConnectedError is returned by operations that need an active connection.
type ConnectorNotConnectedError struct{}

func NewConnectorNotConnectedError() *ConnectorNotConnectedError {
	return &ConnectorNotConnectedError{}
}

func (e *ConnectorNotConnectedError) Error() string {
	return "connector not connected"
}

// ChainMismatchError names both the expected and the active chain.
type ChainMismatchError struct {
	Expected int64
	Actual   int64
}

func NewChainMismatchError(expected, actual int64) *ChainMismatchError {
	return &ChainMismatchError{Expected: expected, Actual: actual}
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("chain mismatch: expected chain %d, connected to chain %d", e.Expected, e.Actual)
}

// Kind maps an error chain to a stable kind string.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var (
		providerNotFound   *ProviderNotFoundError
		userRejected       *UserRejectedRequestError
		resourceBusy       *ResourceUnavailableRpcError
		chainNotConfigured *ChainNotConfiguredError
		notSupported       *SwitchChainNotSupportedError
		alreadyConnected   *ConnectorAlreadyConnectedError
		connectorNotFound  *ConnectorNotFoundError
		notConnected       *ConnectorNotConnectedError
		mismatch           *ChainMismatchError
		switchChain        *SwitchChainError
	)

	// Wrapped causes win over the wrapper, so SwitchChainError is checked last.
	switch {
	case errors.As(err, &providerNotFound):
		return KindProviderNotFound
	case errors.As(err, &userRejected):
		return KindUserRejected
	case errors.As(err, &resourceBusy):
		return KindResourceUnavailable
	case errors.As(err, &chainNotConfigured):
		return KindChainNotConfigured
	case errors.As(err, &notSupported):
		return KindSwitchChainNotSupported
	case errors.As(err, &alreadyConnected):
		return KindConnectorAlreadyConnected
	case errors.As(err, &connectorNotFound):
		return KindConnectorNotFound
	case errors.As(err, &notConnected):
		return KindConnectorNotConnected
	case errors.As(err, &mismatch):
		return KindChainMismatch
	case errors.As(err, &switchChain):
		return KindSwitchChain
	default:
		return KindUnknown
	}
}

// IsUserRejected reports whether err carries a UserRejectedRequestError.
func IsUserRejected(err error) bool {
	var target *UserRejectedRequestError
	return errors.As(err, &target)
}
