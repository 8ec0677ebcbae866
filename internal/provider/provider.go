// Package provider defines the EIP-1193 shaped wallet provider protocol and
// ships the transports connectors talk to: injected providers, an HTTP
// JSON-RPC provider and a scriptable mock.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Provider events.
const (
	EventConnect         = "connect"
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventDisconnect      = "disconnect"
	EventMessage         = "message"
)

// JSON-RPC methods used by connectors and the read engine.
const (
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodAccounts           = "eth_accounts"
	MethodChainID            = "eth_chainId"
	MethodCall               = "eth_call"
	MethodBlockNumber        = "eth_blockNumber"
	MethodPersonalSign       = "personal_sign"
	MethodSwitchChain        = "wallet_switchEthereumChain"
	MethodAddChain           = "wallet_addEthereumChain"
	MethodRequestPermissions = "wallet_requestPermissions"
)

// Provider error codes.
const (
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeChainDisconnected   = 4901
	CodeUnrecognizedChain   = 4902
	CodeResourceUnavailable = -32002
	CodeTryAgain            = 1013
)

// Handler receives the raw event argument. Shapes follow the provider:
// []string for accountsChanged, a hex string or number for chainChanged,
// an error for disconnect and a map for connect and message.
type Handler func(data any)

// Listener is the token returned by On. Remove is idempotent.
type Listener interface {
	Remove()
}

// Provider is the surface every wallet transport exposes.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	On(event string, handler Handler) Listener
	// Has reports a detection flag such as "isMetaMask".
	Has(flag string) bool
}

// RPCError is a provider-level failure carrying an EIP-1193 code.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData decodes Data, so RPCError satisfies rpc.DataError. Revert data
// from eth_call comes back as a hex string.
func (e *RPCError) ErrorData() interface{} {
	if len(e.Data) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return nil
	}
	return v
}

// NewRPCError builds an RPCError without data.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// ErrorCode returns the EIP-1193 code carried by err, or 0.
func ErrorCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// NestedErrorCode returns data.originalError.code, which some wallets use to
// forward the code of the chain they proxy to.
func NestedErrorCode(err error) int {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || len(rpcErr.Data) == 0 {
		return 0
	}
	var data struct {
		OriginalError *struct {
			Code int `json:"code"`
		} `json:"originalError"`
	}
	if json.Unmarshal(rpcErr.Data, &data) != nil || data.OriginalError == nil {
		return 0
	}
	return data.OriginalError.Code
}

// HasCode reports whether err carries code at the top level or nested.
func HasCode(err error, code int) bool {
	return ErrorCode(err) == code || NestedErrorCode(err) == code
}

// RequestInto performs a request and decodes the result into out.
func RequestInto(ctx context.Context, p Provider, out any, method string, params ...any) error {
	raw, err := p.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type noopListener struct{}

func (noopListener) Remove() {}

// NoopListener is returned by transports without an event stream.
var NoopListener Listener = noopListener{}
