// Package read implements batched, cached contract reads: concurrent reads
// for a chain are coalesced into one Multicall3 call, identical reads share
// one in-flight request, and block-tracked results are refreshed on new
// blocks.
package read

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/yourorg/wallet-sync/internal/types"
	"github.com/yourorg/wallet-sync/internal/validation"
)

// Request is a single view call.
type Request struct {
	Address      common.Address
	ABI          *abi.ABI
	FunctionName string
	Args         []any
	ChainID      int64
}

// Status of a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the outcome of one request.
type Result struct {
	Status Status
	Values []any
	Err    error
}

func success(values []any) Result { return Result{Status: StatusSuccess, Values: values} }
func failure(err error) Result    { return Result{Status: StatusFailure, Err: err} }

// resolved is a request with its calldata packed and its fingerprint computed.
type resolved struct {
	req      Request
	method   abi.Method
	callData []byte
	key      string
}

// Fingerprint returns chainID:checksumAddress:0x<calldata>, the key used for
// both batching and caching.
func (r Request) Fingerprint() (string, error) {
	res, err := r.resolve(nil)
	if err != nil {
		return "", err
	}
	return res.key, nil
}

func fingerprint(chainID int64, address common.Address, callData []byte) string {
	return strconv.FormatInt(chainID, 10) + ":" + address.Hex() + ":" + hexutil.Encode(callData)
}

// resolve packs the calldata. chains, when non-nil, must contain the request's chain.
func (r Request) resolve(chains []types.Chain) (*resolved, error) {
	if r.ABI == nil {
		return nil, errors.New("request has no abi")
	}
	if chains != nil {
		if err := validation.ValidateReadTarget(chains, r.ChainID, r.Address, r.FunctionName); err != nil {
			return nil, err
		}
	}
	method, ok := r.ABI.Methods[r.FunctionName]
	if !ok {
		return nil, fmt.Errorf("function %q not found in abi", r.FunctionName)
	}
	data, err := r.ABI.Pack(r.FunctionName, r.Args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.FunctionName, err)
	}
	return &resolved{
		req:      r,
		method:   method,
		callData: data,
		key:      fingerprint(r.ChainID, r.Address, data),
	}, nil
}

func (r *resolved) decode(data []byte) ([]any, error) {
	values, err := r.method.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.req.FunctionName, err)
	}
	return values, nil
}

// ReadOption tunes a read.
type ReadOption func(*readOptions)

type readOptions struct {
	allowFailure bool
	trackBlock   bool
}

func newReadOptions(opts []ReadOption) readOptions {
	o := readOptions{allowFailure: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAllowFailure controls whether one failed request fails the whole read.
// Reads allow failure by default.
func WithAllowFailure(allow bool) ReadOption {
	return func(o *readOptions) { o.allowFailure = allow }
}

// WithTrackBlock marks the cached results for invalidation on every new block.
func WithTrackBlock() ReadOption {
	return func(o *readOptions) { o.trackBlock = true }
}
