// Package aggregate packs many contract calls into one Multicall3
// aggregate3 request and unpacks the per-call results. Chains without a
// Multicall3 deployment fall back to one eth_call per request.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicall3JSON = `[{
	"inputs": [{
		"components": [
			{"internalType": "address", "name": "target", "type": "address"},
			{"internalType": "bool", "name": "allowFailure", "type": "bool"},
			{"internalType": "bytes", "name": "callData", "type": "bytes"}
		],
		"internalType": "struct Multicall3.Call3[]",
		"name": "calls",
		"type": "tuple[]"
	}],
	"name": "aggregate3",
	"outputs": [{
		"components": [
			{"internalType": "bool", "name": "success", "type": "bool"},
			{"internalType": "bytes", "name": "returnData", "type": "bytes"}
		],
		"internalType": "struct Multicall3.Result[]",
		"name": "returnData",
		"type": "tuple[]"
	}],
	"stateMutability": "payable",
	"type": "function"
}]`

const aggregate3 = "aggregate3"

// Multicall3ABI is the subset of the Multicall3 ABI used here.
var Multicall3ABI = mustParse(multicall3JSON)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse multicall3 abi: %v", err))
	}
	return parsed
}

// Call is one entry of an aggregate3 request.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is one entry of an aggregate3 response.
type Result struct {
	Success    bool
	ReturnData []byte
}

// Caller executes eth_call. Both provider.PublicClient and go-ethereum's
// ethclient satisfy it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EncodeAggregate3 returns the calldata for aggregate3(calls).
func EncodeAggregate3(calls []Call) ([]byte, error) {
	data, err := Multicall3ABI.Pack(aggregate3, calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	return data, nil
}

// DecodeAggregate3 unpacks the return data of aggregate3.
func DecodeAggregate3(data []byte) ([]Result, error) {
	out, err := Multicall3ABI.Unpack(aggregate3, data)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unpack aggregate3: %d outputs", len(out))
	}
	results := *abi.ConvertType(out[0], new([]Result)).(*[]Result)
	return results, nil
}

// Aggregate sends calls to the Multicall3 contract at multicall in a single
// eth_call. A nil blockNumber reads the latest block.
func Aggregate(ctx context.Context, caller Caller, multicall common.Address, calls []Call, blockNumber *big.Int) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := EncodeAggregate3(calls)
	if err != nil {
		return nil, err
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &multicall, Data: data}, blockNumber)
	if err != nil {
		return nil, err
	}
	results, err := DecodeAggregate3(raw)
	if err != nil {
		return nil, err
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}

// CallEach runs every call as its own eth_call, in parallel, and returns
// results in call order. A failed call is reported as an unsuccessful
// Result carrying the revert data when the node returned any. Transport
// failures abort the whole batch unless every call allows failure.
func CallEach(ctx context.Context, caller Caller, calls []Call, blockNumber *big.Int) ([]Result, error) {
	results := make([]Result, len(calls))
	errs := make([]error, len(calls))

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			target := c.Target
			raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &target, Data: c.CallData}, blockNumber)
			if err != nil {
				errs[i] = err
				results[i] = Result{ReturnData: RevertData(err)}
				return
			}
			results[i] = Result{Success: true, ReturnData: raw}
		}(i, calls[i])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, err := range errs {
		if err != nil && !calls[i].AllowFailure {
			return nil, &CallError{Index: i, Target: calls[i].Target, Cause: err}
		}
	}
	return results, nil
}

// dataError matches rpc errors that carry revert data, such as
// go-ethereum's rpc.DataError and provider.RPCError.
type dataError interface {
	ErrorData() interface{}
}

// RevertData extracts revert bytes from an eth_call error, or nil.
func RevertData(err error) []byte {
	var de dataError
	if !errors.As(err, &de) {
		return nil
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, decodeErr := decodeHex(v)
		if decodeErr != nil {
			return nil
		}
		return b
	case []byte:
		return v
	default:
		return nil
	}
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.New("missing 0x prefix")
	}
	return common.FromHex(s), nil
}

// CallError reports a failed call that did not allow failure.
type CallError struct {
	Index  int
	Target common.Address
	// Reason is the decoded Error(string) message, if any
	Reason string
	Cause  error
}

func (e *CallError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("call %d to %s reverted: %s", e.Index, e.Target.Hex(), e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("call %d to %s failed: %v", e.Index, e.Target.Hex(), e.Cause)
	default:
		return fmt.Sprintf("call %d to %s reverted", e.Index, e.Target.Hex())
	}
}

func (e *CallError) Unwrap() error { return e.Cause }

// NewRevertError builds the CallError for an unsuccessful Result.
func NewRevertError(index int, target common.Address, returnData []byte) *CallError {
	e := &CallError{Index: index, Target: target}
	if reason, err := abi.UnpackRevert(returnData); err == nil {
		e.Reason = reason
	}
	return e
}

// Chunk splits items into consecutive slices of at most size elements.
// A size of zero or less returns everything in one chunk.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
