package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
)

// Helper functions for request decoding and response encoding

// statusRecorder remembers the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeJSON sends v with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	logrus.Warn(msg)
	writeJSON(w, statusCode, errorResponse{Status: "error", Error: msg})
}

// writeWalletError maps a store or connector error onto an HTTP status.
func writeWalletError(w http.ResponseWriter, err error) {
	kind := walleterrors.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case walleterrors.KindConnectorNotFound:
		status = http.StatusNotFound
	case walleterrors.KindChainNotConfigured:
		status = http.StatusBadRequest
	case walleterrors.KindUserRejected:
		status = http.StatusForbidden
	case walleterrors.KindConnectorAlreadyConnected, walleterrors.KindConnectorNotConnected, walleterrors.KindChainMismatch:
		status = http.StatusConflict
	case walleterrors.KindSwitchChainNotSupported:
		status = http.StatusNotImplemented
	case walleterrors.KindProviderNotFound, walleterrors.KindResourceUnavailable:
		status = http.StatusServiceUnavailable
	case walleterrors.KindSwitchChain:
		status = http.StatusBadGateway
	}
	logrus.WithField("kind", kind).Warn(err.Error())
	writeJSON(w, status, errorResponse{Status: "error", Error: err.Error(), Kind: kind})
}

// parseABI accepts an ABI as a JSON array or as a string holding one.
func parseABI(raw json.RawMessage) (*abi.ABI, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("abi is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid abi: %w", err)
		}
		raw = []byte(s)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid abi: %w", err)
	}
	return &parsed, nil
}

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// decodeArgs converts JSON arguments into the Go values abi.Pack expects
// for method's inputs.
func decodeArgs(method abi.Method, raw []json.RawMessage) ([]any, error) {
	if len(raw) != len(method.Inputs) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", method.Name, len(method.Inputs), len(raw))
	}
	args := make([]any, len(raw))
	for i, input := range method.Inputs {
		v, err := decodeArg(input.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, input.Type.String(), err)
		}
		args[i] = v
	}
	return args, nil
}

func decodeArg(t abi.Type, raw json.RawMessage) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, err := decodeBig(raw)
		if err != nil {
			return nil, err
		}
		typ := t.GetType()
		if typ == bigIntType {
			return n, nil
		}
		v := reflect.New(typ).Elem()
		if t.T == abi.UintTy {
			if n.Sign() < 0 || !n.IsUint64() || v.OverflowUint(n.Uint64()) {
				return nil, fmt.Errorf("%s out of range", n)
			}
			v.SetUint(n.Uint64())
		} else {
			if !n.IsInt64() || v.OverflowInt(n.Int64()) {
				return nil, fmt.Errorf("%s out of range", n)
			}
			v.SetInt(n.Int64())
		}
		return v.Interface(), nil

	case abi.BytesTy:
		var b hexutil.Bytes
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return []byte(b), nil

	case abi.FixedBytesTy:
		var b hexutil.Bytes
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		for i, c := range b {
			v.Index(i).SetUint(uint64(c))
		}
		return v.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		var v reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("want %d items, got %d", t.Size, len(items))
			}
			v = reflect.New(t.GetType()).Elem()
		} else {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			elem, err := decodeArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			v.Index(i).Set(reflect.ValueOf(elem))
		}
		return v.Interface(), nil

	case abi.AddressTy, abi.BoolTy, abi.StringTy:
		ptr := reflect.New(t.GetType())
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Elem().Interface(), nil
	}
	return nil, fmt.Errorf("unsupported argument type")
}

// decodeBig reads a JSON number or a decimal or 0x-prefixed string.
func decodeBig(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(bytes.TrimSpace(raw))
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %s", s)
	}
	return n, nil
}

// jsonValue renders decoded ABI values for JSON: integers as decimal
// strings, byte strings as hex.
func jsonValue(v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case common.Address, common.Hash:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			for i := range b {
				b[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(b)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = jsonValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}
