package model

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateHelpers(t *testing.T) {
	t.Parallel()

	s := Disconnected(10)
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Equal(t, int64(10), s.ChainID)
	assert.False(t, s.IsConnected())
	assert.Equal(t, "", s.ConnectorID())
	_, ok := s.Account()
	assert.False(t, ok)
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	a := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	raw, err := json.Marshal(State{Status: StatusConnecting, Accounts: []common.Address{a}, ChainID: 1}.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "connecting",
		"accounts": ["0xd8da6bf26964af9d7eed9e03e53415d37aa96045"],
		"account": "0xd8da6bf26964af9d7eed9e03e53415d37aa96045",
		"chainId": 1
	}`, string(raw))

	raw, err = json.Marshal(Disconnected(1).Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"disconnected","accounts":[],"chainId":1}`, string(raw))
}
