package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/wallet-sync/internal/connector"
	"github.com/yourorg/wallet-sync/internal/model"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/store"
	"github.com/yourorg/wallet-sync/internal/types"
)

type sink struct {
	mu       sync.Mutex
	payloads []payload
	auth     []string
	status   int
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
}

func (s *sink) received() []payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]payload(nil), s.payloads...)
}

func newSink(t *testing.T) (*sink, *httptest.Server) {
	t.Helper()
	s := &sink{}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFlushPostsBatch(t *testing.T) {
	s, srv := newSink(t)
	e, err := New(Config{URL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	require.NoError(t, e.Flush(context.Background()), "empty flush is a no-op")
	assert.Empty(t, s.received())

	e.Add(model.Disconnected(1).Snapshot())
	e.Add(model.State{Status: model.StatusConnecting, ChainID: 1}.Snapshot())
	require.NoError(t, e.Flush(context.Background()))

	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, model.StatusDisconnected, got[0].Events[0].Status)
	assert.Equal(t, model.StatusConnecting, got[0].Events[1].Status)
	assert.Equal(t, "Bearer secret", s.auth[0])

	status := e.Status()
	assert.Equal(t, 2, status["exported"])
	assert.Equal(t, 0, status["current_batch"])
}

func TestFlushReportsErrorStatus(t *testing.T) {
	s, srv := newSink(t)
	s.status = http.StatusBadRequest
	e, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	e.Add(model.Disconnected(1).Snapshot())
	err = e.Flush(context.Background())
	assert.ErrorContains(t, err, "400")
	assert.Contains(t, e.Status(), "last_error")
}

func TestRunFlushesFullBatch(t *testing.T) {
	s, srv := newSink(t)
	e, err := New(Config{URL: srv.URL, BatchSize: 2, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.Add(model.Disconnected(1).Snapshot())
	e.Add(model.Disconnected(10).Snapshot())
	assert.Eventually(t, func() bool { return len(s.received()) == 1 }, time.Second, 10*time.Millisecond)

	// leftovers go out on shutdown
	e.Add(model.Disconnected(1).Snapshot())
	cancel()
	<-done
	assert.Len(t, s.received(), 2)
}

func TestAttachRecordsTransitions(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	chain := types.Chain{
		ID:             1,
		Name:           "mainnet",
		NativeCurrency: types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:        types.RPCURLs{Default: []string{"https://rpc.example.org"}},
	}
	st, err := store.New(context.Background(), store.Config{
		Chains:     []types.Chain{chain},
		Connectors: []connector.CreateFunc{connector.NewMock(connector.MockOptions{Accounts: []common.Address{account}})},
		Transport:  func(types.Chain) provider.Provider { return provider.NewMock() },
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	s, srv := newSink(t)
	e, err := New(Config{URL: srv.URL})
	require.NoError(t, err)
	detach := e.Attach(st)

	_, err = st.Connect(context.Background(), connector.TypeMock)
	require.NoError(t, err)
	st.Disconnect(context.Background())
	detach()
	require.NoError(t, e.Flush(context.Background()))

	got := s.received()
	require.Len(t, got, 1)
	var statuses []model.Status
	for _, ev := range got[0].Events {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []model.Status{model.StatusConnecting, model.StatusConnected, model.StatusDisconnected}, statuses)
	require.NotNil(t, got[0].Events[1].Account)
	assert.Equal(t, account, *got[0].Events[1].Account)
	assert.Equal(t, connector.TypeMock, got[0].Events[1].Connector)
}
