package read

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/aggregate"
	"github.com/yourorg/wallet-sync/internal/metrics"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/types"
)

const tokenABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"name":"boom","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	tokenABI = func() *abi.ABI {
		parsed, err := abi.JSON(strings.NewReader(tokenABIJSON))
		if err != nil {
			panic(err)
		}
		return &parsed
	}()

	token     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	multicall = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
)

func owner(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x100 + i)))
}

func balanceOf(chainID int64, who common.Address) Request {
	return Request{Address: token, ABI: tokenABI, FunctionName: "balanceOf", Args: []any{who}, ChainID: chainID}
}

func symbol(chainID int64) Request {
	return Request{Address: token, ABI: tokenABI, FunctionName: "symbol", ChainID: chainID}
}

func boom(chainID int64) Request {
	return Request{Address: token, ABI: tokenABI, FunctionName: "boom", ChainID: chainID}
}

func revertWith(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

// fakeNode answers eth_call for the token above, directly or through
// Multicall3, and eth_blockNumber.
type fakeNode struct {
	*provider.Mock
	bump     atomic.Int64
	balances atomic.Int64
	block    atomic.Uint64
}

func newFakeNode() *fakeNode {
	n := &fakeNode{Mock: provider.NewMock()}
	n.Handle(provider.MethodCall, n.call)
	n.Handle(provider.MethodBlockNumber, func(context.Context, []any) (any, error) {
		return hexutil.Uint64(n.block.Load()), nil
	})
	return n
}

func (n *fakeNode) call(_ context.Context, params []any) (any, error) {
	raw, err := json.Marshal(params[0])
	if err != nil {
		return nil, err
	}
	var args struct {
		To   common.Address `json:"to"`
		Data hexutil.Bytes  `json:"data"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	if args.To == multicall {
		in, err := aggregate.Multicall3ABI.Methods["aggregate3"].Inputs.Unpack(args.Data[4:])
		if err != nil {
			return nil, err
		}
		calls := *abi.ConvertType(in[0], new([]aggregate.Call)).(*[]aggregate.Call)
		results := make([]aggregate.Result, len(calls))
		for i, c := range calls {
			out, reverted := n.exec(c.CallData)
			results[i] = aggregate.Result{Success: !reverted, ReturnData: out}
		}
		out, err := aggregate.Multicall3ABI.Methods["aggregate3"].Outputs.Pack(results)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(out), nil
	}

	out, reverted := n.exec(args.Data)
	if reverted {
		data, _ := json.Marshal(hexutil.Bytes(out))
		return nil, &provider.RPCError{Code: 3, Message: "execution reverted", Data: data}
	}
	return hexutil.Bytes(out), nil
}

func (n *fakeNode) exec(data []byte) ([]byte, bool) {
	method, err := tokenABI.MethodById(data[:4])
	if err != nil {
		return revertWith("unknown selector"), true
	}
	switch method.Name {
	case "balanceOf":
		n.balances.Add(1)
		args, _ := method.Inputs.Unpack(data[4:])
		who := args[0].(common.Address)
		value := new(big.Int).SetBytes(who[18:])
		value.Add(value, big.NewInt(n.bump.Load()))
		out, _ := method.Outputs.Pack(value)
		return out, false
	case "symbol":
		out, _ := method.Outputs.Pack("TKN")
		return out, false
	default:
		return revertWith("boom"), true
	}
}

func (n *fakeNode) ethCalls() int { return len(n.Calls(provider.MethodCall)) }

type fakeSource struct {
	chains  []types.Chain
	clients map[int64]*provider.PublicClient
}

func (s *fakeSource) Chains() []types.Chain { return s.chains }

func (s *fakeSource) PublicClient(chainID int64) (*provider.PublicClient, error) {
	c, ok := s.clients[chainID]
	if !ok {
		return nil, walleterrors.NewChainNotConfiguredError(chainID)
	}
	return c, nil
}

func testChain(id int64, withMulticall bool) types.Chain {
	c := types.Chain{
		ID:             id,
		Name:           fmt.Sprintf("chain-%d", id),
		NativeCurrency: types.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:        types.RPCURLs{Default: []string{"https://rpc.example.org"}},
	}
	if withMulticall {
		c.Contracts.Multicall3 = &types.Contract{Address: multicall}
	}
	return c
}

// newTestEngine serves chain 1 through Multicall3 and chain 10 without it.
func newTestEngine(t *testing.T, cfg Config) (*Engine, map[int64]*fakeNode) {
	t.Helper()
	nodes := map[int64]*fakeNode{1: newFakeNode(), 10: newFakeNode()}
	src := &fakeSource{
		chains: []types.Chain{testChain(1, true), testChain(10, false)},
		clients: map[int64]*provider.PublicClient{
			1:  provider.NewPublicClient(1, nodes[1]),
			10: provider.NewPublicClient(10, nodes[10]),
		},
	}
	return New(src, cfg), nodes
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	key, err := balanceOf(1, owner(1)).Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("1:%s:0x70a08231%064x", token.Hex(), 0x101), key)

	other, err := balanceOf(10, owner(1)).Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = Request{Address: token, ABI: tokenABI, FunctionName: "missing"}.Fingerprint()
	assert.Error(t, err)
}

func TestReadContractsOneAggregatedCall(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	results, err := e.ReadContracts(context.Background(), []Request{
		balanceOf(1, owner(1)),
		symbol(1),
		balanceOf(1, owner(2)),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, nodes[1].ethCalls())
	require.Len(t, results, 3)
	assert.Equal(t, big.NewInt(0x101), results[0].Values[0])
	assert.Equal(t, "TKN", results[1].Values[0])
	assert.Equal(t, big.NewInt(0x102), results[2].Values[0])
}

func TestReadContractsKeepsChainsApart(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	results, err := e.ReadContracts(context.Background(), []Request{
		balanceOf(10, owner(1)),
		balanceOf(1, owner(1)),
		symbol(10),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, nodes[1].ethCalls())
	// no Multicall3 on chain 10: one eth_call per request
	assert.Equal(t, 2, nodes[10].ethCalls())
	assert.Equal(t, big.NewInt(0x101), results[0].Values[0])
	assert.Equal(t, big.NewInt(0x101), results[1].Values[0])
	assert.Equal(t, "TKN", results[2].Values[0])
}

func TestConcurrentReadsShareWindow(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{BatchWait: time.Hour})
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	values := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.ReadContract(ctx, balanceOf(1, owner(i)))
			assert.NoError(t, err)
			values[i] = v[0]
		}(i)
	}

	require.Eventually(t, func() bool { return e.Pending(1) == n }, time.Second, time.Millisecond)
	e.Flush(1)
	wg.Wait()

	assert.Equal(t, 1, nodes[1].ethCalls())
	for i := 0; i < n; i++ {
		assert.Equal(t, big.NewInt(int64(0x100+i)), values[i])
	}
	assert.Zero(t, e.Pending(1))
}

func TestIdenticalReadsShareFlight(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{BatchWait: time.Hour})
	ctx := context.Background()
	key, err := balanceOf(1, owner(7)).Fingerprint()
	require.NoError(t, err)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.ReadContract(ctx, balanceOf(1, owner(7)))
			assert.NoError(t, err)
			assert.Equal(t, big.NewInt(0x107), v[0])
		}()
	}

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		f, ok := e.inflight[key]
		return ok && f.waiters == n
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, e.Pending(1))
	e.Flush(1)
	wg.Wait()

	assert.Equal(t, int64(1), nodes[1].balances.Load())
	assert.Equal(t, 1, nodes[1].ethCalls())
}

func TestCacheHit(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	e, nodes := newTestEngine(t, Config{Metrics: metrics.New(reg)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := e.ReadContract(ctx, balanceOf(1, owner(1)))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(0x101), v[0])
	}
	assert.Equal(t, 1, nodes[1].ethCalls())
}

func TestAllowFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	for _, chainID := range []int64{1, 10} {
		chainID := chainID
		t.Run(fmt.Sprintf("chain %d", chainID), func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEngine(t, Config{})

			results, err := e.ReadContracts(ctx, []Request{symbol(chainID), boom(chainID)})
			require.NoError(t, err)
			assert.Equal(t, StatusSuccess, results[0].Status)
			assert.Equal(t, StatusFailure, results[1].Status)
			var callErr *aggregate.CallError
			require.ErrorAs(t, results[1].Err, &callErr)
			assert.Equal(t, "boom", callErr.Reason)

			_, err = e.ReadContracts(ctx, []Request{symbol(chainID), boom(chainID)}, WithAllowFailure(false))
			assert.ErrorContains(t, err, "boom")

			_, err = e.ReadContract(ctx, boom(chainID))
			assert.Error(t, err)
		})
	}
}

func TestReadValidation(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.ReadContract(ctx, balanceOf(5, owner(1)))
	var notConfigured *walleterrors.ChainNotConfiguredError
	assert.ErrorAs(t, err, &notConfigured)

	_, err = e.ReadContract(ctx, Request{Address: token, ABI: tokenABI, FunctionName: "balanceOf", ChainID: 1})
	assert.ErrorContains(t, err, "encode balanceOf")

	_, err = e.ReadContract(ctx, Request{Address: token, FunctionName: "balanceOf", ChainID: 1})
	assert.ErrorContains(t, err, "no abi")

	assert.Zero(t, nodes[1].ethCalls())
}

func TestBlockRefetchesSubscribedEntriesOnce(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	ctx := context.Background()
	node := nodes[1]

	var (
		mu      sync.Mutex
		updates [][]Result
	)
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func(r []Result) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, r)
	}, WithTrackBlock())
	defer unwatch()
	delivered := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(updates)
	}
	require.Eventually(t, func() bool { return delivered() == 1 }, time.Second, time.Millisecond)

	// tracked without subscribers, and untracked
	_, err := e.ReadContract(ctx, balanceOf(1, owner(2)), WithTrackBlock())
	require.NoError(t, err)
	_, err = e.ReadContract(ctx, balanceOf(1, owner(3)))
	require.NoError(t, err)

	node.ResetCalls()
	node.balances.Store(0)
	node.bump.Store(1000)

	e.OnBlock(ctx, 1, 100)
	assert.Equal(t, int64(1), node.balances.Load())
	assert.Equal(t, 1, node.ethCalls())
	require.Equal(t, 2, delivered())
	mu.Lock()
	assert.Equal(t, big.NewInt(0x101+1000), updates[1][0].Values[0])
	mu.Unlock()

	// same block again is ignored, other chains are untouched
	e.OnBlock(ctx, 1, 100)
	e.OnBlock(ctx, 10, 100)
	assert.Equal(t, int64(1), node.balances.Load())

	// the unsubscribed tracked entry was invalidated, the untracked one was not
	v, err := e.ReadContract(ctx, balanceOf(1, owner(2)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x102+1000), v[0])
	v, err = e.ReadContract(ctx, balanceOf(1, owner(3)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x103), v[0])
	assert.Equal(t, int64(2), node.balances.Load())
}

func TestUnwatchStopsRefetch(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	var calls atomic.Int32
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func([]Result) { calls.Add(1) }, WithTrackBlock())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	unwatch()
	unwatch()
	nodes[1].ResetCalls()
	e.OnBlock(context.Background(), 1, 1)
	assert.Zero(t, nodes[1].ethCalls())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefetch(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func([]Result) { calls.Add(1) })
	defer unwatch()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	nodes[1].bump.Store(5)
	results, err := e.Refetch(ctx, balanceOf(1, owner(1)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x101+5), results[0].Values[0])
	assert.Equal(t, int32(2), calls.Load())

	key, _ := balanceOf(1, owner(1)).Fingerprint()
	e.mu.Lock()
	assert.Equal(t, 1, e.entries[key].subscribers)
	e.mu.Unlock()

	// served from the overwritten cache entry
	nodes[1].ResetCalls()
	v, err := e.ReadContract(ctx, balanceOf(1, owner(1)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x101+5), v[0])
	assert.Zero(t, nodes[1].ethCalls())
}

func TestFailedRefetchKeepsCachedValue(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		latest []Result
		count  int
	)
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func(r []Result) {
		mu.Lock()
		defer mu.Unlock()
		latest = r
		count++
	})
	defer unwatch()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	nodes[1].Fail(provider.MethodCall, fmt.Errorf("node down"))
	results, err := e.Refetch(ctx, balanceOf(1, owner(1)))
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, results[0].Status)
	assert.ErrorContains(t, results[0].Err, "node down")

	mu.Lock()
	assert.Equal(t, 2, count)
	assert.Equal(t, StatusSuccess, latest[0].Status)
	assert.Equal(t, big.NewInt(0x101), latest[0].Values[0])
	mu.Unlock()

	v, err := e.ReadContract(ctx, balanceOf(1, owner(1)))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0x101), v[0])
}

func TestWatchCallbackMayUnwatch(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})

	// unwatch from the first delivery
	ready := make(chan func(), 1)
	done := make(chan struct{})
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func([]Result) {
		stop := <-ready
		stop()
		close(done)
	})
	ready <- unwatch
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback did not return after unwatching")
	}

	// unwatch from a block-driven delivery
	var (
		calls atomic.Int32
		stop  func()
	)
	// the second delivery runs on the OnBlock goroutine started below, after stop is set
	stop = e.WatchReadContracts([]Request{balanceOf(1, owner(2))}, func([]Result) {
		if calls.Add(1) == 2 {
			stop()
		}
	}, WithTrackBlock())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	returned := make(chan struct{})
	go func() {
		e.OnBlock(context.Background(), 1, 1)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("OnBlock blocked on a watch that unwatched itself")
	}
	assert.Equal(t, int32(2), calls.Load())

	nodes[1].ResetCalls()
	e.OnBlock(context.Background(), 1, 2)
	assert.Zero(t, nodes[1].ethCalls())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCollect(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, Config{CacheTime: time.Minute})
	ctx := context.Background()

	_, err := e.ReadContract(ctx, balanceOf(1, owner(1)))
	require.NoError(t, err)
	var calls atomic.Int32
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(2))}, func([]Result) { calls.Add(1) })
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.Zero(t, e.collect(time.Now()))
	assert.Equal(t, 1, e.collect(time.Now().Add(2*time.Minute)))

	unwatch()
	assert.Equal(t, 1, e.collect(time.Now().Add(2*time.Minute)))
	e.mu.Lock()
	assert.Empty(t, e.entries)
	e.mu.Unlock()
}

func TestBatchSizeSplitsCalls(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{BatchSize: 2})
	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = balanceOf(1, owner(i))
	}
	results, err := e.ReadContracts(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, nodes[1].ethCalls())
	for i, r := range results {
		assert.Equal(t, big.NewInt(int64(0x100+i)), r.Values[0])
	}
}

func TestStartConsumesBlockFeed(t *testing.T) {
	t.Parallel()

	feed := &BlockFeed{}
	e, _ := newTestEngine(t, Config{Blocks: feed})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	var calls atomic.Int32
	unwatch := e.WatchReadContracts([]Request{balanceOf(1, owner(1))}, func([]Result) { calls.Add(1) }, WithTrackBlock())
	defer unwatch()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return feed.Publish(BlockEvent{ChainID: 1, Number: 42}) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollingWatcher(t *testing.T) {
	t.Parallel()

	e, nodes := newTestEngine(t, Config{})
	w := NewPollingWatcher(e.source, time.Hour, 1, 10)
	events := make(chan BlockEvent, 8)
	sub := w.SubscribeBlocks(events)
	defer sub.Unsubscribe()

	nodes[1].block.Store(5)
	nodes[10].block.Store(9)
	require.NoError(t, w.Poll(context.Background()))
	require.NoError(t, w.Poll(context.Background()))

	got := map[int64]uint64{}
	for len(events) > 0 {
		ev := <-events
		got[ev.ChainID] = ev.Number
	}
	assert.Equal(t, map[int64]uint64{1: 5, 10: 9}, got)

	nodes[1].block.Store(6)
	require.NoError(t, w.Poll(context.Background()))
	assert.Equal(t, BlockEvent{ChainID: 1, Number: 6}, <-events)
	assert.Zero(t, len(events))
}
