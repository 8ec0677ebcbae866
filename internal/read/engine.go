package read

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/wallet-sync/internal/aggregate"
	"github.com/yourorg/wallet-sync/internal/metrics"
	"github.com/yourorg/wallet-sync/internal/otel"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/types"
)

// Defaults applied by New.
const (
	DefaultBatchSize   = 500
	DefaultCacheTime   = 5 * time.Minute
	DefaultCallTimeout = 10 * time.Second
	defaultParallelism = 4
)

// Source resolves chains and their read clients. *store.Store satisfies it.
type Source interface {
	Chains() []types.Chain
	PublicClient(chainID int64) (*provider.PublicClient, error)
}

// Config tunes an Engine.
type Config struct {
	// BatchWait is how long a chain's window stays open after its first
	// request. Zero dispatches as soon as the scheduler runs the timer.
	BatchWait time.Duration
	// BatchSize caps the calls in one aggregated request
	BatchSize int
	// CacheTime is how long an entry without subscribers survives
	CacheTime   time.Duration
	CallTimeout time.Duration
	// MaxParallelBatches bounds concurrent aggregated requests per window
	MaxParallelBatches int
	Blocks             BlockWatcher
	Metrics            *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CacheTime <= 0 {
		c.CacheTime = DefaultCacheTime
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxParallelBatches <= 0 {
		c.MaxParallelBatches = defaultParallelism
	}
	return c
}

type entry struct {
	res         *resolved
	values      []any
	err         error
	hasValue    bool
	blockNumber uint64
	subscribers int
	trackBlock  bool
	invalidated bool
	updatedAt   time.Time
	lastUsed    time.Time
}

func (e *entry) fresh() bool {
	return e.hasValue && e.err == nil && !e.invalidated
}

func (e *entry) result() Result {
	if e.err != nil {
		return failure(e.err)
	}
	if !e.hasValue {
		return failure(errors.New("no data"))
	}
	return success(e.values)
}

type watch struct {
	id       uint64
	items    []*resolved
	errs     []error
	callback func([]Result)

	// mu serialises deliveries; removed is read without it so a callback
	// may unwatch itself
	mu      sync.Mutex
	removed atomic.Bool
}

// Engine batches, deduplicates and caches contract reads.
type Engine struct {
	source  Source
	cfg     Config
	metrics *metrics.Metrics

	mu        sync.Mutex
	entries   map[string]*entry
	inflight  map[string]*flight
	batchers  map[int64]*batcher
	watches   map[uint64]*watch
	nextWatch uint64
	lastBlock map[int64]uint64
}

// New creates an engine reading through source.
func New(source Source, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		source:    source,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		entries:   make(map[string]*entry),
		inflight:  make(map[string]*flight),
		batchers:  make(map[int64]*batcher),
		watches:   make(map[uint64]*watch),
		lastBlock: make(map[int64]uint64),
	}
}

// ReadContract reads a single request and fails if it fails.
func (e *Engine) ReadContract(ctx context.Context, req Request, opts ...ReadOption) ([]any, error) {
	results, err := e.ReadContracts(ctx, []Request{req}, opts...)
	if err != nil {
		return nil, err
	}
	if results[0].Status == StatusFailure {
		return nil, results[0].Err
	}
	return results[0].Values, nil
}

// ReadContracts reads every request and returns results in request order.
// Requests for one chain are enqueued together, so one invocation becomes
// one aggregated call per chain. With WithAllowFailure(false) any failed
// request fails the whole read.
func (e *Engine) ReadContracts(ctx context.Context, reqs []Request, opts ...ReadOption) ([]Result, error) {
	o := newReadOptions(opts)
	items, errs := e.resolveAll(reqs)
	results := e.fetch(ctx, items, errs, o.trackBlock, false)
	e.touch(items)
	return finish(results, o.allowFailure)
}

func finish(results []Result, allowFailure bool) ([]Result, error) {
	if allowFailure {
		return results, nil
	}
	for _, r := range results {
		if r.Status == StatusFailure {
			return nil, r.Err
		}
	}
	return results, nil
}

// Refetch reads reqs bypassing the cache. Successful results overwrite the
// cached ones; subscriber counts are left alone. Watchers of the refetched
// entries are notified.
func (e *Engine) Refetch(ctx context.Context, reqs ...Request) ([]Result, error) {
	items, errs := e.resolveAll(reqs)
	results := e.fetch(ctx, items, errs, false, true)

	perChain := make(map[int64]int)
	keys := make(map[string]bool)
	for _, it := range items {
		if it != nil {
			perChain[it.req.ChainID]++
			keys[it.key] = true
		}
	}
	for chainID, n := range perChain {
		e.metrics.Refetch(chainID, "manual", n)
	}
	e.notify(keys)
	return results, nil
}

// WatchReadContracts subscribes to reqs. callback receives the current
// results once they are first available and again whenever a refetch
// updates any of them. The returned func unsubscribes.
func (e *Engine) WatchReadContracts(reqs []Request, callback func([]Result), opts ...ReadOption) func() {
	o := newReadOptions(opts)
	items, errs := e.resolveAll(reqs)

	e.mu.Lock()
	e.nextWatch++
	w := &watch{id: e.nextWatch, items: items, errs: errs, callback: callback}
	e.watches[w.id] = w
	now := time.Now()
	for _, it := range items {
		if it == nil {
			continue
		}
		ent := e.entryLocked(it, now)
		ent.subscribers++
		if o.trackBlock {
			ent.trackBlock = true
		}
	}
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()
		results := e.fetch(ctx, items, errs, o.trackBlock, false)
		w.deliver(results)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.removed.Store(true)

			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.watches, w.id)
			now := time.Now()
			for _, it := range items {
				if it == nil {
					continue
				}
				if ent, ok := e.entries[it.key]; ok && ent.subscribers > 0 {
					ent.subscribers--
					ent.lastUsed = now
				}
			}
		})
	}
}

func (w *watch) deliver(results []Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.removed.Load() {
		return
	}
	w.callback(results)
}

// OnBlock invalidates the block-tracked entries of chainID and refetches,
// in one batch, those that have subscribers. Block numbers not above the
// last one seen for the chain are ignored.
func (e *Engine) OnBlock(ctx context.Context, chainID int64, number uint64) {
	e.mu.Lock()
	if number <= e.lastBlock[chainID] {
		e.mu.Unlock()
		return
	}
	e.lastBlock[chainID] = number

	var stale []*resolved
	for _, ent := range e.entries {
		if ent.res.req.ChainID != chainID || !ent.trackBlock {
			continue
		}
		ent.invalidated = true
		if ent.subscribers > 0 {
			stale = append(stale, ent.res)
		}
	}
	e.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{"chainId": chainID, "block": number, "entries": len(stale)}).
		Debug("refetching block-tracked reads")
	e.metrics.Refetch(chainID, "block", len(stale))

	e.fetch(ctx, stale, make([]error, len(stale)), false, true)
	keys := make(map[string]bool, len(stale))
	for _, it := range stale {
		keys[it.key] = true
	}
	e.notify(keys)
}

// Start consumes block events from the configured watcher and collects
// idle cache entries until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	var (
		blocks = make(chan BlockEvent, 16)
		errc   <-chan error
	)
	if e.cfg.Blocks != nil {
		sub := e.cfg.Blocks.SubscribeBlocks(blocks)
		defer sub.Unsubscribe()
		errc = sub.Err()
	}

	gc := time.NewTicker(e.cfg.CacheTime)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case ev := <-blocks:
			e.OnBlock(ctx, ev.ChainID, ev.Number)
		case now := <-gc.C:
			e.collect(now)
		}
	}
}

// Flush dispatches the open window of chainID immediately.
func (e *Engine) Flush(chainID int64) {
	e.mu.Lock()
	b, ok := e.batchers[chainID]
	e.mu.Unlock()
	if ok {
		b.flush()
	}
}

// Pending returns how many calls wait in the open window of chainID.
func (e *Engine) Pending(chainID int64) int {
	e.mu.Lock()
	b, ok := e.batchers[chainID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return b.pending()
}

func (e *Engine) resolveAll(reqs []Request) ([]*resolved, []error) {
	chains := e.source.Chains()
	items := make([]*resolved, len(reqs))
	errs := make([]error, len(reqs))
	for i, r := range reqs {
		items[i], errs[i] = r.resolve(chains)
	}
	return items, errs
}

func (e *Engine) entryLocked(res *resolved, now time.Time) *entry {
	ent, ok := e.entries[res.key]
	if !ok {
		ent = &entry{res: res, lastUsed: now}
		e.entries[res.key] = ent
		e.metrics.CacheEntries(len(e.entries))
	}
	return ent
}

func (e *Engine) touch(items []*resolved) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for _, it := range items {
		if it == nil {
			continue
		}
		if ent, ok := e.entries[it.key]; ok {
			ent.lastUsed = now
		}
	}
}

// fetch answers items from the cache where allowed, joins flights already
// in the air and enqueues the rest, one batcher step per chain.
func (e *Engine) fetch(ctx context.Context, items []*resolved, errs []error, trackBlock, force bool) []Result {
	results := make([]Result, len(items))
	waits := make([]*flight, len(items))
	fresh := make(map[int64][]*flight)
	now := time.Now()

	e.mu.Lock()
	for i, it := range items {
		if it == nil {
			results[i] = failure(errs[i])
			continue
		}
		ent := e.entryLocked(it, now)
		if trackBlock {
			ent.trackBlock = true
		}
		if !force && ent.fresh() {
			e.metrics.CacheLookup(it.req.ChainID, true)
			results[i] = ent.result()
			continue
		}
		if !force {
			e.metrics.CacheLookup(it.req.ChainID, false)
		}
		f, ok := e.inflight[it.key]
		if !ok {
			f = newFlight(it)
			e.inflight[it.key] = f
			fresh[it.req.ChainID] = append(fresh[it.req.ChainID], f)
		}
		f.waiters++
		waits[i] = f
	}
	for chainID, flights := range fresh {
		e.batcherLocked(chainID).enqueue(flights...)
	}
	e.mu.Unlock()

	for i, f := range waits {
		if f == nil {
			continue
		}
		select {
		case <-f.done:
			results[i] = e.flightResult(f)
		case <-ctx.Done():
			results[i] = failure(ctx.Err())
		}
	}
	return results
}

func (e *Engine) flightResult(f *flight) Result {
	if f.err != nil {
		return failure(f.err)
	}
	if !f.ok {
		return failure(aggregate.NewRevertError(f.index, f.res.req.Address, f.data))
	}
	values, err := f.res.decode(f.data)
	if err != nil {
		return failure(err)
	}
	return success(values)
}

func (e *Engine) batcherLocked(chainID int64) *batcher {
	b, ok := e.batchers[chainID]
	if !ok {
		b = newBatcher(chainID, e.cfg.BatchWait, e.dispatch)
		e.batchers[chainID] = b
	}
	return b
}

// dispatch sends one window's flights, split into BatchSize chunks.
func (e *Engine) dispatch(chainID int64, flights []*flight) {
	chain, _ := types.FindChain(e.source.Chains(), chainID)
	client, err := e.source.PublicClient(chainID)
	if err != nil {
		e.complete(flights, nil, err)
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelBatches)
	for _, chunk := range aggregate.Chunk(flights, e.cfg.BatchSize) {
		chunk := chunk
		g.Go(func() error {
			e.dispatchChunk(chain, client, chunk)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) dispatchChunk(chain types.Chain, client *provider.PublicClient, flights []*flight) {
	calls := make([]aggregate.Call, len(flights))
	for i, f := range flights {
		f.index = i
		calls[i] = aggregate.Call{Target: f.res.req.Address, AllowFailure: true, CallData: f.res.callData}
	}

	mode := "fallback"
	if chain.Contracts.Multicall3 != nil {
		mode = "multicall"
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()
	ctx, span := otel.Tracer().Start(ctx, "read.batch", trace.WithAttributes(
		attribute.Int64("chain.id", chain.ID),
		attribute.String("mode", mode),
		attribute.Int("size", len(calls)),
	))

	var (
		results []aggregate.Result
		err     error
	)
	if mc := chain.Contracts.Multicall3; mc != nil {
		results, err = aggregate.Aggregate(ctx, client, mc.Address, calls, nil)
	} else {
		results, err = aggregate.CallEach(ctx, client, calls, nil)
	}
	otel.End(span, err)

	e.metrics.Batch(chain.ID, mode, len(calls))
	e.metrics.ProviderCall(chain.ID, err)
	if err != nil {
		logrus.WithFields(logrus.Fields{"chainId": chain.ID, "mode": mode, "calls": len(calls)}).
			Warnf("batched read failed: %v", err)
	}
	e.complete(flights, results, err)
}

// complete stores outcomes in the cache and releases every waiter.
func (e *Engine) complete(flights []*flight, results []aggregate.Result, err error) {
	now := time.Now()
	e.mu.Lock()
	for i, f := range flights {
		if err != nil {
			f.err = fmt.Errorf("read %s on chain %d: %w", f.res.req.FunctionName, f.res.req.ChainID, err)
		} else {
			f.ok, f.data = results[i].Success, results[i].ReturnData
		}
		delete(e.inflight, f.res.key)

		ent, ok := e.entries[f.res.key]
		if !ok {
			continue
		}
		res := e.flightResult(f)
		switch {
		case res.Status == StatusSuccess:
			ent.values, ent.hasValue, ent.err = res.Values, true, nil
			ent.invalidated = false
			ent.updatedAt = now
			ent.blockNumber = e.lastBlock[f.res.req.ChainID]
		case ent.hasValue:
			// failures reach this flight's callers only; the last good value stays
		default:
			ent.err = res.Err
			ent.updatedAt = now
		}
	}
	e.mu.Unlock()

	for _, f := range flights {
		close(f.done)
	}
}

// notify re-delivers current results to watches touching any of keys.
func (e *Engine) notify(keys map[string]bool) {
	e.mu.Lock()
	var targets []*watch
	for _, w := range e.watches {
		for _, it := range w.items {
			if it != nil && keys[it.key] {
				targets = append(targets, w)
				break
			}
		}
	}
	snapshots := make([][]Result, len(targets))
	for i, w := range targets {
		snapshots[i] = e.snapshotLocked(w)
	}
	e.mu.Unlock()

	for i, w := range targets {
		w.deliver(snapshots[i])
	}
}

func (e *Engine) snapshotLocked(w *watch) []Result {
	out := make([]Result, len(w.items))
	for i, it := range w.items {
		if it == nil {
			out[i] = failure(w.errs[i])
			continue
		}
		ent, ok := e.entries[it.key]
		if !ok {
			out[i] = failure(errors.New("entry collected"))
			continue
		}
		out[i] = ent.result()
	}
	return out
}

// collect drops entries without subscribers that have been idle for CacheTime.
func (e *Engine) collect(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for key, ent := range e.entries {
		if ent.subscribers > 0 {
			continue
		}
		if _, busy := e.inflight[key]; busy {
			continue
		}
		if now.Sub(ent.lastUsed) >= e.cfg.CacheTime {
			delete(e.entries, key)
			removed++
		}
	}
	if removed > 0 {
		e.metrics.CacheEntries(len(e.entries))
	}
	return removed
}
