package read

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BlockEvent announces a new block on a chain.
type BlockEvent struct {
	ChainID int64
	Number  uint64
}

// BlockWatcher publishes new blocks.
type BlockWatcher interface {
	SubscribeBlocks(ch chan<- BlockEvent) event.Subscription
}

// BlockFeed is a BlockWatcher fed by Publish.
type BlockFeed struct {
	feed event.Feed
}

var _ BlockWatcher = (*BlockFeed)(nil)

func (f *BlockFeed) SubscribeBlocks(ch chan<- BlockEvent) event.Subscription {
	return f.feed.Subscribe(ch)
}

// Publish delivers ev to every subscriber and returns how many received it.
func (f *BlockFeed) Publish(ev BlockEvent) int {
	return f.feed.Send(ev)
}

// PollingWatcher polls eth_blockNumber for a set of chains and publishes
// every block number higher than the last one seen.
type PollingWatcher struct {
	BlockFeed

	source   Source
	interval time.Duration
	chainIDs []int64

	mu   sync.Mutex
	last map[int64]uint64
}

// NewPollingWatcher polls chainIDs through source every interval.
func NewPollingWatcher(source Source, interval time.Duration, chainIDs ...int64) *PollingWatcher {
	return &PollingWatcher{
		source:   source,
		interval: interval,
		chainIDs: chainIDs,
		last:     make(map[int64]uint64),
	}
}

// Run polls until ctx is done.
func (w *PollingWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			logrus.Warnf("block poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches the head of every chain once, concurrently.
func (w *PollingWatcher) Poll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range w.chainIDs {
		id := id
		g.Go(func() error {
			client, err := w.source.PublicClient(id)
			if err != nil {
				return err
			}
			n, err := client.BlockNumber(ctx)
			if err != nil {
				return err
			}
			if w.advance(id, n) {
				w.Publish(BlockEvent{ChainID: id, Number: n})
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *PollingWatcher) advance(chainID int64, n uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= w.last[chainID] {
		return false
	}
	w.last[chainID] = n
	return true
}
