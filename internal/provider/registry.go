package provider

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
)

// Well-known injection slots.
const (
	SlotEthereum                = "ethereum"
	SlotCoinbaseWalletExtension = "coinbaseWalletExtension"
	SlotPhantom                 = "phantom.ethereum"
)

// Injection is announced whenever a provider is injected into a registry.
type Injection struct {
	Slot     string
	Provider Provider
}

// Registry is the host environment wallets inject providers into. It plays
// the role of the global object a browser extension writes to, with named
// slots plus the multi-provider list some extensions share.
type Registry struct {
	mu        sync.RWMutex
	slots     map[string]Provider
	providers []Provider
	feed      event.Feed
}

// NewRegistry creates an empty host.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]Provider)}
}

// Inject places p in slot and announces it.
func (r *Registry) Inject(slot string, p Provider) {
	r.mu.Lock()
	r.slots[slot] = p
	r.mu.Unlock()

	logrus.WithField("slot", slot).Debug("provider injected")
	r.feed.Send(Injection{Slot: slot, Provider: p})
}

// AddProvider appends p to the shared multi-provider list and announces it
// under the default slot.
func (r *Registry) AddProvider(p Provider) {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()
	r.feed.Send(Injection{Slot: SlotEthereum, Provider: p})
}

// Remove empties slot.
func (r *Registry) Remove(slot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, slot)
}

// Get returns the provider in slot.
func (r *Registry) Get(slot string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.slots[slot]
	return p, ok && p != nil
}

// Providers returns a copy of the multi-provider list.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Empty reports whether nothing was injected yet.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) == 0 && len(r.providers) == 0
}

// SubscribeInjections delivers future injections on ch.
func (r *Registry) SubscribeInjections(ch chan<- Injection) event.Subscription {
	return r.feed.Subscribe(ch)
}

// WaitForInjection blocks until any provider is injected, timeout elapses or
// ctx is done. It returns true when a provider is available.
func (r *Registry) WaitForInjection(ctx context.Context, timeout time.Duration) bool {
	ch := make(chan Injection, 1)
	sub := r.SubscribeInjections(ch)
	defer sub.Unsubscribe()

	if !r.Empty() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
