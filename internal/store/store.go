// Package store owns the live connection state: it drives connectors through
// connect, disconnect and reconnect, publishes every transition to
// subscribers and persists enough to rehydrate after a restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/connector"
	"github.com/yourorg/wallet-sync/internal/emitter"
	"github.com/yourorg/wallet-sync/internal/metrics"
	"github.com/yourorg/wallet-sync/internal/model"
	"github.com/yourorg/wallet-sync/internal/otel"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/signature"
	"github.com/yourorg/wallet-sync/internal/storage"
	"github.com/yourorg/wallet-sync/internal/types"
	"github.com/yourorg/wallet-sync/internal/validation"
)

// Persisted keys, relative to the store namespace.
const (
	recentConnectorKey = "recentConnectorId"
	stateKey           = "store"
)

// persistTimeout bounds storage writes made from event handlers.
const persistTimeout = 5 * time.Second

// Config describes a store.
type Config struct {
	Chains     []types.Chain
	Connectors []connector.CreateFunc
	// Storage backs persisted state; nil keeps nothing across restarts
	Storage    storage.Storage
	StorageKey string
	Metrics    *metrics.Metrics
	HTTP       provider.HTTPOptions
	// Transport overrides how per-chain read providers are built.
	// The default dials the chain's default RPC URL over HTTP.
	Transport func(chain types.Chain) provider.Provider
}

type persisted struct {
	ChainID int64 `json:"chainId"`
}

type publication struct {
	seq   uint64
	state model.State
}

// Store is the connection state machine. All methods are safe for
// concurrent use.
type Store struct {
	chains     []types.Chain
	connectors []connector.Connector
	storage    storage.Storage
	metrics    *metrics.Metrics
	transport  func(chain types.Chain) provider.Provider
	messages   *emitter.Emitter

	// connecting serialises Connect and AutoConnect
	connecting sync.Mutex

	// mu is taken before connMu, never after
	mu          sync.Mutex
	state       model.State
	seq         uint64
	queue       []publication
	delivering  bool
	subscribers map[uint64]subscriber
	since       map[uint64]uint64
	nextSubID   uint64

	connMu      sync.Mutex
	active      connector.Connector
	activeSubs  []*emitter.Subscription
	connectSubs map[string]*emitter.Subscription

	clientsMu sync.Mutex
	clients   map[int64]*provider.PublicClient
}

// New validates the catalog, builds every connector and restores the
// persisted default chain. It does not reconnect; call AutoConnect for that.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := validation.ValidateChains(cfg.Chains); err != nil {
		return nil, fmt.Errorf("invalid chain catalog: %w", err)
	}

	s := &Store{
		chains:      cfg.Chains,
		storage:     storage.NewNamespaced(cfg.StorageKey, cfg.Storage),
		metrics:     cfg.Metrics,
		transport:   cfg.Transport,
		messages:    emitter.New(),
		subscribers: make(map[uint64]subscriber),
		since:       make(map[uint64]uint64),
		connectSubs: make(map[string]*emitter.Subscription),
		clients:     make(map[int64]*provider.PublicClient),
	}
	if s.transport == nil {
		opts := cfg.HTTP
		if opts == (provider.HTTPOptions{}) {
			opts = provider.DefaultHTTPOptions
		}
		s.transport = func(chain types.Chain) provider.Provider {
			return provider.NewHTTP(chain.DefaultRPCURL(), opts)
		}
	}

	seen := make(map[string]bool, len(cfg.Connectors))
	for _, create := range cfg.Connectors {
		c := create(connector.Config{
			Chains:  cfg.Chains,
			Storage: s.storage,
			Emitter: emitter.New(),
		})
		if seen[c.ID()] {
			return nil, fmt.Errorf("duplicate connector id %q", c.ID())
		}
		seen[c.ID()] = true
		if err := c.Setup(ctx); err != nil {
			logrus.WithField("connector", c.ID()).Warnf("connector setup failed: %v", err)
		}
		s.connectors = append(s.connectors, c)
		s.listenConnect(c)
	}

	s.state = model.Disconnected(s.hydrateChainID(ctx))
	logrus.WithFields(logrus.Fields{
		"chains":     len(s.chains),
		"connectors": len(s.connectors),
		"chainId":    s.state.ChainID,
	}).Info("store initialised")
	return s, nil
}

func (s *Store) hydrateChainID(ctx context.Context) int64 {
	fallback := s.chains[0].ID
	raw, ok, err := s.storage.GetItem(ctx, stateKey)
	if err != nil {
		logrus.Warnf("read persisted state: %v", err)
		return fallback
	}
	if !ok {
		return fallback
	}
	var p persisted
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logrus.Warnf("discarding malformed persisted state: %v", err)
		return fallback
	}
	if _, ok := types.FindChain(s.chains, p.ChainID); !ok {
		return fallback
	}
	return p.ChainID
}

// State returns the current state.
func (s *Store) State() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Chains returns the chain catalog.
func (s *Store) Chains() []types.Chain { return s.chains }

// Connectors returns the connectors in catalog order.
func (s *Store) Connectors() []connector.Connector { return s.connectors }

// Connector looks up a connector by id.
func (s *Store) Connector(id string) (connector.Connector, bool) {
	for _, c := range s.connectors {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// OnMessage registers h for message events of the active connector.
func (s *Store) OnMessage(h emitter.Handler) *emitter.Subscription {
	return s.messages.On(emitter.EventMessage, h)
}

// setState applies fn to the current state and queues the result for
// delivery. The first caller to find the queue idle delivers until it is
// drained, so publications reach subscribers one at a time in order.
// fn runs under s.mu and sees s.seq as the sequence of the last publication.
// setState returns the sequence assigned to this one.
func (s *Store) setState(fn func(model.State) model.State) uint64 {
	s.mu.Lock()
	prev := s.state
	s.state = fn(prev)
	s.seq++
	seq := s.seq
	s.queue = append(s.queue, publication{seq: seq, state: s.state})
	if s.state.Status != prev.Status {
		s.metrics.Transition(string(s.state.Status))
		logrus.WithFields(logrus.Fields{
			"status":    s.state.Status,
			"connector": s.state.ConnectorID(),
			"chainId":   s.state.ChainID,
		}).Info("store transition")
	}
	if s.delivering {
		s.mu.Unlock()
		return seq
	}
	s.delivering = true

	for len(s.queue) > 0 {
		pub := s.queue[0]
		s.queue = s.queue[1:]
		ids := make([]uint64, 0, len(s.subscribers))
		for id := range s.subscribers {
			if s.since[id] < pub.seq {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		subs := make([]subscriber, 0, len(ids))
		for _, id := range ids {
			subs = append(subs, s.subscribers[id])
		}
		s.mu.Unlock()

		for _, sub := range subs {
			if !sub.closed() {
				sub.notify(pub.state)
			}
		}

		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
	return seq
}

func (s *Store) register(sub subscriber) uint64 {
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = sub
	s.since[id] = s.seq
	return id
}

func (s *Store) unregister(id uint64) {
	s.mu.Lock()
	delete(s.subscribers, id)
	delete(s.since, id)
	s.mu.Unlock()
}

// ConnectOption tunes Connect.
type ConnectOption func(*connector.ConnectParams)

// WithChainID asks the connector to switch to chainID after connecting.
func WithChainID(chainID int64) ConnectOption {
	return func(p *connector.ConnectParams) { p.ChainID = chainID }
}

// Connect connects through the connector registered under id. On failure
// the previous state is restored unless another transition happened while
// the connector was busy. Connects are serialised, so a subscriber must not
// call Connect synchronously from a listener.
func (s *Store) Connect(ctx context.Context, id string, opts ...ConnectOption) (connector.ConnectResult, error) {
	c, ok := s.Connector(id)
	if !ok {
		return connector.ConnectResult{}, walleterrors.NewConnectorNotFoundError(id)
	}

	s.connecting.Lock()
	defer s.connecting.Unlock()

	prev := s.State()
	if prev.IsConnected() && prev.Connector.ID() == id {
		return connector.ConnectResult{}, walleterrors.NewConnectorAlreadyConnectedError(id)
	}

	var params connector.ConnectParams
	for _, opt := range opts {
		opt(&params)
	}

	ctx, span := otel.Tracer().Start(ctx, "store.connect")
	seq := s.setState(func(st model.State) model.State {
		st.Status = model.StatusConnecting
		return st
	})

	res, err := c.Connect(ctx, params)
	s.metrics.Connect(id, err)
	otel.End(span, err)
	if err != nil {
		logrus.WithField("connector", id).Warnf("connect failed: %v", err)
		s.rollback(prev, seq)
		return connector.ConnectResult{}, err
	}

	s.commitConnected(ctx, c, res)
	return res, nil
}

// rollback undoes the connecting transition published as seq. prev comes
// back only if nothing was published since; otherwise the live state is
// kept and a lingering connecting status resolves against the connector
// that is actually active.
func (s *Store) rollback(prev model.State, seq uint64) {
	s.setState(func(st model.State) model.State {
		if s.seq == seq {
			return prev
		}
		if st.Status != model.StatusConnecting {
			return st
		}
		if st.Connector != nil && s.isActive(st.Connector) {
			st.Status = model.StatusConnected
			return st
		}
		return model.Disconnected(st.ChainID)
	})
}

// commitConnected makes c the active connector and publishes connected.
func (s *Store) commitConnected(ctx context.Context, c connector.Connector, res connector.ConnectResult) {
	s.connMu.Lock()
	old := s.active
	for _, sub := range s.activeSubs {
		sub.Unsubscribe()
	}
	s.active = c
	em := c.Emitter()
	s.activeSubs = []*emitter.Subscription{
		em.On(emitter.EventChange, func(p emitter.Payload) { s.handleChange(c, p) }),
		em.On(emitter.EventDisconnect, func(emitter.Payload) { s.handleDisconnect(c) }),
		em.On(emitter.EventMessage, func(p emitter.Payload) { s.messages.Emit(emitter.EventMessage, p) }),
	}
	s.connMu.Unlock()

	s.stopListeningConnect(c)
	if old != nil && old != c {
		s.listenConnect(old)
	}

	s.setState(func(model.State) model.State {
		return model.State{
			Status:    model.StatusConnected,
			Accounts:  res.Accounts,
			ChainID:   res.ChainID,
			Connector: c,
		}
	})

	if err := s.storage.SetItem(ctx, recentConnectorKey, c.ID()); err != nil {
		logrus.Warnf("persist recent connector: %v", err)
	}
	s.persistChainID(ctx, res.ChainID)
}

func (s *Store) persistChainID(ctx context.Context, chainID int64) {
	raw, err := json.Marshal(persisted{ChainID: chainID})
	if err != nil {
		return
	}
	if err := s.storage.SetItem(ctx, stateKey, string(raw)); err != nil {
		logrus.Warnf("persist chain id: %v", err)
	}
}

// listenConnect watches c for wallet-initiated connects while it is not active.
func (s *Store) listenConnect(c connector.Connector) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if _, ok := s.connectSubs[c.ID()]; ok {
		return
	}
	s.connectSubs[c.ID()] = c.Emitter().On(emitter.EventConnect, func(p emitter.Payload) {
		s.handleConnect(c, p)
	})
}

func (s *Store) stopListeningConnect(c connector.Connector) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if sub, ok := s.connectSubs[c.ID()]; ok {
		sub.Unsubscribe()
		delete(s.connectSubs, c.ID())
	}
}

func (s *Store) isActive(c connector.Connector) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.active == c
}

func (s *Store) handleConnect(c connector.Connector, p emitter.Payload) {
	if s.State().IsConnected() {
		return
	}
	chainID := p.ChainID
	if chainID == 0 {
		chainID = s.State().ChainID
	}
	logrus.WithField("connector", c.ID()).Info("wallet initiated connect")
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.commitConnected(ctx, c, connector.ConnectResult{Accounts: p.Accounts, ChainID: chainID})
}

func (s *Store) handleChange(c connector.Connector, p emitter.Payload) {
	if !s.isActive(c) {
		return
	}
	var changed bool
	s.setState(func(st model.State) model.State {
		if st.Connector != c {
			return st
		}
		if p.Accounts != nil {
			st.Accounts = p.Accounts
		}
		if p.ChainID != 0 && p.ChainID != st.ChainID {
			st.ChainID = p.ChainID
			changed = true
		}
		return st
	})
	if changed {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		s.persistChainID(ctx, p.ChainID)
	}
}

func (s *Store) handleDisconnect(c connector.Connector) {
	if !s.isActive(c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.reset(ctx)
}

// reset releases the active connector and publishes disconnected.
func (s *Store) reset(ctx context.Context) {
	s.connMu.Lock()
	old := s.active
	for _, sub := range s.activeSubs {
		sub.Unsubscribe()
	}
	s.active = nil
	s.activeSubs = nil
	s.connMu.Unlock()

	if old != nil {
		s.listenConnect(old)
	}
	s.setState(func(st model.State) model.State {
		return model.Disconnected(st.ChainID)
	})
	if err := s.storage.RemoveItem(ctx, recentConnectorKey); err != nil {
		logrus.Warnf("clear recent connector: %v", err)
	}
}

// Disconnect disconnects the active connector, if any, and always ends in
// the disconnected state. Connector failures are logged, not returned.
func (s *Store) Disconnect(ctx context.Context) {
	st := s.State()
	if st.Connector != nil {
		if err := st.Connector.Disconnect(ctx); err != nil {
			logrus.WithField("connector", st.Connector.ID()).Warnf("disconnect failed: %v", err)
		}
	}
	s.reset(ctx)
}

// AutoConnect reconnects to the first authorized connector, trying the most
// recently used one first. It reports whether a connection was restored.
func (s *Store) AutoConnect(ctx context.Context) bool {
	s.connecting.Lock()
	defer s.connecting.Unlock()

	if s.State().IsConnected() {
		return true
	}
	chainID := s.hydrateChainID(ctx)
	s.setState(func(st model.State) model.State {
		st.Status = model.StatusReconnecting
		st.ChainID = chainID
		return st
	})

	for _, c := range s.reconnectOrder(ctx) {
		if ctx.Err() != nil {
			break
		}
		if !c.IsAuthorized(ctx) {
			continue
		}
		res, err := c.Connect(ctx, connector.ConnectParams{IsReconnecting: true})
		s.metrics.Connect(c.ID(), err)
		if err != nil {
			logrus.WithField("connector", c.ID()).Warnf("reconnect failed: %v", err)
			continue
		}
		s.commitConnected(ctx, c, res)
		return true
	}

	s.setState(func(st model.State) model.State {
		if st.IsConnected() {
			return st
		}
		return model.Disconnected(st.ChainID)
	})
	return s.State().IsConnected()
}

func (s *Store) reconnectOrder(ctx context.Context) []connector.Connector {
	recent, ok, err := s.storage.GetItem(ctx, recentConnectorKey)
	if err != nil || !ok {
		return s.connectors
	}
	ordered := make([]connector.Connector, 0, len(s.connectors))
	for _, c := range s.connectors {
		if c.ID() == recent {
			ordered = append(ordered, c)
		}
	}
	for _, c := range s.connectors {
		if c.ID() != recent {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

// SwitchChain moves the active connector to chainID. While disconnected only
// the default chain changes.
func (s *Store) SwitchChain(ctx context.Context, chainID int64) (types.Chain, error) {
	chain, ok := types.FindChain(s.chains, chainID)
	if !ok {
		return types.Chain{}, walleterrors.NewChainNotConfiguredError(chainID)
	}

	st := s.State()
	if !st.IsConnected() {
		s.setState(func(st model.State) model.State {
			st.ChainID = chainID
			return st
		})
		s.persistChainID(ctx, chainID)
		return chain, nil
	}

	c := st.Connector
	if !c.Supports(connector.CapabilitySwitchChain) {
		return types.Chain{}, walleterrors.NewSwitchChainNotSupportedError(c.ID())
	}

	ctx, span := otel.Tracer().Start(ctx, "store.switchChain")
	chain, err := c.SwitchChain(ctx, chainID)
	otel.End(span, err)
	if err != nil {
		return types.Chain{}, err
	}

	// the change event normally lands first; this covers connectors that confirmed by probe
	s.handleChange(c, emitter.Payload{ChainID: chain.ID})
	return chain, nil
}

// AssertActiveChain fails unless the store is connected to chainID.
func (s *Store) AssertActiveChain(chainID int64) error {
	st := s.State()
	if !st.IsConnected() {
		return walleterrors.NewConnectorNotConnectedError()
	}
	if st.ChainID != chainID {
		return walleterrors.NewChainMismatchError(chainID, st.ChainID)
	}
	return nil
}

// SignMessage asks the active account to sign message with personal_sign
// and checks that the signature recovers to that account.
func (s *Store) SignMessage(ctx context.Context, message string) (string, error) {
	st := s.State()
	account, ok := st.Account()
	if !st.IsConnected() || !ok {
		return "", walleterrors.NewConnectorNotConnectedError()
	}
	if !st.Connector.Supports(connector.CapabilitySignMessage) {
		return "", fmt.Errorf("connector %s cannot sign messages", st.Connector.ID())
	}

	p, err := st.Connector.Provider(ctx)
	if err != nil {
		return "", err
	}

	var sig string
	err = provider.RequestInto(ctx, p, &sig, provider.MethodPersonalSign, hexutil.Encode([]byte(message)), account.Hex())
	if err != nil {
		if provider.HasCode(err, provider.CodeUserRejected) {
			return "", walleterrors.NewUserRejectedRequestError(err)
		}
		return "", fmt.Errorf("personal_sign: %w", err)
	}

	valid, err := signature.Verify(account, []byte(message), sig)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", fmt.Errorf("%w: not signed by %s", signature.ErrInvalidSignature, account.Hex())
	}
	return sig, nil
}

// PublicClient returns the memoised read client for chainID.
func (s *Store) PublicClient(chainID int64) (*provider.PublicClient, error) {
	chain, ok := types.FindChain(s.chains, chainID)
	if !ok {
		return nil, walleterrors.NewChainNotConfiguredError(chainID)
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if c, ok := s.clients[chainID]; ok {
		return c, nil
	}
	p := s.transport(chain)
	if p == nil {
		return nil, errors.New("no transport for chain " + strconv.FormatInt(chainID, 10))
	}
	c := provider.NewPublicClient(chainID, p)
	s.clients[chainID] = c
	return c, nil
}

// Close releases connector subscriptions and closes HTTP read clients.
func (s *Store) Close() {
	s.connMu.Lock()
	for _, sub := range s.activeSubs {
		sub.Unsubscribe()
	}
	s.activeSubs = nil
	for id, sub := range s.connectSubs {
		sub.Unsubscribe()
		delete(s.connectSubs, id)
	}
	s.connMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, c := range s.clients {
		if h, ok := c.Provider().(*provider.HTTP); ok {
			h.Close()
		}
		delete(s.clients, id)
	}
}
