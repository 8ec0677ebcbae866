package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	walleterrors "github.com/yourorg/wallet-sync/internal/errors"
	"github.com/yourorg/wallet-sync/internal/emitter"
	"github.com/yourorg/wallet-sync/internal/otel"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/retry"
	"github.com/yourorg/wallet-sync/internal/types"
)

// eventTimeout bounds provider round-trips made from inside event handlers.
const eventTimeout = 5 * time.Second

// eip1193 holds the lifecycle shared by every connector backed by an
// event-emitting provider. The concrete connector supplies resolve.
//
// Disconnect writes "<id>.disconnected" so that IsAuthorized reports false
// for the rest of the session even though the wallet still has the app
// authorised. Connect clears it.
type eip1193 struct {
	id   string
	name string
	icon string
	typ  string

	cfg     Config
	resolve func(ctx context.Context) (provider.Provider, error)
	// target-less injected connectors also track "injected.connected"
	trackConnected bool
	asyncWait      func(ctx context.Context) bool
	probe          retry.Policy
	switchable     bool

	mu         sync.Mutex
	provider   provider.Provider
	onConnect  provider.Listener
	onAccounts provider.Listener
	onChain    provider.Listener
	onDisc     provider.Listener
	onMessage  provider.Listener
}

func (c *eip1193) ID() string                 { return c.id }
func (c *eip1193) Name() string               { return c.name }
func (c *eip1193) Icon() string               { return c.icon }
func (c *eip1193) Type() string               { return c.typ }
func (c *eip1193) Emitter() *emitter.Emitter { return c.cfg.Emitter }

func (c *eip1193) Supports(capability Capability) bool {
	switch capability {
	case CapabilitySwitchChain:
		return c.switchable
	case CapabilitySignMessage:
		return true
	default:
		return false
	}
}

// Setup arms the connect listener so wallet-initiated connections surface.
func (c *eip1193) Setup(ctx context.Context) error {
	p, err := c.Provider(ctx)
	if err != nil {
		// nothing injected yet; connect will re-resolve
		return nil
	}
	c.armConnect(p)
	return nil
}

func (c *eip1193) Provider(ctx context.Context) (provider.Provider, error) {
	c.mu.Lock()
	if c.provider != nil {
		p := c.provider
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, walleterrors.NewProviderNotFoundError(c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider == nil {
		c.provider = p
	}
	return c.provider, nil
}

func (c *eip1193) Connect(ctx context.Context, params ConnectParams) (ConnectResult, error) {
	ctx, span := otel.Tracer().Start(ctx, "connector.connect")
	res, err := c.connect(ctx, params)
	otel.End(span, err)
	return res, err
}

func (c *eip1193) connect(ctx context.Context, params ConnectParams) (ConnectResult, error) {
	p, err := c.Provider(ctx)
	if err != nil {
		return ConnectResult{}, err
	}

	var accounts []common.Address
	if params.IsReconnecting {
		accounts, _ = c.Accounts(ctx)
	} else {
		accounts, err = c.requestPermissions(ctx, p)
		if err != nil {
			return ConnectResult{}, err
		}
	}

	if len(accounts) == 0 {
		var raw []string
		if err := provider.RequestInto(ctx, p, &raw, provider.MethodRequestAccounts); err != nil {
			return ConnectResult{}, mapProviderError(err)
		}
		if accounts, err = types.NormalizeAddresses(raw); err != nil {
			return ConnectResult{}, err
		}
	}

	c.attach(p)

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return ConnectResult{}, mapProviderError(err)
	}
	if params.ChainID != 0 && params.ChainID != chainID && c.switchable {
		chain, err := c.SwitchChain(ctx, params.ChainID)
		switch {
		case walleterrors.IsUserRejected(err):
			return ConnectResult{}, err
		case err != nil:
			logrus.WithFields(logrus.Fields{"connector": c.id, "chainId": params.ChainID}).
				Warnf("switch after connect failed, keeping chain %d: %v", chainID, err)
		default:
			chainID = chain.ID
		}
	}

	if err := c.cfg.Storage.RemoveItem(ctx, disconnectedKey(c.id)); err != nil {
		logrus.Warnf("clear disconnect shim for %s: %v", c.id, err)
	}
	if c.trackConnected {
		if err := c.cfg.Storage.SetItem(ctx, connectedKey, "true"); err != nil {
			logrus.Warnf("record injected connection: %v", err)
		}
	}

	logrus.WithFields(logrus.Fields{"connector": c.id, "chainId": chainID}).Debug("connector connected")
	return ConnectResult{Accounts: accounts, ChainID: chainID}, nil
}

type permission struct {
	ParentCapability string `json:"parentCapability"`
	Caveats          []struct {
		Type  string   `json:"type"`
		Value []string `json:"value"`
	} `json:"caveats"`
}

// requestPermissions surfaces the wallet's account picker. Wallets that do
// not implement the method fall through to eth_requestAccounts.
func (c *eip1193) requestPermissions(ctx context.Context, p provider.Provider) ([]common.Address, error) {
	var perms []permission
	err := provider.RequestInto(ctx, p, &perms, provider.MethodRequestPermissions, map[string]any{"eth_accounts": map[string]any{}})
	if err != nil {
		switch provider.ErrorCode(err) {
		case provider.CodeUserRejected:
			return nil, walleterrors.NewUserRejectedRequestError(err)
		case provider.CodeResourceUnavailable:
			return nil, walleterrors.NewResourceUnavailableRpcError(err)
		}
		logrus.WithField("connector", c.id).Debugf("wallet_requestPermissions unavailable: %v", err)
		return nil, nil
	}

	granted := 0
	for _, perm := range perms {
		for _, cv := range perm.Caveats {
			granted += len(cv.Value)
		}
	}
	if granted == 0 {
		return nil, nil
	}
	// the wallet orders eth_accounts with the selected account first
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return nil, nil
	}
	return accounts, nil
}

func (c *eip1193) Disconnect(ctx context.Context) error {
	p, err := c.Provider(ctx)
	if err != nil {
		return err
	}
	c.detach()
	c.armConnect(p)

	if err := c.cfg.Storage.SetItem(ctx, disconnectedKey(c.id), "true"); err != nil {
		return fmt.Errorf("record disconnect shim: %w", err)
	}
	if c.trackConnected {
		if err := c.cfg.Storage.RemoveItem(ctx, connectedKey); err != nil {
			return fmt.Errorf("clear injected connection: %w", err)
		}
	}
	return nil
}

func (c *eip1193) Accounts(ctx context.Context) ([]common.Address, error) {
	p, err := c.Provider(ctx)
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := provider.RequestInto(ctx, p, &raw, provider.MethodAccounts); err != nil {
		return nil, err
	}
	return types.NormalizeAddresses(raw)
}

func (c *eip1193) ChainID(ctx context.Context) (int64, error) {
	p, err := c.Provider(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := p.Request(ctx, provider.MethodChainID)
	if err != nil {
		return 0, err
	}
	return types.NormalizeChainID(raw)
}

func (c *eip1193) IsAuthorized(ctx context.Context) bool {
	if _, shimmed, err := c.cfg.Storage.GetItem(ctx, disconnectedKey(c.id)); err != nil || shimmed {
		return false
	}
	if c.trackConnected {
		if _, ok, err := c.cfg.Storage.GetItem(ctx, connectedKey); err != nil || !ok {
			return false
		}
	}

	if _, err := c.Provider(ctx); err != nil {
		if c.asyncWait == nil || !c.asyncWait(ctx) {
			return false
		}
		if _, err := c.Provider(ctx); err != nil {
			return false
		}
	}

	accounts, err := retry.Do(ctx, c.probe, func(ctx context.Context) ([]common.Address, error) {
		return c.Accounts(ctx)
	})
	if err != nil {
		logrus.WithField("connector", c.id).Debugf("authorization probe failed: %v", err)
		return false
	}
	return len(accounts) > 0
}

func (c *eip1193) SwitchChain(ctx context.Context, chainID int64) (types.Chain, error) {
	if !c.switchable {
		return types.Chain{}, walleterrors.NewSwitchChainNotSupportedError(c.id)
	}
	ctx, span := otel.Tracer().Start(ctx, "connector.switchChain")
	p, err := c.Provider(ctx)
	if err != nil {
		otel.End(span, err)
		return types.Chain{}, err
	}
	chain, err := switchChain(ctx, p, c.cfg.Emitter, c.cfg.Chains, chainID, c.ChainID)
	otel.End(span, err)
	return chain, err
}

// armConnect listens for wallet-initiated connects while not connected.
func (c *eip1193) armConnect(p provider.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onConnect == nil {
		c.onConnect = p.On(provider.EventConnect, c.handleConnect)
	}
}

// attach swaps the connect listener for the connected-session listeners.
func (c *eip1193) attach(p provider.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onConnect != nil {
		c.onConnect.Remove()
		c.onConnect = nil
	}
	if c.onAccounts == nil {
		c.onAccounts = p.On(provider.EventAccountsChanged, c.handleAccountsChanged)
	}
	if c.onChain == nil {
		c.onChain = p.On(provider.EventChainChanged, c.handleChainChanged)
	}
	if c.onDisc == nil {
		c.onDisc = p.On(provider.EventDisconnect, c.handleDisconnect)
	}
	if c.onMessage == nil {
		c.onMessage = p.On(provider.EventMessage, c.handleMessage)
	}
}

func (c *eip1193) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range []*provider.Listener{&c.onAccounts, &c.onChain, &c.onDisc, &c.onMessage} {
		if *l != nil {
			(*l).Remove()
			*l = nil
		}
	}
}

func (c *eip1193) handleConnect(data any) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	accounts, err := c.Accounts(ctx)
	if err != nil || len(accounts) == 0 {
		return
	}
	var chainID int64
	if m, ok := data.(map[string]any); ok {
		chainID, _ = types.NormalizeChainID(m["chainId"])
	}
	if chainID == 0 {
		chainID, _ = c.ChainID(ctx)
	}

	p, err := c.Provider(ctx)
	if err != nil {
		return
	}
	c.attach(p)
	_ = c.cfg.Storage.RemoveItem(ctx, disconnectedKey(c.id))
	if c.trackConnected {
		_ = c.cfg.Storage.SetItem(ctx, connectedKey, "true")
	}
	c.cfg.Emitter.Emit(emitter.EventConnect, emitter.Payload{Accounts: accounts, ChainID: chainID})
}

func (c *eip1193) handleAccountsChanged(data any) {
	accounts, err := normalizeAccountsPayload(data)
	if err != nil {
		logrus.WithField("connector", c.id).Warnf("ignoring malformed accountsChanged: %v", err)
		return
	}
	if len(accounts) == 0 {
		c.handleDisconnect(nil)
		return
	}

	// the store listens for connect only while it is not connected to us
	if c.cfg.Emitter.ListenerCount(emitter.EventConnect) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		chainID, _ := c.ChainID(ctx)
		_ = c.cfg.Storage.RemoveItem(ctx, disconnectedKey(c.id))
		if c.trackConnected {
			_ = c.cfg.Storage.SetItem(ctx, connectedKey, "true")
		}
		c.cfg.Emitter.Emit(emitter.EventConnect, emitter.Payload{Accounts: accounts, ChainID: chainID})
		return
	}
	c.cfg.Emitter.Emit(emitter.EventChange, emitter.Payload{Accounts: accounts})
}

func (c *eip1193) handleChainChanged(data any) {
	chainID, err := types.NormalizeChainID(data)
	if err != nil {
		logrus.WithField("connector", c.id).Warnf("ignoring malformed chainChanged: %v", err)
		return
	}
	c.cfg.Emitter.Emit(emitter.EventChange, emitter.Payload{ChainID: chainID})
}

func (c *eip1193) handleDisconnect(data any) {
	// 1013 is sent while the wallet reconnects to its node; treat it as a
	// disconnect only if the accounts are gone too
	if err, ok := data.(error); ok && provider.ErrorCode(err) == provider.CodeTryAgain {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		accounts, aErr := c.Accounts(ctx)
		cancel()
		if aErr == nil && len(accounts) > 0 {
			return
		}
	}

	c.cfg.Emitter.Emit(emitter.EventDisconnect, emitter.Payload{})

	c.detach()
	c.mu.Lock()
	p := c.provider
	c.mu.Unlock()
	if p != nil {
		c.armConnect(p)
	}
}

func (c *eip1193) handleMessage(data any) {
	msg := &emitter.Message{}
	switch m := data.(type) {
	case map[string]any:
		msg.Type, _ = m["type"].(string)
		msg.Data = m["data"]
	case emitter.Message:
		*msg = m
	default:
		msg.Data = data
	}
	c.cfg.Emitter.Emit(emitter.EventMessage, emitter.Payload{Message: msg})
}

func normalizeAccountsPayload(data any) ([]common.Address, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []common.Address:
		return v, nil
	case []string:
		return types.NormalizeAddresses(v)
	case []any:
		raw := make([]string, 0, len(v))
		for _, a := range v {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("account %v is not a string", a)
			}
			raw = append(raw, s)
		}
		return types.NormalizeAddresses(raw)
	case json.RawMessage:
		var raw []string
		if err := json.Unmarshal(v, &raw); err != nil {
			return nil, err
		}
		return types.NormalizeAddresses(raw)
	default:
		return nil, fmt.Errorf("unexpected accounts payload %T", data)
	}
}

// mapProviderError translates the provider codes the store surfaces as typed errors.
func mapProviderError(err error) error {
	switch provider.ErrorCode(err) {
	case provider.CodeUserRejected:
		return walleterrors.NewUserRejectedRequestError(err)
	case provider.CodeResourceUnavailable:
		return walleterrors.NewResourceUnavailableRpcError(err)
	default:
		return err
	}
}
