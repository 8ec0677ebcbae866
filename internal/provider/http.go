package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/wallet-sync/internal/circuitbreaker"
)

// HTTPOptions tunes an HTTP provider.
type HTTPOptions struct {
	// Requests per second allowed against the endpoint; zero disables limiting
	RateLimit float64
	Burst     int
	// Consecutive transport failures before the breaker opens
	MaxFailures int
	ResetDelay  time.Duration
	RetryMax    int
	Timeout     time.Duration
}

// DefaultHTTPOptions mirrors the retry client settings used for upstream APIs.
var DefaultHTTPOptions = HTTPOptions{
	RateLimit:   20,
	Burst:       40,
	MaxFailures: 5,
	ResetDelay:  30 * time.Second,
	RetryMax:    3,
	Timeout:     10 * time.Second,
}

// HTTP is a JSON-RPC provider over HTTP. It has no event stream. The
// underlying client is dialed lazily on first request.
type HTTP struct {
	url     string
	opts    HTTPOptions
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker

	once    sync.Once
	client  *rpc.Client
	dialErr error
}

var _ Provider = (*HTTP)(nil)

// NewHTTP creates a provider for url.
func NewHTTP(url string, opts HTTPOptions) *HTTP {
	p := &HTTP{
		url:  url,
		opts: opts,
		breaker: circuitbreaker.New(url, circuitbreaker.Thresholds{MaxConsecutiveFailures: opts.MaxFailures}).
			WithResetDelay(opts.ResetDelay),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// newRetryClient creates a new HTTP client with retry capabilities
func newRetryClient(opts HTTPOptions) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 3 * time.Second
	c.Logger = nil
	if opts.Timeout > 0 {
		c.HTTPClient.Timeout = opts.Timeout
	}
	return c
}

func (p *HTTP) dial(ctx context.Context) (*rpc.Client, error) {
	p.once.Do(func() {
		p.client, p.dialErr = rpc.DialOptions(ctx, p.url, rpc.WithHTTPClient(newRetryClient(p.opts).StandardClient()))
		if p.dialErr != nil {
			p.dialErr = fmt.Errorf("dial %s: %w", p.url, p.dialErr)
		}
	})
	return p.client, p.dialErr
}

// URL returns the endpoint.
func (p *HTTP) URL() string { return p.url }

// Breaker exposes the endpoint breaker for status reporting.
func (p *HTTP) Breaker() *circuitbreaker.CircuitBreaker { return p.breaker }

func (p *HTTP) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", method, err)
		}
	}

	if params == nil {
		params = []any{}
	}
	var raw json.RawMessage
	err = p.breaker.Execute(func() error {
		return client.CallContext(ctx, &raw, method, params...)
	}, isTransportError)
	if err != nil {
		if rpcErr := toRPCError(err); rpcErr != nil {
			return nil, rpcErr
		}
		logrus.WithFields(logrus.Fields{"method": method, "url": p.url}).Debugf("rpc transport error: %v", err)
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return raw, nil
}

func (p *HTTP) On(string, Handler) Listener { return NoopListener }

func (p *HTTP) Has(string) bool { return false }

// Close releases the rpc client.
func (p *HTTP) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// isTransportError is false for JSON-RPC errors answered by the node, which
// say nothing about endpoint health.
func isTransportError(err error) bool {
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

func toRPCError(err error) *RPCError {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil
	}
	out := &RPCError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		if raw, mErr := json.Marshal(dataErr.ErrorData()); mErr == nil {
			out.Data = raw
		}
	}
	return out
}
