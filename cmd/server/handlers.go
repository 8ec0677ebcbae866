package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/wallet-sync/internal/circuitbreaker"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/read"
	"github.com/yourorg/wallet-sync/internal/store"
	"github.com/yourorg/wallet-sync/internal/validation"
)

// instrument applies the request limiter and records request metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if s.rateLimit != nil && !s.rateLimit.Allow() {
			writeError(rec, http.StatusTooManyRequests, "Rate limit exceeded")
		} else {
			h(rec, r)
		}

		s.metrics.requestCounter.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	chains := make([]map[string]interface{}, 0, len(s.store.Chains()))
	for _, c := range s.store.Chains() {
		chains = append(chains, map[string]interface{}{
			"id":           c.ID,
			"name":         c.Name,
			"multicall":    c.Contracts.Multicall3 != nil,
			"pendingReads": s.engine.Pending(c.ID),
		})
	}
	connectors := make([]map[string]string, 0, len(s.store.Connectors()))
	for _, c := range s.store.Connectors() {
		connectors = append(connectors, map[string]string{"id": c.ID(), "name": c.Name(), "type": c.Type()})
	}

	status := map[string]interface{}{
		"status":     "operational",
		"uptime":     time.Since(startTime).String(),
		"version":    version,
		"state":      s.store.State().Snapshot(),
		"chains":     chains,
		"connectors": connectors,
		"circuits":   s.circuitStates(),
	}
	if s.exporter != nil {
		status["exporter"] = s.exporter.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

// breakers returns the circuit breaker of every chain served over HTTP.
func (s *Server) breakers() map[int64]*circuitbreaker.CircuitBreaker {
	out := make(map[int64]*circuitbreaker.CircuitBreaker)
	for _, c := range s.store.Chains() {
		client, err := s.store.PublicClient(c.ID)
		if err != nil {
			continue
		}
		if p, ok := client.Provider().(*provider.HTTP); ok {
			out[c.ID] = p.Breaker()
		}
	}
	return out
}

func (s *Server) circuitStates() map[string]string {
	states := make(map[string]string)
	for id, b := range s.breakers() {
		state := b.GetState()
		chain := strconv.FormatInt(id, 10)
		states[chain] = state.String()
		s.metrics.circuitBreaker.WithLabelValues(chain).Set(float64(state))
	}
	return states
}

// handleCircuitStatus shows the RPC circuit breakers and resets them via
// POST ?action=reset[&chainId=N].
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	if r.Method == http.MethodPost && r.URL.Query().Get("action") == "reset" {
		var only int64
		if raw := r.URL.Query().Get("chainId"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid chainId")
				return
			}
			only = id
		}
		reset := 0
		for id, b := range s.breakers() {
			if only == 0 || only == id {
				b.Reset()
				reset++
			}
		}
		response["message"] = fmt.Sprintf("Reset %d circuit breakers", reset)
	}

	response["circuits"] = s.circuitStates()
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.State().Snapshot())
}

type connectRequest struct {
	Connector string `json:"connector"`
	ChainID   int64  `json:"chainId,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Connector == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	var opts []store.ConnectOption
	if req.ChainID != 0 {
		opts = append(opts, store.WithChainID(req.ChainID))
	}
	if _, err := s.store.Connect(ctx, req.Connector, opts...); err != nil {
		writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.State().Snapshot())
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	restored := s.store.AutoConnect(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"restored": restored,
		"state":    s.store.State().Snapshot(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	s.store.Disconnect(ctx)
	writeJSON(w, http.StatusOK, s.store.State().Snapshot())
}

type switchChainRequest struct {
	ChainID int64 `json:"chainId"`
}

func (s *Server) handleSwitchChain(w http.ResponseWriter, r *http.Request) {
	var req switchChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	chain, err := s.store.SwitchChain(ctx, req.ChainID)
	if err != nil {
		writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain": chain,
		"state": s.store.State().Snapshot(),
	})
}

type signRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	sig, err := s.store.SignMessage(ctx, req.Message)
	if err != nil {
		writeWalletError(w, err)
		return
	}
	account, _ := s.store.State().Account()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":   account,
		"signature": sig,
	})
}

type readContract struct {
	// Zero reads from the chain of the current state
	ChainID      int64             `json:"chainId,omitempty"`
	Address      string            `json:"address"`
	ABI          json.RawMessage   `json:"abi"`
	FunctionName string            `json:"functionName"`
	Args         []json.RawMessage `json:"args,omitempty"`
}

type readRequest struct {
	Contracts    []readContract `json:"contracts"`
	AllowFailure *bool          `json:"allowFailure,omitempty"`
	TrackBlock   bool           `json:"trackBlock,omitempty"`
	// Refetch bypasses the cache
	Refetch bool `json:"refetch,omitempty"`
}

type readResult struct {
	Status read.Status `json:"status"`
	Result []any       `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contracts) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reqs, err := s.toReadRequests(req.Contracts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	var results []read.Result
	if req.Refetch {
		results, err = s.engine.Refetch(ctx, reqs...)
	} else {
		opts := []read.ReadOption{}
		if req.AllowFailure != nil {
			opts = append(opts, read.WithAllowFailure(*req.AllowFailure))
		}
		if req.TrackBlock {
			opts = append(opts, read.WithTrackBlock())
		}
		results, err = s.engine.ReadContracts(ctx, reqs, opts...)
	}
	if err != nil {
		writeWalletError(w, err)
		return
	}

	out := make([]readResult, len(results))
	for i, res := range results {
		out[i] = readResult{Status: res.Status}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			continue
		}
		out[i].Result = make([]any, len(res.Values))
		for j, v := range res.Values {
			out[i].Result[j] = jsonValue(v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func (s *Server) toReadRequests(contracts []readContract) ([]read.Request, error) {
	current := s.store.State().ChainID
	reqs := make([]read.Request, len(contracts))
	for i, c := range contracts {
		address, err := validation.ValidateAddress(c.Address)
		if err != nil {
			return nil, fmt.Errorf("contract %d: %w", i, err)
		}
		parsed, err := parseABI(c.ABI)
		if err != nil {
			return nil, fmt.Errorf("contract %d: %w", i, err)
		}
		method, ok := parsed.Methods[c.FunctionName]
		if !ok {
			return nil, fmt.Errorf("contract %d: function %q not found in abi", i, c.FunctionName)
		}
		args, err := decodeArgs(method, c.Args)
		if err != nil {
			return nil, fmt.Errorf("contract %d: %w", i, err)
		}
		chainID := c.ChainID
		if chainID == 0 {
			chainID = current
		}
		reqs[i] = read.Request{
			Address:      address,
			ABI:          parsed,
			FunctionName: c.FunctionName,
			Args:         args,
			ChainID:      chainID,
		}
	}
	return reqs, nil
}
