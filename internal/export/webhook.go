// Package export ships connection state changes to an external webhook in batches.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/wallet-sync/internal/model"
	"github.com/yourorg/wallet-sync/internal/store"
)

// Config holds configuration for the webhook exporter
type Config struct {
	URL    string
	APIKey string
	// Flush as soon as this many events are queued
	BatchSize int
	Interval  time.Duration
	RetryMax  int
	Timeout   time.Duration
}

// Event is one recorded state transition.
type Event struct {
	model.Snapshot
	At time.Time `json:"at"`
}

type payload struct {
	Events     []Event `json:"events"`
	ExportTime string  `json:"export_time"`
	Count      int     `json:"count"`
}

// Exporter batches state transitions and posts them to a webhook.
type Exporter struct {
	cfg    Config
	client *retryablehttp.Client

	mu         sync.Mutex
	batch      []Event
	lastExport time.Time
	lastErr    error
	exported   int

	full chan struct{}
}

// New creates an exporter. Nothing is sent until Run or Flush is called.
func New(cfg Config) (*Exporter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return &Exporter{
		cfg:    cfg,
		client: client,
		batch:  make([]Event, 0, cfg.BatchSize),
		full:   make(chan struct{}, 1),
	}, nil
}

// Attach records every status, chain or account change of s. The returned
// func detaches.
func (e *Exporter) Attach(s *store.Store) func() {
	return store.Subscribe(s, func(st model.State) model.State { return st }, func(st, _ model.State) {
		e.Add(st.Snapshot())
	}, store.WithEqualityFn(store.Shallow[model.State]))
}

// Add queues a snapshot.
func (e *Exporter) Add(snap model.Snapshot) {
	e.mu.Lock()
	e.batch = append(e.batch, Event{Snapshot: snap, At: time.Now().UTC()})
	full := len(e.batch) >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		select {
		case e.full <- struct{}{}:
		default:
		}
	}
}

// Run flushes on every interval and whenever the batch fills, until ctx is
// done. Anything still queued is flushed on the way out.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-e.full:
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
			e.flushAndLog(flushCtx)
			cancel()
			return
		}
		e.flushAndLog(ctx)
	}
}

func (e *Exporter) flushAndLog(ctx context.Context) {
	if err := e.Flush(ctx); err != nil {
		logrus.Errorf("Failed to export to webhook: %v", err)
	}
}

// Flush sends the queued events. Events are dropped after a failed send.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return nil
	}
	events := e.batch
	e.batch = make([]Event, 0, e.cfg.BatchSize)
	e.mu.Unlock()

	err := e.send(ctx, events)

	e.mu.Lock()
	e.lastExport = time.Now()
	e.lastErr = err
	if err == nil {
		e.exported += len(events)
	}
	e.mu.Unlock()

	if err == nil {
		logrus.Debugf("Exported %d state events", len(events))
	}
	return err
}

func (e *Exporter) send(ctx context.Context, events []Event) error {
	body, err := json.Marshal(payload{
		Events:     events,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(events),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Status reports the exporter state for the status endpoint.
func (e *Exporter) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"batch_size":    e.cfg.BatchSize,
		"interval":      e.cfg.Interval.String(),
		"current_batch": len(e.batch),
		"exported":      e.exported,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	if e.lastErr != nil {
		status["last_error"] = e.lastErr.Error()
	}
	return status
}
