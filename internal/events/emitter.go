// Package events implements an async, buffered connection event emitter that
// ships admission rejections and lifecycle closes to an external HTTP
// receiver (webhook pattern). Events are batched and flushed on an interval.
// The emitter is optional and fire-and-forget: it never blocks admission.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/signalfish/signalgate/internal/config"
	"github.com/signalfish/signalgate/internal/observability"
)

// Event types.
const (
	TypeRejected = "rejected"
	TypeClosed   = "closed"
	TypeDrained  = "drained"
)

// ConnectionEvent records one admission or lifecycle outcome.
type ConnectionEvent struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
	Active     int64  `json:"active_connections"`
	Timestamp  string `json:"timestamp"` // RFC 3339
}

// Emitter batches connection events in a fixed ring buffer and flushes them
// to the configured HTTP receiver. A full buffer drops the oldest event.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL    string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []ConnectionEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a connection event emitter. Returns nil if events are
// not enabled in the config; callers treat a nil Emitter as a no-op.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 8192
	}

	flushInterval := 5 * time.Second
	if d, err := config.ParseDuration(cfg.FlushInterval, flushInterval); err == nil && d > 0 {
		flushInterval = d
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]ConnectionEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. Fire-and-forget; never blocks. Safe on a nil
// Emitter.
func (e *Emitter) Emit(ev ConnectionEvent) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full: drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncEventsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe on nil.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []ConnectionEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]ConnectionEvent, n)
	for i := 0; i < n; i++ {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []ConnectionEvent) {
	if e.httpURL != "" {
		e.sendHTTP(batch)
		return
	}
	e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
}

func (e *Emitter) sendHTTP(batch []ConnectionEvent) {
	payload := struct {
		Events []ConnectionEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	if e == nil {
		return "Emitter(disabled)"
	}
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize)
}
