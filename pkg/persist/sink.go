// Package persist writes decision audit records off the request path.
//
// The orchestrator assembles one Record per request after the response is
// determined and hands it to a Writer, which fans out to the configured
// Sink on background goroutines. Submission never blocks: a bounded
// semaphore caps in-flight writes and anything beyond the cap is dropped
// with a log line. Synchronous audit writes were measured inflating request
// latency by an order of magnitude, so the response path must not wait on
// storage under any circumstances.
package persist

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/arunrao/rampart/pkg/httputil"
	"github.com/arunrao/rampart/pkg/policy"
)

// Record is one request's audit trail: every phase decision plus token cost
// and end-to-end latency.
type Record struct {
	TraceID   string            `json:"trace_id"`
	State     string            `json:"state"`
	Model     string            `json:"model,omitempty"`
	Decisions []policy.Decision `json:"decisions"`
	TokensIn  int               `json:"tokens_in"`
	TokensOut int               `json:"tokens_out"`
	CostUSD   float64           `json:"cost_usd"`
	LatencyMs float64           `json:"latency_ms"`
	Degraded  bool              `json:"degraded"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink stores records. Implementations must be safe for concurrent use and
// should treat Append as best-effort; the Writer logs failures and moves on.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// LogSink writes records to the process log as JSON. It is the default when
// no database is configured; audit trails then live wherever stdout ships.
type LogSink struct{}

func (LogSink) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	log.Printf("[AUDIT] %s", data)
	return nil
}

// MemorySink keeps records in memory, newest last. Used by tests and
// embedded deployments that export batches themselves.
type MemorySink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recs))
	copy(out, s.recs)
	return out
}

// Writer schedules records onto a sink without ever blocking the caller.
type Writer struct {
	sink    Sink
	sem     *httputil.Semaphore
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewWriter wraps a sink with bounded fire-and-forget submission. At most
// maxInFlight writes run concurrently; each gets its own timeout detached
// from any request context.
func NewWriter(sink Sink, maxInFlight int, timeout time.Duration) *Writer {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		sink:    sink,
		sem:     httputil.NewSemaphore(maxInFlight),
		timeout: timeout,
	}
}

// Submit schedules the record and returns immediately. When the writer is
// saturated the record is dropped and counted.
func (w *Writer) Submit(rec Record) {
	if w == nil || w.sink == nil {
		return
	}
	if !w.sem.TryAcquire() {
		log.Printf("[WARN] audit writer saturated, dropping record %s", rec.TraceID)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.sink.Append(ctx, rec); err != nil {
			log.Printf("[WARN] audit write %s failed: %v", rec.TraceID, err)
		}
	}()
}

// Flush waits for in-flight writes. For shutdown and tests; new Submit calls
// during a Flush are not waited on.
func (w *Writer) Flush() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

// Dropped reports how many records were refused due to saturation.
func (w *Writer) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.sem.DroppedCount()
}
