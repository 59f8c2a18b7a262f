package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/arunrao/rampart/pkg/policy"
)

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Append(ctx context.Context, _ Record) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type errSink struct{}

func (errSink) Append(context.Context, Record) error { return errors.New("sink down") }

func TestMemorySinkAppend(t *testing.T) {
	sink := &MemorySink{}
	for i := 0; i < 2; i++ {
		rec := Record{TraceID: fmt.Sprintf("t-%d", i)}
		if err := sink.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	recs := sink.Records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].TraceID != "t-0" || recs[1].TraceID != "t-1" {
		t.Errorf("order not preserved: %v, %v", recs[0].TraceID, recs[1].TraceID)
	}

	recs[0].TraceID = "mutated"
	if sink.Records()[0].TraceID != "t-0" {
		t.Error("Records must return a copy")
	}
}

func TestWriterDeliversAsync(t *testing.T) {
	sink := &MemorySink{}
	w := NewWriter(sink, 4, time.Second)

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t-%d", i)
		want[id] = true
		w.Submit(Record{TraceID: id, State: "COMPLETED"})
	}
	w.Flush()

	recs := sink.Records()
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for _, rec := range recs {
		if !want[rec.TraceID] {
			t.Errorf("unexpected record %q", rec.TraceID)
		}
	}
	if w.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", w.Dropped())
	}
}

func TestWriterDropsWhenSaturatedWithoutBlocking(t *testing.T) {
	bs := &blockingSink{release: make(chan struct{})}
	w := NewWriter(bs, 1, time.Second)

	w.Submit(Record{TraceID: "held"})

	start := time.Now()
	w.Submit(Record{TraceID: "dropped"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("saturated Submit blocked for %v", elapsed)
	}
	if w.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", w.Dropped())
	}

	close(bs.release)
	w.Flush()
}

func TestWriterTimeoutUnsticksWrites(t *testing.T) {
	bs := &blockingSink{release: make(chan struct{})} // never released
	w := NewWriter(bs, 1, 30*time.Millisecond)

	w.Submit(Record{TraceID: "stuck"})
	done := make(chan struct{})
	go func() {
		w.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write timeout did not fire; Flush hung")
	}
}

func TestWriterSwallowsSinkFailures(t *testing.T) {
	w := NewWriter(errSink{}, 2, time.Second)
	w.Submit(Record{TraceID: "doomed"})
	w.Flush()
	if w.Dropped() != 0 {
		t.Errorf("a failed write is not a drop: dropped = %d", w.Dropped())
	}
}

func TestWriterNilSafety(t *testing.T) {
	var w *Writer
	w.Submit(Record{TraceID: "x"})
	w.Flush()

	NewWriter(nil, 1, 0).Submit(Record{TraceID: "y"})
}

func TestLogSinkAppend(t *testing.T) {
	rec := Record{
		TraceID:   "log-1",
		State:     "COMPLETED",
		Decisions: []policy.Decision{{Action: policy.ActionAllow, Phase: policy.PhaseInput}},
		LatencyMs: 3.2,
	}
	if err := (LogSink{}).Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestPGSinkRoundTrip(t *testing.T) {
	dsn := os.Getenv("RAMPART_AUDIT_DSN")
	if dsn == "" {
		t.Skip("RAMPART_AUDIT_DSN not set; skipping postgres integration test")
	}
	ctx := context.Background()

	sink, err := NewPGSink(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPGSink: %v", err)
	}
	defer sink.Close()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	rec := Record{
		TraceID:   fmt.Sprintf("itest-%d", time.Now().UnixNano()),
		State:     "COMPLETED",
		Model:     "gpt-4o-mini",
		Decisions: []policy.Decision{{Action: policy.ActionAllow, Phase: policy.PhaseInput}},
		TokensIn:  10,
		TokensOut: 5,
		CostUSD:   0.0003,
		LatencyMs: 12.5,
	}
	if err := sink.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Same trace again is a no-op, not an error.
	if err := sink.Append(ctx, rec); err != nil {
		t.Fatalf("Append replay: %v", err)
	}

	var state string
	var tokensIn int
	err = sink.pool.QueryRow(ctx,
		`SELECT state, tokens_in FROM gateway_decisions WHERE trace_id = $1`,
		rec.TraceID).Scan(&state, &tokensIn)
	if err != nil {
		t.Fatalf("query back: %v", err)
	}
	if state != "COMPLETED" || tokensIn != 10 {
		t.Errorf("stored (%s, %d), want (COMPLETED, 10)", state, tokensIn)
	}
}
