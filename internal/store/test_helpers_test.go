package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/wire"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// emptinessRecorder records every ReportStoreIsEmpty call.
type emptinessRecorder struct {
	reports []bool
}

func (r *emptinessRecorder) ReportStoreIsEmpty(empty bool) {
	r.reports = append(r.reports, empty)
}

func (r *emptinessRecorder) last() bool {
	return r.reports[len(r.reports)-1]
}

// stubDispatcher handles the first n hits of every batch.
type stubDispatcher struct {
	ok      bool
	handle  int // -1 means all
	batches [][]wire.Hit
}

func (d *stubDispatcher) OkToDispatch() bool { return d.ok }

func (d *stubDispatcher) Dispatch(_ context.Context, hits []wire.Hit) int {
	d.batches = append(d.batches, hits)
	if d.handle < 0 || d.handle > len(hits) {
		return len(hits)
	}
	return d.handle
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestQueue opens a queue in a temp dir with a fake clock.
func createTestQueue(t *testing.T, opts ...Option) (*Queue, *clock.Fake, string) {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	path := filepath.Join(t.TempDir(), "hits.db")
	base := []Option{WithClock(clk), WithLogger(discardLogger())}
	q, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, clk, path
}

// putN stores n hits to url, numbered from 1 in the "n" param.
func putN(t *testing.T, q *Queue, n int, url string, hitTime int64) {
	t.Helper()
	for i := 1; i <= n; i++ {
		q.Put(context.Background(), map[string]string{"n": fmt.Sprint(i)}, hitTime, url, nil)
	}
}

func ids(hits []wire.Hit) []int64 {
	out := make([]int64, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

// verifyPragma checks that a pragma is set to the expected value.
func (q *Queue) verifyPragma(name, expected string) error {
	var value string
	if err := q.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
