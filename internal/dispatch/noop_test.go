package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/beacon/internal/clock"
)

func TestNoop_HandlesEverythingUpToCap(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := NewNoop(clock.NewFake(testEpoch), logger, nil)

	hits := testHits(MaxHitsPerDispatch+2, "https://example.test/collect")
	hits[1].Params = ""
	hits[2].Params = "t=event&el=" + strings.Repeat("x", 3000)
	hits[3].Params = "t=event&el=" + strings.Repeat("x", MaxPostLength)

	assert.True(t, d.OkToDispatch())
	assert.Equal(t, MaxHitsPerDispatch, d.Dispatch(context.Background(), hits))

	out := buf.String()
	assert.Contains(t, out, "GET would be sent")
	assert.Contains(t, out, "hit couldn't be read")
	assert.Contains(t, out, "POST would be sent")
	assert.Contains(t, out, "would be too big")
	assert.Contains(t, out, "dispatch is disabled")
}

func TestNoop_EmptyBatch(t *testing.T) {
	d := NewNoop(nil, nil, nil)
	assert.Equal(t, 0, d.Dispatch(context.Background(), nil))
}
