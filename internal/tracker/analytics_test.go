package tracker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beacon/internal/config"
	"github.com/roach88/beacon/internal/store"
)

type collector struct {
	mu   sync.Mutex
	hits []url.Values
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.RawQuery
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
	}
	values, _ := url.ParseQuery(raw)
	c.mu.Lock()
	c.hits = append(c.hits, values)
	c.mu.Unlock()
}

func (c *collector) received() []url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]url.Values(nil), c.hits...)
}

func testConfig(t *testing.T, collectorURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Dispatch.Period = 0
	cfg.Dispatch.SecureURL = collectorURL + "/collect"
	cfg.Dispatch.InsecureURL = collectorURL + "/collect"
	cfg.App.Name = "demo"
	cfg.App.Version = "1.0"
	cfg.App.Language = "en-us"
	cfg.App.ScreenResolution = "1080x1920"
	return cfg
}

func startAnalytics(t *testing.T, cfg *config.Config) *Analytics {
	t.Helper()
	a, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func closeAnalytics(t *testing.T, a *Analytics) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func queued(t *testing.T, cfg *config.Config) int {
	t.Helper()
	q, err := store.Open(cfg.DatabasePath(), store.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer q.Close()
	return q.Count(context.Background())
}

func TestAnalytics_SendAndDispatch(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a := startAnalytics(t, cfg)

	tr, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendEvent("video", "play", "intro", nil))
	a.Dispatch()
	closeAnalytics(t, a)

	hits := c.received()
	require.Len(t, hits, 1)
	hit := hits[0]
	assert.Equal(t, "event", hit.Get("t"))
	assert.Equal(t, "UA-1-1", hit.Get("tid"))
	assert.Equal(t, "video", hit.Get("ec"))
	assert.Equal(t, "play", hit.Get("ea"))
	assert.Equal(t, "en-us", hit.Get("ul"))
	assert.Equal(t, "1080x1920", hit.Get("sr"))
	assert.Equal(t, "demo", hit.Get("an"))
	assert.Equal(t, "start", hit.Get("sc"))
	assert.NotEmpty(t, hit.Get("cid"))
	assert.NotEmpty(t, hit.Get("_u"))
	assert.Zero(t, queued(t, cfg))
}

func TestAnalytics_CloseKeepsUndispatchedHits(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a := startAnalytics(t, cfg)
	tr, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendView("Home"))
	require.NoError(t, tr.SendView("Settings"))
	closeAnalytics(t, a)

	assert.Empty(t, c.received())
	assert.Equal(t, 2, queued(t, cfg))
}

func TestAnalytics_DryRunDrainsQueue(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a := startAnalytics(t, cfg)
	a.SetDryRun(true)

	tr, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendException("boom", true))
	a.Dispatch()
	closeAnalytics(t, a)

	assert.Empty(t, c.received())
	assert.Zero(t, queued(t, cfg))
}

func TestAnalytics_OptOut(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	a := startAnalytics(t, cfg)
	a.SetAppOptOut(true)

	var reported bool
	a.RequestAppOptOut(func(optOut bool) { reported = optOut })
	assert.True(t, reported, "known flag is reported synchronously")

	tr, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendEvent("c", "a", "", nil))
	a.Dispatch()
	closeAnalytics(t, a)

	assert.Empty(t, c.received())
	assert.Zero(t, queued(t, cfg))

	// The flag survives a restart.
	b := startAnalytics(t, cfg)
	st, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.OptOut)
}

func TestAnalytics_ClientIDIsStable(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	a := startAnalytics(t, cfg)
	first, err := a.ClientID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	closeAnalytics(t, a)

	b := startAnalytics(t, cfg)
	second, err := b.ClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAnalytics_Trackers(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()
	a := startAnalytics(t, testConfig(t, srv.URL))

	_, err := a.Tracker("")
	assert.ErrorIs(t, err, ErrEmptyTrackingID)
	assert.Nil(t, a.DefaultTracker())

	first, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	again, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	second, err := a.Tracker("UA-2-1")
	require.NoError(t, err)

	assert.Same(t, first, again)
	assert.Same(t, first, a.DefaultTracker())

	first.Close()
	assert.Nil(t, a.DefaultTracker())
	replacement, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	assert.NotSame(t, first, replacement)

	a.SetDefaultTracker(second)
	assert.Same(t, second, a.DefaultTracker())
}

func TestAnalytics_ClientIDAfterShutdown(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()

	a := startAnalytics(t, testConfig(t, srv.URL))
	id, err := a.ClientID(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	closeAnalytics(t, a)
	_, err = a.ClientID(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAnalytics_ClientIDAfterWorkerPanic(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()

	a := startAnalytics(t, testConfig(t, srv.URL))
	defer closeAnalytics(t, a)

	require.True(t, a.worker.Post(func() { panic("boom") }))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.ClientID(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = a.Status(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAnalytics_Status(t *testing.T) {
	srv := httptest.NewServer(&collector{})
	defer srv.Close()
	cfg := testConfig(t, srv.URL)
	a := startAnalytics(t, cfg)

	tr, err := a.Tracker("UA-1-1")
	require.NoError(t, err)
	require.NoError(t, tr.SendView("Home"))
	a.SetDispatchPeriod(time.Hour)

	st, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "connected_local", st.State)
	assert.Equal(t, 1, st.Queued)
	assert.Zero(t, st.Buffered)
	assert.NotEmpty(t, st.ClientID)
	assert.False(t, st.OptOut)
	assert.Equal(t, "1h0m0s", st.Period)

	closeAnalytics(t, a)
	_, err = a.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
