package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/errclass"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/wire"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Network delivers hits over HTTP, one request per hit.
type Network struct {
	client       *http.Client
	userAgent    string
	connectivity Connectivity
	fallback     *url.URL
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	classify     func(error) string
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) NetworkOption {
	return func(n *Network) { n.client = c }
}

// WithUserAgent sets the User-Agent header value.
func WithUserAgent(ua string) NetworkOption {
	return func(n *Network) { n.userAgent = ua }
}

// WithConnectivity sets the OkToDispatch precondition (default: always connected).
func WithConnectivity(c Connectivity) NetworkOption {
	return func(n *Network) { n.connectivity = c }
}

// WithFallbackURL sets the collector used for hits whose path does not
// parse as an absolute URL.
func WithFallbackURL(raw string) NetworkOption {
	return func(n *Network) {
		if u, err := url.Parse(raw); err == nil && u.IsAbs() {
			n.fallback = u
		}
	}
}

// WithNetworkClock sets the clock used for queue-time computation.
func WithNetworkClock(c clock.Clock) NetworkOption {
	return func(n *Network) { n.clock = c }
}

// WithNetworkLogger sets the logger.
func WithNetworkLogger(l *slog.Logger) NetworkOption {
	return func(n *Network) { n.logger = l }
}

// WithNetworkMetrics records dispatch activity into m.
func WithNetworkMetrics(m *metrics.Metrics) NetworkOption {
	return func(n *Network) { n.metrics = m }
}

// WithErrClassifier overrides errclass.New for labelling failures.
func WithErrClassifier(f func(error) string) NetworkOption {
	return func(n *Network) { n.classify = f }
}

// NewNetwork creates an HTTP transport.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		client:       &http.Client{Timeout: DefaultTimeout},
		userAgent:    DefaultUserAgent("beacon", "dev").String(),
		connectivity: StaticConnectivity(true),
		clock:        clock.Real(),
		logger:       slog.Default(),
		classify:     errclass.New,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OkToDispatch reports whether the network is connected.
func (n *Network) OkToDispatch() bool {
	if !n.connectivity.Connected() {
		n.logger.Debug("no network connectivity")
		return false
	}
	return true
}

// Dispatch sends up to MaxHitsPerDispatch hits in order and returns how
// many, from the front of the batch, were handled.
//
// Hits with no destination, unreadable params, or params longer than
// MaxPostLength are discarded and count as handled. A transport error or
// a non-200 response stops the batch.
func (n *Network) Dispatch(ctx context.Context, hits []wire.Hit) int {
	handled := 0
	limit := min(len(hits), MaxHitsPerDispatch)

	for i := 0; i < limit; i++ {
		hit := hits[i]

		target := n.resolve(hit.Path)
		if target == nil {
			n.logger.Warn("no destination: discarding hit", "hit_id", hit.ID)
			n.metrics.HitDropped(metrics.DropNoDest)
			handled++
			continue
		}

		params := hit.Wire(clock.Millis(n.clock))
		if params == "" {
			n.logger.Warn("empty hit, discarding", "hit_id", hit.ID)
			handled++
			continue
		}
		if len(params) > MaxPostLength {
			n.logger.Warn("hit too long, not sent", "hit_id", hit.ID, "length", len(params), "limit", MaxPostLength)
			n.metrics.HitDropped(metrics.DropOversized)
			handled++
			continue
		}

		req, err := n.buildRequest(ctx, target, params)
		if err != nil {
			n.logger.Warn("could not build request, discarding hit", "hit_id", hit.ID, "error", err)
			handled++
			continue
		}

		resp, err := n.client.Do(req)
		if err != nil {
			class := n.classify(err)
			n.logger.Warn("error sending hit", "hit_id", hit.ID, "errclass", class, "error", err)
			n.metrics.DispatchError(class)
			break
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			n.logger.Warn("bad response", "hit_id", hit.ID, "status", resp.StatusCode)
			n.metrics.DispatchError("http_" + strconv.Itoa(resp.StatusCode))
			break
		}
		handled++
	}

	n.metrics.HitsDispatched(TransportNetwork, handled)
	return handled
}

// resolve returns the request target for a stored path, or nil when the
// hit has no destination at all.
func (n *Network) resolve(path string) *url.URL {
	if path == "" {
		return nil
	}
	u, err := url.Parse(path)
	if err == nil && u.IsAbs() && u.Host != "" {
		return u
	}
	return n.fallback
}

func (n *Network) buildRequest(ctx context.Context, target *url.URL, params string) (*http.Request, error) {
	u := *target
	u.RawQuery = ""
	u.Fragment = ""

	var (
		req *http.Request
		err error
	)
	if len(u.EscapedPath())+1+len(params) < MaxGetLength {
		u.RawQuery = params
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(params))
		if err == nil {
			req.Header.Set("Content-Type", "text/plain; charset=UTF-8")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.userAgent)
	return req, nil
}
