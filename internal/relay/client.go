package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/beacon/internal/proxy"
	"github.com/roach88/beacon/internal/wire"
)

// DefaultDialTimeout bounds connecting and the handshake.
const DefaultDialTimeout = 2 * time.Second

// ErrRejected wraps a handshake refused by the server.
var ErrRejected = errors.New("relay rejected session")

// Client is the producer side of a relay session. It satisfies
// proxy.RemoteClient: Connect and Disconnect return at once and the
// outcome is reported to the listener from another goroutine.
type Client struct {
	socket      string
	listener    proxy.ConnectionListener
	logger      *slog.Logger
	dialTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	enc     *cbor.Encoder
	session string
	dialing bool
	// abandon is set by Disconnect during a dial; the dial then closes
	// its connection instead of reporting success.
	abandon bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// NewClient creates a client for the relay at socket, reporting to
// listener.
func NewClient(socket string, listener proxy.ConnectionListener, opts ...ClientOption) *Client {
	c := &Client{
		socket:      socket,
		listener:    listener,
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the current session id, or "" when not connected.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect starts a session in the background. It is a no-op while a
// session is open or being opened.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.abandon = false
	c.mu.Unlock()

	go c.dial()
}

func (c *Client) dial() {
	conn, dec, session, err := c.handshake()

	c.mu.Lock()
	c.dialing = false
	if err == nil && c.abandon {
		conn.Close()
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("relay connect failed", "socket", c.socket, "error", err)
		c.listener.OnConnectionFailed(err)
		return
	}
	c.conn = conn
	c.enc = newEncoder(conn)
	c.session = session
	c.mu.Unlock()

	c.logger.Debug("relay connected", "session", session)
	c.listener.OnConnected()
	go c.watch(conn, dec)
}

func (c *Client) handshake() (net.Conn, *cbor.Decoder, string, error) {
	conn, err := net.DialTimeout("unix", c.socket, c.dialTimeout)
	if err != nil {
		return nil, nil, "", err
	}
	conn.SetDeadline(time.Now().Add(c.dialTimeout))

	dec := newDecoder(conn)
	if err := newEncoder(conn).Encode(Frame{Type: FrameHello, Version: ProtocolVersion}); err != nil {
		conn.Close()
		return nil, nil, "", fmt.Errorf("send hello: %w", err)
	}
	var ack Frame
	if err := dec.Decode(&ack); err != nil {
		conn.Close()
		return nil, nil, "", fmt.Errorf("read ack: %w", err)
	}
	if ack.Type != FrameAck || ack.Error != "" || ack.Session == "" {
		conn.Close()
		return nil, nil, "", fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}

	conn.SetDeadline(time.Time{})
	return conn, dec, ack.Session, nil
}

// watch blocks until the connection ends, then reports the disconnect.
// The server sends nothing after the ack, so any read result ends it.
func (c *Client) watch(conn net.Conn, dec *cbor.Decoder) {
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			break
		}
	}
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.enc = nil
		c.session = ""
	}
	c.mu.Unlock()

	c.logger.Debug("relay disconnected", "socket", c.socket)
	c.listener.OnDisconnected()
}

// Disconnect ends the session with a bye. OnDisconnected follows once
// the connection has closed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialing {
		c.abandon = true
		return
	}
	if c.conn == nil {
		return
	}
	c.writeLocked(Frame{Type: FrameBye})
	c.conn.Close()
}

// SendHit forwards a formatted hit. Without a session the hit is lost
// and a warning logged.
func (c *Client) SendHit(params map[string]string, hitTime int64, path string, commands []wire.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.logger.Warn("relay not connected, hit dropped", "path", path)
		return
	}
	c.writeLocked(Frame{Type: FrameHit, Params: params, HitTime: hitTime, Path: path, Commands: commands})
}

// ClearHits asks the relay to clear its queue.
func (c *Client) ClearHits() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.logger.Warn("relay not connected, clear dropped")
		return
	}
	c.writeLocked(Frame{Type: FrameClear})
}

// writeLocked writes one frame. A failed write closes the connection so
// watch reports the disconnect.
func (c *Client) writeLocked(f Frame) {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.enc.Encode(f); err != nil {
		c.logger.Warn("relay write failed", "frame", f.Type.String(), "error", err)
		c.conn.Close()
	}
}
