package push

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foXaCe/enphase-battery/pkg/log"
	"github.com/foXaCe/enphase-battery/pkg/types"
)

const defaultEndpoint = "wss://mqtt.enphaseenergy.com/ws"

// TokenFunc fetches a fresh stream token. It is called on every connect so
// reconnects always carry a current token.
type TokenFunc func(ctx context.Context) (string, error)

// Channel is a realtime update subscriber over a websocket. It only nudges
// the refresh loop; message payloads are not parsed, the poll that follows
// fetches authoritative data.
type Channel struct {
	endpoint string
	token    TokenFunc
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	lastMsg atomic.Int64 // unix nano, 0 = never
	notifyC chan struct{}
}

// New builds a channel against the production stream endpoint.
func New(token TokenFunc) *Channel {
	return NewWithEndpoint(defaultEndpoint, token)
}

func NewWithEndpoint(endpoint string, token TokenFunc) *Channel {
	return &Channel{
		endpoint: endpoint,
		token:    token,
		dialer:   websocket.DefaultDialer,
		notifyC:  make(chan struct{}, 1),
	}
}

// Connect fetches a stream token, dials the endpoint and starts the read
// loop, replacing any previous connection.
func (c *Channel) Connect(ctx context.Context) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return types.WrapConnectionError(err, "stream dial failed")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	log.Ctx(ctx).InfoContext(ctx, "push channel connected", slog.String("endpoint", c.endpoint))
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Ctx(ctx).DebugContext(ctx, "push channel read ended", slog.Any("error", err))
			return
		}
		c.lastMsg.Store(time.Now().UnixNano())
		select {
		case c.notifyC <- struct{}{}:
		default:
		}
	}
}

// Notify signals that an update arrived. Signals coalesce; the channel
// never blocks the sender.
func (c *Channel) Notify() <-chan struct{} {
	return c.notifyC
}

// Stale reports whether no message arrived within threshold. A channel that
// never received a message is stale, which makes the first backup tick
// after a silent connect re-establish it.
func (c *Channel) Stale(threshold time.Duration) bool {
	last := c.lastMsg.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > threshold
}

// Close tears down the connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
