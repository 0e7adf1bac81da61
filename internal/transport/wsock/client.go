package wsock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/sprintsync/internal/transport"
)

// DefaultReconnectDelay is the pause between dial attempts.
const DefaultReconnectDelay = 2 * time.Second

// Client is the companion's end. Run keeps it connected.
type Client struct {
	endpoint
	url   string
	delay time.Duration
}

var _ transport.Channel = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectDelay sets the pause between dial attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.delay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for url (ws:// or wss://). It does not dial
// until Run is called.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:   url,
		delay: DefaultReconnectDelay,
	}
	c.init(slog.Default())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run dials, serves the connection, and redials after it drops, until ctx
// is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		if _, err := c.conn(); errors.Is(err, transport.ErrUnavailable) {
			return nil
		}

		ws, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("dial failed", "url", c.url, "error", err)
		} else {
			conn := newConn(ws, "cli", c.currentHandler, c.logger)
			c.attach(conn)
			c.logger.Info("connected to primary", "url", c.url)
			err = conn.run(ctx)
			c.detach(conn)
			c.logger.Info("disconnected from primary", "reason", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}
}

// Close drops the connection and stops Run.
func (c *Client) Close() error {
	c.shut("client closing")
	return nil
}
