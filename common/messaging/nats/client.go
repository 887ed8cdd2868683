// Package nats provides a NATS implementation of messaging.Publisher.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/common/messaging"
)

var _ messaging.Publisher = (*Client)(nil)

// ErrNotConnected is returned by Publish while the connection is down and
// the reconnect buffer cannot take more messages.
var ErrNotConnected = errors.New("nats connection is not available")

// Client publishes case and alert events to a NATS server. Messages are
// buffered by the NATS library and flushed asynchronously; Close drains them.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS client configuration.
type Config struct {
	URL  string
	Name string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration

	// Timeout bounds the initial dial.
	Timeout time.Duration

	// RetryOnFailedConnect lets NewClient succeed while the server is down;
	// publishes are buffered until the first connection is made.
	RetryOnFailedConnect bool

	// DrainTimeout bounds Close.
	DrainTimeout time.Duration
}

// DefaultConfig returns the settings used by the respond daemon.
func DefaultConfig() Config {
	return Config{
		URL:                  nats.DefaultURL,
		Name:                 "telhawk-respond",
		MaxReconnects:        -1,
		ReconnectWait:        2 * time.Second,
		Timeout:              5 * time.Second,
		RetryOnFailedConnect: true,
		DrainTimeout:         5 * time.Second,
	}
}

// NewClient connects to NATS. A nil logger uses the default logger.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.Component("nats"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS async error", logging.Error(err))
		}),
	}
	if cfg.RetryOnFailedConnect {
		opts = append(opts, nats.RetryOnFailedConnect(true))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if !conn.IsConnected() {
		logger.Warn("NATS not reachable yet, buffering until connected", "url", cfg.URL)
	}

	return &Client{conn: conn}, nil
}

// Publish queues data on subject. It does not wait for the server.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrReconnectBufExceeded) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Flush waits until the server has processed every buffered message.
func (c *Client) Flush(ctx context.Context) error {
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains buffered messages, bounded by the drain timeout, and closes
// the connection.
func (c *Client) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// IsConnected reports whether the client currently has a server connection.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}
