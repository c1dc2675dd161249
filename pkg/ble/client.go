// Package ble is the top-level entry point: it selects a platform backend,
// owns the scanner, and hands out one session per peripheral address.
package ble

import (
	"context"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/sensegrid/blecentral/backend"
	"github.com/sensegrid/blecentral/pkg/config"
	"github.com/sensegrid/blecentral/scanner"
	"github.com/sensegrid/blecentral/session"
)

// AdapterFactory creates the backend adapter. Overridable for tests and
// for callers that want a non-default stack on their platform.
var AdapterFactory = defaultAdapterFactory

// ConnectOptions configures one Connect call. Zero fields fall back to the
// client configuration.
type ConnectOptions struct {
	Timeout              time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
}

// Client owns the backend adapter, the scanner, and the session registry.
// The registry holds at most one session per address; a connection handle
// is never shared between sessions.
type Client struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter backend.Adapter
	scanner *scanner.Scanner

	sessions *xsync.MapOf[string, *session.Session]
}

// NewClient creates a client using the platform's default backend.
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	adapter, err := AdapterFactory(logger)
	if err != nil {
		return nil, err
	}

	logger.WithField("adapter", adapter.Name()).Debug("backend adapter selected")

	return &Client{
		cfg:      cfg,
		logger:   logger,
		adapter:  adapter,
		scanner:  scanner.New(adapter, logger),
		sessions: xsync.NewMapOf[string, *session.Session](),
	}, nil
}

// Adapter returns the backend adapter in use.
func (c *Client) Adapter() backend.Adapter {
	return c.adapter
}

// Scan starts discovery or joins a scan already in progress. A zero
// Duration falls back to the configured scan duration.
func (c *Client) Scan(ctx context.Context, opts scanner.Options) (*scanner.Scan, error) {
	if opts.Duration == 0 {
		opts.Duration = c.cfg.Scan.Duration
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = c.cfg.Scan.EventBuffer
	}
	return c.scanner.Scan(ctx, opts)
}

// Connect opens a session to the peripheral at address. Repeated calls for
// the same address reuse the same session object; connecting a session that
// is not Disconnected is an error.
func (c *Client) Connect(ctx context.Context, address string, opts ConnectOptions) (*session.Session, error) {
	sess := c.sessionFor(address, opts)
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Session returns the session for address, if one was ever created.
func (c *Client) Session(address string) (*session.Session, bool) {
	return c.sessions.Load(sessionKey(address))
}

func (c *Client) sessionFor(address string, opts ConnectOptions) *session.Session {
	sess, _ := c.sessions.LoadOrCompute(sessionKey(address), func() *session.Session {
		sopts := session.Options{
			ConnectTimeout:       opts.Timeout,
			DiscoverTimeout:      c.cfg.Connect.DiscoverTimeout,
			OperationTimeout:     c.cfg.Connect.OperationTimeout,
			AutoReconnect:        opts.AutoReconnect || c.cfg.Connect.AutoReconnect,
			MaxReconnectAttempts: opts.MaxReconnectAttempts,
			ReconnectBaseDelay:   c.cfg.Connect.ReconnectBaseDelay,
			ReconnectMaxDelay:    c.cfg.Connect.ReconnectMaxDelay,
			NotifyBuffer:         c.cfg.Notify.Buffer,
		}
		if sopts.ConnectTimeout == 0 {
			sopts.ConnectTimeout = c.cfg.Connect.Timeout
		}
		if sopts.MaxReconnectAttempts == 0 {
			sopts.MaxReconnectAttempts = c.cfg.Connect.MaxReconnectAttempts
		}
		return session.New(c.adapter, address, sopts, c.logger)
	})
	return sess
}

// Close disconnects every session. Errors are collected but do not stop
// the teardown; the first one is returned.
func (c *Client) Close() error {
	var first error
	c.sessions.Range(func(key string, sess *session.Session) bool {
		if err := sess.Disconnect(); err != nil && first == nil {
			first = err
		}
		c.sessions.Delete(key)
		return true
	})
	return first
}

func sessionKey(address string) string {
	return strings.ToLower(address)
}
