package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shiraishimai/imap-client-go/engine"
	"github.com/shiraishimai/imap-client-go/enginemetrics"
)

// Option is a functional option for configuring the client.
type Option func(*Config)

// Config holds the full client configuration record: host, port,
// secure-transport flag, optional CA material, optional compression
// worker hint, a session identifier for logs, and the idle/socket
// timeout parameters.
type Config struct {
	Host string
	Port int

	// Secure requests an immediate TLS dial. Forced true when Port==993
	// regardless of how it was set.
	Secure bool

	// TLSConfig supplies CA material and server-name verification.
	TLSConfig *tls.Config

	// DialTimeout bounds the initial TCP/TLS handshake.
	DialTimeout time.Duration

	// CompressionWorkerHint requests offloading INFLATE/DEFLATE to a
	// background goroutine once COMPRESS DEFLATE is negotiated.
	CompressionWorkerHint bool

	// SessionID correlates structured log lines across a connection's
	// lifetime; generated with uuid.NewString() if left empty.
	SessionID string

	// Logger is the structured logger; defaults to slog.Default().
	Logger *slog.Logger

	// DebugLog gates wire-level protocol logging (compiled commands,
	// with literal payloads redacted).
	DebugLog bool

	// Metrics is optional Prometheus instrumentation; nil disables it.
	Metrics *enginemetrics.Recorder

	// IdleDelay, SocketLowerBound and SocketMultiplier are the three
	// idle/socket timeout constants. Zero values fall back to
	// engine.DefaultConfig()'s observable defaults.
	IdleDelay        time.Duration
	SocketLowerBound time.Duration
	SocketMultiplier float64
}

// DefaultConfig returns a Config with the engine's observable idle and
// socket-timeout defaults and a fresh session id.
func DefaultConfig() *Config {
	eng := engine.DefaultConfig()
	return &Config{
		Port:             143,
		DialTimeout:      30 * time.Second,
		SessionID:        uuid.NewString(),
		Logger:           slog.Default(),
		IdleDelay:        eng.IdleDelay,
		SocketLowerBound: eng.SocketLowerBound,
		SocketMultiplier: eng.SocketMultiplier,
	}
}

func (c *Config) engineConfig() engine.Config {
	return engine.Config{
		IdleDelay:        c.IdleDelay,
		SocketLowerBound: c.SocketLowerBound,
		SocketMultiplier: c.SocketMultiplier,
		DebugLog:         c.DebugLog,
	}
}

// WithHostPort sets the server address. Port 993 forces Secure true.
func WithHostPort(host string, port int) Option {
	return func(c *Config) {
		c.Host = host
		c.Port = port
		if port == 993 {
			c.Secure = true
		}
	}
}

// WithSecure forces an immediate TLS dial regardless of port.
func WithSecure(secure bool) Option {
	return func(c *Config) { c.Secure = secure }
}

// WithTLSConfig sets the TLS configuration (CA material, server name).
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Config) { c.TLSConfig = config }
}

// WithDialTimeout bounds the initial TCP/TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithCompressionWorker requests offloaded INFLATE/DEFLATE once
// COMPRESS DEFLATE is negotiated.
func WithCompressionWorker(enable bool) Option {
	return func(c *Config) { c.CompressionWorkerHint = enable }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(c *Config) { c.SessionID = id }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithDebugLog enables wire-level protocol logging.
func WithDebugLog(enable bool) Option {
	return func(c *Config) { c.DebugLog = enable }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(r *enginemetrics.Recorder) Option {
	return func(c *Config) { c.Metrics = r }
}

// WithTimeouts overrides the three idle/socket timing constants. A
// zero duration/multiplier leaves the corresponding default in place.
func WithTimeouts(idleDelay, socketLowerBound time.Duration, socketMultiplier float64) Option {
	return func(c *Config) {
		if idleDelay > 0 {
			c.IdleDelay = idleDelay
		}
		if socketLowerBound > 0 {
			c.SocketLowerBound = socketLowerBound
		}
		if socketMultiplier > 0 {
			c.SocketMultiplier = socketMultiplier
		}
	}
}
