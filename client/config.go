// Package client implements the CoAP client façade of spec.md §4.H:
// one event loop per Client wiring together the codec, reliability,
// exchange matcher, block-wise engine and observe manager behind a
// small request-method surface.
package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/namib-project/coap/blockwise"
	"github.com/namib-project/coap/dedup"
	"github.com/namib-project/coap/reliability"
)

// Public defaults, spec.md §6.
const (
	DefaultPort             = 5683
	DefaultSecurePort       = 5684
	DefaultMaxMessageSize   = 1024
	DefaultBlockSize        = 1024
	DefaultChannelRecvBytes = 2048
)

// Config enumerates exactly the configurable keys of spec.md §6, set
// via functional options rather than reflection-based loading (per
// the Design Note in spec.md §9).
type Config struct {
	DefaultPort       int
	DefaultSecurePort int

	ACKTimeout      time.Duration
	ACKRandomFactor float64
	ACKTimeoutScale float64
	MaxRetransmit   int

	MaxMessageSize          int
	DefaultBlockSize        int
	BlockwiseStatusLifetime time.Duration

	UseRandomIDStart    bool
	UseRandomTokenStart bool

	NotificationMaxAge                 time.Duration
	NotificationCheckIntervalTime      time.Duration
	NotificationCheckIntervalCount     int
	NotificationReregistrationBackoff time.Duration

	ExchangeLifetime      time.Duration
	MarkAndSweepInterval  time.Duration
	ChannelReceivePacketSize int
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPort:             DefaultPort,
		DefaultSecurePort:       DefaultSecurePort,
		ACKTimeout:              reliability.DefaultACKTimeout,
		ACKRandomFactor:         reliability.DefaultACKRandomFactor,
		ACKTimeoutScale:         reliability.DefaultACKTimeoutScale,
		MaxRetransmit:           reliability.DefaultMaxRetransmit,
		MaxMessageSize:          DefaultMaxMessageSize,
		DefaultBlockSize:        DefaultBlockSize,
		BlockwiseStatusLifetime: blockwise.DefaultStatusLifetime,
		UseRandomIDStart:        true,
		UseRandomTokenStart:     true,
		NotificationMaxAge:                 128 * time.Second,
		NotificationCheckIntervalTime:      86400 * time.Second,
		NotificationCheckIntervalCount:     100,
		NotificationReregistrationBackoff: 2 * time.Second,
		ExchangeLifetime:         dedup.DefaultExchangeLifetime,
		MarkAndSweepInterval:     dedup.DefaultMarkAndSweepInterval,
		ChannelReceivePacketSize: DefaultChannelRecvBytes,
	}
}

func WithACKTimeout(d time.Duration) Option { return func(c *Config) { c.ACKTimeout = d } }
func WithACKRandomFactor(f float64) Option  { return func(c *Config) { c.ACKRandomFactor = f } }
func WithACKTimeoutScale(f float64) Option  { return func(c *Config) { c.ACKTimeoutScale = f } }
func WithMaxRetransmit(n int) Option        { return func(c *Config) { c.MaxRetransmit = n } }
func WithMaxMessageSize(n int) Option       { return func(c *Config) { c.MaxMessageSize = n } }
func WithDefaultBlockSize(n int) Option     { return func(c *Config) { c.DefaultBlockSize = n } }
func WithBlockwiseStatusLifetime(d time.Duration) Option {
	return func(c *Config) { c.BlockwiseStatusLifetime = d }
}
func WithRandomIDStart(enable bool) Option    { return func(c *Config) { c.UseRandomIDStart = enable } }
func WithRandomTokenStart(enable bool) Option { return func(c *Config) { c.UseRandomTokenStart = enable } }
func WithExchangeLifetime(d time.Duration) Option {
	return func(c *Config) { c.ExchangeLifetime = d }
}
func WithMarkAndSweepInterval(d time.Duration) Option {
	return func(c *Config) { c.MarkAndSweepInterval = d }
}
func WithDefaultPort(port int) Option       { return func(c *Config) { c.DefaultPort = port } }
func WithDefaultSecurePort(port int) Option { return func(c *Config) { c.DefaultSecurePort = port } }

// nonce returns a fresh per-client namespace tag (spec.md §5: "the
// event bus is namespaced per client, a hashCode-equivalent nonce").
func nonce() uuid.UUID { return uuid.New() }
