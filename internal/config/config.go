// Package config contains configuration types for tabwire.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete tabwire configuration.
type Config struct {
	// Endpoint is the control process websocket URL the agent dials.
	Endpoint string

	// LogLevel is the zap level name.
	LogLevel string

	Connection ConnectionSettings
	Commands   CommandSettings
	Browser    BrowserSettings
	Relay      RelaySettings

	// StatusPath is where the agent persists its connection status.
	// Empty means the default XDG state location.
	StatusPath string
}

// ConnectionSettings tune the connection manager.
type ConnectionSettings struct {
	// BaseInterval is the first reconnect delay before growth.
	BaseInterval time.Duration
	// BackoffFactor is the growth factor per failed attempt.
	BackoffFactor float64
	// BackoffCap caps the exponent.
	BackoffCap int
	// MaxInterval is the reconnect delay ceiling.
	MaxInterval time.Duration
	// HeartbeatInterval is the ping period while connected.
	HeartbeatInterval time.Duration
	// ProbeInterval is the periodic connection check.
	ProbeInterval time.Duration
	// KeepAliveInterval is the low frequency check that survives host suspension.
	KeepAliveInterval time.Duration
	// TriggerDebounce rate-limits external connect triggers.
	TriggerDebounce time.Duration
}

// CommandSettings tune the command dispatcher.
type CommandSettings struct {
	// Timeout bounds each automation operation.
	Timeout time.Duration
}

// BrowserSettings select how the automation provider reaches a browser.
type BrowserSettings struct {
	// ControlURL is the DevTools websocket of an already running browser.
	ControlURL string
	// Bin is the browser binary to launch when ControlURL is empty.
	Bin string
	// Headless launches the browser without a window.
	Headless bool
	// CookieDomains are queried by getCookies.
	CookieDomains []string
}

// RelaySettings configure the local control process.
type RelaySettings struct {
	// Listen is the relay listen address.
	Listen string
	// AutoStart lets serve and send spawn a relay when none is running.
	AutoStart bool
}

// DefaultCookieDomains are the Google domains queried by getCookies.
var DefaultCookieDomains = []string{
	".google.com", "google.com",
	".accounts.google.com", "accounts.google.com",
	".console.cloud.google.com", "console.cloud.google.com",
	".googleapis.com", "googleapis.com",
	".gstatic.com", "gstatic.com",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "ws://127.0.0.1:8765",
		LogLevel: "info",
		Connection: ConnectionSettings{
			BaseInterval:      1000 * time.Millisecond,
			BackoffFactor:     1.5,
			BackoffCap:        5,
			MaxInterval:       5000 * time.Millisecond,
			HeartbeatInterval: 20 * time.Second,
			ProbeInterval:     10 * time.Second,
			KeepAliveInterval: 60 * time.Second,
			TriggerDebounce:   2 * time.Second,
		},
		Commands: CommandSettings{
			Timeout: 30 * time.Second,
		},
		Browser: BrowserSettings{
			CookieDomains: append([]string(nil), DefaultCookieDomains...),
		},
		Relay: RelaySettings{
			Listen:    "127.0.0.1:8765",
			AutoStart: true,
		},
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", c.Endpoint)
	}

	conn := &c.Connection
	if conn.BaseInterval <= 0 {
		conn.BaseInterval = def.Connection.BaseInterval
	}
	if conn.BackoffFactor < 1 {
		conn.BackoffFactor = def.Connection.BackoffFactor
	}
	if conn.BackoffCap < 0 {
		conn.BackoffCap = def.Connection.BackoffCap
	}
	if conn.MaxInterval <= 0 {
		conn.MaxInterval = def.Connection.MaxInterval
	}
	if conn.MaxInterval < conn.BaseInterval {
		return fmt.Errorf("max-interval (%s) is below base-interval (%s)", conn.MaxInterval, conn.BaseInterval)
	}
	if conn.HeartbeatInterval <= 0 {
		conn.HeartbeatInterval = def.Connection.HeartbeatInterval
	}
	if conn.ProbeInterval <= 0 {
		conn.ProbeInterval = def.Connection.ProbeInterval
	}
	if conn.KeepAliveInterval <= 0 {
		conn.KeepAliveInterval = def.Connection.KeepAliveInterval
	}
	if conn.TriggerDebounce < 0 {
		conn.TriggerDebounce = def.Connection.TriggerDebounce
	}

	if c.Commands.Timeout <= 0 {
		c.Commands.Timeout = def.Commands.Timeout
	}
	if len(c.Browser.CookieDomains) == 0 {
		c.Browser.CookieDomains = def.Browser.CookieDomains
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = def.Relay.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return nil
}
