package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the KDL configuration file name.
const GlobalConfigFile = "config.kdl"

// KDLConfig represents the KDL configuration structure.
// Durations are expressed in milliseconds.
type KDLConfig struct {
	Endpoint   string         `kdl:"endpoint"`
	LogLevel   string         `kdl:"log-level"`
	StatusPath string         `kdl:"status-path"`
	Connection *KDLConnection `kdl:"connection"`
	Commands   *KDLCommands   `kdl:"commands"`
	Browser    *KDLBrowser    `kdl:"browser"`
	Relay      *KDLRelay      `kdl:"relay"`
}

// KDLConnection holds connection manager settings from KDL.
type KDLConnection struct {
	BaseInterval      int     `kdl:"base-interval"`
	BackoffFactor     float64 `kdl:"backoff-factor"`
	BackoffCap        *int    `kdl:"backoff-cap"`
	MaxInterval       int     `kdl:"max-interval"`
	HeartbeatInterval int     `kdl:"heartbeat-interval"`
	ProbeInterval     int     `kdl:"probe-interval"`
	KeepAliveInterval int     `kdl:"keepalive-interval"`
	TriggerDebounce   *int    `kdl:"trigger-debounce"`
}

// KDLCommands holds dispatcher settings from KDL.
type KDLCommands struct {
	Timeout int `kdl:"timeout"`
}

// KDLBrowser holds automation provider settings from KDL.
type KDLBrowser struct {
	ControlURL    string   `kdl:"control-url"`
	Bin           string   `kdl:"bin"`
	Headless      bool     `kdl:"headless"`
	CookieDomains []string `kdl:"cookie-domains"`
}

// KDLRelay holds relay settings from KDL.
type KDLRelay struct {
	Listen    string `kdl:"listen"`
	AutoStart *bool  `kdl:"auto-start"`
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "tabwire", GlobalConfigFile)
}

// Load loads the configuration at path, or the global config when path is
// empty. A missing global file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GlobalConfigPath()
		if path == "" {
			return DefaultConfig(), nil
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseKDLConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDLConfig parses KDL configuration data over the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}

	cfg := kdlConfigToConfig(&kdlCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// kdlConfigToConfig converts KDL config to our Config type.
func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if kdlCfg.Endpoint != "" {
		cfg.Endpoint = kdlCfg.Endpoint
	}
	if kdlCfg.LogLevel != "" {
		cfg.LogLevel = kdlCfg.LogLevel
	}
	cfg.StatusPath = kdlCfg.StatusPath

	if c := kdlCfg.Connection; c != nil {
		if c.BaseInterval > 0 {
			cfg.Connection.BaseInterval = millis(c.BaseInterval)
		}
		if c.BackoffFactor > 0 {
			cfg.Connection.BackoffFactor = c.BackoffFactor
		}
		if c.BackoffCap != nil {
			cfg.Connection.BackoffCap = *c.BackoffCap
		}
		if c.MaxInterval > 0 {
			cfg.Connection.MaxInterval = millis(c.MaxInterval)
		}
		if c.HeartbeatInterval > 0 {
			cfg.Connection.HeartbeatInterval = millis(c.HeartbeatInterval)
		}
		if c.ProbeInterval > 0 {
			cfg.Connection.ProbeInterval = millis(c.ProbeInterval)
		}
		if c.KeepAliveInterval > 0 {
			cfg.Connection.KeepAliveInterval = millis(c.KeepAliveInterval)
		}
		if c.TriggerDebounce != nil {
			cfg.Connection.TriggerDebounce = millis(*c.TriggerDebounce)
		}
	}

	if c := kdlCfg.Commands; c != nil && c.Timeout > 0 {
		cfg.Commands.Timeout = millis(c.Timeout)
	}

	if b := kdlCfg.Browser; b != nil {
		cfg.Browser.ControlURL = b.ControlURL
		cfg.Browser.Bin = b.Bin
		cfg.Browser.Headless = b.Headless
		if len(b.CookieDomains) > 0 {
			cfg.Browser.CookieDomains = b.CookieDomains
		}
	}

	if r := kdlCfg.Relay; r != nil {
		if r.Listen != "" {
			cfg.Relay.Listen = r.Listen
		}
		if r.AutoStart != nil {
			cfg.Relay.AutoStart = *r.AutoStart
		}
	}

	return cfg
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// tabwire configuration
// Durations are in milliseconds.

// Control process the browser agent connects to
endpoint "ws://127.0.0.1:8765"
log-level "info"

connection {
    // Reconnect delay: min(base-interval * backoff-factor^min(attempts, backoff-cap), max-interval)
    base-interval 1000
    backoff-factor 1.5
    backoff-cap 5
    max-interval 5000
    // Ping period while connected
    heartbeat-interval 20000
    // Periodic connection check
    probe-interval 10000
    // Low frequency check against host suspension
    keepalive-interval 60000
    // Minimum gap between externally triggered connect attempts
    trigger-debounce 2000
}

commands {
    // Upper bound for a single browser operation
    timeout 30000
}

browser {
    // Attach to a running browser, e.g. "ws://127.0.0.1:9222/devtools/browser/..."
    // control-url ""
    // Otherwise launch one
    // bin "/usr/bin/chromium"
    headless false
}

relay {
    listen "127.0.0.1:8765"
    // serve and send start a relay in the background when none answers
    auto-start true
}
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
