package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AutoStartConfig holds configuration for starting a relay on demand.
type AutoStartConfig struct {
	// Endpoint is the websocket URL controllers dial.
	Endpoint string
	// Listen is passed to the spawned relay as --listen.
	Listen string
	// ConfigPath is forwarded as --config when set.
	ConfigPath string
	// BinaryPath defaults to the current executable.
	BinaryPath string
	// StartTimeout bounds the wait for the spawned relay to answer /health.
	StartTimeout time.Duration
	// RetryInterval is how long to wait between health probes.
	RetryInterval time.Duration
}

// DefaultAutoStartConfig returns sensible defaults.
func DefaultAutoStartConfig(endpoint, listen string) AutoStartConfig {
	return AutoStartConfig{
		Endpoint:      endpoint,
		Listen:        listen,
		StartTimeout:  5 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// HealthURL maps a relay websocket endpoint to its /health URL.
func HealthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", endpoint)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// IsRelayRunning reports whether a relay answers /health at endpoint.
func IsRelayRunning(ctx context.Context, endpoint string) bool {
	health, err := HealthURL(endpoint)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, health, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRelayRunning starts a detached relay process unless one already
// answers at cfg.Endpoint, then waits for it to come up.
func EnsureRelayRunning(ctx context.Context, cfg AutoStartConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if IsRelayRunning(ctx, cfg.Endpoint) {
		return nil
	}
	if !isLoopback(cfg.Endpoint) {
		return fmt.Errorf("relay at %s is not reachable and is not local", cfg.Endpoint)
	}

	bin := cfg.BinaryPath
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		bin = exe
	}
	args := []string{"relay"}
	if cfg.Listen != "" {
		args = append(args, "--listen", cfg.Listen)
	}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}

	// Not tied to ctx: the relay outlives the process that started it.
	cmd := exec.Command(bin, args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	logger.Info("started relay", zap.Int("pid", pid), zap.String("listen", cfg.Listen))

	return waitForRelay(ctx, cfg)
}

func waitForRelay(ctx context.Context, cfg AutoStartConfig) error {
	timeout := cfg.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if IsRelayRunning(ctx, cfg.Endpoint) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("relay did not start within %s", timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isLoopback(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
