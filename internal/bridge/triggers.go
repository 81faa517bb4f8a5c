package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Trigger is the entry point for external connect triggers (host wake, tab
// activity, install). Triggers are ignored while the connection is open or an
// attempt is in flight, and accepted at most once per TriggerDebounce. It
// reports whether the trigger was accepted.
func (m *Manager) Trigger(source string) bool {
	m.mu.Lock()
	if m.closed || m.connecting || m.openLocked() {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	if !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.cfg.TriggerDebounce {
		m.mu.Unlock()
		m.logger.Debug("trigger debounced", zap.String("source", source))
		return false
	}
	m.lastTrigger = now
	m.mu.Unlock()

	m.logger.Info("trigger, checking connection", zap.String("source", source))
	m.CheckConnection()
	return true
}

// Run connects immediately, then probes the connection every ProbeInterval
// and KeepAliveInterval until ctx is done. The manager is closed on return.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()

	m.EnsureConnected()

	probe := time.NewTicker(m.cfg.ProbeInterval)
	defer probe.Stop()
	keepAlive := time.NewTicker(m.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probe.C:
			m.CheckConnection()
		case <-keepAlive.C:
			if !m.IsConnected() {
				m.logger.Debug("keep-alive probe found connection down")
			}
			m.CheckConnection()
		}
	}
}
