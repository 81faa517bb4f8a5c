// Package dispatch maps command opcodes to browser automation operations and
// turns every outcome into a response envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/tabwire/internal/protocol"
)

// DefaultTimeout bounds a single provider operation.
const DefaultTimeout = 30 * time.Second

// ErrNoActiveTab is returned when a command needs the active tab and there is none.
var ErrNoActiveTab = errors.New("no active tab")

type handler func(ctx context.Context, raw json.RawMessage) (protocol.Result, error)

// Stats counts dispatched commands.
type Stats struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
	TimedOut   int64
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = logger }
}

// Dispatcher executes command envelopes against a Provider. The opcode table
// is fixed at construction.
type Dispatcher struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
	registry map[string]handler

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	timedOut   atomic.Int64
}

// New creates a Dispatcher over p.
func New(p Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider: p,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.registry = map[string]handler{
		protocol.OpOpenTab:        op(protocol.OpOpenTab, d.openTab),
		protocol.OpCloseTab:       op(protocol.OpCloseTab, d.closeTab),
		protocol.OpGetCurrentTab:  op(protocol.OpGetCurrentTab, d.currentTab),
		protocol.OpGetAllTabs:     op(protocol.OpGetAllTabs, d.allTabs),
		protocol.OpExecuteScript:  op(protocol.OpExecuteScript, d.executeScript),
		protocol.OpClickElement:   op(protocol.OpClickElement, d.clickElement),
		protocol.OpFillInput:      op(protocol.OpFillInput, d.fillInput),
		protocol.OpGetPageContent: op(protocol.OpGetPageContent, d.pageContent),
		protocol.OpScreenshot:     op(protocol.OpScreenshot, d.screenshot),
		protocol.OpGetCookies:     op(protocol.OpGetCookies, d.cookies),
	}
	return d
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		TimedOut:   d.timedOut.Load(),
	}
}

// Dispatch runs cmd and returns its response. It never fails: unknown opcodes,
// bad params, provider errors, panics and timeouts all become failure results.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd protocol.Envelope) protocol.Envelope {
	d.dispatched.Add(1)
	result := d.run(ctx, cmd)
	if result.Success {
		d.succeeded.Add(1)
	} else {
		d.failed.Add(1)
		d.logger.Debug("command failed",
			zap.String("command", cmd.Command),
			zap.String("id", cmd.ID),
			zap.String("message", result.Message))
	}
	return protocol.NewResponse(cmd, result)
}

func (d *Dispatcher) run(ctx context.Context, cmd protocol.Envelope) protocol.Result {
	if cmd.Type != protocol.TypeCommand {
		return protocol.Fail("not a command envelope: %s", cmd.Type)
	}
	h, ok := d.registry[cmd.Command]
	if !ok {
		return protocol.UnknownCommand(cmd.Command)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		result protocol.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("provider panic", zap.String("command", cmd.Command), zap.Any("panic", r))
				done <- outcome{err: fmt.Errorf("%s panicked: %v", cmd.Command, r)}
			}
		}()
		res, err := h(ctx, cmd.Params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return protocol.Fail("%s", out.err.Error())
		}
		return out.result
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.timedOut.Add(1)
			return protocol.Timeout()
		}
		return protocol.Fail("%s cancelled", cmd.Command)
	}
}

// op decodes and validates the opcode's params before calling fn.
func op[P any, PP interface {
	*P
	Validate() error
}](name string, fn func(context.Context, PP) (protocol.Result, error)) handler {
	return func(ctx context.Context, raw json.RawMessage) (protocol.Result, error) {
		p := PP(new(P))
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, p); err != nil {
				return protocol.Result{}, fmt.Errorf("invalid params for %s: %w", name, err)
			}
		}
		if err := p.Validate(); err != nil {
			return protocol.Result{}, fmt.Errorf("invalid params for %s: %w", name, err)
		}
		return fn(ctx, p)
	}
}

// resolveTab returns id, or the active tab when id is empty.
func (d *Dispatcher) resolveTab(ctx context.Context, id protocol.TabID) (protocol.TabID, error) {
	if !id.IsZero() {
		return id, nil
	}
	tab, err := d.provider.CurrentTab(ctx)
	if err != nil {
		return "", err
	}
	if tab.ID.IsZero() {
		return "", ErrNoActiveTab
	}
	return tab.ID, nil
}
