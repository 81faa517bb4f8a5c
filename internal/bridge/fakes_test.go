package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/standardbeagle/tabwire/internal/protocol"
	"github.com/standardbeagle/tabwire/internal/status"
)

// fakeConn is an in-memory Conn. Tests push inbound frames and inspect writes.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
	readErr error
	onClose func()

	mu     sync.Mutex
	writes []protocol.Envelope
}

func newFakeConn(onClose func()) *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
		readErr: io.EOF,
		onClose: onClose,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()

	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// drop simulates the peer going away with err surfaced to the reader.
func (c *fakeConn) drop(err error) {
	c.readErr = err
	c.Close()
}

func (c *fakeConn) push(s string) { c.inbound <- []byte(s) }

func (c *fakeConn) written(t protocol.Type) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.writes {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeConns and tracks how many are live at once.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	live    int
	maxLive int
	err     error
	gate    chan struct{}
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	conn := newFakeConn(func() {
		d.mu.Lock()
		d.live--
		d.mu.Unlock()
	})
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeClock replaces time.AfterFunc and time.Now.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// pending returns timers that are neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single pending timer.
func (c *fakeClock) fire() bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	c.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

// dispatcherFunc adapts a function to Dispatcher.
type dispatcherFunc func(ctx context.Context, cmd protocol.Envelope) protocol.Envelope

func (f dispatcherFunc) Dispatch(ctx context.Context, cmd protocol.Envelope) protocol.Envelope {
	return f(ctx, cmd)
}

func echoDispatcher() Dispatcher {
	return dispatcherFunc(func(ctx context.Context, cmd protocol.Envelope) protocol.Envelope {
		return protocol.NewResponse(cmd, protocol.OK("done "+cmd.Command))
	})
}

// recordingStatus records status transitions in order.
type recordingStatus struct {
	mu      sync.Mutex
	history []status.ConnectionStatus
	touches int
}

func (r *recordingStatus) SetStatus(s status.ConnectionStatus, attempts int) error {
	r.mu.Lock()
	r.history = append(r.history, s)
	r.mu.Unlock()
	return nil
}

func (r *recordingStatus) Touch(time.Time) {
	r.mu.Lock()
	r.touches++
	r.mu.Unlock()
}

func (r *recordingStatus) seen() []status.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.ConnectionStatus(nil), r.history...)
}
