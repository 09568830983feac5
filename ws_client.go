package main

// WebSocket event forwarder.
//
// eventConn keeps one connection to the forward target healthy:
// - TCP keepalive on the dialer
// - ping ticker + pong watchdog (read deadline)
// - background reader to process control frames (pong, close)
//
// Forwarder owns an eventConn in its own goroutine, redials with backoff and
// drops events rather than slowing down the read loop.

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
)

type ForwarderConfig struct {
	URL string

	PingEvery time.Duration
	PongWait  time.Duration
	// WriteWait bounds a single event or ping write.
	WriteWait time.Duration

	QueueSize   int
	DialRetries uint
	RetryDelay  time.Duration
	MaxDelay    time.Duration
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.PingEvery <= 0 {
		c.PingEvery = 2 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 8 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DialRetries == 0 {
		c.DialRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

type outInputEvent struct {
	T     string `json:"t"`
	Sec   uint64 `json:"sec"`
	Usec  uint32 `json:"usec"`
	Type  string `json:"type"`
	Code  string `json:"code"`
	Value int32  `json:"value"`
}

func newOutInputEvent(ev DeviceEvent) outInputEvent {
	return outInputEvent{
		T:     "input_event",
		Sec:   ev.Sec,
		Usec:  ev.Usec,
		Type:  ev.TypeName(),
		Code:  ev.CodeName(),
		Value: ev.Value,
	}
}

type eventConn struct {
	conn *websocket.Conn
	cfg  ForwarderConfig
	mu   sync.Mutex // serialises writes (events vs pings)

	done      chan struct{}
	closeOnce sync.Once
	errC      chan error
}

func dialEventConn(ctx context.Context, cfg ForwarderConfig) (*eventConn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
	}
	conn, _, err := d.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	c := &eventConn{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
		errC: make(chan error, 1),
	}

	// The target never sends data; reads only exist to see pongs and close.
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.watchReads()
	go c.keepAlive()
	return c, nil
}

// Close is safe to call from any goroutine, and more than once. It unblocks
// a write stuck on a stalled peer.
func (c *eventConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *eventConn) Err() <-chan error { return c.errC }

func (c *eventConn) fail(err error) {
	select {
	case c.errC <- err:
	default:
	}
}

func (c *eventConn) watchReads() {
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *eventConn) keepAlive() {
	t := time.NewTicker(c.cfg.PingEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *eventConn) send(ev DeviceEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(newOutInputEvent(ev))
}

// Forwarder streams events to a WebSocket server.
type Forwarder struct {
	cfg    ForwarderConfig
	logger *slog.Logger

	events  chan DeviceEvent
	sent    atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

func StartForwarder(ctx context.Context, cfg ForwarderConfig, logger *slog.Logger) *Forwarder {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	f := &Forwarder{
		cfg:    cfg,
		logger: logger,
		events: make(chan DeviceEvent, cfg.QueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.loop(ctx)
	return f
}

// Publish queues ev for sending and drops it if the queue is full.
func (f *Forwarder) Publish(ev DeviceEvent) {
	select {
	case f.events <- ev:
	default:
		f.dropped.Add(1)
	}
}

func (f *Forwarder) Sent() int64 { return f.sent.Load() }

func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Close stops the forwarder and waits for its goroutine to exit. It returns
// the error that took the link down last, if the link was down at the time.
func (f *Forwarder) Close() error {
	f.cancel()
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *Forwarder) setErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}

func (f *Forwarder) dial(ctx context.Context) (*eventConn, error) {
	var c *eventConn
	err := retry.Do(
		func() error {
			conn, err := dialEventConn(ctx, f.cfg)
			if err != nil {
				return err
			}
			c = conn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.cfg.DialRetries),
		retry.Delay(f.cfg.RetryDelay),
		retry.MaxDelay(f.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug("forward dial failed", "url", f.cfg.URL, "attempt", n+1, "err", err)
		}),
	)
	return c, err
}

func (f *Forwarder) loop(ctx context.Context) {
	defer close(f.done)
	for {
		c, err := f.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.setErr(err)
			f.logger.Warn("forward target unreachable; dropping events until it comes back", "url", f.cfg.URL, "err", err)
			if !f.drain(ctx, f.cfg.MaxDelay) {
				return
			}
			continue
		}
		f.setErr(nil)
		f.logger.Debug("forward connected", "url", f.cfg.URL)

		// Shutdown closes the conn so a blocked write returns at once.
		stop := context.AfterFunc(ctx, c.Close)
		err = f.pump(ctx, c)
		stop()
		c.Close()
		if ctx.Err() != nil {
			return
		}
		f.setErr(err)
		f.logger.Warn("forward disconnected", "url", f.cfg.URL, "sent", f.sent.Load(), "dropped", f.dropped.Load(), "err", err)
	}
}

// pump writes queued events until the connection fails or ctx is done.
func (f *Forwarder) pump(ctx context.Context, c *eventConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.Err():
			return err
		case ev := <-f.events:
			if err := c.send(ev); err != nil {
				f.dropped.Add(1)
				return err
			}
			f.sent.Add(1)
		}
	}
}

// drain discards queued events for d while the link is down. It returns
// false once ctx is done.
func (f *Forwarder) drain(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-f.events:
			f.dropped.Add(1)
		}
	}
}
