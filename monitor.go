package main

// Event loop + quit detector.
//
// Every event read from the device is printed. A Q press (value 1) that lands
// within the quit window of the previous Q press stops the loop.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/holoplot/go-evdev"
)

const defaultQuitWindow = 200 * time.Millisecond

type stopReason int

const (
	stopQuit stopReason = iota
	stopReadError
	stopWriteError
	stopCanceled
)

func (r stopReason) String() string {
	switch r {
	case stopQuit:
		return "quit"
	case stopReadError:
		return "read error"
	case stopWriteError:
		return "write error"
	case stopCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("stopReason(%d)", int(r))
	}
}

// quitDetector recognises a double tap on KEY_Q. The first press only arms it.
type quitDetector struct {
	window    time.Duration
	lastPress time.Duration
	armed     bool
}

func newQuitDetector(window time.Duration) quitDetector {
	if window <= 0 {
		window = defaultQuitWindow
	}
	return quitDetector{window: window}
}

// observe reports whether ev completes the gesture. Only presses re-arm it.
func (q *quitDetector) observe(ev DeviceEvent) bool {
	if ev.Type != evdev.EV_KEY || ev.Code != evdev.KEY_Q || ev.Value != 1 {
		return false
	}
	stamp := ev.Timestamp()
	// A stamp older than the last press is a clock step, not a double tap.
	if q.armed && stamp >= q.lastPress && stamp-q.lastPress < q.window {
		return true
	}
	q.lastPress = stamp
	q.armed = true
	return false
}

// eventSink receives a copy of every printed event. It must not block.
type eventSink interface {
	Publish(ev DeviceEvent)
}

type monitor struct {
	src    EventSource
	stdout io.Writer
	stderr io.Writer
	sink   eventSink
	logger *slog.Logger

	quit   quitDetector
	events int64
}

func newMonitor(src EventSource, stdout, stderr io.Writer, window time.Duration, logger *slog.Logger) *monitor {
	return &monitor{
		src:    src,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		quit:   newQuitDetector(window),
	}
}

func formatEvent(ev DeviceEvent) string {
	return fmt.Sprintf("%012d.%-9d %-12s %-24s %d", ev.Sec, ev.Usec, ev.TypeName(), ev.CodeName(), ev.Value)
}

// run pulls events until the quit gesture, a fatal read or write error, or
// ctx is done.
func (m *monitor) run(ctx context.Context) stopReason {
	for {
		if ctx.Err() != nil {
			return stopCanceled
		}

		ev, err := m.src.NextEvent()
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			if errors.Is(err, ErrResync) {
				m.logger.Debug("input events dropped by kernel", "after_events", m.events)
				continue
			}
			fmt.Fprintf(m.stderr, "an error has occurred: %v\n", err)
			return stopReadError
		}

		m.events++
		if _, err := fmt.Fprintln(m.stdout, formatEvent(ev)); err != nil {
			// Usually EPIPE: whoever read our stdout is gone.
			fmt.Fprintf(m.stderr, "an error has occurred: can't write output: %v\n", err)
			return stopWriteError
		}
		if m.sink != nil {
			m.sink.Publish(ev)
		}

		if m.quit.observe(ev) {
			return stopQuit
		}
	}
}
