package main

// evwatch entrypoint.
//
// Prints every event read from one /dev/input/event* node and quits on a
// double tap of Q. Code is split across:
// - linux_input.go: evdev open/validate + non-blocking input_event reader
// - terminal.go: echo toggle on the controlling tty
// - monitor.go: read loop + quit detector
// - ws_client.go: optional WebSocket forwarder (-forward)
// - util.go: logging helpers

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type appConfig struct {
	DevicePath string
	ForwardURL string
	QuitWindow time.Duration
	Debug      bool
}

var errUsage = errors.New("usage")

func parseArgs(args []string, stderr io.Writer) (appConfig, error) {
	cfg := appConfig{QuitWindow: defaultQuitWindow}

	prog := filepath.Base(os.Args[0])
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [flags] <event device path>\n", prog)
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.ForwardURL, "forward", "", "Optional WebSocket URL to stream events to as JSON (e.g. ws://127.0.0.1:8000/ws)")
	fs.DurationVar(&cfg.QuitWindow, "quit-window", cfg.QuitWindow, "Max gap between two Q presses that quits")
	fs.BoolVar(&cfg.Debug, "debug", false, "Log diagnostics (echo errors, dropped events, forwarder state) to stderr")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cfg, errUsage
	}
	if cfg.QuitWindow <= 0 {
		fmt.Fprintf(stderr, "invalid -quit-window %s: must be positive\n", cfg.QuitWindow)
		return cfg, errUsage
	}
	cfg.DevicePath = fs.Arg(0)
	return cfg, nil
}

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}

	dev, err := OpenDevice(cfg.DevicePath)
	if err != nil {
		fmt.Fprintf(stderr, "fatal: %v\n", err)
		return 1
	}

	logger := newLogger(stderr, cfg.Debug)
	major, minor, micro := dev.DriverVersion()
	logger.Debug("device opened", "path", dev.Path(), "evdev_version", fmt.Sprintf("%d.%d.%d", major, minor, micro))

	ctx, stop := notifyContext(context.Background())
	defer stop()

	m := newMonitor(dev, stdout, stderr, cfg.QuitWindow, logger)
	var fwd *Forwarder
	if cfg.ForwardURL != "" {
		fwd = StartForwarder(ctx, ForwarderConfig{URL: cfg.ForwardURL}, logger)
		m.sink = fwd
	}

	guard, err := acquireEchoGuard(ttyTermios{fd: unix.Stdin})
	if err != nil {
		logger.Debug("can't read terminal mode", "err", err)
	}

	reason := runSession(ctx, m, guard, stderr, logger)
	logger.Debug("stopped", "reason", reason.String(), "events", m.events)

	var closeErr error
	if fwd != nil {
		closeErr = multierr.Append(closeErr, fwd.Close())
		logger.Debug("forwarder closed", "sent", fwd.Sent(), "dropped", fwd.Dropped())
	}
	closeErr = multierr.Append(closeErr, dev.Close())
	if closeErr != nil {
		logger.Debug("teardown", "err", closeErr)
	}

	// Quit, read or write error and signal all end with status 0.
	return 0
}

// notifyContext is canceled on SIGINT/SIGTERM. SIGPIPE is caught too: left
// alone it would kill the process with echo still off, while caught it turns
// into EPIPE on the next stdout write.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)
}

// runSession silences echo, runs the monitor and restores echo. Echo is put
// back on every path out of here, panics included.
func runSession(ctx context.Context, m *monitor, guard *echoGuard, stderr io.Writer, logger *slog.Logger) stopReason {
	restore := func() {
		if err := guard.Restore(); err != nil {
			logger.Debug("can't restore terminal echo", "err", err)
		}
	}
	defer restore()

	if err := guard.Disable(); err != nil {
		logger.Debug("can't disable terminal echo", "err", err)
	}

	fmt.Fprintln(stderr, "Press Q twice to quit...")
	reason := m.run(ctx)
	fmt.Fprintln(stderr, "Exiting...")

	restore()
	return reason
}
