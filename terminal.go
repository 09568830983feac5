package main

// Terminal echo handling for the controlling tty.
//
// Only the ECHO local flag is ever touched. Changes are applied with TCSETSF so
// whatever was typed before the switch is flushed instead of echoed later.

import (
	"golang.org/x/sys/unix"
)

type termiosAccess interface {
	get() (*unix.Termios, error)
	set(t *unix.Termios) error
}

type ttyTermios struct{ fd int }

func (t ttyTermios) get() (*unix.Termios, error) {
	return unix.IoctlGetTermios(t.fd, unix.TCGETS)
}

func (t ttyTermios) set(tio *unix.Termios) error {
	return unix.IoctlSetTermios(t.fd, unix.TCSETSF, tio)
}

func echoEnabled(tio termiosAccess) (bool, error) {
	t, err := tio.get()
	if err != nil {
		return false, err
	}
	return t.Lflag&unix.ECHO != 0, nil
}

// setEcho turns local echo on or off. It is a no-op when the flag already
// has the requested value.
func setEcho(tio termiosAccess, enable bool) error {
	t, err := tio.get()
	if err != nil {
		return err
	}
	enabled := t.Lflag&unix.ECHO != 0
	switch {
	case !enabled && enable:
		t.Lflag |= unix.ECHO
	case enabled && !enable:
		t.Lflag &^= unix.ECHO
	default:
		return nil
	}
	return tio.set(t)
}

// echoGuard remembers the echo state seen when it was acquired and puts it
// back once. Errors are returned so callers can log them; none of them are
// meant to stop the program.
type echoGuard struct {
	tio      termiosAccess
	saved    bool
	restored bool
}

// acquireEchoGuard captures the current echo state. If it can't be read the
// guard still works and Restore falls back to enabling echo.
func acquireEchoGuard(tio termiosAccess) (*echoGuard, error) {
	g := &echoGuard{tio: tio, saved: true}
	enabled, err := echoEnabled(tio)
	if err != nil {
		return g, err
	}
	g.saved = enabled
	return g, nil
}

func (g *echoGuard) Disable() error {
	return setEcho(g.tio, false)
}

func (g *echoGuard) Restore() error {
	if g.restored {
		return nil
	}
	g.restored = true
	return setEcho(g.tio, g.saved)
}
