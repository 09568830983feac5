package main

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/holoplot/go-evdev"
	"go.viam.com/test"
	"golang.org/x/sys/unix"
)

func encodeEvent(ev DeviceEvent) []byte {
	raw := make([]byte, eventSize)
	off := 8
	if eventSize == 24 {
		binary.NativeEndian.PutUint64(raw[0:8], ev.Sec)
		binary.NativeEndian.PutUint64(raw[8:16], uint64(ev.Usec))
		off = 16
	} else {
		binary.NativeEndian.PutUint32(raw[0:4], uint32(ev.Sec))
		binary.NativeEndian.PutUint32(raw[4:8], ev.Usec)
	}
	binary.NativeEndian.PutUint16(raw[off:off+2], uint16(ev.Type))
	binary.NativeEndian.PutUint16(raw[off+2:off+4], uint16(ev.Code))
	binary.NativeEndian.PutUint32(raw[off+4:off+8], uint32(ev.Value))
	return raw
}

func TestParserRoundTripsSplitChunks(t *testing.T) {
	want := []DeviceEvent{
		{Sec: 1712345678, Usec: 123456, Type: evdev.EV_KEY, Code: evdev.KEY_Q, Value: 1},
		{Sec: 1712345678, Usec: 123456, Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
		{Sec: 1712345679, Usec: 7, Type: evdev.EV_REL, Code: evdev.REL_X, Value: -12},
	}
	var stream []byte
	for _, ev := range want {
		stream = append(stream, encodeEvent(ev)...)
	}

	p := inputParser{sz: eventSize}
	var got []DeviceEvent
	collect := func(ev DeviceEvent) { got = append(got, ev) }

	// Feed in odd-sized pieces so records straddle chunk boundaries.
	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		p.feed(stream[:n], collect)
		stream = stream[n:]
	}
	test.That(t, got, test.ShouldResemble, want)
	test.That(t, len(p.buf), test.ShouldEqual, 0)
}

func TestTimestamp(t *testing.T) {
	ev := DeviceEvent{Sec: 3, Usec: 250_000}
	test.That(t, ev.Timestamp().Milliseconds(), test.ShouldEqual, int64(3250))
}

func TestOpenDeviceErrors(t *testing.T) {
	_, err := OpenDevice(filepath.Join(t.TempDir(), "missing"))
	var openErr *DeviceOpenError
	test.That(t, errors.As(err, &openErr), test.ShouldBeTrue)
	test.That(t, errors.Is(err, unix.ENOENT), test.ShouldBeTrue)

	// A regular file has no evdev ioctls.
	path := filepath.Join(t.TempDir(), "event0")
	test.That(t, os.WriteFile(path, make([]byte, 48), 0o600), test.ShouldBeNil)
	_, err = OpenDevice(path)
	test.That(t, errors.As(err, &openErr), test.ShouldBeTrue)
	test.That(t, openErr.Path, test.ShouldEqual, path)
	test.That(t, errors.Is(err, unix.ENOTTY), test.ShouldBeTrue)
}

func newPipeDevice(t *testing.T) (*Device, *os.File) {
	t.Helper()
	var fds [2]int
	test.That(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC), test.ShouldBeNil)
	d := newDevice("pipe", fds[0])
	t.Cleanup(func() { _ = d.Close() })
	return d, os.NewFile(uintptr(fds[1]), "pipe-w")
}

func TestDeviceOutcomes(t *testing.T) {
	d, w := newPipeDevice(t)

	_, err := d.NextEvent()
	test.That(t, errors.Is(err, ErrWouldBlock), test.ShouldBeTrue)

	press := DeviceEvent{Sec: 100, Usec: 5, Type: evdev.EV_KEY, Code: evdev.KEY_Q, Value: 1}
	dropped := DeviceEvent{Sec: 100, Usec: 6, Type: evdev.EV_SYN, Code: evdev.SYN_DROPPED}
	report := DeviceEvent{Sec: 100, Usec: 7, Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}
	buf := append(append(encodeEvent(press), encodeEvent(dropped)...), encodeEvent(report)...)
	_, err = w.Write(buf)
	test.That(t, err, test.ShouldBeNil)

	ev, err := d.NextEvent()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ev, test.ShouldResemble, press)

	_, err = d.NextEvent()
	test.That(t, errors.Is(err, ErrResync), test.ShouldBeTrue)

	ev, err = d.NextEvent()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ev, test.ShouldResemble, report)

	_, err = d.NextEvent()
	test.That(t, errors.Is(err, ErrWouldBlock), test.ShouldBeTrue)

	test.That(t, w.Close(), test.ShouldBeNil)
	_, err = d.NextEvent()
	test.That(t, errors.Is(err, io.ErrUnexpectedEOF), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrWouldBlock), test.ShouldBeFalse)
}

func TestDeviceCloseTwice(t *testing.T) {
	d, w := newPipeDevice(t)
	defer w.Close()
	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, d.Close(), test.ShouldBeNil)
}
