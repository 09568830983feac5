package main

// Linux input plumbing:
// - open + validate an evdev node (EVIOCGVERSION)
// - non-blocking reads with a short poll when idle
// - parsing the input_event stream (16B vs 24B timeval size)

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
	"unsafe"

	"github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock means no event is buffered yet; poll again.
	ErrWouldBlock = errors.New("no input event available")
	// ErrResync means the kernel dropped events (SYN_DROPPED).
	ErrResync = errors.New("input stream needs resync")
)

// DeviceOpenError is returned when a path can't be opened as an evdev node.
type DeviceOpenError struct {
	Path string
	Err  error
}

func (e *DeviceOpenError) Error() string {
	return fmt.Sprintf("can't open %s as an input device: %v", e.Path, e.Err)
}

func (e *DeviceOpenError) Unwrap() error { return e.Err }

// DeviceEvent is one decoded struct input_event.
type DeviceEvent struct {
	Sec   uint64
	Usec  uint32
	Type  evdev.EvType
	Code  evdev.EvCode
	Value int32
}

// Timestamp returns the kernel timestamp as a duration since the epoch.
func (e DeviceEvent) Timestamp() time.Duration {
	return time.Duration(e.Sec)*time.Second + time.Duration(e.Usec)*time.Microsecond
}

func (e DeviceEvent) TypeName() string { return evdev.TypeName(e.Type) }

func (e DeviceEvent) CodeName() string { return evdev.CodeName(e.Type, e.Code) }

// EventSource yields input events one at a time.
// Besides real errors it returns ErrWouldBlock and ErrResync, which callers
// are expected to skip over.
type EventSource interface {
	NextEvent() (DeviceEvent, error)
}

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocRead = 2
)

func ioc(dir uint32, typ uint32, nr uint32, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

func evioCGVersion() uintptr {
	// EVIOCGVERSION = _IOR('E', 0x01, int)
	return ioc(iocRead, uint32('E'), uint32(0x01), uint32(unsafe.Sizeof(int32(0))))
}

func driverVersion(fd int) (int32, error) {
	var version int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGVersion(), uintptr(unsafe.Pointer(&version)))
	if errno != 0 {
		return 0, errno
	}
	return version, nil
}

// idlePoll bounds how long NextEvent waits on an idle device before
// reporting ErrWouldBlock.
const idlePoll = 10 * time.Millisecond

// Device is a non-blocking evdev reader.
type Device struct {
	path    string
	fd      int
	version int32

	buf    []byte
	parser inputParser
	queue  []DeviceEvent
}

// OpenDevice opens path read-only and non-blocking and checks that it speaks
// the evdev protocol.
func OpenDevice(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &DeviceOpenError{Path: path, Err: err}
	}
	version, err := driverVersion(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &DeviceOpenError{Path: path, Err: fmt.Errorf("EVIOCGVERSION: %w", err)}
	}
	d := newDevice(path, fd)
	d.version = version
	return d, nil
}

func newDevice(path string, fd int) *Device {
	return &Device{
		path:   path,
		fd:     fd,
		buf:    make([]byte, 64*eventSize),
		parser: inputParser{sz: eventSize},
	}
}

func (d *Device) Path() string { return d.path }

// DriverVersion returns the evdev protocol version as major, minor, micro.
func (d *Device) DriverVersion() (int, int, int) {
	return int(d.version >> 16), int((d.version >> 8) & 0xff), int(d.version & 0xff)
}

func (d *Device) NextEvent() (DeviceEvent, error) {
	if len(d.queue) == 0 {
		if err := d.fill(); err != nil {
			return DeviceEvent{}, err
		}
		if len(d.queue) == 0 {
			return DeviceEvent{}, ErrWouldBlock
		}
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	if ev.Type == evdev.EV_SYN && ev.Code == evdev.SYN_DROPPED {
		return DeviceEvent{}, ErrResync
	}
	return ev, nil
}

func (d *Device) fill() error {
	n, err := unix.Read(d.fd, d.buf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		d.wait()
		return ErrWouldBlock
	case err != nil:
		return fmt.Errorf("read %s: %w", d.path, err)
	case n == 0:
		return fmt.Errorf("read %s: %w", d.path, io.ErrUnexpectedEOF)
	}
	d.parser.feed(d.buf[:n], func(ev DeviceEvent) {
		d.queue = append(d.queue, ev)
	})
	return nil
}

// wait blocks until the fd is readable or idlePoll passes.
func (d *Device) wait() {
	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	_, _ = unix.Poll(pfd, int(idlePoll/time.Millisecond))
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// eventSize is sizeof(struct input_event): a timeval plus type, code, value.
const eventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

// inputParser parses Linux input_event structs from a stream.
// Kernel uses different struct size depending on timeval size (32-bit vs 64-bit).
type inputParser struct {
	buf []byte
	sz  int // 16 or 24
}

func (p *inputParser) feed(chunk []byte, cb func(DeviceEvent)) {
	p.buf = append(p.buf, chunk...)
	for len(p.buf) >= p.sz {
		raw := p.buf[:p.sz]
		p.buf = p.buf[p.sz:]
		cb(decodeEvent(raw))
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func decodeEvent(raw []byte) DeviceEvent {
	var (
		ev  DeviceEvent
		off int
	)
	if len(raw) == 24 {
		ev.Sec = binary.NativeEndian.Uint64(raw[0:8])
		ev.Usec = uint32(binary.NativeEndian.Uint64(raw[8:16]))
		off = 16
	} else {
		ev.Sec = uint64(binary.NativeEndian.Uint32(raw[0:4]))
		ev.Usec = binary.NativeEndian.Uint32(raw[4:8])
		off = 8
	}
	ev.Type = evdev.EvType(binary.NativeEndian.Uint16(raw[off : off+2]))
	ev.Code = evdev.EvCode(binary.NativeEndian.Uint16(raw[off+2 : off+4]))
	ev.Value = int32(binary.NativeEndian.Uint32(raw[off+4 : off+8]))
	return ev
}
