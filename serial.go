package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultBaudRate is the line speed used by the bridge.
const DefaultBaudRate = 115200

// Port is an open, configured serial device. ReadByte and WriteByte move
// exactly one byte per call and block without a timeout. A Port is owned by
// a single goroutine.
type Port struct {
	name      string
	fd        int
	file      *os.File
	closeOnce sync.Once
	closeErr  error
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device   string
	BaudRate int
}

// Open resolves, opens and configures the port described by cfg. The steps
// run in that order and the first failure is returned as an *OpError naming
// the step. A descriptor opened before a failing step is closed.
func Open(cfg Config) (*Port, error) {
	name, err := Resolve(cfg.Device)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, opError("open", err)
	}
	// Refuse other opens of the same tty while we hold it.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		unix.Close(fd)
		return nil, opError("open", err)
	}

	if err := configure(fd, cfg.BaudRate); err != nil {
		unix.Close(fd)
		return nil, opError("set baudrate", err)
	}

	// Turn back into blocking mode now that config is done
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, opError("open", err)
	}

	return &Port{
		name: name,
		fd:   fd,
		file: os.NewFile(uintptr(fd), name),
	}, nil
}

// configure puts the tty in raw 8N1 mode at the requested speed.
func configure(fd int, baudRate int) error {
	baud, ok := baudToUnix(baudRate)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, baudRate)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// One byte satisfies a read, no inter-byte timer.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// Name returns the device path the port was opened with.
func (p *Port) Name() string { return p.name }

// Fd returns the descriptor used for readiness waits.
func (p *Port) Fd() int { return p.fd }

// ReadByte reads exactly one byte from the port.
func (p *Port) ReadByte() (byte, error) {
	var b [1]byte
	n, err := p.file.Read(b[:])
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, opError("read port", err)
	}
	if n != 1 {
		return 0, opError("read port", ErrShortRead)
	}
	return b[0], nil
}

// WriteByte writes exactly one byte to the port.
func (p *Port) WriteByte(c byte) error {
	n, err := p.file.Write([]byte{c})
	if err != nil {
		return opError("write port", err)
	}
	if n != 1 {
		return opError("write port", ErrShortWrite)
	}
	return nil
}

// Drain blocks until everything written to the port has been transmitted.
func (p *Port) Drain() error {
	// TCSBRK with a non-zero argument is tcdrain(3).
	if err := unix.IoctlSetInt(p.fd, unix.TCSBRK, 1); err != nil {
		return opError("drain", err)
	}
	return nil
}

// Close releases the port. Safe to call multiple times; subsequent calls
// return the result of the first.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		_ = unix.IoctlSetInt(p.fd, unix.TIOCNXCL, 0)
		p.closeErr = p.file.Close()
	})
	return p.closeErr
}

func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return 0, false
	}
}
