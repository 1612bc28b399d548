package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Device is the port side of a relay. *Port implements it.
type Device interface {
	io.ByteReader
	io.ByteWriter
	Drain() error
	Fd() int
}

// Stats counts the bytes a relay moved through the port. Sent includes the
// carriage returns inserted before line feeds.
type Stats struct {
	Sent     int64
	Received int64
}

// Relay copies bytes between a console and a serial device one byte at a
// time. Console line feeds go out as CR LF; bytes from the device are written
// to the console untouched.
type Relay struct {
	port  Device
	in    *os.File
	out   io.Writer
	trace io.Writer
	log   *slog.Logger
	stats Stats
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithTrace makes the relay describe every byte on w as "source: (0xHH) 'c'"
// lines. Bytes received from the device are then traced instead of being
// written to the console.
func WithTrace(w io.Writer) RelayOption {
	return func(r *Relay) { r.trace = w }
}

// WithLogger sets the logger used for session events.
func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// NewRelay returns a relay between port and the console formed by in and out.
func NewRelay(port Device, in *os.File, out io.Writer, opts ...RelayOption) *Relay {
	r := &Relay{
		port: port,
		in:   in,
		out:  out,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stats returns the byte counts of the last Run.
func (r *Relay) Stats() Stats { return r.stats }

// Run relays until ctx is cancelled or a transfer fails. Cancellation is the
// normal way to stop and makes Run return nil; any other return is an
// *OpError naming the failed operation.
//
// Run blocks without a timeout on both sources. When both are ready in the
// same pass the console byte is sent first.
func (r *Relay) Run(ctx context.Context) (err error) {
	r.stats = Stats{}

	wp, err := newWakePipe()
	if err != nil {
		return opError("wake pipe", err)
	}
	stop := wp.watch(ctx)
	defer func() {
		stop()
		wp.close()
		r.log.Info("relay.stopped", "sent", r.stats.Sent, "received", r.stats.Received, "error", err)
	}()

	pfd := []unix.PollFd{
		{Fd: int32(r.in.Fd()), Events: unix.POLLIN},
		{Fd: int32(r.port.Fd()), Events: unix.POLLIN},
		{Fd: int32(wp.r), Events: unix.POLLIN},
	}
	r.log.Info("relay.started", "console_fd", pfd[0].Fd, "port_fd", pfd[1].Fd)

	for {
		if _, err := unix.Poll(pfd, -1); err != nil {
			// The Go runtime's own signals interrupt poll too, so only a
			// cancelled context ends the session here.
			if errors.Is(err, unix.EINTR) {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			return opError("poll", err)
		}

		if pfd[2].Revents != 0 {
			return nil
		}

		if pfd[0].Revents != 0 {
			eof, err := r.outbound()
			if err != nil {
				return err
			}
			if eof {
				// Negative descriptors are ignored by poll.
				r.log.Info("relay.console_eof")
				pfd[0].Fd = -1
				pfd[0].Revents = 0
			}
		}

		if pfd[1].Revents != 0 {
			if err := r.inbound(); err != nil {
				return err
			}
		}
	}
}

// outbound moves one console byte to the port.
func (r *Relay) outbound() (eof bool, err error) {
	var b [1]byte
	n, err := r.in.Read(b[:])
	if errors.Is(err, io.EOF) || (err == nil && n == 0) {
		return true, nil
	}
	if err != nil {
		return false, opError("read console", err)
	}

	c := b[0]
	r.traceByte("stdin", c)

	if c == '\n' {
		if err := r.port.WriteByte('\r'); err != nil {
			return false, asOpError("write port", err)
		}
		r.stats.Sent++
	}
	if err := r.port.WriteByte(c); err != nil {
		return false, asOpError("write port", err)
	}
	r.stats.Sent++

	if err := r.port.Drain(); err != nil {
		return false, asOpError("drain", err)
	}
	return false, nil
}

// inbound moves one port byte to the console.
func (r *Relay) inbound() error {
	c, err := r.port.ReadByte()
	if err != nil {
		return asOpError("read port", err)
	}
	r.stats.Received++

	if r.trace != nil {
		r.traceByte("port", c)
		return nil
	}

	if _, err := r.out.Write([]byte{c}); err != nil {
		return opError("write console", err)
	}
	if f, ok := r.out.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return opError("flush console", err)
		}
	}
	return nil
}

func (r *Relay) traceByte(source string, c byte) {
	if r.trace == nil {
		return
	}
	fmt.Fprintf(r.trace, "%s: (0x%02X) %q\n", source, c, rune(c))
}

// asOpError keeps an existing *OpError and wraps anything else under op.
func asOpError(op string, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return opError(op, err)
}
