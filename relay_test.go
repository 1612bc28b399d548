package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// lockedBuffer is a console sink shared between the relay goroutine and the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingDevice logs every port call in order.
type recordingDevice struct {
	*Port

	mu    sync.Mutex
	calls []string

	writeErr error
	drainErr error
}

func (d *recordingDevice) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *recordingDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *recordingDevice) ReadByte() (byte, error) {
	c, err := d.Port.ReadByte()
	d.record(fmt.Sprintf("read %q", c))
	return c, err
}

func (d *recordingDevice) WriteByte(c byte) error {
	d.record(fmt.Sprintf("write %q", c))
	if d.writeErr != nil {
		return d.writeErr
	}
	return d.Port.WriteByte(c)
}

func (d *recordingDevice) Drain() error {
	d.record("drain")
	if d.drainErr != nil {
		return d.drainErr
	}
	return d.Port.Drain()
}

type harness struct {
	master  *os.File // the peripheral's end of the port
	dev     *recordingDevice
	console *os.File // operator keystrokes go in here
	in      *os.File
	out     *lockedBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	master, port := openPTY(t)

	in, console, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { in.Close(); console.Close() })

	return &harness{
		master:  master,
		dev:     &recordingDevice{Port: port},
		console: console,
		in:      in,
		out:     &lockedBuffer{},
	}
}

// start runs a relay in the background. The returned stop function cancels
// it and returns Run's result.
func (h *harness) start(t *testing.T, opts ...RelayOption) (*Relay, func() error) {
	t.Helper()

	relay := NewRelay(h.dev, h.in, h.out, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-errCh:
			case <-time.After(time.Second):
				t.Fatal("relay did not stop after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return relay, stop
}

func (h *harness) typeKeys(t *testing.T, s string) {
	t.Helper()
	_, err := h.console.Write([]byte(s))
	require.NoError(t, err)
}

func waitForCalls(t *testing.T, d *recordingDevice, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(d.Calls()) >= n }, time.Second, 5*time.Millisecond)
	return d.Calls()
}

func TestRelay_InterruptBeforeIO(t *testing.T) {
	h := newHarness(t)
	relay, stop := h.start(t)

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, stop())
	require.Empty(t, h.dev.Calls())
	require.Equal(t, Stats{}, relay.Stats())
}

func TestRelay_AlreadyCancelled(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewRelay(h.dev, h.in, h.out).Run(ctx))
}

func TestRelay_PlainBytesWrittenOnceAndDrained(t *testing.T) {
	h := newHarness(t)
	relay, stop := h.start(t)

	h.typeKeys(t, "ab\x1b")

	require.Equal(t, []byte("ab\x1b"), readN(t, h.master, 3))
	calls := waitForCalls(t, h.dev, 6)
	require.NoError(t, stop())

	require.Equal(t, []string{
		`write 'a'`, "drain",
		`write 'b'`, "drain",
		`write '\x1b'`, "drain",
	}, calls)
	require.Equal(t, int64(3), relay.Stats().Sent)
}

func TestRelay_LineFeedGoesOutAsCRLF(t *testing.T) {
	h := newHarness(t)
	relay, stop := h.start(t)

	h.typeKeys(t, "hi\n")

	require.Equal(t, []byte("hi\r\n"), readN(t, h.master, 4))
	calls := waitForCalls(t, h.dev, 7)
	require.NoError(t, stop())

	// One drain per console byte: after the line feed, not between CR and LF.
	require.Equal(t, []string{
		`write 'h'`, "drain",
		`write 'i'`, "drain",
		`write '\r'`, `write '\n'`, "drain",
	}, calls)
	require.Equal(t, int64(4), relay.Stats().Sent)
}

func TestRelay_InboundIsVerbatim(t *testing.T) {
	h := newHarness(t)
	relay, stop := h.start(t)

	sent := "ok\r\n\x00\x1b[0m\n"
	_, err := h.master.Write([]byte(sent))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.out.String() == sent }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	require.Equal(t, int64(len(sent)), relay.Stats().Received)
	require.Zero(t, relay.Stats().Sent)
}

func TestRelay_EchoRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		typed string
		wire  string
	}{
		{"no line feed", "hello, world", "hello, world"},
		{"hi scenario", "hi\n", "hi\r\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)

			// An idealised peripheral: echo every byte straight back.
			var g errgroup.Group
			var seen []byte
			g.Go(func() error {
				for range len(c.wire) {
					var b [1]byte
					if _, err := h.master.Read(b[:]); err != nil {
						return err
					}
					seen = append(seen, b[0])
					if _, err := h.master.Write(b[:]); err != nil {
						return err
					}
				}
				return nil
			})

			relay, stop := h.start(t)
			h.typeKeys(t, c.typed)

			require.Eventually(t, func() bool { return h.out.String() == c.wire }, time.Second, 5*time.Millisecond)
			require.NoError(t, g.Wait())
			require.NoError(t, stop())

			require.Equal(t, c.wire, string(seen))
			require.Equal(t, Stats{Sent: int64(len(c.wire)), Received: int64(len(c.wire))}, relay.Stats())
		})
	}
}

func TestRelay_OutboundBeforeInboundInOnePass(t *testing.T) {
	h := newHarness(t)

	h.typeKeys(t, "q")
	_, err := h.master.Write([]byte("r"))
	require.NoError(t, err)

	// Wait until the tty has the byte queued so both sources are ready
	// on the relay's first poll.
	pfd := []unix.PollFd{{Fd: int32(h.dev.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, stop := h.start(t)
	calls := waitForCalls(t, h.dev, 3)
	require.NoError(t, stop())

	require.Equal(t, []string{`write 'q'`, "drain", `read 'r'`}, calls)
}

func TestRelay_ConsoleEOFKeepsInbound(t *testing.T) {
	h := newHarness(t)
	_, stop := h.start(t)

	h.typeKeys(t, "x")
	require.NoError(t, h.console.Close())
	require.Equal(t, []byte("x"), readN(t, h.master, 1))

	_, err := h.master.Write([]byte("still here"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.out.String() == "still here" }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestRelay_PortHangupIsFatal(t *testing.T) {
	h := newHarness(t)
	relay := NewRelay(h.dev, h.in, h.out)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(context.Background()) }()

	require.NoError(t, h.master.Close())

	select {
	case err := <-errCh:
		requireOp(t, err, "read port")
	case <-time.After(time.Second):
		t.Fatal("relay kept running after the port hung up")
	}
}

func TestRelay_WriteFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.dev.writeErr = errors.New("boom")
	relay := NewRelay(h.dev, h.in, h.out)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(context.Background()) }()

	h.typeKeys(t, "a")

	select {
	case err := <-errCh:
		requireOp(t, err, "write port")
		require.EqualError(t, err, "write port: boom")
	case <-time.After(time.Second):
		t.Fatal("relay kept running after a failed write")
	}
	require.Equal(t, []string{`write 'a'`}, h.dev.Calls())
}

func TestRelay_DrainFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.dev.drainErr = unix.EIO
	relay := NewRelay(h.dev, h.in, h.out)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(context.Background()) }()

	h.typeKeys(t, "\n")

	select {
	case err := <-errCh:
		requireOp(t, err, "drain")
		require.ErrorIs(t, err, unix.EIO)
	case <-time.After(time.Second):
		t.Fatal("relay kept running after a failed drain")
	}
	require.Equal(t, []string{`write '\r'`, `write '\n'`, "drain"}, h.dev.Calls())
}

func TestRelay_ConsoleReadFailureIsFatal(t *testing.T) {
	h := newHarness(t)

	// A directory always polls readable and fails every read.
	dir, err := os.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	relay := NewRelay(h.dev, dir, h.out)

	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(context.Background()) }()

	select {
	case err := <-errCh:
		requireOp(t, err, "read console")
		require.ErrorIs(t, err, unix.EISDIR)
	case <-time.After(time.Second):
		t.Fatal("relay kept running after a failed console read")
	}
	require.Empty(t, h.dev.Calls())
}

func TestRelay_Trace(t *testing.T) {
	h := newHarness(t)
	trace := &lockedBuffer{}
	_, stop := h.start(t, WithTrace(trace))

	h.typeKeys(t, "A")
	require.Equal(t, []byte("A"), readN(t, h.master, 1))

	_, err := h.master.Write([]byte("\r"))
	require.NoError(t, err)

	want := "stdin: (0x41) 'A'\nport: (0x0D) '\\r'\n"
	require.Eventually(t, func() bool { return trace.String() == want }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	// Traced port bytes replace raw output.
	require.Empty(t, h.out.String())
}
