package serial

import (
	"context"

	"golang.org/x/sys/unix"
)

// wakePipe is a self-pipe whose read end sits in the relay's readiness set.
// Writing a byte to it wakes a poll that would otherwise block forever.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

// watch wakes the pipe once ctx is done. The returned stop function must be
// called before the pipe is closed; it waits for the watcher to exit.
func (wp *wakePipe) watch(ctx context.Context) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			unix.Write(wp.w, []byte{1})
		case <-quit:
		}
	}()
	return func() {
		close(quit)
		<-done
	}
}

func (wp *wakePipe) close() {
	unix.Close(wp.r)
	unix.Close(wp.w)
}
