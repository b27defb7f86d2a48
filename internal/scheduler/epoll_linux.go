//go:build linux

package scheduler

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux eventBackend implementation: epoll's
// level-triggered readiness API plays the role kqueue plays in the
// original Scheduler/KeventScheduler split.
type epollBackend struct {
	epfd int
}

func newDefaultBackend() (eventBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{epfd: epfd}, nil
}

func (b *epollBackend) WatchFD(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}
	return nil
}

func (b *epollBackend) UnwatchFD(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

func (b *epollBackend) WaitForEvents(timeout time.Duration) ([]int, bool) {
	ms := int(timeout.Milliseconds())
	if timeout > 0 && ms == 0 {
		ms = 1
	}

	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(b.epfd, events[:], ms)
	for err == unix.EINTR {
		n, err = unix.EpollWait(b.epfd, events[:], ms)
	}
	if err != nil || n <= 0 {
		return nil, false
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, int(events[i].Fd))
	}
	return ready, true
}

func (b *epollBackend) Close() error {
	if err := unix.Close(b.epfd); err != nil {
		return fmt.Errorf("close epoll fd: %w", err)
	}
	return nil
}

func newPipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, fmt.Errorf("pipe2: %w", err)
	}
	return fds[0], fds[1], nil
}

func writeOneByte(fd int) error {
	_, err := unix.Write(fd, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("write signal byte: %w", err)
	}
	return nil
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
