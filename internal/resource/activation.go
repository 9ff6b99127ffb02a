package resource

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const activationPollInterval = 200 * time.Millisecond

// ErrNoSockets is returned by WaitActivity on an empty set.
var ErrNoSockets = errors.New("socket set is empty")

// WaitActivity blocks until a connection is pending on any socket of the set
// or ctx is done. Nothing is accepted: the pending connection stays in the
// kernel backlog for the process that is spawned in response.
func (s *SocketSet) WaitActivity(ctx context.Context) error {
	if len(s.sockets) == 0 {
		return ErrNoSockets
	}

	raws := make([]syscall.RawConn, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sc, ok := sock.listener.(syscall.Conn)
		if !ok {
			return fmt.Errorf("listener %s does not expose its descriptor", sock.Addr)
		}
		raw, err := sc.SyscallConn()
		if err != nil {
			return err
		}
		raws = append(raws, raw)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := pollReadable(raws, activationPollInterval)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

// pollReadable checks every descriptor once, splitting timeout between them.
func pollReadable(raws []syscall.RawConn, timeout time.Duration) (bool, error) {
	slice := int(timeout.Milliseconds()) / len(raws)
	if slice < 1 {
		slice = 1
	}
	for _, raw := range raws {
		var (
			n       int
			pollErr error
		)
		err := raw.Control(func(fd uintptr) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			for {
				n, pollErr = unix.Poll(fds, slice)
				if pollErr != unix.EINTR {
					return
				}
			}
		})
		if err != nil {
			return false, err
		}
		if pollErr != nil {
			return false, pollErr
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Personal.AI order the ending
