package daemon

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

// openPTY allocates a PTY pair. The master is registered with the runtime
// poller so Close interrupts a blocked Read. Calling Fd on it would put it
// back into blocking mode; use withFd instead.
func openPTY() (master, tty *os.File, err error) {
	m, tty, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = m.Close() }()

	// pty.Open used Fd on m, so m is blocking now. Hand out a fresh
	// non-blocking descriptor for the same master.
	var nfd int
	err = withFd(m, func(fd int) error {
		var derr error
		nfd, derr = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		return derr
	})
	if err != nil {
		_ = tty.Close()
		return nil, nil, fmt.Errorf("dup pty master: %w", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		_ = tty.Close()
		return nil, nil, fmt.Errorf("pty master nonblock: %w", err)
	}
	return os.NewFile(uintptr(nfd), m.Name()), tty, nil
}

// withFd runs fn with f's descriptor while holding a reference to it, so
// a concurrent Close cannot recycle the number underneath fn.
func withFd(f *os.File, fn func(fd int) error) error {
	if f == nil {
		return os.ErrInvalid
	}
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func setWinsize(f *os.File, size protocol.TtySize) error {
	return withFd(f, func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{
			Row:    size.Rows,
			Col:    size.Cols,
			Xpixel: size.XPixel,
			Ypixel: size.YPixel,
		})
	})
}

func getWinsize(f *os.File) (protocol.TtySize, error) {
	var size protocol.TtySize
	err := withFd(f, func(fd int) error {
		ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
		if err != nil {
			return err
		}
		size = protocol.TtySize{Rows: ws.Row, Cols: ws.Col, XPixel: ws.Xpixel, YPixel: ws.Ypixel}
		return nil
	})
	return size, err
}
