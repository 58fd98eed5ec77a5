package daemon

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/antonkrylov/shellpool/internal/daemon/sessionlog"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

// Session is one persistent shell. It is owned by the table; the
// dispatcher only borrows it.
type Session struct {
	name      string
	id        uuid.UUID
	startedAt time.Time

	pty    *os.File
	cmd    *exec.Cmd
	exit   *exitNotifier
	ctl    *controlChannel
	outlog *sessionlog.Writer
	logger *slog.Logger

	// attachMu is held by the connection currently streaming to this
	// session. A failed TryLock means Busy.
	attachMu sync.Mutex

	// mu guards the fields below and the spool. It is never held across
	// an engine run.
	mu      sync.Mutex
	client  net.Conn
	current *attachment
	spool   *outputSpool
	reader  *readerTask

	readerOnce sync.Once
	closeOnce  sync.Once
}

// attachment is the state shared between one engine run and the session's
// PTY reader.
type attachment struct {
	cid string
	// output carries PTY bytes to the engine's shell->client task.
	output chan []byte
	// stopped is closed when the engine stops consuming output.
	stopped  chan struct{}
	stopOnce sync.Once
	// released is closed once the session may be attached again.
	released chan struct{}
}

func newAttachment(cid string) *attachment {
	return &attachment{
		cid:      cid,
		output:   make(chan []byte, 16),
		stopped:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (a *attachment) stop() { a.stopOnce.Do(func() { close(a.stopped) }) }

// controlChannel lets dispatcher goroutines talk to a running engine.
// Both request channels are unbuffered rendezvous points and each request
// gets exactly one ack. mu keeps callers from interleaving.
type controlChannel struct {
	mu        sync.Mutex
	detach    chan struct{}
	detachAck chan struct{}
	resize    chan protocol.TtySize
	resizeAck chan error
}

func newControlChannel() *controlChannel {
	return &controlChannel{
		detach:    make(chan struct{}),
		detachAck: make(chan struct{}),
		resize:    make(chan protocol.TtySize),
		resizeAck: make(chan error),
	}
}

// readerTask copies the PTY master for the whole life of the session.
type readerTask struct {
	done chan struct{}
	err  error
}

func (r *readerTask) finished() bool {
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// join waits for the reader and returns its error.
func (r *readerTask) join() error {
	if r == nil {
		return nil
	}
	<-r.done
	return r.err
}

func (s *Session) Name() string { return s.name }

func (s *Session) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// install makes att the session's current attachment and returns the
// spool contents at that instant. Output read after this call is
// delivered to att.
func (s *Session) install(conn net.Conn, att *attachment) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = conn
	s.current = att
	return s.spool.Snapshot()
}

func (s *Session) uninstall(att *attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == att {
		s.current = nil
		s.client = nil
	}
}

func (s *Session) attachmentNow() *attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) readerFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.finished()
}

func (s *Session) readerDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	return s.reader.done
}

// startReader launches the PTY reader on first use.
func (s *Session) startReader() {
	s.readerOnce.Do(func() {
		r := &readerTask{done: make(chan struct{})}
		s.mu.Lock()
		s.reader = r
		s.mu.Unlock()
		go func() {
			defer close(r.done)
			r.err = s.pump()
		}()
	})
}

// joinReader waits for the reader to exit after the child is gone.
func (s *Session) joinReader() error {
	s.mu.Lock()
	r := s.reader
	s.mu.Unlock()
	return r.join()
}

func (s *Session) pump() error {
	buf := make([]byte, bufSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if s.outlog != nil {
				if lerr := s.outlog.Append(data); lerr != nil {
					s.logger.Warn("output log append failed", "err", lerr)
				}
			}
			s.mu.Lock()
			s.spool.Write(data)
			att := s.current
			s.mu.Unlock()
			if att != nil {
				select {
				case att.output <- data:
				case <-att.stopped:
				}
			}
		}
		if err != nil {
			if ptyClosed(err) {
				return nil
			}
			return err
		}
	}
}

// watch reaps the child and fires the exit notifier.
func (s *Session) watch() {
	err := s.cmd.Wait()
	status := exitStatus(s.cmd, err)
	s.logger.Info("child exited", "pid", s.Pid(), "status", status)
	s.exit.Notify(status)
}

func exitStatus(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState == nil {
		return 1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}

// resize applies size to the PTY. A zero geometry is ignored.
func (s *Session) resize(size protocol.TtySize) error {
	if size.Rows == 0 || size.Cols == 0 {
		return nil
	}
	return setWinsize(s.pty, size)
}

// kill terminates the child's process group and releases the PTY.
// Closing the master also wakes the reader when a background job that
// ignores SIGHUP still holds the tty open.
func (s *Session) kill() {
	if pid := s.Pid(); pid > 0 {
		if _, exited := s.exit.Wait(0); !exited {
			_ = unix.Kill(-pid, unix.SIGHUP)
			_ = unix.Kill(-pid, unix.SIGKILL)
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
	s.close()
}

// close releases the PTY master and output log. The caller must have
// removed the session from the table.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.pty != nil {
			_ = s.pty.Close()
		}
		if s.outlog != nil {
			if err := s.outlog.Close(); err != nil {
				s.logger.Warn("close output log", "err", err)
			}
		}
	})
}

// ptyClosed reports errors that mean the other side of the PTY is gone.
func ptyClosed(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF)
}
