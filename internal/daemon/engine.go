package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

const (
	heartbeatInterval  = 500 * time.Millisecond
	joinPollInterval   = 100 * time.Millisecond
	pipePollInterval   = 100 * time.Millisecond
	supervisorPoll     = 300 * time.Millisecond
	rpcPoll            = 300 * time.Millisecond
	ackSendTimeout     = 300 * time.Millisecond
	childExitGrace     = time.Second
	clientWriteTimeout = 10 * time.Second
	bufSize            = 16 * 1024
)

// ErrChannelTimeout is returned when a control-channel peer stops
// answering.
var ErrChannelTimeout = errors.New("control channel timeout")

// engine serves one attachment: it moves bytes between the client and the
// shell until either side goes away.
type engine struct {
	sess *Session
	conn net.Conn
	att  *attachment

	// writeMu serializes frames written to conn.
	writeMu sync.Mutex

	stop      atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	childDone atomic.Bool
}

// bidiStream runs the engine's five tasks and joins all of them before
// returning. It reports whether the child exited.
func (s *Session) bidiStream(conn net.Conn, att *attachment, size protocol.TtySize, logger *slog.Logger) (bool, error) {
	e := &engine{
		sess:   s,
		conn:   conn,
		att:    att,
		stopCh: make(chan struct{}),
	}
	if err := s.resize(size); err != nil {
		logger.Warn("apply attach tty size", "err", err)
	}

	var g taskGroup
	for _, t := range []struct {
		name string
		fn   func(*slog.Logger) error
	}{
		{"client_to_shell", e.clientToShell},
		{"shell_to_client", e.shellToClient},
		{"heartbeat", e.heartbeat},
		{"supervisor", e.supervisor},
		{"rpc", e.rpc},
	} {
		fn, tl := t.fn, logger.With("task", t.name)
		g.Go(t.name, func() error { return fn(tl) })
	}

	for !e.childDone.Load() && !g.AnyFinished() {
		time.Sleep(joinPollInterval)
	}
	e.requestStop()
	err := g.Join()

	childDone := e.childDone.Load()
	if childDone {
		status, _ := s.exit.Wait(0)
		if werr := e.writeChunk(protocol.ExitStatusChunk(status)); werr != nil && !clientGone(werr) {
			logger.Debug("write exit status", "err", werr)
		}
		if c, ok := conn.(interface {
			CloseRead() error
			CloseWrite() error
		}); ok {
			_ = c.CloseWrite()
			_ = c.CloseRead()
		}
	}
	return childDone, err
}

func (e *engine) requestStop() {
	e.stopOnce.Do(func() {
		e.stop.Store(true)
		close(e.stopCh)
		e.att.stop()
	})
}

func (e *engine) writeChunk(c protocol.Chunk) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	_, err := e.conn.Write(c.Encode())
	return err
}

func (e *engine) clientToShell(logger *slog.Logger) error {
	buf := make([]byte, bufSize)
	for !e.stop.Load() {
		_ = e.conn.SetReadDeadline(time.Now().Add(pipePollInterval))
		n, err := e.conn.Read(buf)
		if n > 0 {
			if _, werr := e.sess.pty.Write(buf[:n]); werr != nil {
				if ptyClosed(werr) {
					return nil
				}
				return fmt.Errorf("write pty: %w", werr)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
		case n == 0 && errors.Is(err, io.EOF):
			// The peer may only have half-closed; the heartbeat notices a real hangup.
			time.Sleep(pipePollInterval)
		default:
			if e.stop.Load() {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}
	}
	return nil
}

func (e *engine) shellToClient(logger *slog.Logger) error {
	readerDone := e.sess.readerDone()
	for {
		select {
		case data := <-e.att.output:
			if err := e.sendData(data, logger); err != nil {
				return err
			}
		case <-readerDone:
			if err := e.drain(logger); err != nil {
				return err
			}
			if _, ok := e.sess.exit.Wait(childExitGrace); ok {
				e.childDone.Store(true)
			}
			return nil
		case <-e.stopCh:
			if e.childDone.Load() {
				return e.drain(logger)
			}
			return nil
		case <-time.After(pipePollInterval):
			if e.stop.Load() {
				return nil
			}
		}
	}
}

// drain forwards output the reader queued before it exited.
func (e *engine) drain(logger *slog.Logger) error {
	for {
		select {
		case data := <-e.att.output:
			if err := e.sendData(data, logger); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (e *engine) sendData(data []byte, logger *slog.Logger) error {
	err := e.writeChunk(protocol.Chunk{Kind: protocol.ChunkData, Buf: data})
	if err == nil {
		return nil
	}
	if clientGone(err) {
		logger.Debug("client hung up during output")
		return nil
	}
	return fmt.Errorf("write client: %w", err)
}

func (e *engine) heartbeat(logger *slog.Logger) error {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for !e.stop.Load() {
		select {
		case <-e.stopCh:
			return nil
		case <-t.C:
		}
		if err := e.writeChunk(protocol.HeartbeatChunk); err != nil {
			if clientGone(err) {
				logger.Debug("client hung up")
				return nil
			}
			return fmt.Errorf("write heartbeat: %w", err)
		}
	}
	return nil
}

func (e *engine) supervisor(logger *slog.Logger) error {
	for !e.stop.Load() {
		if status, ok := e.sess.exit.Wait(supervisorPoll); ok {
			logger.Info("child done", "status", status)
			// Let the reader hand over the shell's last output first.
			select {
			case <-e.sess.readerDone():
			case <-time.After(childExitGrace):
			}
			e.childDone.Store(true)
			return nil
		}
	}
	return nil
}

func (e *engine) rpc(logger *slog.Logger) error {
	ctl := e.sess.ctl
	for !e.stop.Load() {
		select {
		case size := <-ctl.resize:
			err := e.sess.resize(size)
			if err != nil {
				logger.Warn("resize pty", "err", err)
			}
			if err := sendWithTimeout(ctl.resizeAck, err); err != nil {
				return fmt.Errorf("resize ack: %w", err)
			}
		case <-ctl.detach:
			logger.Info("detach requested")
			if err := sendWithTimeout(ctl.detachAck, struct{}{}); err != nil {
				return fmt.Errorf("detach ack: %w", err)
			}
			return nil
		case <-e.stopCh:
			return nil
		case <-time.After(rpcPoll):
		}
	}
	return nil
}

func sendWithTimeout[T any](ch chan<- T, v T) error {
	t := time.NewTimer(ackSendTimeout)
	defer t.Stop()
	select {
	case ch <- v:
		return nil
	case <-t.C:
		return ErrChannelTimeout
	}
}

func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed)
}
