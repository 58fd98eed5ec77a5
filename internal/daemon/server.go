// Package daemon implements the shellpool session daemon: the control
// socket, the session table and the per-attachment streaming engine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/shellpool/internal/config"
	"github.com/antonkrylov/shellpool/internal/daemon/sessionlog"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

const (
	headerTimeout = time.Second
	detachTimeout = 2 * time.Second
	ackWait       = time.Second
	stopWait      = 5 * time.Second
)

type Config struct {
	SocketPath string
	// LogDir holds session output logs when Config.OutputLog is set.
	LogDir string
	Config *config.Config

	Version string
	Logger  *slog.Logger
	// ResolveExe maps a peer pid to its executable. Defaults to /proc.
	ResolveExe func(pid int32) (string, error)
}

type Server struct {
	cfg Config

	table   *table
	reaper  *reaper
	logs    *sessionlog.Store
	selfExe string

	listener *net.UnixListener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = config.DefaultSocketPath()
	}
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(filepath.Dir(cfg.SocketPath), "logs")
	}
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.ResolveExe == nil {
		cfg.ResolveExe = procExe
	}

	s := &Server{cfg: cfg, table: newTable()}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		s.selfExe = exe
	}
	if cfg.Config.OutputLog {
		s.logs = sessionlog.New(cfg.LogDir)
	}
	s.reaper = newReaper(cfg.Logger.With("component", "reaper"), s.expire)
	return s, nil
}

// Start listens on the control socket and serves connections until ctx
// is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return err
	}
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = l.Close()
		return err
	}
	s.listener = l
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reaper.run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		<-s.ctx.Done()
		s.Stop()
	}()
	s.cfg.Logger.Info("listening", "socket", s.cfg.SocketPath, "version", s.cfg.Version)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and kills every remaining session.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		for _, sess := range s.table.drain() {
			s.cfg.Logger.Info("killing session on shutdown", "session", sess.name)
			sess.kill()
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopWait):
			s.cfg.Logger.Warn("connections still running after stop")
		}
	})
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Error("accept", "err", err)
			time.Sleep(pipePollInterval)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()
	cid := uuid.NewString()[:8]
	logger := s.cfg.Logger.With("cid", cid)
	defer recoverConn(logger)

	_ = conn.SetDeadline(time.Now().Add(headerTimeout))
	if err := protocol.WriteMessage(conn, &protocol.VersionHeader{Version: s.cfg.Version}); err != nil {
		logger.Debug("write version header", "err", err)
		return
	}
	header, err := protocol.ReadConnectHeader(conn)
	if err != nil {
		logger.Warn("read connect header", "err", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	warnings, err := s.checkPeer(conn)
	if err != nil {
		logger.Warn("rejecting connection", "err", err)
		if h, ok := header.(*protocol.AttachHeader); ok && errors.Is(err, ErrForbidden) {
			_ = writeReply(conn, &protocol.AttachReplyHeader{
				Status: protocol.StatusForbidden,
				Reason: err.Error(),
			})
			logger.Debug("forbidden attach", "session", h.Name)
		}
		return
	}
	for _, w := range warnings {
		logger.Warn("peer check", "warning", w)
	}

	switch h := header.(type) {
	case *protocol.AttachHeader:
		err = s.handleAttach(conn, h, warnings, cid, logger.With("session", h.Name))
	case *protocol.DetachRequest:
		err = writeReply(conn, s.handleDetach(h))
	case *protocol.KillRequest:
		err = writeReply(conn, s.handleKill(h))
	case *protocol.ListRequest:
		err = writeReply(conn, &protocol.ListReply{Sessions: s.table.list()})
	case *protocol.SessionMessageRequest:
		err = writeReply(conn, s.handleSessionMessage(h, logger))
	default:
		err = fmt.Errorf("%w: unhandled header %T", protocol.ErrProtocol, header)
	}
	if err != nil {
		logger.Error("handling connection", "err", err)
	}
}

// recoverConn stops a panic in one connection from taking down the daemon
// and every other session with it.
func recoverConn(logger *slog.Logger) {
	if r := recover(); r != nil {
		logger.Error("connection panicked", "panic", r, "stack", string(debug.Stack()))
	}
}

func writeReply(conn net.Conn, m protocol.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(headerTimeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	return protocol.WriteMessage(conn, m)
}

// removeStaleSocket deletes a socket file no daemon is answering on.
func removeStaleSocket(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if c, err := net.DialTimeout("unix", path, headerTimeout); err == nil {
		_ = c.Close()
		return fmt.Errorf("daemon already listening on %s", path)
	}
	return os.Remove(path)
}
