package daemon

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/shellpool/internal/config"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

func (s *Server) handleAttach(conn net.Conn, h *protocol.AttachHeader, warnings []string, cid string, logger *slog.Logger) error {
	if err := protocol.ValidateSessionName(h.Name); err != nil {
		return writeReply(conn, &protocol.AttachReplyHeader{
			Status: protocol.StatusUnexpectedError,
			Reason: err.Error(),
		})
	}

	var (
		sess     *Session
		replaced *Session
		spawnErr error
		status   = protocol.StatusAttached
	)
	s.table.withLock(func(m map[string]*Session) {
		if cur, ok := m[h.Name]; ok {
			if !cur.attachMu.TryLock() {
				status = protocol.StatusBusy
				return
			}
			if code, exited := cur.exit.Wait(0); exited {
				logger.Info("stale session, child already exited", "status", code)
				status = protocol.StatusCreated
			} else if cur.readerFinished() {
				logger.Warn("reader exited before child, replacing session")
				status = protocol.StatusCreated
			}
			if status == protocol.StatusCreated {
				cur.attachMu.Unlock()
				replaced = cur
				delete(m, h.Name)
			} else {
				sess = cur
			}
		} else {
			status = protocol.StatusCreated
		}

		if status == protocol.StatusCreated {
			fresh, err := s.spawnSubshell(cid, h)
			if err != nil {
				spawnErr = err
				return
			}
			fresh.attachMu.Lock()
			m[h.Name] = fresh
			sess = fresh
		}
	})

	if replaced != nil {
		replaced.kill()
		if err := replaced.joinReader(); err != nil {
			logger.Warn("reader of replaced session", "err", err)
		}
	}
	switch {
	case status == protocol.StatusBusy:
		logger.Info("session busy")
		return writeReply(conn, &protocol.AttachReplyHeader{Status: protocol.StatusBusy})
	case spawnErr != nil:
		_ = writeReply(conn, &protocol.AttachReplyHeader{
			Status: protocol.StatusUnexpectedError,
			Reason: spawnErr.Error(),
		})
		return spawnErr
	}

	if h.TTLSecs != nil {
		deadline := ttlDeadline(time.Now(), *h.TTLSecs)
		s.reaper.register(s.ctx, reapEntry{name: h.Name, id: sess.id, deadline: deadline})
	} else if status == protocol.StatusAttached {
		s.reaper.register(s.ctx, reapEntry{name: h.Name, id: sess.id})
	}

	att := newAttachment(cid)
	spooled := sess.install(conn, att)
	sess.startReader()
	logger.Info("attaching", "status", status, "pid", sess.Pid())

	childDone, err := func() (bool, error) {
		// Release even if the engine panics so the session stays attachable.
		defer func() {
			sess.uninstall(att)
			sess.attachMu.Unlock()
			close(att.released)
		}()
		return s.streamAttachment(conn, sess, att, h, status, warnings, spooled, logger)
	}()
	if err != nil {
		logger.Error("streaming", "err", err)
	}

	if childDone {
		if s.table.removeIf(h.Name, sess) {
			logger.Info("child exited, removed session")
		}
		sess.close()
		if err := sess.joinReader(); err != nil {
			return fmt.Errorf("reader after child exit: %w", err)
		}
	}
	return nil
}

// maxTTL is the largest ttl that still fits a time.Duration.
const maxTTL = time.Duration(math.MaxInt64 / int64(time.Second)) * time.Second

// ttlDeadline returns now+secs, saturating instead of overflowing.
func ttlDeadline(now time.Time, secs uint64) time.Time {
	if secs > uint64(maxTTL/time.Second) {
		return now.Add(maxTTL)
	}
	return now.Add(time.Duration(secs) * time.Second)
}

func (s *Server) streamAttachment(conn net.Conn, sess *Session, att *attachment, h *protocol.AttachHeader, status protocol.AttachStatus, warnings []string, spooled []byte, logger *slog.Logger) (bool, error) {
	if err := writeReply(conn, &protocol.AttachReplyHeader{Status: status, Warnings: warnings}); err != nil {
		// The engine still runs so a child that already exited gets reaped.
		logger.Warn("write attach reply", "err", err)
	}
	if status == protocol.StatusAttached && s.cfg.Config.SessionRestoreMode == config.RestoreLines {
		if err := writeSpool(conn, spooled); err != nil {
			logger.Warn("restore output", "err", err)
		}
	}
	return sess.bidiStream(conn, att, h.LocalTtySize, logger)
}

func writeSpool(conn net.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	for len(data) > 0 {
		n := min(len(data), protocol.MaxChunkPayload)
		if _, err := conn.Write(protocol.Chunk{Kind: protocol.ChunkData, Buf: data[:n]}.Encode()); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) handleDetach(req *protocol.DetachRequest) *protocol.DetachReply {
	reply := &protocol.DetachReply{}
	for _, name := range req.Sessions {
		sess := s.table.get(name)
		if sess == nil {
			reply.NotFoundSessions = append(reply.NotFoundSessions, name)
			continue
		}
		if !s.detach(sess) {
			reply.NotAttachedSessions = append(reply.NotAttachedSessions, name)
		}
	}
	return reply
}

// detach asks the engine serving sess to let go of its client and waits
// until the session can be attached again. It reports false when no
// client was attached.
func (s *Server) detach(sess *Session) bool {
	att := sess.attachmentNow()
	if att == nil {
		return false
	}
	ctl := sess.ctl
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	timer := time.NewTimer(detachTimeout)
	defer timer.Stop()
	select {
	case ctl.detach <- struct{}{}:
		select {
		case <-ctl.detachAck:
		case <-time.After(ackWait):
			sess.logger.Warn("detach: no ack from engine")
		}
	case <-att.stopped:
	case <-timer.C:
		sess.logger.Warn("detach: engine not serving control requests")
		return true
	}
	select {
	case <-att.released:
	case <-timer.C:
	}
	return true
}

func (s *Server) handleKill(req *protocol.KillRequest) *protocol.KillReply {
	reply := &protocol.KillReply{}
	for _, name := range req.Sessions {
		sess := s.table.remove(name)
		if sess == nil {
			reply.NotFoundSessions = append(reply.NotFoundSessions, name)
			continue
		}
		s.cfg.Logger.Info("killing session", "session", name, "pid", sess.Pid())
		sess.kill()
	}
	return reply
}

func (s *Server) handleSessionMessage(req *protocol.SessionMessageRequest, logger *slog.Logger) *protocol.SessionMessageReply {
	sess := s.table.get(req.SessionName)
	if sess == nil {
		return &protocol.SessionMessageReply{Result: protocol.SessionMessageNotFound}
	}
	switch p := req.Payload.(type) {
	case *protocol.ResizeRequest:
		if err := s.resize(sess, p.TtySize); err != nil {
			logger.Warn("resize", "session", req.SessionName, "err", err)
		}
		return &protocol.SessionMessageReply{Result: protocol.SessionMessageResizeOk}
	case *protocol.SessionDetachRequest:
		s.detach(sess)
		return &protocol.SessionMessageReply{Result: protocol.SessionMessageDetachOk}
	}
	// Payload is guaranteed by decoding; an unknown one is a daemon bug.
	logger.Error("unhandled session message payload", "payload", fmt.Sprintf("%T", req.Payload))
	return &protocol.SessionMessageReply{Result: protocol.SessionMessageNotFound}
}

// resize routes through the engine when a client is attached so the PTY
// geometry is only ever changed by one party at a time.
func (s *Server) resize(sess *Session, size protocol.TtySize) error {
	att := sess.attachmentNow()
	if att == nil {
		return sess.resize(size)
	}
	ctl := sess.ctl
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	select {
	case ctl.resize <- size:
	case <-att.stopped:
		return sess.resize(size)
	case <-time.After(detachTimeout):
		return fmt.Errorf("resize: %w", ErrChannelTimeout)
	}
	select {
	case err := <-ctl.resizeAck:
		return err
	case <-time.After(ackWait):
		return fmt.Errorf("resize ack: %w", ErrChannelTimeout)
	}
}

// expire kills the session named name if it is still instance id.
func (s *Server) expire(name string, id uuid.UUID) {
	var victim *Session
	s.table.withLock(func(m map[string]*Session) {
		if cur, ok := m[name]; ok && cur.id == id {
			victim = cur
			delete(m, name)
		}
	})
	if victim != nil {
		victim.kill()
	}
}
