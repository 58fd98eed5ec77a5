package protocol

import (
	"errors"
	"fmt"
)

// AttachStatus is the outcome of an Attach request.
type AttachStatus int

const (
	StatusBusy AttachStatus = iota + 1
	StatusForbidden
	StatusAttached
	StatusCreated
	StatusUnexpectedError
)

func (s AttachStatus) String() string {
	switch s {
	case StatusBusy:
		return "busy"
	case StatusForbidden:
		return "forbidden"
	case StatusAttached:
		return "attached"
	case StatusCreated:
		return "created"
	case StatusUnexpectedError:
		return "unexpected_error"
	default:
		return fmt.Sprintf("AttachStatus(%d)", int(s))
	}
}

// AttachReplyHeader is the daemon's answer to an AttachHeader. Reason is set
// for StatusForbidden and StatusUnexpectedError, Warnings for StatusAttached
// and StatusCreated.
type AttachReplyHeader struct {
	Status   AttachStatus
	Reason   string
	Warnings []string
}

type warningList struct {
	warnings []string
}

func (w *warningList) appendFields(b []byte) []byte {
	return sessionList(w.warnings).append(b, 1)
}

func (w *warningList) unmarshal(b []byte) error {
	return unmarshalNames(b, 1, &w.warnings)
}

func (h *AttachReplyHeader) appendFields(b []byte) []byte {
	switch h.Status {
	case StatusBusy:
		return appendEmpty(b, 1)
	case StatusForbidden:
		return appendString(b, 2, h.Reason)
	case StatusAttached:
		return appendMessage(b, 3, &warningList{warnings: h.Warnings})
	case StatusCreated:
		return appendMessage(b, 4, &warningList{warnings: h.Warnings})
	case StatusUnexpectedError:
		return appendString(b, 5, h.Reason)
	}
	return b
}

func (h *AttachReplyHeader) unmarshal(b []byte) error {
	err := rangeFields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			h.Status = StatusBusy
		case 2:
			h.Status = StatusForbidden
			h.Reason, err = f.str()
		case 3, 4:
			h.Status = StatusAttached
			if f.num == 4 {
				h.Status = StatusCreated
			}
			var w warningList
			err = f.msg(&w)
			h.Warnings = w.warnings
		case 5:
			h.Status = StatusUnexpectedError
			h.Reason, err = f.str()
		}
		return err
	})
	if err != nil {
		return err
	}
	if h.Status == 0 {
		return errors.New("attach reply without status")
	}
	return nil
}

// DetachReply lists the sessions a DetachRequest could not act on.
type DetachReply struct {
	NotFoundSessions    []string
	NotAttachedSessions []string
}

func (r *DetachReply) appendFields(b []byte) []byte {
	b = sessionList(r.NotFoundSessions).append(b, 1)
	return sessionList(r.NotAttachedSessions).append(b, 2)
}

func (r *DetachReply) unmarshal(b []byte) error {
	if err := unmarshalNames(b, 1, &r.NotFoundSessions); err != nil {
		return err
	}
	return unmarshalNames(b, 2, &r.NotAttachedSessions)
}

// KillReply lists the sessions a KillRequest could not find.
type KillReply struct {
	NotFoundSessions []string
}

func (r *KillReply) appendFields(b []byte) []byte {
	return sessionList(r.NotFoundSessions).append(b, 1)
}

func (r *KillReply) unmarshal(b []byte) error {
	return unmarshalNames(b, 1, &r.NotFoundSessions)
}

// Session describes one entry of the session table.
type Session struct {
	Name            string
	StartedAtUnixMs int64
}

func (s *Session) appendFields(b []byte) []byte {
	b = appendString(b, 1, s.Name)
	return appendVarint(b, 2, uint64(s.StartedAtUnixMs))
}

func (s *Session) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.str()
			s.Name = v
			return err
		case 2:
			v, err := f.uint()
			s.StartedAtUnixMs = int64(v)
			return err
		}
		return nil
	})
}

// ListReply is a snapshot of the session table.
type ListReply struct {
	Sessions []Session
}

func (r *ListReply) appendFields(b []byte) []byte {
	for i := range r.Sessions {
		b = appendMessage(b, 1, &r.Sessions[i])
	}
	return b
}

func (r *ListReply) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var s Session
		if err := f.msg(&s); err != nil {
			return err
		}
		r.Sessions = append(r.Sessions, s)
		return nil
	})
}

// SessionMessageResult is the outcome of a SessionMessageRequest.
type SessionMessageResult int

const (
	SessionMessageNotFound SessionMessageResult = iota + 1
	SessionMessageResizeOk
	SessionMessageDetachOk
)

// SessionMessageReply answers a SessionMessageRequest.
type SessionMessageReply struct {
	Result SessionMessageResult
}

func (r *SessionMessageReply) appendFields(b []byte) []byte {
	switch r.Result {
	case SessionMessageNotFound:
		return appendEmpty(b, 1)
	case SessionMessageResizeOk:
		return appendVarint(b, 2, 0)
	case SessionMessageDetachOk:
		return appendVarint(b, 3, 0)
	}
	return b
}

func (r *SessionMessageReply) unmarshal(b []byte) error {
	err := rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			r.Result = SessionMessageNotFound
		case 2:
			r.Result = SessionMessageResizeOk
		case 3:
			r.Result = SessionMessageDetachOk
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.Result == 0 {
		return errors.New("session message reply without result")
	}
	return nil
}

// VersionHeader is written by the daemon as soon as it accepts a
// connection.
type VersionHeader struct {
	Version string
}

func (h *VersionHeader) appendFields(b []byte) []byte {
	return appendString(b, 1, h.Version)
}

func (h *VersionHeader) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		v, err := f.str()
		h.Version = v
		return err
	})
}
