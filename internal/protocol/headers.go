package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ConnectHeader is the first message a client writes on a new connection.
// It is implemented by *AttachHeader, *DetachRequest, *KillRequest,
// *ListRequest and *SessionMessageRequest.
type ConnectHeader interface {
	Message
	connectTag() protowire.Number
}

// TtySize is the geometry of a terminal.
type TtySize struct {
	Rows   uint16
	Cols   uint16
	XPixel uint16
	YPixel uint16
}

func (s *TtySize) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(s.Rows))
	b = appendVarint(b, 2, uint64(s.Cols))
	b = appendVarint(b, 3, uint64(s.XPixel))
	return appendVarint(b, 4, uint64(s.YPixel))
}

func (s *TtySize) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		v, err := f.uint()
		if err != nil {
			return err
		}
		if f.num >= 1 && f.num <= 4 && v > math.MaxUint16 {
			return fmt.Errorf("%w: tty size field %d out of range: %d", ErrProtocol, f.num, v)
		}
		switch f.num {
		case 1:
			s.Rows = uint16(v)
		case 2:
			s.Cols = uint16(v)
		case 3:
			s.XPixel = uint16(v)
		case 4:
			s.YPixel = uint16(v)
		}
		return nil
	})
}

// EnvVar is one entry of the client environment forwarded on attach.
type EnvVar struct {
	Key   string
	Value string
}

func (e *EnvVar) appendFields(b []byte) []byte {
	b = appendString(b, 1, e.Key)
	return appendString(b, 2, e.Value)
}

func (e *EnvVar) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		v, err := f.str()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			e.Key = v
		case 2:
			e.Value = v
		}
		return nil
	})
}

// AttachHeader asks the daemon to create or join the named session.
type AttachHeader struct {
	Name         string
	LocalTtySize TtySize
	LocalEnv     []EnvVar
	// TTLSecs is nil when the session should live until killed.
	TTLSecs *uint64
	// Cmd replaces the login shell when set.
	Cmd *string
}

// LocalEnvGet returns the value the client sent for key.
func (h *AttachHeader) LocalEnvGet(key string) (string, bool) {
	for _, kv := range h.LocalEnv {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (h *AttachHeader) connectTag() protowire.Number { return 1 }

func (h *AttachHeader) appendFields(b []byte) []byte {
	b = appendString(b, 1, h.Name)
	b = appendMessage(b, 2, &h.LocalTtySize)
	for i := range h.LocalEnv {
		b = appendMessage(b, 3, &h.LocalEnv[i])
	}
	if h.TTLSecs != nil {
		b = appendVarint(b, 4, *h.TTLSecs)
	}
	if h.Cmd != nil {
		b = appendString(b, 5, *h.Cmd)
	}
	return b
}

func (h *AttachHeader) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.str()
			h.Name = v
			return err
		case 2:
			return f.msg(&h.LocalTtySize)
		case 3:
			var kv EnvVar
			if err := f.msg(&kv); err != nil {
				return err
			}
			h.LocalEnv = append(h.LocalEnv, kv)
		case 4:
			v, err := f.uint()
			if err != nil {
				return err
			}
			h.TTLSecs = &v
		case 5:
			v, err := f.str()
			if err != nil {
				return err
			}
			h.Cmd = &v
		}
		return nil
	})
}

// sessionList is the shared shape of DetachRequest, KillRequest and the
// name lists in replies.
type sessionList []string

func (l sessionList) append(b []byte, num protowire.Number) []byte {
	for _, s := range l {
		b = appendString(b, num, s)
	}
	return b
}

// DetachRequest asks the daemon to drop the terminal of each named session.
type DetachRequest struct {
	Sessions []string
}

func (r *DetachRequest) connectTag() protowire.Number { return 2 }

func (r *DetachRequest) appendFields(b []byte) []byte {
	return sessionList(r.Sessions).append(b, 1)
}

func (r *DetachRequest) unmarshal(b []byte) error {
	return unmarshalNames(b, 1, &r.Sessions)
}

// KillRequest asks the daemon to terminate each named session.
type KillRequest struct {
	Sessions []string
}

func (r *KillRequest) connectTag() protowire.Number { return 3 }

func (r *KillRequest) appendFields(b []byte) []byte {
	return sessionList(r.Sessions).append(b, 1)
}

func (r *KillRequest) unmarshal(b []byte) error {
	return unmarshalNames(b, 1, &r.Sessions)
}

// ListRequest asks for a snapshot of the session table.
type ListRequest struct{}

func (*ListRequest) connectTag() protowire.Number { return 4 }
func (*ListRequest) appendFields(b []byte) []byte { return b }
func (*ListRequest) unmarshal([]byte) error       { return nil }

// SessionMessagePayload is either *ResizeRequest or *SessionDetachRequest.
type SessionMessagePayload interface {
	Message
	payloadTag() protowire.Number
}

// ResizeRequest changes the geometry of a session's PTY.
type ResizeRequest struct {
	TtySize TtySize
}

func (r *ResizeRequest) payloadTag() protowire.Number { return 2 }

func (r *ResizeRequest) appendFields(b []byte) []byte {
	return appendMessage(b, 1, &r.TtySize)
}

func (r *ResizeRequest) unmarshal(b []byte) error {
	return rangeFields(b, func(f field) error {
		if f.num == 1 {
			return f.msg(&r.TtySize)
		}
		return nil
	})
}

// SessionDetachRequest detaches the client of a single session.
type SessionDetachRequest struct{}

func (*SessionDetachRequest) payloadTag() protowire.Number { return 3 }
func (*SessionDetachRequest) appendFields(b []byte) []byte { return b }
func (*SessionDetachRequest) unmarshal([]byte) error       { return nil }

// SessionMessageRequest routes a payload to a running session.
type SessionMessageRequest struct {
	SessionName string
	Payload     SessionMessagePayload
}

func (r *SessionMessageRequest) connectTag() protowire.Number { return 5 }

func (r *SessionMessageRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, r.SessionName)
	if r.Payload != nil {
		b = appendMessage(b, r.Payload.payloadTag(), r.Payload)
	}
	return b
}

func (r *SessionMessageRequest) unmarshal(b []byte) error {
	err := rangeFields(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.str()
			r.SessionName = v
			return err
		case 2:
			p := &ResizeRequest{}
			r.Payload = p
			return f.msg(p)
		case 3:
			p := &SessionDetachRequest{}
			r.Payload = p
			return f.msg(p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.Payload == nil {
		return errors.New("session message without payload")
	}
	return nil
}

// connectEnvelope carries a ConnectHeader as a oneof.
type connectEnvelope struct {
	header ConnectHeader
}

func (e *connectEnvelope) appendFields(b []byte) []byte {
	return appendMessage(b, e.header.connectTag(), e.header)
}

func (e *connectEnvelope) unmarshal(b []byte) error {
	err := rangeFields(b, func(f field) error {
		var h ConnectHeader
		switch f.num {
		case 1:
			h = &AttachHeader{}
		case 2:
			h = &DetachRequest{}
		case 3:
			h = &KillRequest{}
		case 4:
			h = &ListRequest{}
		case 5:
			h = &SessionMessageRequest{}
		default:
			return nil
		}
		if e.header != nil {
			return errors.New("connect header sets more than one request")
		}
		e.header = h
		return f.msg(h)
	})
	if err != nil {
		return err
	}
	if e.header == nil {
		return errors.New("empty connect header")
	}
	return nil
}

// WriteConnectHeader writes h as the opening frame of a connection.
func WriteConnectHeader(w io.Writer, h ConnectHeader) error {
	if h == nil {
		return fmt.Errorf("%w: nil connect header", ErrProtocol)
	}
	return WriteMessage(w, &connectEnvelope{header: h})
}

// ReadConnectHeader reads the opening frame of a connection.
func ReadConnectHeader(r io.Reader) (ConnectHeader, error) {
	var e connectEnvelope
	if err := ReadMessage(r, &e); err != nil {
		return nil, err
	}
	return e.header, nil
}

func unmarshalNames(b []byte, num protowire.Number, out *[]string) error {
	return rangeFields(b, func(f field) error {
		if f.num != num {
			return nil
		}
		v, err := f.str()
		if err != nil {
			return err
		}
		*out = append(*out, v)
		return nil
	})
}
