package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrProtocol marks a malformed frame, header or reply.
var ErrProtocol = errors.New("protocol error")

const maxFrameSize = 4 << 20

// Message is implemented by every header and reply that travels on the
// control socket.
type Message interface {
	appendFields(b []byte) []byte
	unmarshal(b []byte) error
}

// WriteMessage writes m as a single length-prefixed frame.
func WriteMessage(w io.Writer, m Message) error {
	body := m.appendFields(nil)
	if len(body) > maxFrameSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, len(body))
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads exactly one frame from r into m. It never reads past the
// end of the frame, so the remainder of r can be handed to a raw byte pipe.
func ReadMessage(r io.Reader, m Message) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := m.unmarshal(body); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendFields(nil))
}

// appendEmpty encodes a presence-only field, used for oneof arms that carry
// no data.
func appendEmpty(b []byte, num protowire.Number) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func (f field) str() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("field %d: want length-delimited, got wire type %d", f.num, f.typ)
	}
	return string(f.bytes), nil
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: want varint, got wire type %d", f.num, f.typ)
	}
	return f.varint, nil
}

func (f field) msg(m Message) error {
	if f.typ != protowire.BytesType {
		return fmt.Errorf("field %d: want message, got wire type %d", f.num, f.typ)
	}
	return m.unmarshal(f.bytes)
}

// rangeFields walks the top-level fields of an encoded message. Fields of
// unknown wire types are skipped.
func rangeFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
