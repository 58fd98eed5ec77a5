package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestConnectHeader_AttachRoundTrip(t *testing.T) {
	ttl := uint64(90)
	cmd := "htop -d 5"
	in := &AttachHeader{
		Name:         "work",
		LocalTtySize: TtySize{Rows: 40, Cols: 120, XPixel: 800, YPixel: 600},
		LocalEnv:     []EnvVar{{Key: "TERM", Value: "xterm-256color"}, {Key: "LANG", Value: "C.UTF-8"}},
		TTLSecs:      &ttl,
		Cmd:          &cmd,
	}
	var buf bytes.Buffer
	if err := WriteConnectHeader(&buf, in); err != nil {
		t.Fatal(err)
	}
	got, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := got.(*AttachHeader)
	if !ok {
		t.Fatalf("expected *AttachHeader, got %T", got)
	}
	if h.Name != "work" || h.LocalTtySize != in.LocalTtySize {
		t.Fatalf("unexpected header: %+v", h)
	}
	if len(h.LocalEnv) != 2 || h.LocalEnv[1].Key != "LANG" {
		t.Fatalf("env order not preserved: %+v", h.LocalEnv)
	}
	if v, ok := h.LocalEnvGet("TERM"); !ok || v != "xterm-256color" {
		t.Fatalf("LocalEnvGet(TERM) = %q, %v", v, ok)
	}
	if h.TTLSecs == nil || *h.TTLSecs != 90 {
		t.Fatalf("ttl lost: %v", h.TTLSecs)
	}
	if h.Cmd == nil || *h.Cmd != cmd {
		t.Fatalf("cmd lost: %v", h.Cmd)
	}
}

func TestConnectHeader_OptionalFieldsAbsent(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteConnectHeader(&buf, &AttachHeader{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	h := got.(*AttachHeader)
	if h.TTLSecs != nil || h.Cmd != nil {
		t.Fatalf("expected absent ttl and cmd, got %v %v", h.TTLSecs, h.Cmd)
	}
}

func TestConnectHeader_SessionMessage(t *testing.T) {
	var buf bytes.Buffer
	req := &SessionMessageRequest{SessionName: "s", Payload: &ResizeRequest{TtySize: TtySize{Rows: 10, Cols: 20}}}
	if err := WriteConnectHeader(&buf, req); err != nil {
		t.Fatal(err)
	}
	if err := WriteConnectHeader(&buf, &SessionMessageRequest{SessionName: "s", Payload: &SessionDetachRequest{}}); err != nil {
		t.Fatal(err)
	}
	if err := WriteConnectHeader(&buf, &ListRequest{}); err != nil {
		t.Fatal(err)
	}

	first, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	resize, ok := first.(*SessionMessageRequest).Payload.(*ResizeRequest)
	if !ok || resize.TtySize.Cols != 20 {
		t.Fatalf("unexpected resize payload: %+v", first)
	}
	second, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := second.(*SessionMessageRequest).Payload.(*SessionDetachRequest); !ok {
		t.Fatalf("unexpected detach payload: %+v", second)
	}
	third, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := third.(*ListRequest); !ok {
		t.Fatalf("expected list request, got %T", third)
	}
}

func TestReadMessage_DoesNotOverread(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteConnectHeader(&buf, &DetachRequest{Sessions: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("raw keystrokes")
	got, err := ReadConnectHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if d := got.(*DetachRequest); len(d.Sessions) != 2 {
		t.Fatalf("unexpected sessions: %v", d.Sessions)
	}
	rest, _ := io.ReadAll(&buf)
	if string(rest) != "raw keystrokes" {
		t.Fatalf("trailing bytes consumed: %q", rest)
	}
}

func TestReadConnectHeader_Malformed(t *testing.T) {
	frame := []byte{0, 0, 0, 2, 0xff, 0xff}
	_, err := ReadConnectHeader(bytes.NewReader(frame))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	empty := []byte{0, 0, 0, 0}
	if _, err := ReadConnectHeader(bytes.NewReader(empty)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for empty header, got %v", err)
	}

	huge := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadConnectHeader(bytes.NewReader(huge)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol for oversized frame, got %v", err)
	}
}

func TestAttachReplyHeader_Statuses(t *testing.T) {
	cases := []AttachReplyHeader{
		{Status: StatusBusy},
		{Status: StatusForbidden, Reason: "cross-user"},
		{Status: StatusAttached, Warnings: []string{"w1"}},
		{Status: StatusCreated},
		{Status: StatusUnexpectedError, Reason: "boom"},
	}
	for _, in := range cases {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, &in); err != nil {
			t.Fatal(err)
		}
		var out AttachReplyHeader
		if err := ReadMessage(&buf, &out); err != nil {
			t.Fatalf("%s: %v", in.Status, err)
		}
		if out.Status != in.Status || out.Reason != in.Reason || len(out.Warnings) != len(in.Warnings) {
			t.Fatalf("%s: got %+v", in.Status, out)
		}
	}
}

func TestChunk_Framing(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Chunk{Kind: ChunkData, Buf: []byte("hi\n")}.Encode())
	buf.Write(HeartbeatChunk.Encode())
	buf.Write(ExitStatusChunk(-1).Encode())

	c, err := ReadChunk(&buf)
	if err != nil || c.Kind != ChunkData || string(c.Buf) != "hi\n" {
		t.Fatalf("data chunk: %+v %v", c, err)
	}
	c, err = ReadChunk(&buf)
	if err != nil || c.Kind != ChunkHeartbeat || len(c.Buf) != 0 {
		t.Fatalf("heartbeat chunk: %+v %v", c, err)
	}
	c, err = ReadChunk(&buf)
	if err != nil {
		t.Fatal(err)
	}
	status, err := c.ExitStatus()
	if err != nil || status != -1 {
		t.Fatalf("exit status = %d, %v", status, err)
	}
	if _, err := ReadChunk(&buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadChunk_UnknownKind(t *testing.T) {
	if _, err := ReadChunk(bytes.NewReader([]byte{9, 0, 0, 0, 0})); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestValidateSessionName(t *testing.T) {
	if err := ValidateSessionName("work-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateSessionName(""); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if err := ValidateSessionName("a b"); err == nil {
		t.Fatalf("expected error for whitespace")
	}
	if err := ValidateSessionName("a\tb"); err == nil {
		t.Fatalf("expected error for tab")
	}
	for _, name := range []string{"../x", "a/b", "/abs", "..", "nul\x00"} {
		if err := ValidateSessionName(name); err == nil {
			t.Fatalf("expected error for %q", name)
		}
	}
}

func TestTtySize_RejectsOutOfRange(t *testing.T) {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 24)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, math.MaxUint16+1)
	var s TtySize
	if err := s.unmarshal(b); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v (size %+v)", err, s)
	}

	b = protowire.AppendTag(nil, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, math.MaxUint16)
	s = TtySize{}
	if err := s.unmarshal(b); err != nil || s.Cols != math.MaxUint16 {
		t.Fatalf("max cols: %+v %v", s, err)
	}
}
