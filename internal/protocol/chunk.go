package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// Version is the wire protocol version exchanged in VersionHeader.
const Version = "1"

// ChunkKind tags a frame of the post-attach server to client stream.
type ChunkKind byte

const (
	ChunkData ChunkKind = iota
	ChunkHeartbeat
	ChunkExitStatus
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkData:
		return "data"
	case ChunkHeartbeat:
		return "heartbeat"
	case ChunkExitStatus:
		return "exit_status"
	default:
		return fmt.Sprintf("ChunkKind(%d)", byte(k))
	}
}

const chunkHeaderLen = 5

// MaxChunkPayload bounds the payload a reader will accept.
const MaxChunkPayload = 1 << 20

// Chunk is one frame of the post-attach stream: a kind byte, a little
// endian uint32 length and the payload.
type Chunk struct {
	Kind ChunkKind
	Buf  []byte
}

// HeartbeatChunk carries no payload.
var HeartbeatChunk = Chunk{Kind: ChunkHeartbeat}

// ExitStatusChunk reports the subshell's exit status to the client.
func ExitStatusChunk(status int) Chunk {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(status)))
	return Chunk{Kind: ChunkExitStatus, Buf: buf}
}

// ExitStatus decodes the payload of a ChunkExitStatus chunk.
func (c Chunk) ExitStatus() (int, error) {
	if c.Kind != ChunkExitStatus || len(c.Buf) != 4 {
		return 0, fmt.Errorf("%w: not an exit status chunk", ErrProtocol)
	}
	return int(int32(binary.LittleEndian.Uint32(c.Buf))), nil
}

// Encode returns the wire form of c.
func (c Chunk) Encode() []byte {
	out := make([]byte, chunkHeaderLen+len(c.Buf))
	out[0] = byte(c.Kind)
	binary.LittleEndian.PutUint32(out[1:chunkHeaderLen], uint32(len(c.Buf)))
	copy(out[chunkHeaderLen:], c.Buf)
	return out
}

// ReadChunk reads one chunk from r. The returned payload is freshly
// allocated.
func ReadChunk(r io.Reader) (Chunk, error) {
	var hdr [chunkHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Chunk{}, err
	}
	kind := ChunkKind(hdr[0])
	if kind > ChunkExitStatus {
		return Chunk{}, fmt.Errorf("%w: unknown chunk kind %d", ErrProtocol, hdr[0])
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > MaxChunkPayload {
		return Chunk{}, fmt.Errorf("%w: chunk of %d bytes exceeds limit", ErrProtocol, n)
	}
	c := Chunk{Kind: kind}
	if n > 0 {
		c.Buf = make([]byte, n)
		if _, err := io.ReadFull(r, c.Buf); err != nil {
			return Chunk{}, err
		}
	}
	return c, nil
}

// ValidateSessionName reports whether name can key the session table.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("blank session names are not allowed")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("whitespace is not allowed in session names")
	}
	if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("session name %q is not a plain file name", name)
	}
	return nil
}
