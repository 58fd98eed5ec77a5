// Package sessionlog keeps a compressed copy of everything a session's
// shell printed. Each record is a uvarint length followed by one zstd frame.
package sessionlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	maxRecord  = 16 * 1024 * 1024
	syncEvery  = 200 * time.Millisecond
	bufferSize = 64 * 1024
)

type Store struct {
	rootDir string

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

func New(rootDir string) *Store {
	return &Store{rootDir: rootDir}
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.rootDir, name+".log.zst")
}

func (s *Store) encoder() (*zstd.Encoder, error) {
	s.encOnce.Do(func() {
		s.enc, s.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return s.enc, s.encErr
}

// Create truncates the log of name. A freshly spawned shell starts a new log.
func (s *Store) Create(name string) (*Writer, error) {
	enc, err := s.encoder()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.rootDir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Writer{
		enc:      enc,
		file:     f,
		bw:       bufio.NewWriterSize(f, bufferSize),
		lastSync: time.Now(),
	}, nil
}

func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Replay decodes the log of name record by record.
func (s *Store) Replay(name string, fn func([]byte) error) error {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReader(f)
	var out []byte
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = dec.DecodeAll(rec, out[:0])
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

// Writer appends to one session's log. It is safe for concurrent use.
type Writer struct {
	enc *zstd.Encoder

	mu       sync.Mutex
	file     *os.File
	bw       *bufio.Writer
	scratch  []byte
	lastSync time.Time
}

func (w *Writer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	w.scratch = w.enc.EncodeAll(p, w.scratch[:0])
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(w.scratch)))
	if _, err := w.bw.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := w.bw.Write(w.scratch); err != nil {
		return err
	}
	if time.Since(w.lastSync) > syncEvery {
		w.lastSync = time.Now()
		return w.bw.Flush()
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.bw.Flush()
	err := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > maxRecord {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
