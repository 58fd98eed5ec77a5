package sessionlog

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func TestAppendReplay(t *testing.T) {
	s := New(t.TempDir())
	w, err := s.Create("work")
	if err != nil {
		t.Fatal(err)
	}
	chunks := []string{"$ echo hi\r\n", "hi\r\n", "$ "}
	for _, c := range chunks {
		if err := w.Append([]byte(c)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var got bytes.Buffer
	n := 0
	if err := s.Replay("work", func(b []byte) error {
		n++
		got.Write(b)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if n != len(chunks) {
		t.Fatalf("replayed %d records, want %d", n, len(chunks))
	}
	if got.String() != "$ echo hi\r\nhi\r\n$ " {
		t.Fatalf("replay = %q", got.String())
	}
}

func TestCreateTruncatesPreviousLog(t *testing.T) {
	s := New(t.TempDir())
	w, err := s.Create("work")
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Append([]byte("old"))
	_ = w.Close()

	w, err = s.Create("work")
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Append([]byte("new"))
	_ = w.Close()

	var got bytes.Buffer
	if err := s.Replay("work", func(b []byte) error {
		got.Write(b)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got.String() != "new" {
		t.Fatalf("replay = %q", got.String())
	}
}

func TestAppendAfterClose(t *testing.T) {
	s := New(t.TempDir())
	w, err := s.Create("work")
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Close()
	if err := w.Append([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Append after Close = %v", err)
	}
	if err := s.Remove("work"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("work"); err != nil {
		t.Fatalf("second Remove = %v", err)
	}
}
