package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/shellpool/internal/config"
	"github.com/antonkrylov/shellpool/internal/daemon"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

func startDaemon(t *testing.T, version string) *Client {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir, err := os.MkdirTemp("", "shellpool-client")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Shell = "/bin/sh"
	cfg.Env = map[string]string{"TERM": "", "ENV": ""}
	socket := filepath.Join(dir, "sp.sock")
	srv, err := daemon.New(daemon.Config{
		SocketPath: socket,
		Config:     cfg,
		Version:    version,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return New(socket)
}

// syncBuffer is written by Pipe and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAttach_PipeReturnsExitStatus(t *testing.T) {
	c := startDaemon(t, protocol.Version)
	ctx := context.Background()

	att, err := c.Attach(ctx, AttachOptions{Name: "work", Size: protocol.TtySize{Rows: 24, Cols: 80}})
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()
	if att.Status != protocol.StatusCreated {
		t.Fatalf("status = %v", att.Status)
	}

	in := strings.NewReader("echo out-$((2+3))\nexit 5\n")
	var out syncBuffer
	res, err := att.Pipe(in, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ChildExited || res.ExitStatus != 5 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(out.String(), "out-5") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestAttach_BusyAndForce(t *testing.T) {
	c := startDaemon(t, protocol.Version)
	ctx := context.Background()

	first, err := c.Attach(ctx, AttachOptions{Name: "w"})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	pr, pw := io.Pipe()
	defer pw.Close()
	done := make(chan Result, 1)
	go func() {
		res, _ := first.Pipe(pr, io.Discard)
		done <- res
	}()

	if _, err := c.Attach(ctx, AttachOptions{Name: "w"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second attach err = %v", err)
	}

	second, err := c.Attach(ctx, AttachOptions{Name: "w", Force: true})
	if err != nil {
		t.Fatalf("forced attach: %v", err)
	}
	defer second.Close()
	if second.Status != protocol.StatusAttached {
		t.Fatalf("forced attach status = %v", second.Status)
	}

	select {
	case res := <-done:
		if res.ChildExited {
			t.Fatalf("detached client saw child exit: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first client was not detached")
	}
}

func TestRequests(t *testing.T) {
	c := startDaemon(t, protocol.Version)
	ctx := context.Background()

	att, err := c.Attach(ctx, AttachOptions{Name: "a", TTL: 90 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()

	sessions, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Name != "a" {
		t.Fatalf("list = %+v", sessions)
	}

	res, err := c.Resize(ctx, "a", protocol.TtySize{Rows: 30, Cols: 90})
	if err != nil || res != protocol.SessionMessageResizeOk {
		t.Fatalf("resize = %v, %v", res, err)
	}
	res, err = c.Resize(ctx, "missing", protocol.TtySize{Rows: 30, Cols: 90})
	if err != nil || res != protocol.SessionMessageNotFound {
		t.Fatalf("resize missing = %v, %v", res, err)
	}

	detach, err := c.Detach(ctx, []string{"a", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(detach.NotFoundSessions) != 1 || len(detach.NotAttachedSessions) != 0 {
		t.Fatalf("detach = %+v", detach)
	}

	kill, err := c.Kill(ctx, []string{"a"})
	if err != nil || len(kill.NotFoundSessions) != 0 {
		t.Fatalf("kill = %+v, %v", kill, err)
	}
	sessions, err = c.List(ctx)
	if err != nil || len(sessions) != 0 {
		t.Fatalf("list after kill = %+v, %v", sessions, err)
	}
}

func TestDetachSession_EndsAttachment(t *testing.T) {
	c := startDaemon(t, protocol.Version)
	ctx := context.Background()

	att, err := c.Attach(ctx, AttachOptions{Name: "inner"})
	if err != nil {
		t.Fatal(err)
	}
	defer att.Close()
	pr, pw := io.Pipe()
	defer pw.Close()
	done := make(chan Result, 1)
	go func() {
		res, _ := att.Pipe(pr, io.Discard)
		done <- res
	}()

	res, err := c.DetachSession(ctx, "inner")
	if err != nil || res != protocol.SessionMessageDetachOk {
		t.Fatalf("detach session = %v, %v", res, err)
	}
	select {
	case r := <-done:
		if r.ChildExited {
			t.Fatalf("detach reported child exit: %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("attachment still running after detach")
	}

	res, err = c.DetachSession(ctx, "ghost")
	if err != nil || res != protocol.SessionMessageNotFound {
		t.Fatalf("detach missing = %v, %v", res, err)
	}
	sessions, err := c.List(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("list after detach = %+v, %v", sessions, err)
	}
}

func TestAttach_RejectsBadNameLocally(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "none.sock"))
	if _, err := c.Attach(context.Background(), AttachOptions{Name: " "}); err == nil {
		t.Fatalf("expected error for blank name")
	}
}

func TestVersionMismatchNeedsConfirmation(t *testing.T) {
	c := startDaemon(t, "999")
	var asked []string
	c.ConfirmVersionMismatch = func(v string) error {
		asked = append(asked, v)
		return errors.New("declined")
	}
	if _, err := c.List(context.Background()); err == nil || !strings.Contains(err.Error(), "declined") {
		t.Fatalf("List err = %v", err)
	}
	if _, err := c.List(context.Background()); err == nil {
		t.Fatalf("second List should reuse the declined answer")
	}
	if len(asked) != 1 || asked[0] != "999" {
		t.Fatalf("asked = %v", asked)
	}

	v, err := New(c.SocketPath).DaemonVersion(context.Background())
	if err != nil || v != "999" {
		t.Fatalf("DaemonVersion = %q, %v", v, err)
	}
}

func TestLocalEnv(t *testing.T) {
	t.Setenv("TERM", "xterm")
	t.Setenv("SHELLPOOL_TEST_VAR", "x")
	env := LocalEnv("SHELLPOOL_TEST_VAR", "TERM", "SHELLPOOL_UNSET_VAR")
	if len(env) != 2 || env[0].Key != "TERM" || env[1].Value != "x" {
		t.Fatalf("env = %+v", env)
	}
}
