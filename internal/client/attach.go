package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

const (
	forceRetries  = 20
	forceInterval = 100 * time.Millisecond
)

type AttachOptions struct {
	Name string
	// TTL is rounded down to whole seconds. Zero means no TTL.
	TTL time.Duration
	// Cmd replaces the login shell of a newly created session.
	Cmd   string
	Force bool
	Size  protocol.TtySize
	Env   []protocol.EnvVar
}

func (o AttachOptions) header() *protocol.AttachHeader {
	h := &protocol.AttachHeader{
		Name:         o.Name,
		LocalTtySize: o.Size,
		LocalEnv:     o.Env,
	}
	if o.TTL > 0 {
		secs := uint64(o.TTL / time.Second)
		h.TTLSecs = &secs
	}
	if o.Cmd != "" {
		cmd := o.Cmd
		h.Cmd = &cmd
	}
	return h
}

// Attachment is a live attach connection.
type Attachment struct {
	Status   protocol.AttachStatus
	Warnings []string

	conn *net.UnixConn
}

// Result describes how an attachment ended.
type Result struct {
	// ChildExited is false when the client was detached.
	ChildExited bool
	ExitStatus  int
}

// Attach creates or joins a session. With Force set, a Busy session is
// detached and the attach retried a bounded number of times.
func (c *Client) Attach(ctx context.Context, opts AttachOptions) (*Attachment, error) {
	if err := protocol.ValidateSessionName(opts.Name); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		att, err := c.attachOnce(ctx, opts)
		if !errors.Is(err, ErrBusy) || !opts.Force {
			return att, err
		}
		if attempt >= forceRetries {
			return nil, fmt.Errorf("session %q still attached elsewhere after %d forced detaches; try `shellpool detach %s`: %w",
				opts.Name, forceRetries, opts.Name, ErrBusy)
		}
		if attempt == 0 {
			c.Logger.Info("session busy, detaching other client", "session", opts.Name)
		}
		if _, err := c.Detach(ctx, []string{opts.Name}); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(forceInterval):
		}
	}
}

func (c *Client) attachOnce(ctx context.Context, opts AttachOptions) (*Attachment, error) {
	conn, _, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(defaultDialTimeout))
	if err := protocol.WriteConnectHeader(conn, opts.header()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var reply protocol.AttachReplyHeader
	if err := protocol.ReadMessage(conn, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read attach reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	switch reply.Status {
	case protocol.StatusAttached, protocol.StatusCreated:
		for _, w := range reply.Warnings {
			c.Logger.Warn("attach", "warning", w)
		}
		return &Attachment{Status: reply.Status, Warnings: reply.Warnings, conn: conn}, nil
	case protocol.StatusBusy:
		_ = conn.Close()
		return nil, ErrBusy
	case protocol.StatusForbidden:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrForbidden, reply.Reason)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("daemon error: %s", reply.Reason)
	}
}

// Pipe copies in to the shell and shell output to out until the daemon
// closes the connection.
func (a *Attachment) Pipe(in io.Reader, out io.Writer) (Result, error) {
	go func() {
		_, _ = io.Copy(a.conn, in)
	}()

	var res Result
	for {
		chunk, err := protocol.ReadChunk(a.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return res, nil
			}
			return res, err
		}
		switch chunk.Kind {
		case protocol.ChunkData:
			if _, err := out.Write(chunk.Buf); err != nil {
				return res, err
			}
		case protocol.ChunkHeartbeat:
		case protocol.ChunkExitStatus:
			status, err := chunk.ExitStatus()
			if err != nil {
				return res, err
			}
			res = Result{ChildExited: true, ExitStatus: status}
		}
	}
}

func (a *Attachment) Close() error {
	return a.conn.Close()
}
