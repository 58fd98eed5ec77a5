// Package client talks to a running shellpool daemon over its control
// socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

var (
	ErrBusy      = errors.New("session is busy")
	ErrForbidden = errors.New("forbidden")
)

const (
	defaultDialTimeout = 5 * time.Second
	headerTimeout      = time.Second
)

type Client struct {
	SocketPath string
	// Version is compared with the daemon's version header.
	Version string
	Logger  *slog.Logger
	// ConfirmVersionMismatch decides whether to talk to a daemon running
	// a different protocol version. A nil func proceeds after logging.
	ConfirmVersionMismatch func(daemonVersion string) error
	DialTimeout            time.Duration

	mismatchOnce sync.Once
	mismatchErr  error
}

func New(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		Version:    protocol.Version,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// dial connects and consumes the daemon's version header.
func (c *Client) dial(ctx context.Context) (*net.UnixConn, string, error) {
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s (is the daemon running?): %w", c.SocketPath, err)
	}
	conn := raw.(*net.UnixConn)
	_ = conn.SetReadDeadline(time.Now().Add(headerTimeout))
	var v protocol.VersionHeader
	if err := protocol.ReadMessage(conn, &v); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("read version header: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if v.Version != c.Version {
		if err := c.versionMismatch(v.Version); err != nil {
			_ = conn.Close()
			return nil, v.Version, err
		}
	}
	return conn, v.Version, nil
}

func (c *Client) versionMismatch(daemonVersion string) error {
	c.mismatchOnce.Do(func() {
		c.Logger.Warn("daemon protocol version differs", "daemon", daemonVersion, "client", c.Version)
		if c.ConfirmVersionMismatch != nil {
			c.mismatchErr = c.ConfirmVersionMismatch(daemonVersion)
		}
	})
	return c.mismatchErr
}

// roundTrip sends one header and reads one reply.
func (c *Client) roundTrip(ctx context.Context, h protocol.ConnectHeader, reply protocol.Message) error {
	conn, _, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := protocol.WriteConnectHeader(conn, h); err != nil {
		return err
	}
	if err := protocol.ReadMessage(conn, reply); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("daemon closed the connection (different user?): %w", err)
		}
		return err
	}
	return nil
}

// DaemonVersion reports the version the daemon announces.
func (c *Client) DaemonVersion(ctx context.Context) (string, error) {
	conn, version, err := c.dial(ctx)
	if err != nil {
		return version, err
	}
	defer conn.Close()
	_ = protocol.WriteConnectHeader(conn, &protocol.ListRequest{})
	var reply protocol.ListReply
	_ = protocol.ReadMessage(conn, &reply)
	return version, nil
}

func (c *Client) Detach(ctx context.Context, names []string) (*protocol.DetachReply, error) {
	reply := &protocol.DetachReply{}
	if err := c.roundTrip(ctx, &protocol.DetachRequest{Sessions: names}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Kill(ctx context.Context, names []string) (*protocol.KillReply, error) {
	reply := &protocol.KillReply{}
	if err := c.roundTrip(ctx, &protocol.KillRequest{Sessions: names}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) List(ctx context.Context) ([]protocol.Session, error) {
	var reply protocol.ListReply
	if err := c.roundTrip(ctx, &protocol.ListRequest{}, &reply); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

func (c *Client) Resize(ctx context.Context, name string, size protocol.TtySize) (protocol.SessionMessageResult, error) {
	return c.sessionMessage(ctx, name, &protocol.ResizeRequest{TtySize: size})
}

// DetachSession detaches one session through the session-message path.
func (c *Client) DetachSession(ctx context.Context, name string) (protocol.SessionMessageResult, error) {
	return c.sessionMessage(ctx, name, &protocol.SessionDetachRequest{})
}

func (c *Client) sessionMessage(ctx context.Context, name string, p protocol.SessionMessagePayload) (protocol.SessionMessageResult, error) {
	var reply protocol.SessionMessageReply
	if err := c.roundTrip(ctx, &protocol.SessionMessageRequest{SessionName: name, Payload: p}, &reply); err != nil {
		return 0, err
	}
	return reply.Result, nil
}
