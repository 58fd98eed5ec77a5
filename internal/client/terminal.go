package client

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

// MakeStdinRaw puts stdin in raw mode when it is a terminal and returns
// a func restoring the previous state.
func MakeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

// LocalTtySize reports the size of the controlling terminal, or zero
// when stdin is not one.
func LocalTtySize() protocol.TtySize {
	ws, err := pty.GetsizeFull(os.Stdin)
	if err != nil || ws.Rows == 0 || ws.Cols == 0 {
		return protocol.TtySize{}
	}
	return protocol.TtySize{Rows: ws.Rows, Cols: ws.Cols, XPixel: ws.X, YPixel: ws.Y}
}

// ForwardResize sends the local terminal size to session name on every
// SIGWINCH until ctx is done.
func (c *Client) ForwardResize(ctx context.Context, name string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				size := LocalTtySize()
				if size.Rows == 0 {
					continue
				}
				if _, err := c.Resize(ctx, name, size); err != nil {
					c.Logger.Warn("forward resize", "err", err)
				}
			}
		}
	}()
}

// LocalEnv collects TERM and the named variables from the environment.
func LocalEnv(keys ...string) []protocol.EnvVar {
	seen := make(map[string]bool)
	var out []protocol.EnvVar
	for _, k := range append([]string{"TERM"}, keys...) {
		if seen[k] {
			continue
		}
		seen[k] = true
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, protocol.EnvVar{Key: k, Value: v})
		}
	}
	return out
}
