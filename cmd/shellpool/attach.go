package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/client"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

// forwardedEnv mirrors the daemon's default forwarding list.
var forwardedEnv = []string{"LANG", "LC_ALL", "DISPLAY", "SSH_AUTH_SOCK"}

func newAttachCmd(root *rootOptions) *cobra.Command {
	var (
		force   bool
		ttl     time.Duration
		command string
	)
	cmd := &cobra.Command{
		Use:   "attach NAME",
		Short: "Create or reattach to a named shell session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := protocol.ValidateSessionName(name); err != nil {
				return err
			}
			if ttl < 0 {
				return fmt.Errorf("--ttl must not be negative")
			}
			if ttl > 0 && ttl < time.Second {
				return fmt.Errorf("--ttl must be at least 1s")
			}

			c := root.client()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			att, err := c.Attach(ctx, client.AttachOptions{
				Name:  name,
				TTL:   ttl,
				Cmd:   command,
				Force: force,
				Size:  client.LocalTtySize(),
				Env:   client.LocalEnv(append(forwardedEnv, root.config.ForwardEnv...)...),
			})
			switch {
			case errors.Is(err, client.ErrBusy) && !force:
				return fmt.Errorf("session %q already has a terminal attached (use --force to take it over)", name)
			case errors.Is(err, client.ErrForbidden):
				fmt.Fprintln(os.Stderr, err)
				return &exitError{code: 1}
			case err != nil:
				return err
			}
			defer att.Close()

			c.ForwardResize(ctx, name)
			restore, err := client.MakeStdinRaw()
			if err != nil {
				return err
			}
			res, err := att.Pipe(os.Stdin, os.Stdout)
			restore()
			if err != nil {
				return err
			}
			if res.ChildExited && res.ExitStatus != 0 {
				return &exitError{code: res.ExitStatus}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "detach any client already attached to the session")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "kill the session after this long (e.g. 90m)")
	cmd.Flags().StringVarP(&command, "cmd", "c", "", "run this command instead of the login shell when creating the session")
	return cmd
}

// confirmVersionMismatch asks the user before talking to a daemon built
// from a different protocol version.
func confirmVersionMismatch(daemonVersion string) error {
	fmt.Fprintf(os.Stderr, "warning: shellpool daemon speaks protocol %q but this client speaks %q.\n", daemonVersion, protocol.Version)
	fmt.Fprintln(os.Stderr, "Restart the daemon to pick up the new version. Press enter to continue anyway or ^C to abort.")
	if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err != nil {
		return fmt.Errorf("version mismatch not confirmed: %w", err)
	}
	return nil
}
