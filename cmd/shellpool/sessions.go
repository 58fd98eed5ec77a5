package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/client"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

// sessionNameEnv names the session a subshell runs in.
const sessionNameEnv = "SHELLPOOL_SESSION_NAME"

func newDetachCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detach [NAME...]",
		Short: "Detach the terminal from sessions without killing them",
		Long:  "Detach the named sessions. With no names, detach the session this shell runs in.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.requestContext()
			defer cancel()
			if len(args) == 0 {
				return detachCurrent(ctx, root.client(), os.Getenv(sessionNameEnv))
			}
			reply, err := root.client().Detach(ctx, args)
			if err != nil {
				return err
			}
			if len(reply.NotFoundSessions) > 0 {
				fmt.Fprintf(os.Stderr, "not found: %s\n", strings.Join(reply.NotFoundSessions, " "))
			}
			if len(reply.NotAttachedSessions) > 0 {
				fmt.Fprintf(os.Stderr, "not attached: %s\n", strings.Join(reply.NotAttachedSessions, " "))
			}
			if len(reply.NotFoundSessions)+len(reply.NotAttachedSessions) > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

// detachCurrent detaches the session named by the subshell environment.
func detachCurrent(ctx context.Context, c *client.Client, name string) error {
	if name == "" {
		return fmt.Errorf("no session named and %s is not set", sessionNameEnv)
	}
	res, err := c.DetachSession(ctx, name)
	if err != nil {
		return err
	}
	if res == protocol.SessionMessageNotFound {
		fmt.Fprintf(os.Stderr, "not found: %s\n", name)
		return &exitError{code: 1}
	}
	return nil
}

func newKillCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill [NAME...]",
		Short: "Kill sessions and their shells",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.requestContext()
			defer cancel()
			reply, err := root.client().Kill(ctx, args)
			if err != nil {
				return err
			}
			if len(reply.NotFoundSessions) > 0 {
				fmt.Fprintf(os.Stderr, "not found: %s\n", strings.Join(reply.NotFoundSessions, " "))
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := root.requestContext()
			defer cancel()
			sessions, err := root.client().List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTARTED_AT")
			for _, s := range sessions {
				started := time.UnixMilli(s.StartedAtUnixMs).Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, started)
			}
			return tw.Flush()
		},
	}
}
