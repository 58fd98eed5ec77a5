package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/daemon/sessionlog"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

func newLogCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log NAME",
		Short: "Print the recorded output of a session (requires output_log)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := protocol.ValidateSessionName(name); err != nil {
				return err
			}
			store := sessionlog.New(filepath.Join(filepath.Dir(root.socketPath), "logs"))
			err := store.Replay(name, func(b []byte) error {
				_, err := os.Stdout.Write(b)
				return err
			})
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no output log for %q (is output_log enabled?)", name)
			}
			return err
		},
	}
}
