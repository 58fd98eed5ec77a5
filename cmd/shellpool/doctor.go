package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/shellpool/internal/client"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("shellpool")
			look = strings.TrimSpace(look)

			fmt.Fprintf(os.Stdout, "shellpool_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(os.Stdout, "shellpool_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(os.Stdout, "warning=you_are_not_running_the_same_shellpool_as_on_PATH (the daemon warns when attach and daemon binaries differ)")
				}
			}
			fmt.Fprintf(os.Stdout, "version=%s protocol=%s\n", version, protocol.Version)
			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			fmt.Fprintf(os.Stdout, "config_shell=%s restore_mode=%s output_log=%t\n",
				root.config.Shell, root.config.SessionRestoreMode, root.config.OutputLog)
			fmt.Fprintf(os.Stdout, "socket_path=%s\n", root.socketPath)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			c := client.New(root.socketPath)
			c.Logger = root.logger
			daemonVersion, err := c.DaemonVersion(ctx)
			if err != nil {
				fmt.Fprintln(os.Stdout, "daemon_running=false")
				fmt.Fprintf(os.Stdout, "daemon_error=%s\n", err.Error())
				return nil
			}
			fmt.Fprintln(os.Stdout, "daemon_running=true")
			fmt.Fprintf(os.Stdout, "daemon_protocol=%s\n", daemonVersion)
			fmt.Fprintf(os.Stdout, "daemon_protocol_matches=%t\n", daemonVersion == protocol.Version)
			return nil
		},
	}
}
