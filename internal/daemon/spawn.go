package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"

	"github.com/antonkrylov/shellpool/internal/config"
	"github.com/antonkrylov/shellpool/internal/protocol"
)

const defaultInitialPath = "/usr/bin:/bin:/usr/sbin:/sbin"

// forwardedEnv is the client environment every subshell inherits.
var forwardedEnv = []string{"LANG", "LC_ALL", "DISPLAY", "SSH_AUTH_SOCK"}

// spawnSubshell forks a shell on a fresh PTY for header.Name. The
// returned session's reader is not started yet.
func (s *Server) spawnSubshell(cid string, header *protocol.AttachHeader) (*Session, error) {
	cfg := s.cfg.Config
	argv, path, err := subshellArgv(cfg, header)
	if err != nil {
		return nil, err
	}
	env, err := subshellEnv(cfg, header)
	if err != nil {
		return nil, err
	}

	cmd := &exec.Cmd{Path: path, Args: argv, Env: env}
	if home := envValue(env, "HOME"); home != "" {
		if st, err := os.Stat(home); err == nil && st.IsDir() {
			cmd.Dir = home
		}
	}

	master, err := startPTY(cmd, header.LocalTtySize, cfg.NoEcho)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	logger := s.cfg.Logger.With("session", header.Name)
	sess := &Session{
		name:      header.Name,
		id:        uuid.New(),
		startedAt: time.Now(),
		pty:       master,
		cmd:       cmd,
		exit:      newExitNotifier(),
		ctl:       newControlChannel(),
		spool:     newOutputSpool(cfg.OutputSpoolLines),
		logger:    logger,
	}
	if s.logs != nil {
		w, err := s.logs.Create(header.Name)
		if err != nil {
			logger.Warn("open output log", "err", err)
		} else {
			sess.outlog = w
		}
	}
	go sess.watch()
	logger.Info("spawned subshell", "cid", cid, "pid", sess.Pid(), "path", path)
	return sess, nil
}

func startPTY(cmd *exec.Cmd, size protocol.TtySize, noecho bool) (*os.File, error) {
	master, tty, err := openPTY()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tty.Close() }()

	if size.Rows > 0 && size.Cols > 0 {
		_ = setWinsize(master, size)
	}
	if noecho {
		if err := disableEcho(tty); err != nil {
			_ = master.Close()
			return nil, fmt.Errorf("disable echo: %w", err)
		}
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	// Ctty indexes the child's descriptors; stdin is the tty.
	cmd.SysProcAttr.Ctty = 0

	if err := cmd.Start(); err != nil {
		_ = master.Close()
		return nil, err
	}
	return master, nil
}

func disableEcho(tty *os.File) error {
	return withFd(tty, func(fd int) error {
		t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return err
		}
		t.Lflag &^= unix.ECHO
		return unix.IoctlSetTermios(fd, unix.TCSETS, t)
	})
}

// subshellArgv returns the argv and resolved path of the program to run:
// the attach command when given, otherwise a login shell.
func subshellArgv(cfg *config.Config, header *protocol.AttachHeader) ([]string, string, error) {
	if header.Cmd != nil {
		args, err := shellquote.Split(*header.Cmd)
		if err != nil {
			return nil, "", fmt.Errorf("parse cmd %q: %w", *header.Cmd, err)
		}
		if len(args) == 0 {
			return nil, "", fmt.Errorf("empty cmd")
		}
		path, err := exec.LookPath(args[0])
		if err != nil {
			return nil, "", err
		}
		return args, path, nil
	}

	shell := loginShell(cfg)
	path, err := exec.LookPath(shell)
	if err != nil {
		return nil, "", err
	}
	argv := []string{"-" + filepath.Base(shell)}
	if cfg.NoRC && filepath.Base(shell) == "bash" {
		argv = append(argv, "--norc", "--noprofile")
	}
	return argv, path, nil
}

func loginShell(cfg *config.Config) string {
	if cfg.Shell != "" {
		return cfg.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// subshellEnv builds the environment from scratch; nothing from the
// daemon's own environment leaks in except XDG_RUNTIME_DIR.
func subshellEnv(cfg *config.Config, header *protocol.AttachHeader) ([]string, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	initialPath := cfg.InitialPath
	if initialPath == "" {
		initialPath = defaultInitialPath
	}

	env := newEnvList()
	env.set("HOME", u.HomeDir)
	env.set("PATH", initialPath)
	env.set("USER", u.Username)
	env.set("SHELL", loginShell(cfg))
	env.set("SHELLPOOL_SESSION_NAME", header.Name)
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		env.set("XDG_RUNTIME_DIR", v)
	}

	term, hasTerm := header.LocalEnvGet("TERM")
	if v, ok := cfg.Env["TERM"]; ok {
		term, hasTerm = v, true
	}
	if hasTerm && term != "" {
		env.set("TERM", term)
	}

	for _, key := range append(append([]string(nil), forwardedEnv...), cfg.ForwardEnv...) {
		if v, ok := header.LocalEnvGet(key); ok {
			env.set(key, v)
		}
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		if k != "TERM" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env.set(k, cfg.Env[k])
	}
	return env.list(), nil
}

// envList keeps insertion order and lets later writes win.
type envList struct {
	keys []string
	vals map[string]string
}

func newEnvList() *envList {
	return &envList{vals: make(map[string]string)}
}

func (e *envList) set(k, v string) {
	if _, ok := e.vals[k]; !ok {
		e.keys = append(e.keys, k)
	}
	e.vals[k] = v
}

func (e *envList) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.vals[k])
	}
	return out
}

func envValue(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):]
		}
	}
	return ""
}
