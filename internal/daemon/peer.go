package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ErrForbidden rejects a peer running as a different user.
var ErrForbidden = errors.New("forbidden")

type peerCred struct {
	uid uint32
	pid int32
}

func peerCredentials(conn net.Conn) (peerCred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return peerCred{}, fmt.Errorf("peer credentials: not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return peerCred{}, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return peerCred{}, err
	}
	if credErr != nil {
		return peerCred{}, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return peerCred{uid: cred.Uid, pid: cred.Pid}, nil
}

func procExe(pid int32) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// checkPeer authenticates a connection. A uid mismatch is an error
// wrapping ErrForbidden; a different executable only yields a warning.
func (s *Server) checkPeer(conn net.Conn) ([]string, error) {
	cred, err := peerCredentials(conn)
	if err != nil {
		return nil, err
	}
	if cred.uid != uint32(os.Getuid()) {
		return nil, fmt.Errorf("%w: peer uid %d is not daemon uid %d", ErrForbidden, cred.uid, os.Getuid())
	}

	peerExe, err := s.cfg.ResolveExe(cred.pid)
	if err != nil {
		return []string{fmt.Sprintf("could not resolve attach binary: %v", err)}, nil
	}
	if s.selfExe != "" && peerExe != s.selfExe {
		return []string{fmt.Sprintf("attach binary %s differs from daemon binary %s", peerExe, s.selfExe)}, nil
	}
	return nil, nil
}
