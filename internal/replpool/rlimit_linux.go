//go:build linux

package replpool

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// rlimitSnapshot is the previous RLIMIT_AS value saved by setRlimitAS so
// it can be restored after the fork.
type rlimitSnapshot = unix.Rlimit

// configureSysProcAttr places the child in its own process group so a
// single SIGKILL to -pid reaps it and any descendants it spawns.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setRlimitAS lowers RLIMIT_AS for the calling OS thread/process and
// returns the previous limit. Go's os/exec has no equivalent of Python's
// preexec_fn, so a memory-capped spawn instead lowers the limit just
// before cmd.Start() (fork() duplicates rlimits, and the child's copy is
// independent of the parent's from that point on) and restores it
// immediately after. Worker.Start holds the package-level rlimitMu across
// this window, so only one spawn at a time lowers and restores the limit.
func setRlimitAS(bytes uint64) (rlimitSnapshot, error) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &cur); err != nil {
		return unix.Rlimit{}, err
	}
	lim := unix.Rlimit{Cur: bytes, Max: cur.Max}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
		return unix.Rlimit{}, err
	}
	return cur, nil
}

func restoreRlimitAS(prev rlimitSnapshot) {
	_ = unix.Setrlimit(unix.RLIMIT_AS, &prev)
}

func killProcessGroup(pgid int) error {
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
