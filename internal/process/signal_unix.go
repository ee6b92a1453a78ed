//go:build !windows

package process

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killWait is how long a group gets between SIGTERM and SIGKILL.
const killWait = 500 * time.Millisecond

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminate signals the child's whole process group so helpers it started
// (a browser, for instance) go with it.
func terminate(p *os.Process, done <-chan struct{}) {
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil {
		_ = p.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(killWait):
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// IgnoreBrokenPipe makes writes to a closed stdout fail with EPIPE instead of
// killing the process. Children call it before touching their channel.
func IgnoreBrokenPipe() {
	signal.Ignore(unix.SIGPIPE)
}
