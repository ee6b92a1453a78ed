//go:build windows

package process

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func terminate(p *os.Process, _ <-chan struct{}) {
	_ = p.Kill()
}

// IgnoreBrokenPipe is a no-op: Windows has no SIGPIPE.
func IgnoreBrokenPipe() {}
