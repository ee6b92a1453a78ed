// Package process starts the supervisor's children: re-executions of the
// running binary under a hidden subcommand. A child's stdin and stdout
// carry its channel to the supervisor; stderr carries its log records.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/gasbot/internal/channel"
)

// Spec describes one child.
type Spec struct {
	// Name is the process name used in logs and channel errors ("worker-0").
	Name string
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	// Env is added to the inherited environment.
	Env map[string]string
	// ExtraFiles become file descriptors 3, 4, ... in the child.
	ExtraFiles []*os.File
}

// Child is a running child process.
type Child struct {
	Name    string
	Channel *channel.Channel
	// Stderr is the child's log stream. Read it until EOF.
	Stderr io.ReadCloser

	cmd  *exec.Cmd
	done chan struct{}
	err  error

	stopOnce sync.Once
}

// Start launches the child in its own process group and wires its channel.
func Start(spec Spec, opts ...channel.Option) (*Child, error) {
	exe := spec.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating own executable: %w", err)
		}
		exe = self
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stdin pipe: %w", spec.Name, err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("%s: stdout pipe: %w", spec.Name, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("%s: stderr pipe: %w", spec.Name, err)
	}

	cmd := exec.Command(exe, spec.Args...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.ExtraFiles = spec.ExtraFiles
	cmd.Env = append(os.Environ(), envSlice(spec.Env)...)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}
	// The child holds its own copies now.
	closeAll(inR, outW, errW)

	c := &Child{
		Name:    spec.Name,
		Channel: channel.New(spec.Name, outR, inW, opts...),
		Stderr:  errR,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

// Pid returns the child's process id.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the exit error once Done is closed: nil for exit status 0,
// an *exec.ExitError otherwise.
func (c *Child) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// ExitCode returns the exit status, or -1 while running or when the child
// was killed by a signal.
func (c *Child) ExitCode() int {
	select {
	case <-c.done:
		return c.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// ErrKilled reports that Stop had to signal the child.
var ErrKilled = errors.New("child did not exit in time and was killed")

// Stop waits up to grace for the child to exit on its own (it normally does
// after the close sentinel), then terminates its process group. It returns
// ErrKilled when signals were needed.
func (c *Child) Stop(grace time.Duration) error {
	select {
	case <-c.done:
		return nil
	case <-time.After(grace):
	}
	var err error
	c.stopOnce.Do(func() {
		err = ErrKilled
		terminate(c.cmd.Process, c.done)
	})
	<-c.done
	return err
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
