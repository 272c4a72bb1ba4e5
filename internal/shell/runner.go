// Package shell runs external commands for the build orchestrator.
//
// A command killed by a signal usually means the whole process group received
// that signal. The runner then waits briefly before returning so the
// orchestrator's own signal handling gets to run before any unwind logic.
//
// Cancelling the context asks the child to terminate with SIGTERM and leaves
// it TerminateGrace to clean up before it is killed.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cochaviz/stage4/internal/logging"
)

var (
	// SignalGrace is how long the runner sleeps after a child died from a
	// signal.
	SignalGrace = time.Second
	// TerminateGrace is how long a cancelled child may take to exit after
	// SIGTERM.
	TerminateGrace = 30 * time.Second
)

// Command describes one process invocation. Env is the complete environment;
// nothing is inherited from the orchestrator.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Chroot string
}

func (c Command) String() string {
	parts := append([]string{c.Path}, c.Args...)
	if c.Chroot != "" {
		return fmt.Sprintf("chroot %s %s", c.Chroot, strings.Join(parts, " "))
	}
	return strings.Join(parts, " ")
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Signaled bool
	Output   string
}

func (e *ExitError) Error() string {
	if e.Signaled {
		return fmt.Sprintf("%s: terminated by signal", e.Command)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

// Runner executes commands. Call captures combined output, Exec streams to
// the runner's writers, Test only reports success.
type Runner interface {
	Call(ctx context.Context, cmd Command) (string, error)
	Exec(ctx context.Context, cmd Command) error
	Test(ctx context.Context, cmd Command) (bool, error)
}

// HostRunner runs commands on the host with os/exec.
type HostRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	sleep func(time.Duration)
}

var _ Runner = (*HostRunner)(nil)

func (r *HostRunner) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return logging.Ensure(nil)
}

func (r *HostRunner) Call(ctx context.Context, cmd Command) (string, error) {
	var out bytes.Buffer
	c := r.command(ctx, cmd)
	c.Stdout = &out
	c.Stderr = &out

	err := r.run(ctx, c, cmd)
	output := strings.TrimRight(out.String(), "\n")
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		exitErr.Output = output
		r.logger().Error("command failed", "command", cmd.String(), "output", output)
	}
	return output, err
}

func (r *HostRunner) Exec(ctx context.Context, cmd Command) error {
	c := r.command(ctx, cmd)
	c.Stdout = r.Stdout
	c.Stderr = r.Stderr
	return r.run(ctx, c, cmd)
}

func (r *HostRunner) Test(ctx context.Context, cmd Command) (bool, error) {
	c := r.command(ctx, cmd)
	err := r.run(ctx, c, cmd)
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}

func (r *HostRunner) command(ctx context.Context, cmd Command) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = TerminateGrace
	c.Env = append([]string{}, cmd.Env...)
	c.Dir = cmd.Dir
	if cmd.Chroot != "" {
		c.SysProcAttr = &syscall.SysProcAttr{Chroot: cmd.Chroot}
		if c.Dir == "" {
			c.Dir = "/"
		}
	}
	return c
}

func (r *HostRunner) run(ctx context.Context, c *exec.Cmd, cmd Command) error {
	r.logger().Debug("running command", "command", cmd.String())

	err := c.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("run %s: %w", cmd.Path, err)
	}

	result := &ExitError{Command: cmd.String(), ExitCode: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signaled = true
	}
	if result.Signaled || result.ExitCode > 128 {
		r.pause(SignalGrace)
	}
	if ctx.Err() != nil {
		return errors.Join(result, ctx.Err())
	}
	return result
}

func (r *HostRunner) pause(d time.Duration) {
	if r.sleep != nil {
		r.sleep(d)
		return
	}
	time.Sleep(d)
}
