// Package toolchain runs the external compiler, assembler, linker, archiver
// and image extractor.
package toolchain

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Skipped is the result code of a step that did not need to run.
const Skipped = -2

// Failure is the code of a process that could not start or was killed.
const Failure = 1

// Command is one tool invocation.
type Command struct {
	Tool string
	Args []string
	Dir  string
	// Timeout overrides the runner's timeout when positive.
	Timeout time.Duration
}

// String renders the invocation for logs.
func (c Command) String() string {
	return c.Tool + " " + strings.Join(c.Args, " ")
}

// Result of a tool invocation.
//
// Code is 0 on success, Skipped when nothing ran and positive on failure.
type Result struct {
	Code     int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// OK reports success.
func (r Result) OK() bool {
	return r.Code == 0
}

// IsSkipped reports whether the step did not run.
func (r Result) IsSkipped() bool {
	return r.Code == Skipped
}

// Failed reports a positive exit code.
func (r Result) Failed() bool {
	return r.Code > 0
}

// Output is the captured stdout followed by stderr.
func (r Result) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// SkippedResult is returned for steps that did not need to run.
func SkippedResult() Result {
	return Result{Code: Skipped}
}

// Runner dispatches a command and waits for it.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) Result

func (f RunnerFunc) Run(ctx context.Context, cmd Command) Result {
	return f(ctx, cmd)
}

// DefaultTimeout applies when neither the command nor the runner sets one.
const DefaultTimeout = 5 * time.Minute

// waitDelay bounds output copying after a killed process.
const waitDelay = 2 * time.Second

// ExecRunner runs commands as child processes with captured output.
type ExecRunner struct {
	Timeout time.Duration
	Env     []string
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

// Run starts `cmd` and waits for it, up to its timeout.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdOut := new(bytes.Buffer)
	stdErr := new(bytes.Buffer)
	c := exec.CommandContext(ctx, cmd.Tool, cmd.Args...)
	c.Dir = cmd.Dir
	if len(r.Env) > 0 {
		c.Env = r.Env
	}
	c.Stdout = stdOut
	c.Stderr = stdErr
	c.WaitDelay = waitDelay

	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{
			Code:   Failure,
			Stderr: errors.Wrapf(err, "failed to start \"%s\"", cmd.Tool).Error(),
		}
	}
	err := c.Wait()
	result := Result{
		Stdout:   stdOut.String(),
		Stderr:   stdErr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result
	}
	if ctx.Err() != nil {
		result.Code = Failure
		result.Stderr += errors.Wrapf(ctx.Err(), "\"%s\" did not finish within %s", cmd.Tool, timeout).Error()
		return result
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		result.Code = exitErr.ExitCode()
	} else {
		result.Code = Failure
		result.Stderr += err.Error()
	}
	return result
}
