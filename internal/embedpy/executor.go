package embedpy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes prepared commands. The pipeline never calls cmd.Run
// directly so tests can substitute a recorder.
type Runner interface {
	Run(cmd *exec.Cmd) error
}

// Executor runs external tools with a shared cancellation context, an
// optional build log and process-group cleanup.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to the command (unix only)
	Log               io.Writer       // Log receives the command line and its output; may be nil
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// contextRunner is implemented by runners that can also stop a command when
// a caller-scoped context ends.
type contextRunner interface {
	RunContext(ctx context.Context, cmd *exec.Cmd) error
}

// runContext runs cmd through r, bound to ctx when r supports it.
func runContext(ctx context.Context, r Runner, cmd *exec.Cmd) error {
	if cr, ok := r.(contextRunner); ok {
		return cr.RunContext(ctx, cmd)
	}
	return r.Run(cmd)
}

// Run executes the given command. Output not already redirected by the
// caller goes to the build log, and to the terminal as well in verbose mode.
func (e *Executor) Run(cmd *exec.Cmd) error {
	return e.RunContext(e.Context, cmd)
}

// RunContext is Run, but the command is also killed when ctx ends.
func (e *Executor) RunContext(ctx context.Context, cmd *exec.Cmd) error {
	if cmd.Err != nil {
		return cmd.Err
	}
	base := e.Context
	if base == nil {
		base = context.Background()
	}
	if ctx == nil {
		ctx = base
	} else if ctx != base {
		merged, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := context.AfterFunc(base, func() { cancel(context.Cause(base)) })
		defer stop()
		ctx = merged
	}

	// --- Phase 0: wire up stdio ---
	if cmd.Stdout == nil {
		cmd.Stdout = e.sink(os.Stdout)
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.sink(os.Stderr)
	}

	// --- Phase 1: build the final command ---
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]
	if e.ApplyIdlePriority && supportsNice {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}
	finalCmd := exec.CommandContext(ctx, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	line := shellQuote(finalCmd.Args)
	if cmd.Dir != "" {
		line = "(cd " + shellQuote([]string{cmd.Dir}) + " && " + line + ")"
	}
	if e.Log != nil {
		fmt.Fprintf(e.Log, "+ %s\n", line)
	}
	debugf("+ %s\n", line)

	// --- Phase 2: isolate process group for context-based cleanup ---
	isolateProcessGroup(finalCmd)

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			killProcessGroup(finalCmd)
		case <-done:
		}
	}()

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		return fmt.Errorf("%s: %w", finalCmd.Args[0], waitErr)
	}
	return nil
}

func (e *Executor) sink(term io.Writer) io.Writer {
	switch {
	case e.Log == nil:
		return term
	case Verbose:
		return io.MultiWriter(term, e.Log)
	default:
		return e.Log
	}
}

// runOutput runs cmd through r and returns trimmed stdout.
func runOutput(r Runner, cmd *exec.Cmd) (string, error) {
	var out bytes.Buffer
	cmd.Stdout = &out
	err := r.Run(cmd)
	return strings.TrimSpace(out.String()), err
}
