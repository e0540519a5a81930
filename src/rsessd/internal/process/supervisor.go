// Package process runs long-lived external commands and streams their
// output through callbacks. It is the asynchronous counterpart to
// internal/executor: callers receive stdout/stderr incrementally, may
// cancel cooperatively between chunks, and get exactly one exit callback.
package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rsess/rsessd/src/rsessd/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

const (
	_readBufferSize = 4096
	_pollInterval   = 200 * time.Millisecond
)

// Spec describes one external command to run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// Stdin, when non-empty, is written to the child's standard input.
	Stdin string
	// RedirectStderr merges stderr into the stdout stream so chunk order is
	// strict across both.
	RedirectStderr bool
}

// Callbacks receive process events. All callbacks for one process are
// invoked from a single dispatch goroutine, in order: any number of
// OnStdout/OnStderr, then exactly one OnExit. OnContinue is polled between
// chunks; returning false requests cooperative termination. The child is
// signalled, but chunks that were already in flight are still delivered.
type Callbacks struct {
	OnContinue func() bool
	OnStdout   func(text string)
	OnStderr   func(text string)
	OnExit     func(exitCode int)
}

// Handle tracks one running process.
type Handle struct {
	pid  int
	done chan struct{}
}

// Pid returns the OS process id.
func (h *Handle) Pid() int { return h.pid }

// Done is closed after the exit callback has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Supervisor starts external processes with streamed output callbacks.
type Supervisor interface {
	Start(ctx context.Context, spec Spec, cb Callbacks) (*Handle, error)
}

type supervisor struct {
	logger *zap.SugaredLogger
}

// New creates a Supervisor.
func New(logger *zap.SugaredLogger) Supervisor {
	return &supervisor{logger: logger}
}

type chunk struct {
	stderr bool
	text   string
}

// Start validates the spec, launches the child and begins streaming. Launch
// failures (missing executable, invalid working directory) are returned
// synchronously; no callback fires for them.
func (s *supervisor) Start(ctx context.Context, spec Spec, cb Callbacks) (*Handle, error) {
	if _, err := exec.LookPath(spec.Path); err != nil {
		return nil, &errors.LaunchError{Command: spec.Path, Reason: "executable not found"}
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return nil, &errors.LaunchError{Command: spec.Path, Reason: "working directory does not exist"}
		}
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	var stderr io.ReadCloser
	if spec.RedirectStderr {
		cmd.Stderr = cmd.Stdout
	} else {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
	}

	s.logger.Infow("Exec",
		"Path", spec.Path,
		"Dir", spec.Dir,
		"Args", spec.Args,
	)

	if err := cmd.Start(); err != nil {
		return nil, &errors.LaunchError{Command: spec.Path, Reason: err.Error()}
	}

	h := &Handle{pid: cmd.Process.Pid, done: make(chan struct{})}

	chunks := make(chan chunk, 16)
	var readers sync.WaitGroup

	readers.Add(1)
	go readStream(stdout, false, chunks, &readers)
	if stderr != nil {
		readers.Add(1)
		go readStream(stderr, true, chunks, &readers)
	}

	go func() {
		readers.Wait()
		close(chunks)
	}()

	go s.dispatch(cmd, chunks, cb, h)

	return h, nil
}

func readStream(r io.Reader, isStderr bool, out chan<- chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, _readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- chunk{stderr: isStderr, text: string(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}

// dispatch serializes all callbacks for one process onto this goroutine.
func (s *supervisor) dispatch(cmd *exec.Cmd, chunks <-chan chunk, cb Callbacks, h *Handle) {
	signalled := false
	signalIfStopped := func() {
		if signalled || cb.OnContinue == nil || cb.OnContinue() {
			return
		}
		signalled = true
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				s.logger.Debugw("signalling process", "pid", h.pid, "error", err)
			}
		}
	}

	ticker := time.NewTicker(_pollInterval)
	defer ticker.Stop()

	for open := true; open; {
		select {
		case c, ok := <-chunks:
			if !ok {
				open = false
				break
			}
			signalIfStopped()
			// Output emitted after a termination request is still recorded.
			if c.stderr {
				if cb.OnStderr != nil {
					cb.OnStderr(c.text)
				}
			} else if cb.OnStdout != nil {
				cb.OnStdout(c.text)
			}
		case <-ticker.C:
			// A silent child must still be terminable.
			signalIfStopped()
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	if cb.OnExit != nil {
		cb.OnExit(exitCode)
	}
	close(h.done)
}
