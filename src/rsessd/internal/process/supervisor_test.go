package process

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	rserrors "github.com/rsess/rsessd/src/rsessd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	exit   chan int
}

func newRecorder() *recorder {
	return &recorder{exit: make(chan int, 1)}
}

func (r *recorder) callbacks(onContinue func() bool) Callbacks {
	return Callbacks{
		OnContinue: onContinue,
		OnStdout: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stdout.WriteString(text)
		},
		OnStderr: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stderr.WriteString(text)
		},
		OnExit: func(code int) {
			r.exit <- code
		},
	}
}

func (r *recorder) stdoutText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String()
}

func (r *recorder) stderrText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stderr.String()
}

func waitExit(t *testing.T, r *recorder) int {
	t.Helper()
	select {
	case code := <-r.exit:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return -1
	}
}

func TestStartStreamsOutput(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	r := newRecorder()

	h, err := s.Start(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	}, r.callbacks(nil))
	require.NoError(t, err)
	require.NotNil(t, h)

	code := waitExit(t, r)
	assert.Equal(t, 0, code)
	assert.Equal(t, "out\n", r.stdoutText())
	assert.Equal(t, "err\n", r.stderrText())
}

func TestStartRedirectStderr(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	r := newRecorder()

	_, err := s.Start(context.Background(), Spec{
		Path:           "sh",
		Args:           []string{"-c", "echo one; echo two 1>&2; echo three"},
		RedirectStderr: true,
	}, r.callbacks(nil))
	require.NoError(t, err)

	waitExit(t, r)
	assert.Equal(t, "one\ntwo\nthree\n", r.stdoutText())
	assert.Empty(t, r.stderrText())
}

func TestStartNonZeroExit(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	r := newRecorder()

	_, err := s.Start(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "echo partial; exit 3"},
	}, r.callbacks(nil))
	require.NoError(t, err)

	code := waitExit(t, r)
	assert.Equal(t, 3, code)
	assert.Equal(t, "partial\n", r.stdoutText())
}

func TestStartStdin(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	r := newRecorder()

	_, err := s.Start(context.Background(), Spec{
		Path:  "cat",
		Stdin: "from stdin",
	}, r.callbacks(nil))
	require.NoError(t, err)

	waitExit(t, r)
	assert.Equal(t, "from stdin", r.stdoutText())
}

func TestStartLaunchErrors(t *testing.T) {
	s := New(zap.NewNop().Sugar())

	tests := []struct {
		name string
		spec Spec
	}{
		{
			name: "missing executable",
			spec: Spec{Path: "definitely-not-a-real-binary-rsessd"},
		},
		{
			name: "invalid working directory",
			spec: Spec{Path: "sh", Args: []string{"-c", "true"}, Dir: "/nonexistent/dir/rsessd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecorder()
			h, err := s.Start(context.Background(), tt.spec, r.callbacks(nil))
			require.Error(t, err)
			assert.Nil(t, h)

			var launchErr *rserrors.LaunchError
			assert.ErrorAs(t, err, &launchErr)

			// No callbacks fire for launch failures.
			select {
			case <-r.exit:
				t.Fatal("unexpected exit callback")
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
}

func TestCooperativeCancellation(t *testing.T) {
	s := New(zap.NewNop().Sugar())
	r := newRecorder()

	var mu sync.Mutex
	stop := false

	cb := r.callbacks(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !stop
	})

	h, err := s.Start(context.Background(), Spec{
		Path: "sh",
		Args: []string{"-c", "while true; do echo tick; sleep 0.05; done"},
	}, cb)
	require.NoError(t, err)

	// Let it produce some output, then request termination.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	stop = true
	mu.Unlock()

	code := waitExit(t, r)
	assert.NotEqual(t, 0, code)
	assert.Contains(t, r.stdoutText(), "tick")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle not marked done")
	}
}
