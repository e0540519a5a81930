package executor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Instantiates the new Executor through fx provider
func fxExecutor(t *testing.T) (Executor, *observer.ObservedLogs) {
	var e Executor
	core, recorded := observer.New(zap.InfoLevel)
	logger := zap.New(core).Sugar()

	fxtest.New(t,
		fx.Provide(
			func() Executor {
				return NewExecutor(WithLogger(logger))
			},
		),
		fx.Populate(&e),
	).RequireStart().RequireStop()

	return e, recorded
}

func TestRunCommand(t *testing.T) {
	e, recorded := fxExecutor(t)

	t.Run("RunCommandWithoutStdin", func(t *testing.T) {
		binPath, err := exec.LookPath("true")
		if errors.Is(err, exec.ErrNotFound) {
			t.Skip("no true available")
		}
		require.NoError(t, err)

		cmd := exec.Command("true", "1", "2")
		cmd.Dir = "/"
		env := []string{"KEY1=VAL1", "KEY2=VAL2"}
		err = e.RunCommand(cmd, env)
		assert.NoError(t, err)
		logs := recorded.TakeAll()
		require.Len(t, logs, 1)
		assert.Equal(t, map[string]interface{}{
			"Path": binPath,
			"Dir":  "/",
			"Args": []interface{}{"1", "2"},
		}, logs[0].ContextMap())
	})

	t.Run("RunCommandWithStdin", func(t *testing.T) {
		binPath, err := exec.LookPath("true")
		if errors.Is(err, exec.ErrNotFound) {
			t.Skip("no true available")
		}
		require.NoError(t, err)

		cmd := exec.Command("true", "1", "2")
		cmd.Dir = "/"
		cmd.Stdin = strings.NewReader("SomeInput")
		env := []string{"KEY1=VAL1", "KEY2=VAL2"}
		err = e.RunCommand(cmd, env)
		assert.NoError(t, err)
		logs := recorded.TakeAll()
		require.Len(t, logs, 1)
		assert.Equal(t, map[string]interface{}{
			"Path":  binPath,
			"Dir":   "/",
			"Args":  []interface{}{"1", "2"},
			"Stdin": "SomeInput",
		}, logs[0].ContextMap())
	})

	t.Run("fail", func(t *testing.T) {
		_, err := exec.LookPath("false")
		if errors.Is(err, exec.ErrNotFound) {
			t.Skip("no false available")
		}
		require.NoError(t, err)

		cmd := exec.Command("false", "3", "4")
		env := []string{"KEY1=VAL1", "KEY2=VAL2"}
		err = e.RunCommand(cmd, env)
		assert.Error(t, err)
		logs := recorded.TakeAll()
		require.Len(t, logs, 1)
	})
}

func TestRun(t *testing.T) {
	tempDir := t.TempDir()
	e, _ := fxExecutor(t)

	t.Run("empty dir listing", func(t *testing.T) {
		cmd := exec.Command("ls")
		cmd.Dir = tempDir
		cmd.Env = os.Environ()
		stdOut, stdErr, exitCode, err := e.Run(cmd)

		assert.Equal(t, "", stdOut)
		assert.Empty(t, stdErr)
		assert.Equal(t, 0, exitCode)
		assert.NoError(t, err)
	})

	t.Run("captures stdout", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(tempDir, "1.txt"), []byte("x"), 0644))

		cmd := exec.Command("ls")
		cmd.Dir = tempDir
		cmd.Env = os.Environ()
		stdOut, stdErr, exitCode, err := e.Run(cmd)

		assert.Contains(t, stdOut, "1.txt")
		assert.Empty(t, stdErr)
		assert.Equal(t, 0, exitCode)
		assert.NoError(t, err)
	})
}
