package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_ReloadsOnValidEdit(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, ".circadia", "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	got := make(chan float64, 4)
	w, err := NewWatcher(workspace, func(c *Config) {
		got <- c.Cycle.HysteresisMs
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	edited := DefaultConfig()
	edited.Cycle.HysteresisMs = 4321
	require.NoError(t, edited.Save(path))

	select {
	case v := <-got:
		assert.Equal(t, 4321.0, v)
	case <-time.After(5 * time.Second):
		t.Fatal("onChange not invoked after config edit")
	}

	reloads, rejected := w.Stats()
	assert.GreaterOrEqual(t, reloads, 1)
	assert.Equal(t, 0, rejected)
}

func TestWatcher_RejectsInvalidEdit(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, ".circadia", "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	calls := make(chan struct{}, 4)
	w, err := NewWatcher(workspace, func(*Config) { calls <- struct{}{} })
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	bad := []byte("cycle:\n  period_ms: -5\n")
	require.NoError(t, os.WriteFile(path, bad, 0644))

	waitFor(t, func() bool {
		_, rejected := w.Stats()
		return rejected >= 1
	})
	assert.Empty(t, calls, "onChange must not fire for an invalid edit")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".circadia")
	require.NoError(t, os.MkdirAll(dir, 0755))

	w, err := NewWatcher(workspace, func(*Config) {
		t.Error("onChange fired for an unrelated file")
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)

	reloads, rejected := w.Stats()
	assert.Equal(t, 0, reloads)
	assert.Equal(t, 0, rejected)
}

func TestWatcher_StartStopNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	workspace := t.TempDir()
	require.NoError(t, DefaultConfig().Save(filepath.Join(workspace, ".circadia", "config.yaml")))

	w, err := NewWatcher(workspace, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background())) // second Start is a no-op

	w.Stop()
	w.Stop() // idempotent
}
