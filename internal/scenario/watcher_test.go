package scenario

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) add(ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) snapshot() []Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Change(nil), c.changes...)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	sample, err := os.ReadFile(filepath.Join("testdata", "contract.yaml"))
	require.NoError(t, err)
	p := filepath.Join(dir, "contract.yaml")
	require.NoError(t, os.WriteFile(p, sample, 0644))

	var log changeLog
	w, err := NewWatcher([]string{dir}, log.add)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(p, sample, 0644))
	require.Eventually(t, func() bool { return len(log.snapshot()) > 0 }, 5*time.Second, 20*time.Millisecond)

	got := log.snapshot()[0]
	require.NoError(t, got.Err)
	require.NotNil(t, got.Scenario)
	assert.Equal(t, "contract-indefinido", got.Scenario.ID)

	require.NoError(t, os.WriteFile(p, []byte("id: broken\nsteps: []\n"), 0644))
	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if c.Err != nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))
	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool {
		for _, c := range log.snapshot() {
			if c.Removed {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	for _, c := range log.snapshot() {
		assert.NotEqual(t, "README.md", filepath.Base(c.Path))
	}
	assert.GreaterOrEqual(t, w.Stats().Reloads, 2)
}

func TestWatcher_ExplicitFileOnly(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "a.yaml")
	other := filepath.Join(dir, "b.yaml")
	require.NoError(t, os.WriteFile(watched, []byte("id: a\n"), 0644))
	require.NoError(t, os.WriteFile(other, []byte("id: b\n"), 0644))

	var log changeLog
	w, err := NewWatcher([]string{watched}, log.add)
	require.NoError(t, err)
	w.SetDebounce(10 * time.Millisecond)
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("id: b2\n"), 0644))
	require.NoError(t, os.WriteFile(watched, []byte("id: a2\n"), 0644))
	require.Eventually(t, func() bool { return len(log.snapshot()) > 0 }, 5*time.Second, 10*time.Millisecond)

	for _, c := range log.snapshot() {
		assert.Equal(t, "a.yaml", filepath.Base(c.Path))
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewWatcher([]string{t.TempDir()}, nil)
	require.NoError(t, err)
	w.Stop()
}

func TestNewWatcher_MissingPath(t *testing.T) {
	_, err := NewWatcher([]string{filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)
}
