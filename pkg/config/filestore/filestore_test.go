package filestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrej220/linen/pkg/lg"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type doc struct {
	Name  string   `yaml:"name"`
	Hosts []string `yaml:"hosts"`
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := New(path)

	in := doc{Name: "agent", Hosts: []string{"10.0.0.1", "10.0.0.2"}}
	require.NoError(t, store.Save(in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var out doc
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, New(filepath.Join(dir, "missing.yaml")).Load(&doc{}))
	assert.Error(t, New(filepath.Join(dir, "x.yaml")).Load(nil))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	assert.ErrorContains(t, New(empty).Load(&doc{}), "empty")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("name: [unterminated"), 0600))
	assert.ErrorContains(t, New(broken).Load(&doc{}), "parse YAML")

	assert.Error(t, New(filepath.Join(dir, "x.yaml")).Save(nil))
}

func TestWatchSeesAtomicSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	store := New(path)
	require.NoError(t, store.Save(doc{Name: "v1"}))

	changed := make(chan struct{}, 16)
	stop, err := store.Watch(func() { changed <- struct{}{} })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, store.Save(doc{Name: "v2"}))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after save")
	}

	stop()
	stop()
}

func TestWatchRequiresCallback(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "c.yaml")).Watch(nil)
	assert.Error(t, err)
}

func TestWatchLoopLogsErrorsAndFiltersEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	store := New(path, WithLogger(lg.NewFromZap(zap.New(core))))

	events := make(chan fsnotify.Event, 4)
	errs := make(chan error, 1)
	events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(path), "other.yaml"), Op: fsnotify.Write}
	events <- fsnotify.Event{Name: path, Op: fsnotify.Chmod}
	events <- fsnotify.Event{Name: path, Op: fsnotify.Rename}
	errs <- errors.New("queue overflow")

	var changes int
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.watchLoop(events, errs, func() { changes++ })
	}()

	require.Eventually(t, func() bool { return logs.Len() == 1 && len(events) == 0 }, time.Second, 5*time.Millisecond)
	close(events)
	<-done

	assert.Equal(t, 1, changes)
	entry := logs.All()[0]
	assert.Equal(t, "config watcher error", entry.Message)
	assert.Equal(t, "queue overflow", entry.ContextMap()["error"])
	assert.Equal(t, path, entry.ContextMap()["path"])
}
