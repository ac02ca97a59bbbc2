package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/andrej220/linen/pkg/config/configstore"
	"github.com/andrej220/linen/pkg/lg"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var _ configstore.ConfigStore = (*FileStore)(nil)

type FileStore struct {
	Path   string
	logger lg.Logger
}

type Option func(*FileStore)

// WithLogger sets where watcher errors are reported.
func WithLogger(l lg.Logger) Option {
	return func(f *FileStore) { f.logger = l }
}

func New(path string, opts ...Option) *FileStore {
	f := &FileStore{Path: path, logger: lg.Discard}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FileStore) Load(out any) error {
	if out == nil {
		return fmt.Errorf("Load: output parameter must not be nil")
	}

	bytes, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("Load: failed to read file %s: %w", f.Path, err)
	}
	if len(bytes) == 0 {
		return fmt.Errorf("Load: config file %s is empty", f.Path)
	}
	if err := yaml.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("Load: failed to parse YAML in %s: %w", f.Path, err)
	}
	return nil
}

func (f *FileStore) Save(in any) error {
	if in == nil {
		return fmt.Errorf("Save: input parameter must not be nil")
	}

	bytes, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal YAML: %w", err)
	}

	// write a temp file, then rename over the target
	tmpPath := f.Path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return fmt.Errorf("Save: failed to write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("Save: failed to replace %s with %s: %w", f.Path, tmpPath, err)
	}
	return nil
}

// Watch calls onChange whenever the file is written, created or renamed into
// place. The parent directory is watched so atomic saves are seen too.
func (f *FileStore) Watch(onChange func()) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback cannot be nil")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch file %s: %w", f.Path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.watchLoop(watcher.Events, watcher.Errors, onChange)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			watcher.Close()
			<-done
		})
	}
	return stop, nil
}

// watchLoop forwards events for Path to onChange until either channel closes.
func (f *FileStore) watchLoop(events <-chan fsnotify.Event, errs <-chan error, onChange func()) {
	target := filepath.Clean(f.Path)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				onChange()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			f.log().Warn("config watcher error", lg.String("path", f.Path), lg.Err(err))
		}
	}
}

// log covers a FileStore built as a literal.
func (f *FileStore) log() lg.Logger {
	if f.logger == nil {
		return lg.Discard
	}
	return f.logger
}
