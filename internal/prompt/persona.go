package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// personaFiles are the bundle sections in concatenation order.
var personaFiles = []string{"SOUL.md", "AGENT.md", "USER.md"}

// PersonaLoader reads the persona bundle from a directory and hot-reloads
// it on file changes. Bundle returns a consistent snapshot.
type PersonaLoader struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	bundle string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPersonaLoader loads the bundle once from dir. Missing files are
// skipped; an empty directory yields an empty bundle.
func NewPersonaLoader(dir string, logger *slog.Logger) (*PersonaLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &PersonaLoader{dir: dir, logger: logger}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Bundle returns the current persona text.
func (l *PersonaLoader) Bundle() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bundle
}

// Watch starts hot reload on file changes. Close stops it.
func (l *PersonaLoader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt: persona watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("prompt: watch %s: %w", l.dir, err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				if !isPersonaFile(filepath.Base(event.Name)) {
					continue
				}
				if err := l.reload(); err != nil {
					l.logger.Warn("persona reload failed", "error", err)
				} else {
					l.logger.Info("persona reloaded", "file", filepath.Base(event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("persona watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *PersonaLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

func (l *PersonaLoader) reload() error {
	var parts []string
	for _, name := range personaFiles {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("prompt: read persona %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, text)
		}
	}
	bundle := strings.Join(parts, "\n\n")

	l.mu.Lock()
	l.bundle = bundle
	l.mu.Unlock()
	return nil
}

func isPersonaFile(name string) bool {
	for _, f := range personaFiles {
		if name == f {
			return true
		}
	}
	return false
}
