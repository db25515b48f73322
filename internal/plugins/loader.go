package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"relay/internal/agent"
	"relay/internal/llm"
	"relay/internal/logging"
)

// Loader keeps the registry in sync with a directory of plugin JSON files.
type Loader struct {
	dir      string
	registry *agent.Registry
	client   llm.Client
	selector *llm.Selector
	host     HostVars
	logger   logging.Logger

	mu      sync.Mutex
	byFile  map[string]string // file path -> registered agent id
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a loader rooted at dir.
func NewLoader(dir string, registry *agent.Registry, client llm.Client, selector *llm.Selector, host HostVars, logger logging.Logger) *Loader {
	return &Loader{
		dir:      dir,
		registry: registry,
		client:   client,
		selector: selector,
		host:     host,
		logger:   logging.OrNop(logger),
		byFile:   make(map[string]string),
	}
}

// LoadAll parses every *.json in the directory and registers the valid
// agents. Invalid files are logged and skipped; the error slice reports them
// for host notification.
func (l *Loader) LoadAll() []error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []error{fmt.Errorf("read plugins dir: %w", err)}
	}
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := l.loadFile(filepath.Join(l.dir, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// loadFile validates one plugin file and swaps it into the registry,
// unregistering any agent previously loaded from the same file.
func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", filepath.Base(path), err)
	}
	def, err := Parse(data)
	if err != nil {
		l.logger.Warn("rejecting plugin %s: %v", filepath.Base(path), err)
		return fmt.Errorf("plugin %s: %w", filepath.Base(path), err)
	}

	l.mu.Lock()
	previous := l.byFile[path]
	l.byFile[path] = def.ID
	l.mu.Unlock()

	if previous != "" && previous != def.ID {
		l.registry.Unregister(previous)
	}
	if err := l.registry.Register(NewAgent(def, l.client, l.selector, l.host)); err != nil {
		return fmt.Errorf("plugin %s: %w", filepath.Base(path), err)
	}
	l.logger.Info("loaded plugin agent %s from %s", def.ID, filepath.Base(path))
	return nil
}

func (l *Loader) removeFile(path string) {
	l.mu.Lock()
	id := l.byFile[path]
	delete(l.byFile, path)
	l.mu.Unlock()
	if id != "" && l.registry.Unregister(id) {
		l.logger.Info("unregistered plugin agent %s (file removed)", id)
	}
}

// Watch starts hot reload: file changes validate and swap the agent, file
// removals unregister it. Stop with Close.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugin watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.watcher = watcher
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-l.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				switch {
				case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
					if err := l.loadFile(event.Name); err != nil {
						l.logger.Warn("hot reload: %v", err)
					}
				case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					l.removeFile(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("plugin watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() {
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}
