package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultWatchDebounce = 500 * time.Millisecond

// WatchTarget is the registry surface the watcher reconciles
type WatchTarget interface {
	List() []LoadedPlugin
	Unload(ctx context.Context, name string) bool
}

// Rediscoverer runs a discovery pass
type Rediscoverer interface {
	Discover(ctx context.Context) []LoadedPlugin
}

// Watcher reconciles the registry with a local plugin root. A changed plugin
// directory is unloaded and rediscovered; a removed one is unloaded.
type Watcher struct {
	root       string
	target     WatchTarget
	discoverer Rediscoverer
	locate     func(name string) string
	debounce   time.Duration
	log        *logrus.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounce overrides how long changes to one plugin are coalesced
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLocator maps a plugin directory name to its registry location
func WithWatchLocator(locate func(name string) string) WatcherOption {
	return func(w *Watcher) {
		if locate != nil {
			w.locate = locate
		}
	}
}

// WithWatcherLogger sets the watcher logger
func WithWatcherLogger(log *logrus.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher creates a watcher for a local plugin root directory
func NewWatcher(root string, target WatchTarget, discoverer Rediscoverer, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:       root,
		target:     target,
		discoverer: discoverer,
		locate:     func(name string) string { return filepath.Join(root, name) },
		debounce:   defaultWatchDebounce,
		log:        logrus.New(),
		timers:     make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching the root and its plugin directories
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fw.Add(w.root); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch plugin root %s: %w", w.root, err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to read plugin root %s: %w", w.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			if err := fw.Add(filepath.Join(w.root, entry.Name())); err != nil {
				w.log.WithField("plugin", entry.Name()).WithError(err).Warn("Failed to watch plugin directory")
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx, fw)

	w.log.WithField("root", w.root).Info("Watching plugin root for changes")
	return nil
}

// Stop ends watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
		w.watcher = nil
	}
	for name, timer := range w.timers {
		timer.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Plugin watcher error")
		}
	}
}

// handle maps an event to its plugin directory and schedules a debounced reconcile
func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	name := strings.Split(rel, string(filepath.Separator))[0]
	if strings.HasPrefix(name, ".") {
		return
	}

	if event.Has(fsnotify.Create) && rel == name {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = fw.Add(event.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[name]; ok {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()

		w.reconcile(ctx, name)
	})
}

// reconcile brings the registry in line with the current state of one plugin directory
func (w *Watcher) reconcile(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}

	location := w.locate(name)
	log := w.log.WithFields(logrus.Fields{"plugin": name, "location": location})

	for _, p := range w.target.List() {
		if p.Location == location {
			log.Info("Plugin directory changed, unloading")
			w.target.Unload(ctx, p.Name())
		}
	}

	info, err := os.Stat(filepath.Join(w.root, name))
	if err != nil || !info.IsDir() {
		log.Info("Plugin directory removed")
		return
	}

	w.discoverer.Discover(ctx)
}
