package issuerelay

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const configReloadDebounce = 250 * time.Millisecond

// ConfigWatcher re-reads the tenant configuration file whenever it changes
// on disk and hands the validated result to onReload. Invalid updates are
// logged and ignored; the previous tenant list stays in effect.
type ConfigWatcher struct {
	watcher   *fsnotify.Watcher
	path      string
	onReload  func([]RepositoryConfig)
	logf      func(format string, args ...any)
	closeOnce sync.Once
	done      chan struct{}
}

func WatchConfigFile(path string, onReload func([]RepositoryConfig), logf func(format string, args ...any)) (*ConfigWatcher, error) {
	if onReload == nil {
		return nil, ErrInvalidInput
	}
	if logf == nil {
		logf = log.Printf
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and atomic writers replace
	// the file by rename, which drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		watcher:  watcher,
		path:     absPath,
		onReload: onReload,
		logf:     logf,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *ConfigWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *ConfigWatcher) loop() {
	defer close(w.done)
	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			pending = time.After(configReloadDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("config watch: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

func (w *ConfigWatcher) reload() {
	repos, err := LoadRepositoryConfigs(w.path)
	if err != nil {
		w.logf("config reload rejected, keeping previous tenants: %v", err)
		return
	}
	w.logf("config reloaded: %d repositories", len(repos))
	w.onReload(repos)
}
