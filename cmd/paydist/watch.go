package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchSettle = 250 * time.Millisecond

// watchFile reports changes to path on the returned channel. Editors often
// replace files instead of writing them, so the parent directory is watched
// and events are filtered by name. Bursts of events within settle collapse
// into one notification.
func watchFile(path string, settle time.Duration) (<-chan struct{}, func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("watch: resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch: watch %q: %w", filepath.Dir(abs), err)
	}
	changes := make(chan struct{}, 1)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopCh)
			watcher.Close()
		})
	}
	go func() {
		defer close(changes)
		var timer <-chan time.Time
		for {
			select {
			case <-stopCh:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				timer = time.After(settle)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-timer:
				timer = nil
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		}
	}()
	return changes, stop, nil
}
