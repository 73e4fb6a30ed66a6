// Package filewatch observes files the application under test writes, such
// as the quit marker it leaves in its temp dir on graceful shutdown.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeType describes the kind of file change observed.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileChange records a change to a file.
type FileChange struct {
	Path    string
	Type    ChangeType
	Size    int64
	ModTime time.Time
}

// FileChangeHandler receives file change notifications.
type FileChangeHandler func(change FileChange)

type subscription struct {
	pattern string
	handler FileChangeHandler
}

// FileWatcher fans file changes out to pattern subscriptions. Changes come
// from Notify or from a directory Watch.
type FileWatcher struct {
	mu            sync.RWMutex
	subscriptions []subscription
}

// NewFileWatcher creates a watcher.
func NewFileWatcher() *FileWatcher {
	return &FileWatcher{}
}

// Subscribe registers a file change handler for a glob pattern.
func (fw *FileWatcher) Subscribe(pattern string, handler FileChangeHandler) {
	if fw == nil || handler == nil {
		return
	}
	fw.mu.Lock()
	fw.subscriptions = append(fw.subscriptions, subscription{
		pattern: strings.TrimSpace(pattern),
		handler: handler,
	})
	fw.mu.Unlock()
}

// Notify publishes a file change event.
func (fw *FileWatcher) Notify(change FileChange) {
	if fw == nil {
		return
	}
	fw.mu.RLock()
	subs := append([]subscription(nil), fw.subscriptions...)
	fw.mu.RUnlock()

	for _, sub := range subs {
		if matchesPattern(sub.pattern, change.Path) {
			sub.handler(change)
		}
	}
}

// Watch feeds changes under dir (not recursive) into Notify until ctx ends.
// It returns once the OS watch is in place; the returned channel is closed
// when watching stops.
func (fw *FileWatcher) Watch(ctx context.Context, dir string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				fw.Notify(toChange(ev))
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return stopped, nil
}

func toChange(ev fsnotify.Event) FileChange {
	change := FileChange{Path: ev.Name}
	switch {
	case ev.Has(fsnotify.Create):
		change.Type = ChangeCreated
	case ev.Has(fsnotify.Remove):
		change.Type = ChangeDeleted
	case ev.Has(fsnotify.Rename):
		change.Type = ChangeRenamed
	default:
		change.Type = ChangeModified
	}
	if info, err := os.Stat(ev.Name); err == nil {
		change.Size = info.Size()
		change.ModTime = info.ModTime()
	}
	return change
}

// WaitForFile blocks until filePath exists or ctx ends.
func WaitForFile(ctx context.Context, filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fw := NewFileWatcher()
	appeared := make(chan struct{}, 1)
	fw.Subscribe(filepath.Base(filePath), func(change FileChange) {
		if change.Type == ChangeCreated || change.Type == ChangeModified {
			select {
			case appeared <- struct{}{}:
			default:
			}
		}
	})
	stopped, err := fw.Watch(watchCtx, filepath.Dir(filePath))
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		<-stopped
	}()

	// the file may have been created before the watch was in place
	if _, err := os.Stat(filePath); err == nil {
		return nil
	}

	select {
	case <-appeared:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", filePath, ctx.Err())
	}
}

func matchesPattern(pattern, filePath string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	cleanPath := filepath.ToSlash(strings.TrimSpace(filePath))
	cleanPattern := filepath.ToSlash(pattern)
	if ok, _ := path.Match(cleanPattern, cleanPath); ok {
		return true
	}
	if !strings.Contains(cleanPattern, "/") {
		base := path.Base(cleanPath)
		if ok, _ := path.Match(cleanPattern, base); ok {
			return true
		}
	}
	return false
}
