package credstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Notifier announces external credential changes. Two implementations feed
// the same controller input: FileWatcher observes writes made by other
// processes, Broadcast carries the in-process token-change signal that file
// watching alone would miss in the process that performed the write.
type Notifier interface {
	Subscribe() <-chan struct{}
}

// Broadcast fans an in-process token-change signal out to subscribers.
type Broadcast struct {
	mutex       sync.Mutex
	subscribers []chan struct{}
}

// NewBroadcast constructs an empty Broadcast.
func NewBroadcast() *Broadcast {
	return &Broadcast{}
}

// Subscribe returns a channel receiving one element per published signal.
// Signals collapse when the subscriber lags; the receiver re-reads storage
// anyway, so a collapsed signal loses nothing.
func (broadcast *Broadcast) Subscribe() <-chan struct{} {
	broadcast.mutex.Lock()
	defer broadcast.mutex.Unlock()
	subscription := make(chan struct{}, 1)
	broadcast.subscribers = append(broadcast.subscribers, subscription)
	return subscription
}

// Publish signals all subscribers without blocking.
func (broadcast *Broadcast) Publish() {
	broadcast.mutex.Lock()
	defer broadcast.mutex.Unlock()
	for _, subscription := range broadcast.subscribers {
		select {
		case subscription <- struct{}{}:
		default:
		}
	}
}

// FileWatcher forwards filesystem events on the credentials file as change
// signals. It watches the parent directory because the atomic save replaces
// the file by rename and a logout removes it entirely.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	fileName string
	signals  chan struct{}
	logger   *zap.Logger
}

// NewFileWatcher constructs a watcher for the given credentials path.
func NewFileWatcher(path string, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return nil, fmt.Errorf("credential_watcher.new: %w", watcherErr)
	}
	if addErr := watcher.Add(filepath.Dir(path)); addErr != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("credential_watcher.add: %w", addErr)
	}
	return &FileWatcher{
		watcher:  watcher,
		fileName: filepath.Base(path),
		signals:  make(chan struct{}, 1),
		logger:   logger,
	}, nil
}

// Subscribe returns the channel carrying forwarded change signals.
func (fileWatcher *FileWatcher) Subscribe() <-chan struct{} {
	return fileWatcher.signals
}

// Run forwards matching filesystem events until the context ends.
func (fileWatcher *FileWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-fileWatcher.watcher.Events:
			if !open {
				return
			}
			if filepath.Base(event.Name) != fileWatcher.fileName {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case fileWatcher.signals <- struct{}{}:
			default:
			}
		case watchErr, open := <-fileWatcher.watcher.Errors:
			if !open {
				return
			}
			fileWatcher.logger.Warn("credential watcher error", zap.Error(watchErr))
		}
	}
}

// Close releases the underlying filesystem watcher.
func (fileWatcher *FileWatcher) Close() error {
	return fileWatcher.watcher.Close()
}
