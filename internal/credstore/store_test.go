package credstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewFileStoreRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore("  "); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %v", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	store, storeErr := NewFileStore(path)
	if storeErr != nil {
		t.Fatalf("build store: %v", storeErr)
	}

	loaded, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("load before save: %v", loadErr)
	}
	if !loaded.Empty() {
		t.Fatalf("expected empty credentials before save, got %+v", loaded)
	}

	saved := Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}
	if saveErr := store.Save(saved); saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}

	loaded, loadErr = store.Load()
	if loadErr != nil {
		t.Fatalf("load after save: %v", loadErr)
	}
	if loaded != saved {
		t.Fatalf("expected %+v, got %+v", saved, loaded)
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		t.Fatalf("stat credentials file: %v", statErr)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("clear: %v", clearErr)
	}
	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("clearing an absent file must succeed, got %v", clearErr)
	}
	loaded, loadErr = store.Load()
	if loadErr != nil {
		t.Fatalf("load after clear: %v", loadErr)
	}
	if !loaded.Empty() {
		t.Fatalf("expected empty credentials after clear, got %+v", loaded)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "credentials.json")
	if writeErr := os.WriteFile(path, []byte("{not json"), 0o600); writeErr != nil {
		t.Fatalf("seed corrupt file: %v", writeErr)
	}
	store, storeErr := NewFileStore(path)
	if storeErr != nil {
		t.Fatalf("build store: %v", storeErr)
	}
	if _, loadErr := store.Load(); loadErr == nil {
		t.Fatalf("expected decode error for corrupt file")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if saveErr := store.Save(Credentials{AccessToken: "a", RefreshToken: "r"}); saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}
	loaded, _ := store.Load()
	if loaded.AccessToken != "a" || loaded.RefreshToken != "r" {
		t.Fatalf("unexpected credentials %+v", loaded)
	}
	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("clear: %v", clearErr)
	}
	loaded, _ = store.Load()
	if !loaded.Empty() {
		t.Fatalf("expected empty after clear, got %+v", loaded)
	}
}

func TestBroadcastFanOutDoesNotBlock(t *testing.T) {
	t.Parallel()

	broadcast := NewBroadcast()
	first := broadcast.Subscribe()
	second := broadcast.Subscribe()

	broadcast.Publish()
	broadcast.Publish()
	broadcast.Publish()

	select {
	case <-first:
	default:
		t.Fatalf("expected signal on first subscriber")
	}
	select {
	case <-second:
	default:
		t.Fatalf("expected signal on second subscriber")
	}
	select {
	case <-first:
		t.Fatalf("collapsed signals must deliver at most one pending element")
	default:
	}
}

func TestFileWatcherSignalsOnSaveAndClear(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, "credentials.json")
	store, storeErr := NewFileStore(path)
	if storeErr != nil {
		t.Fatalf("build store: %v", storeErr)
	}

	watcher, watcherErr := NewFileWatcher(path, nil)
	if watcherErr != nil {
		t.Fatalf("build watcher: %v", watcherErr)
	}
	t.Cleanup(func() { _ = watcher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	if saveErr := store.Save(Credentials{AccessToken: "a"}); saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}
	waitForSignal(t, watcher.Subscribe())

	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("clear: %v", clearErr)
	}
	waitForSignal(t, watcher.Subscribe())
}

func TestFileWatcherIgnoresUnrelatedFiles(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	path := filepath.Join(directory, "credentials.json")
	watcher, watcherErr := NewFileWatcher(path, nil)
	if watcherErr != nil {
		t.Fatalf("build watcher: %v", watcherErr)
	}
	t.Cleanup(func() { _ = watcher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	if writeErr := os.WriteFile(filepath.Join(directory, "other.txt"), []byte("x"), 0o600); writeErr != nil {
		t.Fatalf("write unrelated file: %v", writeErr)
	}

	select {
	case <-watcher.Subscribe():
		t.Fatalf("unrelated file must not signal")
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForSignal(t *testing.T, signals <-chan struct{}) {
	t.Helper()
	select {
	case <-signals:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change signal")
	}
}
