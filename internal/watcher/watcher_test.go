package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"ipcountry/internal/config"
	"ipcountry/internal/ordinal"
)

type recordingReloader struct {
	reloads chan ordinal.Family
}

func (r *recordingReloader) Reload(family ordinal.Family) error {
	r.reloads <- family
	return nil
}

func TestWatcher_ReloadsChangedDataset(t *testing.T) {
	dir := t.TempDir()
	datasets := []config.Dataset{
		{Family: ordinal.V4, Path: filepath.Join(dir, "v4.csv")},
		{Family: ordinal.V6, Path: filepath.Join(dir, "v6.csv")},
	}

	reloader := &recordingReloader{reloads: make(chan ordinal.Family, 16)}
	w, err := New(datasets, reloader, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// unrelated files are ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tmp := datasets[1].Path + ".tmp"
	if err := os.WriteFile(tmp, []byte("0,100,JP\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, datasets[1].Path); err != nil {
		t.Fatal(err)
	}

	select {
	case family := <-reloader.reloads:
		if family != ordinal.V6 {
			t.Errorf("expected IPv6 reload, got %s", family)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after the dataset was replaced")
	}

	select {
	case family := <-reloader.reloads:
		t.Errorf("expected a single debounced reload, got another for %s", family)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	datasets := []config.Dataset{
		{Family: ordinal.V4, Path: filepath.Join(t.TempDir(), "missing", "v4.csv")},
	}
	if _, err := New(datasets, &recordingReloader{}, zap.NewNop()); err == nil {
		t.Error("expected an error for a directory that does not exist")
	}
}
