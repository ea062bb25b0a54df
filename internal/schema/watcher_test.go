package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDocumentFile(t *testing.T) {
	assert.True(t, isDocumentFile("schema/pos.json"))
	assert.True(t, isDocumentFile("schema/pos.YAML"))
	assert.True(t, isDocumentFile("schema/common.yml"))
	assert.False(t, isDocumentFile("schema/pos.json.swp"))
	assert.False(t, isDocumentFile("schema/README.md"))
}

func TestWatch_FiresOnceAfterBurstOfWrites(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 8)

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, discardLogger(), func() {
			changed <- struct{}{}
		})
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "pos.json")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired after schema writes")
	}

	// The burst collapsed into a single callback.
	select {
	case <-changed:
		t.Fatal("watcher fired more than once for one write burst")
	case <-time.After(debounce * 2):
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatch_IgnoresNonDocumentFiles(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go func() {
		_ = Watch(ctx, dir, discardLogger(), func() {
			changed <- struct{}{}
		})
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-changed:
		t.Fatal("watcher fired for a non-document file")
	case <-time.After(debounce * 2):
	}
}

func TestWatch_MissingDirectoryBlocksUntilCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := Watch(ctx, filepath.Join(t.TempDir(), "missing"), discardLogger(), func() {
		t.Error("onChange fired for an unwatchable directory")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
