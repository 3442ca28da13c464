package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchDog_ReportsNewFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, notify, func(name string) bool {
		return !strings.HasSuffix(name, ".tmp")
	})
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.tmp"), []byte("x"), 0644))
	report := filepath.Join(dir, "asan.1234")
	require.NoError(t, os.WriteFile(report, []byte("ERROR: AddressSanitizer"), 0644))

	select {
	case got := <-notify:
		assert.Equal(t, report, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}

	// a second write to the same file is not reported again
	require.NoError(t, os.WriteFile(report, []byte("more"), 0644))
	select {
	case got := <-notify:
		t.Fatalf("unexpected notification %s", got)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-wd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
	_, open := <-notify
	assert.False(t, open)
}

func TestWatchDog_AddDirCreatesMissingDir(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, make(chan string, 1), nil)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "logs")
	require.NoError(t, wd.AddDir(dir))
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}
