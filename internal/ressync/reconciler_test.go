package ressync_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/ressync"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{files: make(map[string]string)}
}

func (b *fakeBridge) Pull(ctx context.Context, remote string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.files[remote]
	return v, ok
}

func (b *fakeBridge) Delete(ctx context.Context, remote string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, remote)
	return nil
}

func (b *fakeBridge) PushString(contents, remote string) (*bridge.PushHandle, error) {
	b.mu.Lock()
	b.files[remote] = contents
	b.mu.Unlock()
	return nil, nil
}

// Push stages the local file's contents synchronously and returns a
// nil handle, whose Wait() reports success, matching PushString's
// fake above.
func (b *fakeBridge) Push(local, remote string) *bridge.PushHandle {
	data, err := os.ReadFile(local)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	b.files[remote] = string(data)
	b.mu.Unlock()
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newReconciler(t *testing.T, br *fakeBridge) *ressync.Reconciler {
	t.Helper()
	r, err := ressync.New(ressync.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bridge: br,
	})
	require.NoError(t, err)
	return r
}

func TestSync_UploadsWhenChecksumMissing(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	dir := t.TempDir()
	data := []byte("resource archive bytes")
	apk := filepath.Join(dir, "resources.ap_")
	require.NoError(t, os.WriteFile(apk, data, 0o644))

	r := newReconciler(t, br)
	require.NoError(t, r.Sync(context.Background(), "/app", apk))

	require.Equal(t, string(data), br.files["/app/resources.ap_"])
	require.Equal(t, sha256Hex(data), br.files["/app/resources_checksum"])
}

func TestSync_FastPathWhenChecksumMatches(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	dir := t.TempDir()
	data := []byte("unchanged")
	apk := filepath.Join(dir, "resources.ap_")
	require.NoError(t, os.WriteFile(apk, data, 0o644))

	br.files["/app/resources_checksum"] = sha256Hex(data)
	br.files["/app/resources.ap_"] = string(data)

	r := newReconciler(t, br)
	require.NoError(t, r.Sync(context.Background(), "/app", apk))

	// Fast path never touches the archive or the checksum anchor.
	require.Equal(t, string(data), br.files["/app/resources.ap_"])
	require.Equal(t, sha256Hex(data), br.files["/app/resources_checksum"])
}

func TestSync_ReuploadsWhenChecksumDiffers(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	dir := t.TempDir()
	newData := []byte("new contents")
	apk := filepath.Join(dir, "resources.ap_")
	require.NoError(t, os.WriteFile(apk, newData, 0o644))

	br.files["/app/resources_checksum"] = sha256Hex([]byte("old contents"))
	br.files["/app/resources.ap_"] = "old contents"

	r := newReconciler(t, br)
	require.NoError(t, r.Sync(context.Background(), "/app", apk))

	require.Equal(t, string(newData), br.files["/app/resources.ap_"])
	require.Equal(t, sha256Hex(newData), br.files["/app/resources_checksum"])
}

func TestSync_InterruptedBetweenAnchorDeleteAndPushReuploads(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	dir := t.TempDir()
	data := []byte("content")
	apk := filepath.Join(dir, "resources.ap_")
	require.NoError(t, os.WriteFile(apk, data, 0o644))

	// Simulate a crash that already deleted the anchor but never
	// pushed; the device resource file is stale.
	br.files["/app/resources.ap_"] = "stale"

	r := newReconciler(t, br)
	require.NoError(t, r.Sync(context.Background(), "/app", apk))

	require.Equal(t, string(data), br.files["/app/resources.ap_"])
	require.Equal(t, sha256Hex(data), br.files["/app/resources_checksum"])
}
