package dexsync_test

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/dexsync"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeBridge is an in-memory stand-in for bridge.Adapter, modeled on
// the hand-written fakes used in controlplane/funder's tests.
type fakeBridge struct {
	mu      sync.Mutex
	files   map[string]string
	pushErr map[string]error // remote -> error to fail that push with
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{files: make(map[string]string), pushErr: make(map[string]error)}
}

func (b *fakeBridge) Mkdir(ctx context.Context, dir string) error { return nil }

func (b *fakeBridge) Pull(ctx context.Context, remote string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.files[remote]
	return v, ok
}

func (b *fakeBridge) Delete(ctx context.Context, remote string) error {
	return b.DeleteMultiple(ctx, []string{remote})
}

func (b *fakeBridge) DeleteMultiple(ctx context.Context, remotes []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range remotes {
		delete(b.files, r)
	}
	return nil
}

func (b *fakeBridge) PushString(contents, remote string) (*bridge.PushHandle, error) {
	b.mu.Lock()
	b.files[remote] = contents
	b.mu.Unlock()
	return nil, nil
}

func (b *fakeBridge) PushAll(ctx context.Context, pairs []bridge.PushPair) error {
	for _, p := range pairs {
		b.mu.Lock()
		err := b.pushErr[p.Remote]
		b.mu.Unlock()
		if err != nil {
			return err
		}
		data, readErr := os.ReadFile(p.Local)
		if readErr != nil {
			return readErr
		}
		b.mu.Lock()
		b.files[p.Remote] = string(data)
		b.mu.Unlock()
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newReconciler(t *testing.T, br *fakeBridge) *dexsync.Reconciler {
	t.Helper()
	r, err := dexsync.New(dexsync.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bridge: br,
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return r
}

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestSync_NoOpFastPath(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	execroot := t.TempDir()
	dexBytes := []byte("hello dex")
	dexPath := filepath.Join(execroot, "a.dex")
	require.NoError(t, os.WriteFile(dexPath, dexBytes, 0o644))

	newManifestRaw := []byte(fmt.Sprintf("a.dex - classes.dex %s\n", sha256Hex(dexBytes)))
	br.files["/app/dex/manifest"] = string(newManifestRaw)

	r := newReconciler(t, br)
	err := r.Sync(context.Background(), execroot, "/app", t.TempDir(), newManifestRaw, false)
	require.NoError(t, err)

	// Fast path: manifest anchor must be untouched (still present,
	// byte-identical) and no stray dex pushed.
	require.Equal(t, string(newManifestRaw), br.files["/app/dex/manifest"])
	require.Len(t, br.files, 1)
}

func TestSync_InitialFullInstallWipesAndPushesAll(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	execroot := t.TempDir()

	var raw []byte
	for _, name := range []string{"A", "B", "C"} {
		data := []byte("dex-" + name)
		path := filepath.Join(execroot, name+".dex")
		require.NoError(t, os.WriteFile(path, data, 0o644))
		raw = append(raw, []byte(fmt.Sprintf("%s.dex - %s.dex %s\n", name, name, sha256Hex(data)))...)
	}
	// Simulate stale device state that full_install must ignore.
	br.files["/app/dex/manifest"] = "stale"
	br.files["/app/dex/stale.dex"] = "junk"

	r := newReconciler(t, br)
	err := r.Sync(context.Background(), execroot, "/app", t.TempDir(), raw, true)
	require.NoError(t, err)

	require.Equal(t, string(raw), br.files["/app/dex/manifest"])
	for _, name := range []string{"A", "B", "C"} {
		require.Equal(t, "dex-"+name, br.files["/app/dex/"+name+".dex"])
	}
}

func TestSync_SingleDexChange(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	execroot := t.TempDir()

	aData, bData, cData := []byte("A"), []byte("B"), []byte("C")
	for name, data := range map[string][]byte{"A": aData, "B": bData, "C": cData} {
		require.NoError(t, os.WriteFile(filepath.Join(execroot, name+".dex"), data, 0o644))
	}
	oldRaw := fmt.Sprintf("A.dex - A.dex %s\nB.dex - B.dex %s\nC.dex - C.dex %s\n",
		sha256Hex(aData), sha256Hex(bData), sha256Hex(cData))
	br.files["/app/dex/manifest"] = oldRaw
	br.files["/app/dex/A.dex"] = string(aData)
	br.files["/app/dex/B.dex"] = string(bData)
	br.files["/app/dex/C.dex"] = string(cData)

	newBData := []byte("B-changed")
	require.NoError(t, os.WriteFile(filepath.Join(execroot, "B.dex"), newBData, 0o644))
	newRaw := fmt.Sprintf("A.dex - A.dex %s\nB.dex - B.dex %s\nC.dex - C.dex %s\n",
		sha256Hex(aData), sha256Hex(newBData), sha256Hex(cData))

	r := newReconciler(t, br)
	err := r.Sync(context.Background(), execroot, "/app", t.TempDir(), []byte(newRaw), false)
	require.NoError(t, err)

	require.Equal(t, string(newBData), br.files["/app/dex/B.dex"])
	require.Equal(t, string(aData), br.files["/app/dex/A.dex"])
	require.Equal(t, newRaw, br.files["/app/dex/manifest"])
}

func TestSync_ZipBundleExtractedOnce(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	execroot := t.TempDir()

	dex1, dex2 := []byte("one"), []byte("two")
	writeZip(t, filepath.Join(execroot, "bundle.zip"), map[string][]byte{
		"classes1.dex": dex1,
		"classes2.dex": dex2,
	})
	raw := fmt.Sprintf(
		"bundle.zip classes1.dex install1.dex %s\nbundle.zip classes2.dex install2.dex %s\n",
		sha256Hex(dex1), sha256Hex(dex2))

	r := newReconciler(t, br)
	err := r.Sync(context.Background(), execroot, "/app", t.TempDir(), []byte(raw), false)
	require.NoError(t, err)

	require.Equal(t, string(dex1), br.files["/app/dex/install1.dex"])
	require.Equal(t, string(dex2), br.files["/app/dex/install2.dex"])
}

func TestSync_InterruptedBetweenAnchorDeleteAndPush(t *testing.T) {
	t.Parallel()
	br := newFakeBridge()
	execroot := t.TempDir()
	data := []byte("content")
	require.NoError(t, os.WriteFile(filepath.Join(execroot, "a.dex"), data, 0o644))
	raw := fmt.Sprintf("a.dex - a.dex %s\n", sha256Hex(data))

	// Simulate a crash: the anchor was deleted by a prior, aborted run
	// but no push happened. The device dex entry is still lying
	// around from before.
	br.files["/app/dex/a.dex"] = "stale-partial"

	r := newReconciler(t, br)
	err := r.Sync(context.Background(), execroot, "/app", t.TempDir(), []byte(raw), false)
	require.NoError(t, err)

	// Absent manifest ⇒ wipe-and-resync behaves like a full install.
	require.Equal(t, string(data), br.files["/app/dex/a.dex"])
	require.Equal(t, raw, br.files["/app/dex/manifest"])
}
