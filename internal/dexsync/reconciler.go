// Package dexsync implements the Dex Reconciler: it diffs the
// device-resident dex manifest against a freshly built one and drives
// the minimum set of device mutations — zip extraction, parallel push,
// deletion, and a crash-safe manifest-anchor rewrite — needed to make
// the two consistent.
package dexsync

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/manifest"
	"github.com/bazelbuild/mobile-install/internal/metrics"
	"github.com/google/uuid"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/jonboulle/clockwork"
)

// Bridge is the narrow device-bridge surface the reconciler needs.
// Production code satisfies it with *bridge.Adapter; tests supply a
// fake.
type Bridge interface {
	Mkdir(ctx context.Context, dir string) error
	Pull(ctx context.Context, remote string) (contents string, ok bool)
	Delete(ctx context.Context, remote string) error
	DeleteMultiple(ctx context.Context, remotes []string) error
	PushString(contents, remote string) (*bridge.PushHandle, error)
	PushAll(ctx context.Context, pairs []bridge.PushPair) error
}

// Config configures a Reconciler.
type Config struct {
	Logger *slog.Logger
	Bridge Bridge
	// Clock defaults to clockwork.NewRealClock(); tests inject a fake
	// clock to make the upload-walltime debug log deterministic.
	Clock clockwork.Clock
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("dexsync: logger is required")
	}
	if c.Bridge == nil {
		return fmt.Errorf("dexsync: bridge is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Reconciler is the Dex Reconciler (spec §4.3).
type Reconciler struct {
	log    *slog.Logger
	bridge Bridge
	clock  clockwork.Clock
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, bridge: cfg.Bridge, clock: cfg.Clock}, nil
}

// Plan is the computed set of mutations a Sync would perform, without
// performing them — used by the orchestrator's dry-run mode.
type Plan struct {
	DexDir     string
	ToDelete   []string
	ToUpload   []string
	NoOpReason string
}

// Sync brings the device's dex directory at {appDir}/dex into
// consistency with newManifestRaw, the freshly built manifest.
//
// execroot resolves every relative local path named by the new
// manifest. tempDir is the run's private scratch directory (zip
// extraction happens underneath it). fullInstall forces a wipe instead
// of a pull-and-diff, mirroring a fresh package install.
func (r *Reconciler) Sync(ctx context.Context, execroot, appDir, tempDir string, newManifestRaw []byte, fullInstall bool) error {
	dexDir := filepath.Join(appDir, "dex")
	if err := r.bridge.Mkdir(ctx, dexDir); err != nil {
		return fmt.Errorf("dexsync: creating device dex directory: %w", err)
	}

	oldManifestRaw, oldManifest, err := r.loadOldManifest(ctx, dexDir, fullInstall)
	if err != nil {
		return err
	}

	newManifest, err := manifest.Parse(string(newManifestRaw))
	if err != nil {
		return fmt.Errorf("dexsync: parsing new manifest: %w", err)
	}

	diff := manifest.Compute(oldManifest, newManifest)
	if diff.IsEmpty() {
		r.log.Info("Application dexes up-to-date")
		metrics.DexesUpToDate.Inc()
		return nil
	}

	r.logDiff([]byte(oldManifestRaw), newManifestRaw, diff)

	// Delete the manifest anchor first: from this point the device is
	// explicitly marked dirty, and any crash before step 11 forces a
	// full resync on the next run (I4).
	manifestPath := filepath.Join(dexDir, "manifest")
	if err := r.bridge.Delete(ctx, manifestPath); err != nil {
		return fmt.Errorf("dexsync: deleting manifest anchor: %w", err)
	}

	pairs, err := r.stageUploads(execroot, tempDir, dexDir, newManifest, diff.ToUpload)
	if err != nil {
		return err
	}

	numFiles := len(diff.ToDelete) + len(pairs)
	plural := ""
	if numFiles != 1 {
		plural = "es"
	}
	r.log.Info(fmt.Sprintf("Updating %d dex%s...", numFiles, plural))

	deleteTargets := make([]string, len(diff.ToDelete))
	for i, path := range diff.ToDelete {
		deleteTargets[i] = filepath.Join(dexDir, path)
	}
	if err := r.bridge.DeleteMultiple(ctx, deleteTargets); err != nil {
		return fmt.Errorf("dexsync: deleting obsolete dexes: %w", err)
	}

	start := r.clock.Now()
	if err := r.bridge.PushAll(ctx, pairs); err != nil {
		metrics.PushFailuresTotal.WithLabelValues(classifyErrorKind(err)).Inc()
		return fmt.Errorf("dexsync: uploading dexes: %w", err)
	}
	metrics.PushTotal.WithLabelValues("dex").Add(float64(len(pairs)))
	r.log.Debug("Dex upload walltime", "seconds", r.clock.Now().Sub(start).Seconds())

	handle, err := r.bridge.PushString(string(newManifestRaw), manifestPath)
	if err != nil {
		return fmt.Errorf("dexsync: staging new manifest: %w", err)
	}
	if err := handle.Wait(); err != nil {
		return fmt.Errorf("dexsync: pushing new manifest anchor: %w", err)
	}
	return nil
}

// Plan computes (without mutating the device) the same diff Sync
// would act on, for the orchestrator's dry-run mode.
func (r *Reconciler) Plan(ctx context.Context, appDir string, newManifestRaw []byte, fullInstall bool) (Plan, error) {
	dexDir := filepath.Join(appDir, "dex")
	_, oldManifest, err := r.loadOldManifestReadOnly(ctx, dexDir, fullInstall)
	if err != nil {
		return Plan{}, err
	}
	newManifest, err := manifest.Parse(string(newManifestRaw))
	if err != nil {
		return Plan{}, fmt.Errorf("dexsync: parsing new manifest: %w", err)
	}
	diff := manifest.Compute(oldManifest, newManifest)
	plan := Plan{DexDir: dexDir, ToDelete: diff.ToDelete, ToUpload: diff.ToUpload}
	if diff.IsEmpty() {
		plan.NoOpReason = "dexes up-to-date"
	}
	sort.Strings(plan.ToDelete)
	sort.Strings(plan.ToUpload)
	return plan, nil
}

// loadOldManifestReadOnly is loadOldManifest without the destructive
// `rm -fr` wipe, used only by Plan's dry-run path.
func (r *Reconciler) loadOldManifestReadOnly(ctx context.Context, dexDir string, fullInstall bool) (raw string, m manifest.Manifest, err error) {
	if fullInstall {
		return "", manifest.Manifest{}, nil
	}
	contents, ok := r.bridge.Pull(ctx, filepath.Join(dexDir, "manifest"))
	if !ok {
		return "", manifest.Manifest{}, nil
	}
	m, err = manifest.Parse(contents)
	if err != nil {
		return "", nil, fmt.Errorf("dexsync: parsing device-side manifest: %w", err)
	}
	return contents, m, nil
}

func (r *Reconciler) loadOldManifest(ctx context.Context, dexDir string, fullInstall bool) (raw string, m manifest.Manifest, err error) {
	if !fullInstall {
		r.log.Info("Fetching dex manifest from device...")
		contents, ok := r.bridge.Pull(ctx, filepath.Join(dexDir, "manifest"))
		if ok {
			m, err = manifest.Parse(contents)
			if err != nil {
				return "", nil, fmt.Errorf("dexsync: parsing device-side manifest: %w", err)
			}
			return contents, m, nil
		}
		r.log.Info("Dex manifest not found on device")
	}

	// Either a full install, or the manifest was absent on the device
	// (a previous run may have been interrupted after deleting the
	// anchor) — wipe the slate clean in both cases.
	if err := r.bridge.Delete(ctx, filepath.Join(dexDir, "*")); err != nil {
		return "", nil, fmt.Errorf("dexsync: wiping device dex directory: %w", err)
	}
	return "", manifest.Manifest{}, nil
}

// stageUploads resolves every install path in toUpload to a
// (local, remote) push pair: zip-bundled entries are grouped by their
// containing bundle so each bundle is opened exactly once, and
// standalone dexes are staged directly from execroot.
func (r *Reconciler) stageUploads(execroot, tempDir, dexDir string, newManifest manifest.Manifest, toUpload []string) ([]bridge.PushPair, error) {
	var pairs []bridge.PushPair

	byBundle := make(map[string][]string)
	var standalone []string
	for _, path := range toUpload {
		entry := newManifest[path]
		if entry.IsStandalone() {
			standalone = append(standalone, path)
			continue
		}
		byBundle[entry.InputFile] = append(byBundle[entry.InputFile], path)
	}

	// Sort bundle names so bundles are extracted in the same order on
	// every run (scratch directories themselves get random uuid names).
	bundleNames := make([]string, 0, len(byBundle))
	for name := range byBundle {
		bundleNames = append(bundleNames, name)
	}
	sort.Strings(bundleNames)

	for _, bundleName := range bundleNames {
		paths := byBundle[bundleName]
		scratchDir := filepath.Join(tempDir, "dex", uuid.NewString())
		extracted, err := extractFromBundle(filepath.Join(execroot, bundleName), scratchDir, newManifest, paths)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, extracted...)
	}

	for _, path := range standalone {
		entry := newManifest[path]
		pairs = append(pairs, bridge.PushPair{
			Local:  filepath.Join(execroot, entry.InputFile),
			Remote: path,
		})
	}

	for i := range pairs {
		pairs[i].Remote = filepath.Join(dexDir, pairs[i].Remote)
	}
	return pairs, nil
}

// extractFromBundle opens a zip bundle exactly once and extracts every
// needed entry into scratchDir, returning the resulting
// (local, install-path) pairs with Remote left as the bare install
// path (joined to the dex dir by the caller).
func extractFromBundle(bundlePath, scratchDir string, newManifest manifest.Manifest, installPaths []string) ([]bridge.PushPair, error) {
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("dexsync: opening dex bundle %s: %w", bundlePath, err)
	}
	defer zr.Close()

	index := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		index[f.Name] = f
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("dexsync: creating scratch dir: %w", err)
	}

	pairs := make([]bridge.PushPair, 0, len(installPaths))
	for _, installPath := range installPaths {
		entry := newManifest[installPath]
		zf, ok := index[entry.ZipPath]
		if !ok {
			return nil, fmt.Errorf("dexsync: zip entry %q not found in bundle %s", entry.ZipPath, bundlePath)
		}
		dest := filepath.Join(scratchDir, entry.ZipPath)
		if err := extractEntry(zf, dest); err != nil {
			return nil, err
		}
		pairs = append(pairs, bridge.PushPair{Local: dest, Remote: installPath})
	}
	return pairs, nil
}

func extractEntry(zf *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("dexsync: creating extraction dir: %w", err)
	}
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("dexsync: opening zip entry %s: %w", zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("dexsync: creating extraction target: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("dexsync: extracting zip entry %s: %w", zf.Name, err)
	}
	return nil
}

// classifyErrorKind extracts a metrics label from err, falling back to
// "unknown" for errors that didn't originate from the bridge package.
func classifyErrorKind(err error) string {
	var bridgeErr *bridge.Error
	if errors.As(err, &bridgeErr) {
		return string(bridgeErr.Kind)
	}
	return "unknown"
}

// logDiff emits, at debug level only, a unified text diff between the
// old and new manifest contents, so an operator running with
// verbosity=1 can see exactly which lines changed — a readability aid
// on top of the set-arithmetic diff, never consulted for correctness.
func (r *Reconciler) logDiff(oldRaw, newRaw []byte, diff manifest.Diff) {
	if !r.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("manifest"), string(oldRaw), string(newRaw))
	unified := gotextdiff.ToUnified("device/manifest", "new/manifest", string(oldRaw), edits)
	r.log.Debug("Computed dex manifest diff",
		"to_delete", diff.ToDelete,
		"to_upload", diff.ToUpload,
		"unified_diff", fmt.Sprint(unified),
	)
}
