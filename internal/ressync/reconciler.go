// Package ressync implements the Resource Reconciler: a checksum-gated
// upload of a single resource archive, using the same delete-anchor-
// before-mutate discipline as the dex reconciler.
package ressync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/metrics"
)

const blockSize = 64 * 1024

// Bridge is the narrow device-bridge surface the reconciler needs.
type Bridge interface {
	Pull(ctx context.Context, remote string) (contents string, ok bool)
	Delete(ctx context.Context, remote string) error
	Push(local, remote string) *bridge.PushHandle
	PushString(contents, remote string) (*bridge.PushHandle, error)
}

// Config configures a Reconciler.
type Config struct {
	Logger *slog.Logger
	Bridge Bridge
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("ressync: logger is required")
	}
	if c.Bridge == nil {
		return fmt.Errorf("ressync: bridge is required")
	}
	return nil
}

// Reconciler is the Resource Reconciler (spec §4.4).
type Reconciler struct {
	log    *slog.Logger
	bridge Bridge
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, bridge: cfg.Bridge}, nil
}

// Sync brings the device's resource archive at {appDir}/resources.ap_
// into consistency with the local resourceApk path, gated on a SHA-256
// checksum anchor at {appDir}/resources_checksum.
func (r *Reconciler) Sync(ctx context.Context, appDir, resourceApk string) error {
	digest, err := checksumFile(resourceApk)
	if err != nil {
		return fmt.Errorf("ressync: checksumming resource archive: %w", err)
	}

	checksumPath := filepath.Join(appDir, "resources_checksum")
	archivePath := filepath.Join(appDir, "resources.ap_")

	if deviceDigest, ok := r.bridge.Pull(ctx, checksumPath); ok && deviceDigest == digest {
		r.log.Info("Resources up-to-date")
		metrics.ResourceUpToDate.Inc()
		return nil
	}

	// Anchor removed before the data it guards is mutated (I4): a crash
	// between here and the final checksum push leaves the device with
	// no resources_checksum, forcing the next run to re-upload.
	if err := r.bridge.Delete(ctx, checksumPath); err != nil {
		return fmt.Errorf("ressync: deleting resource checksum anchor: %w", err)
	}

	if err := r.bridge.Push(resourceApk, archivePath).Wait(); err != nil {
		return fmt.Errorf("ressync: pushing resource archive: %w", err)
	}
	metrics.PushTotal.WithLabelValues("resource").Inc()

	checksumHandle, err := r.bridge.PushString(digest, checksumPath)
	if err != nil {
		return fmt.Errorf("ressync: staging resource checksum: %w", err)
	}
	if err := checksumHandle.Wait(); err != nil {
		return fmt.Errorf("ressync: pushing resource checksum anchor: %w", err)
	}
	return nil
}

// checksumFile computes the hex SHA-256 digest of path, streaming it in
// fixed-size blocks rather than reading the whole archive into memory.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
