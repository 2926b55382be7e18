// Package install implements the Install Orchestrator: the top-level
// state machine that selects between split install, full install, and
// incremental update, and sequences the Timestamp Guard, Dex
// Reconciler, and Resource Reconciler around them.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/dexsync"
	"github.com/bazelbuild/mobile-install/internal/metrics"
	"github.com/bazelbuild/mobile-install/internal/ressync"
)

const deviceRoot = "/data/local/tmp/incrementaldeployment"

var (
	ErrLoggerRequired      = errors.New("logger is required")
	ErrBridgeRequired      = errors.New("bridge is required")
	ErrExecrootRequired    = errors.New("execroot is required")
	ErrStubDatafileInvalid = errors.New("stub data file must have at least two lines")
	ErrSplitConfigInvalid  = errors.New("split_main_apk requires at least one split_apk, and is mutually exclusive with apk")
)

// bridgeClient is the orchestrator's full view of the device bridge: a
// superset of dexsync.Bridge, ressync.Bridge and timestampBridge.
type bridgeClient interface {
	dexsync.Bridge
	ressync.Bridge
	timestampBridge
	ForceStop(ctx context.Context, pkg string) error
	StartApp(ctx context.Context, pkg string) error
	Install(ctx context.Context, apk string) error
	InstallMultiple(ctx context.Context, apk, pkg string) error
}

// Config configures one Orchestrator run. Every field is an
// independent named input, mirroring the CLI's flag surface.
type Config struct {
	Logger *slog.Logger
	Bridge bridgeClient

	Execroot     string
	StubDatafile string
	DexManifest  string
	ResourceApk  string

	Apk          string
	SplitMainApk string
	SplitApk     []string

	OutputMarker string
	StartApp     bool

	// DryRun, when set, computes and prints the dex plan instead of
	// mutating the device. No resource sync, install, force-stop, or
	// marker write happens in this mode.
	DryRun  bool
	PlanOut io.Writer
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Bridge == nil {
		return ErrBridgeRequired
	}
	if c.Execroot == "" {
		return ErrExecrootRequired
	}
	if c.SplitMainApk != "" && (c.Apk != "" || len(c.SplitApk) == 0) {
		return ErrSplitConfigInvalid
	}
	return nil
}

// Orchestrator drives one end-to-end sync run (spec §4.5).
type Orchestrator struct {
	log    *slog.Logger
	bridge bridgeClient
	cfg    Config
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{log: cfg.Logger, bridge: cfg.Bridge, cfg: cfg}, nil
}

// resolve joins path against execroot, the base for resolving every
// local input path (spec §6) — stub datafile, dex manifest, resource
// archive, stub apk, and split apks alike, mirroring the original's
// os.path.join(execroot, ...) at every one of these call sites. An
// empty path resolves to empty, so unset optional fields stay unset.
func resolve(execroot, path string) string {
	if path == "" {
		return ""
	}
	return filepath.Join(execroot, path)
}

// readPackage reads the stub data file's second line (trimmed), the
// application's package identifier.
func readPackage(stubDatafile string) (string, error) {
	data, err := os.ReadFile(stubDatafile)
	if err != nil {
		return "", fmt.Errorf("install: reading stub data file: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return "", ErrStubDatafileInvalid
	}
	return strings.TrimSpace(lines[1]), nil
}

// Run executes one full orchestrator pass: state selection, the
// reconcilers, and the output marker.
func (o *Orchestrator) Run(ctx context.Context) error {
	start := time.Now()
	err := o.run(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.SyncDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	if o.cfg.SplitMainApk != "" {
		if o.cfg.DryRun {
			o.log.Info("Dry run: split install skipped")
			return nil
		}
		return o.runSplitInstall(ctx)
	}

	pkg, err := readPackage(resolve(o.cfg.Execroot, o.cfg.StubDatafile))
	if err != nil {
		return err
	}
	appDir := deviceRoot + "/" + pkg

	fullInstall := o.cfg.Apk != ""
	if !fullInstall {
		if err := checkTimestamp(ctx, o.bridge, appDir, pkg); err != nil {
			return err
		}
	}

	dexReconciler, err := dexsync.New(dexsync.Config{Logger: o.log, Bridge: o.bridge})
	if err != nil {
		return fmt.Errorf("install: constructing dex reconciler: %w", err)
	}
	newManifest, err := os.ReadFile(resolve(o.cfg.Execroot, o.cfg.DexManifest))
	if err != nil {
		return fmt.Errorf("install: reading dex manifest: %w", err)
	}

	if o.cfg.DryRun {
		plan, err := dexReconciler.Plan(ctx, appDir, newManifest, fullInstall)
		if err != nil {
			return err
		}
		out := o.cfg.PlanOut
		if out == nil {
			out = os.Stdout
		}
		dexsync.RenderPlan(out, plan)
		return nil
	}

	tempDir, err := os.MkdirTemp("", "mobile-install-")
	if err != nil {
		return fmt.Errorf("install: creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := dexReconciler.Sync(ctx, o.cfg.Execroot, appDir, tempDir, newManifest, fullInstall); err != nil {
		return err
	}

	resReconciler, err := ressync.New(ressync.Config{Logger: o.log, Bridge: o.bridge})
	if err != nil {
		return fmt.Errorf("install: constructing resource reconciler: %w", err)
	}
	if err := resReconciler.Sync(ctx, appDir, resolve(o.cfg.Execroot, o.cfg.ResourceApk)); err != nil {
		return err
	}

	if fullInstall {
		if err := o.bridge.Install(ctx, resolve(o.cfg.Execroot, o.cfg.Apk)); err != nil {
			return err
		}
		// The timestamp anchor is written only after the install
		// observably succeeded (I4/I3): a crash before this point leaves
		// either no anchor or the previous one, which no longer matches
		// the new lastUpdateTime, so the next incremental run fails the
		// timestamp check.
		installTime, err := o.bridge.GetInstallTime(ctx, pkg)
		if err != nil {
			return err
		}
		handle, err := o.bridge.PushString(installTime, appDir+"/install_timestamp")
		if err != nil {
			return fmt.Errorf("install: staging install timestamp: %w", err)
		}
		if err := handle.Wait(); err != nil {
			return fmt.Errorf("install: pushing install timestamp anchor: %w", err)
		}
	} else {
		// No fresh apk install occurred: force-stop so the next launch
		// reloads the updated dex set.
		if err := o.bridge.ForceStop(ctx, pkg); err != nil {
			return err
		}
	}

	if o.cfg.StartApp {
		if err := o.bridge.StartApp(ctx, pkg); err != nil {
			return err
		}
	}

	return o.touchMarker()
}

// runSplitInstall handles applications the platform refuses as a
// single archive: install-multiple the main apk, then each split apk
// with the main apk's package as parent. No dex or resource path is
// exercised.
func (o *Orchestrator) runSplitInstall(ctx context.Context) error {
	pkg, err := readPackage(resolve(o.cfg.Execroot, o.cfg.StubDatafile))
	if err != nil {
		return err
	}
	if err := o.bridge.InstallMultiple(ctx, resolve(o.cfg.Execroot, o.cfg.SplitMainApk), ""); err != nil {
		return err
	}
	for _, split := range o.cfg.SplitApk {
		if err := o.bridge.InstallMultiple(ctx, resolve(o.cfg.Execroot, split), pkg); err != nil {
			return err
		}
	}
	return o.touchMarker()
}

func (o *Orchestrator) touchMarker() error {
	if o.cfg.OutputMarker == "" {
		return nil
	}
	if err := os.WriteFile(o.cfg.OutputMarker, nil, 0o644); err != nil {
		return fmt.Errorf("install: writing output marker: %w", err)
	}
	return nil
}

// FormatExitMessage renders err as the single-line human-readable
// message the CLI prints on a non-zero exit (spec §6). For a
// MultipleDevices error, a hint to specify a device serial via
// extra_adb_arg is appended when haveExtraAdbArg is false.
func FormatExitMessage(err error, haveExtraAdbArg bool) string {
	var bridgeErr *bridge.Error
	if errors.As(err, &bridgeErr) {
		msg := bridgeErr.Error()
		if bridgeErr.Kind == bridge.ErrorKindMultipleDevices && !haveExtraAdbArg {
			msg += "; specify a device with extra_adb_arg=-s <serial>"
		}
		return msg
	}
	return err.Error()
}
