// Command mobile-install reconciles a device's installed application
// state with a freshly built one: dexes, resources, and (when needed)
// the stub or split apks, using an external adb-like device bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/bazelbuild/mobile-install/internal/install"
	"github.com/bazelbuild/mobile-install/internal/metrics"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// stringSlice implements flag.Value to collect a repeatable flag
// (extra_adb_arg, split_apk) into an ordered slice.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	adbPath      = flag.String("adb", "adb", "path to the device-bridge CLI executable")
	extraAdbArg  stringSlice
	adbJobs      = flag.Int("adb_jobs", bridge.DefaultJobs, "worker-pool size for parallel pushes")
	execroot     = flag.String("execroot", "", "base for resolving every local input path")
	stubDatafile = flag.String("stub_datafile", "", "local file; second line (trimmed) is the application package")
	dexManifest  = flag.String("dexmanifest", "", "local path to the manifest file")
	resourceApk  = flag.String("resource_apk", "", "local path to the resource archive")
	apk          = flag.String("apk", "", "optional local stub apk; presence selects the full-install path")
	splitMainApk = flag.String("split_main_apk", "", "mutually exclusive with apk; selects the split-install path")
	splitApk     stringSlice
	outputMarker = flag.String("output_marker", "", "local path to touch on success")
	startApp     = flag.Bool("start_app", false, "launch app after sync")
	userHomeDir  = flag.String("user_home_dir", "", "home directory injected into the CLI's environment")
	verbosity    = flag.String("verbosity", "", `"1" enables debug-level logging; otherwise info-level`)
	flagfile     = flag.String("flagfile", "", "additional flags, read one-per-line and re-merged into configuration")
	metricsAddr  = flag.String("metrics_addr", "", "address to listen on for prometheus metrics; empty disables the server")
	dryRun       = flag.Bool("dry_run", false, "print the planned dex mutations instead of syncing the device")
)

func init() {
	flag.Var(&extraAdbArg, "extra_adb_arg", "additional args inserted between the CLI and its subcommand (repeatable)")
	flag.Var(&splitApk, "split_apk", "a split apk path (repeatable)")
}

func main() {
	flag.Parse()
	if *flagfile != "" {
		if err := mergeFlagfile(*flagfile); err != nil {
			fmt.Fprintln(os.Stderr, "mobile-install: reading flagfile:", err)
			os.Exit(1)
		}
	}

	log := newLogger(*verbosity)

	if *metricsAddr != "" {
		if err := metrics.Serve(log, *metricsAddr); err != nil {
			log.Error("Failed to start metrics server", "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tempDir, err := os.MkdirTemp("", "mobile-install-")
	if err != nil {
		log.Error("Failed to create temp dir", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tempDir)

	adapter, err := bridge.New(bridge.Config{
		Logger:      log,
		AdbPath:     *adbPath,
		ExtraArgs:   extraAdbArg,
		UserHomeDir: *userHomeDir,
		TempDir:     tempDir,
		Jobs:        *adbJobs,
	})
	if err != nil {
		log.Error("Failed to construct device bridge", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	orch, err := install.New(install.Config{
		Logger:       log,
		Bridge:       adapter,
		Execroot:     *execroot,
		StubDatafile: *stubDatafile,
		DexManifest:  *dexManifest,
		ResourceApk:  *resourceApk,
		Apk:          *apk,
		SplitMainApk: *splitMainApk,
		SplitApk:     splitApk,
		OutputMarker: *outputMarker,
		StartApp:     *startApp,
		DryRun:       *dryRun,
	})
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := orch.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mobile-install: "+install.FormatExitMessage(err, len(extraAdbArg) > 0))
		os.Exit(1)
	}
}

func newLogger(verbosity string) *slog.Logger {
	level := slog.LevelInfo
	if verbosity == "1" {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// mergeFlagfile reads one flag per line from path and parses it after
// the command-line arguments already bound to package-level
// flag.Var/flag.*Var targets, so a flagfile entry overrides a
// command-line flag of the same name (repeatable flags append), the way
// a build-system-invoked launcher treats a generated response file.
func mergeFlagfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var args []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args = append(args, line)
	}
	return flag.CommandLine.Parse(args)
}
