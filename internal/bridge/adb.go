package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const successToken = "Success"

var installTimePattern = regexp.MustCompile(`(?m)lastUpdateTime=(.*)$`)

// Adapter wraps invocations of the external device-bridge CLI (adb). It
// is the only component in this module that shells out; every other
// package talks to a device exclusively through Adapter's methods.
type Adapter struct {
	log *slog.Logger

	adbPath      string
	extraArgs    []string
	userHomeDir  string
	tempDir      string
	fileCounter  atomic.Uint64
	scratchSpace string

	pool *pushPool
}

// Config configures a new Adapter. DefaultJobs (2) is used when Jobs
// is zero, matching spec's adb_jobs default.
type Config struct {
	Logger      *slog.Logger
	AdbPath     string
	ExtraArgs   []string
	UserHomeDir string
	TempDir     string
	Jobs        int
}

const DefaultJobs = 2

// New constructs an Adapter. TempDir must already exist and is owned by
// the caller (the CLI front-end creates it for the run and is
// responsible for removing it).
func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("bridge: logger is required")
	}
	if cfg.AdbPath == "" {
		return nil, fmt.Errorf("bridge: adb path is required")
	}
	if cfg.TempDir == "" {
		return nil, fmt.Errorf("bridge: temp dir is required")
	}
	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs
	}
	scratch := filepath.Join(cfg.TempDir, "adbfiles-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("bridge: creating scratch dir: %w", err)
	}
	return &Adapter{
		log:          cfg.Logger,
		adbPath:      cfg.AdbPath,
		extraArgs:    cfg.ExtraArgs,
		userHomeDir:  cfg.UserHomeDir,
		tempDir:      cfg.TempDir,
		scratchSpace: scratch,
		pool:         newPushPool(jobs),
	}, nil
}

// Close releases the adapter's worker pool.
func (a *Adapter) Close() {
	a.pool.StopWait()
}

// execResult bundles the bookkeeping needed to classify an adb
// invocation's outcome.
type execResult struct {
	argv     []string
	exitCode int
	stdout   string
	stderr   string
}

// exec runs the adb CLI with the given subcommand arguments, classifies
// failures, and returns the trimmed stdout/stderr on success.
//
// HOME is the only inherited environment variable, set from
// userHomeDir if provided; adb reads credentials for device
// authorization from under $HOME/.android, and no other ambient
// environment is passed through to the child.
func (a *Adapter) exec(ctx context.Context, op string, args ...string) (execResult, error) {
	argv := append(append([]string{a.adbPath}, a.extraArgs...), args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if a.userHomeDir != "" {
		cmd.Env = []string{"HOME=" + a.userHomeDir}
	} else {
		cmd.Env = []string{}
	}

	a.log.Debug("Executing adb command", "argv", argv)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if cmd.ProcessState == nil {
		// The process never started (e.g. the adb binary is missing).
		return execResult{argv, -1, out, errOut}, NewBridgeError(op, argv, -1, out, runErr.Error())
	}
	exitCode := cmd.ProcessState.ExitCode()

	a.log.Debug("adb result", "op", op, "exit_code", exitCode, "stdout", out, "stderr", errOut)

	if classified := classify(op, argv, exitCode, out, errOut); classified != nil {
		return execResult{argv, exitCode, out, errOut}, classified
	}
	return execResult{argv, exitCode, out, errOut}, nil
}

// Shell invokes `adb shell <cmd>`.
func (a *Adapter) Shell(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	res, err := a.exec(ctx, "shell", "shell", cmd)
	if err != nil {
		return "", "", err
	}
	return res.stdout, res.stderr, nil
}

// Mkdir invokes `mkdir -p` on the device, tolerating the same races on
// intermediate directory creation the original tool tolerates: an
// EEXIST-shaped failure message from a concurrent mkdir is not treated
// as an error by `mkdir -p` itself, so nothing special is needed here
// beyond relying on that semantics.
func (a *Adapter) Mkdir(ctx context.Context, dir string) error {
	_, _, err := a.Shell(ctx, fmt.Sprintf("mkdir -p %s", dir))
	return err
}

// Delete removes a single remote path (file or directory).
func (a *Adapter) Delete(ctx context.Context, remote string) error {
	return a.DeleteMultiple(ctx, []string{remote})
}

// DeleteMultiple removes every given remote path in a single shell
// invocation, to minimize round trips. An empty slice is a no-op and
// never shells out.
func (a *Adapter) DeleteMultiple(ctx context.Context, remotes []string) error {
	if len(remotes) == 0 {
		return nil
	}
	_, _, err := a.Shell(ctx, fmt.Sprintf("rm -fr %s", strings.Join(remotes, " ")))
	return err
}

// ForceStop force-stops the given package.
func (a *Adapter) ForceStop(ctx context.Context, pkg string) error {
	_, _, err := a.Shell(ctx, fmt.Sprintf("am force-stop %s", pkg))
	return err
}

// StartApp launches the given package's launcher activity.
func (a *Adapter) StartApp(ctx context.Context, pkg string) error {
	_, _, err := a.Shell(ctx, fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg))
	return err
}

// GetInstallTime returns the package manager's lastUpdateTime for pkg.
func (a *Adapter) GetInstallTime(ctx context.Context, pkg string) (string, error) {
	stdout, _, err := a.Shell(ctx, fmt.Sprintf("dumpsys package %s", pkg))
	if err != nil {
		return "", err
	}
	match := installTimePattern.FindStringSubmatch(stdout)
	if match == nil {
		return "", NewTimestampError("get_install_time", fmt.Sprintf(
			"package %q is not installed on the device; at least one non-incremental "+
				"install must precede incremental installs", pkg))
	}
	return match[1], nil
}

// Pull fetches the contents of a remote file. Any failure — a missing
// file, a permission error, a bridge error — is swallowed and reported
// as "absent" (ok=false) rather than propagated. Several callers rely
// on pull-then-compare to detect whether a prior run left an anchor
// file in place, and an absent anchor is meaningful device state, not
// an error.
func (a *Adapter) Pull(ctx context.Context, remote string) (contents string, ok bool) {
	local := a.newLocalFile()
	defer os.Remove(local)

	if _, _, err := a.exec1(ctx, "pull", "pull", remote, local); err != nil {
		return "", false
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (a *Adapter) exec1(ctx context.Context, op string, args ...string) (stdout, stderr string, err error) {
	res, err := a.exec(ctx, op, args...)
	if err != nil {
		return "", "", err
	}
	return res.stdout, res.stderr, nil
}

// Push asynchronously pushes a local file to a remote path via the
// worker pool. The returned handle resolves once the transfer
// completes.
func (a *Adapter) Push(local, remote string) *PushHandle {
	return a.pool.submit(func() error {
		return a.pushSync(context.Background(), local, remote)
	})
}

// PushString materializes contents to a unique local temp file (via a
// monotonic, run-scoped counter — this is what guarantees uniqueness
// across concurrent pushes, not the filesystem) and pushes it to
// remote.
func (a *Adapter) PushString(contents, remote string) (*PushHandle, error) {
	local := a.newLocalFile()
	if err := os.WriteFile(local, []byte(contents), 0o644); err != nil {
		return nil, fmt.Errorf("bridge: writing local push staging file: %w", err)
	}
	return a.Push(local, remote), nil
}

func (a *Adapter) newLocalFile() string {
	n := a.fileCounter.Add(1)
	return filepath.Join(a.scratchSpace, fmt.Sprintf("adbfile_%d", n))
}

func (a *Adapter) pushSync(ctx context.Context, local, remote string) error {
	_, _, err := a.exec1(ctx, "push", "push", local, remote)
	return err
}

// PushAll dispatches every (local, remote) pair concurrently through
// the adapter's pool and implements first-error-cancels-the-rest
// semantics; see pushPool.PushAll.
func (a *Adapter) PushAll(ctx context.Context, pairs []PushPair) error {
	return a.pool.PushAll(ctx, pairs, a.pushSync)
}

// Install invokes `adb install -r <apk>`. adb may exit 0 while having
// failed (e.g. INSTALL_PARSE_FAILED_INCONSISTENT_CERTIFICATES printed
// to stdout), so success is gated on the literal token "Success"
// appearing in either stream, not on the exit code.
func (a *Adapter) Install(ctx context.Context, apk string) error {
	res, err := a.exec(ctx, "install", "install", "-r", apk)
	if err != nil {
		return err
	}
	if !strings.Contains(res.stdout, successToken) && !strings.Contains(res.stderr, successToken) {
		return NewBridgeError("install", res.argv, res.exitCode, res.stdout, res.stderr)
	}
	return nil
}

// InstallMultiple invokes `adb install-multiple -r [-p pkg] <apk>`,
// used for split installs. The same "Success" token gate as Install
// applies.
func (a *Adapter) InstallMultiple(ctx context.Context, apk string, pkg string) error {
	args := []string{"install-multiple", "install-multiple", "-r"}
	if pkg != "" {
		args = append(args, "-p", pkg)
	}
	args = append(args, apk)
	res, err := a.exec(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	if !strings.Contains(res.stdout, successToken) && !strings.Contains(res.stderr, successToken) {
		return NewBridgeError("install-multiple", res.argv, res.exitCode, res.stdout, res.stderr)
	}
	return nil
}
