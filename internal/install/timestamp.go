package install

import (
	"context"
	"fmt"

	"github.com/bazelbuild/mobile-install/internal/bridge"
)

// timestampBridge is the narrow surface the Timestamp Guard needs.
type timestampBridge interface {
	Pull(ctx context.Context, remote string) (contents string, ok bool)
	GetInstallTime(ctx context.Context, pkg string) (string, error)
}

// checkTimestamp proves the device-side application is the one
// produced by a prior installer invocation before any incremental work
// proceeds (spec §4.6). appDir is the per-application device subtree.
func checkTimestamp(ctx context.Context, br timestampBridge, appDir, pkg string) error {
	anchored, ok := br.Pull(ctx, appDir+"/install_timestamp")
	if !ok {
		return bridge.NewTimestampError("check_timestamp",
			"at least one non-incremental install must precede incremental installs")
	}

	actual, err := br.GetInstallTime(ctx, pkg)
	if err != nil {
		return err
	}

	if actual != anchored {
		return bridge.NewTimestampError("check_timestamp",
			fmt.Sprintf("installed app has an unexpected timestamp (expected %q, found %q); "+
				"did you install it other than through this tool?", anchored, actual))
	}
	return nil
}
