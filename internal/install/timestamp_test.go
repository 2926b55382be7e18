package install

import (
	"context"
	"testing"

	"github.com/bazelbuild/mobile-install/internal/bridge"
	"github.com/stretchr/testify/require"
)

type fakeTimestampBridge struct {
	anchored    string
	anchoredOK  bool
	installTime string
	installErr  error
}

func (b *fakeTimestampBridge) Pull(ctx context.Context, remote string) (string, bool) {
	return b.anchored, b.anchoredOK
}

func (b *fakeTimestampBridge) GetInstallTime(ctx context.Context, pkg string) (string, error) {
	return b.installTime, b.installErr
}

func TestCheckTimestamp_MatchSucceeds(t *testing.T) {
	t.Parallel()
	b := &fakeTimestampBridge{anchored: "1000", anchoredOK: true, installTime: "1000"}
	require.NoError(t, checkTimestamp(context.Background(), b, "/app", "com.example"))
}

func TestCheckTimestamp_AbsentAnchorFails(t *testing.T) {
	t.Parallel()
	b := &fakeTimestampBridge{installTime: "1000"}
	err := checkTimestamp(context.Background(), b, "/app", "com.example")
	require.Error(t, err)
	var timestampErr *bridge.Error
	require.ErrorAs(t, err, &timestampErr)
	require.Equal(t, bridge.ErrorKindTimestamp, timestampErr.Kind)
}

func TestCheckTimestamp_MismatchFails(t *testing.T) {
	t.Parallel()
	b := &fakeTimestampBridge{anchored: "1000", anchoredOK: true, installTime: "2000"}
	err := checkTimestamp(context.Background(), b, "/app", "com.example")
	require.Error(t, err)
	var timestampErr *bridge.Error
	require.ErrorAs(t, err, &timestampErr)
	require.Equal(t, bridge.ErrorKindTimestamp, timestampErr.Kind)
}
