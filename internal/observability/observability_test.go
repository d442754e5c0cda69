package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btcdecoded/govcore/internal/observability"
)

func TestNewDisabledSkipsExporterSetup(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false

	p, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	// A disabled provider's Tracer() must still be usable (a no-op tracer),
	// since engine code calls TrackReconcile unconditionally.
	require.NotNil(t, p.Tracer())
}

func TestTrackReconcileRecordsSuccessAndFailureWithoutPanicking(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false
	p, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, done := p.TrackReconcile(context.Background(), "acme/core#1")
	require.NotNil(t, ctx)
	done(nil)

	_, done2 := p.TrackReconcile(context.Background(), "acme/core#2")
	done2(errors.New("boom"))
}

func TestRecordAuditAppendDoesNotPanicWhenDisabled(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false
	p, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)

	p.RecordAuditAppend(context.Background(), "rule-reload-accepted")
}

func TestShutdownOnDisabledProviderIsNoOp(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.Enabled = false
	p, err := observability.New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
}
