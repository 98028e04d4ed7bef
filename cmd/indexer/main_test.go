package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/brojonat/vialytics/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPipeline struct {
	stats       ledger.BackfillStats
	backfillErr error
	liveErr     error

	backfillCalls int
	liveCalls     int
}

func (p *stubPipeline) Backfill(ctx context.Context) (ledger.BackfillStats, error) {
	p.backfillCalls++
	return p.stats, p.backfillErr
}

func (p *stubPipeline) Live(ctx context.Context) error {
	p.liveCalls++
	return p.liveErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngest(t *testing.T) {
	dbDown := errors.New("database unavailable")
	streamClosed := errors.New("stream closed")

	tests := []struct {
		name         string
		pipeline     *stubPipeline
		backfill     bool
		wantErr      error
		wantBackfill int
		wantLive     int
	}{
		{
			name:         "backfill then live",
			pipeline:     &stubPipeline{stats: ledger.BackfillStats{Pages: 2, Reconciled: 150}},
			backfill:     true,
			wantBackfill: 1,
			wantLive:     1,
		},
		{
			name: "page fetch error still starts live",
			pipeline: &stubPipeline{
				stats:       ledger.BackfillStats{Pages: 1, Reconciled: 100},
				backfillErr: &ledger.PageFetchError{Before: "sig-0100", Err: errors.New("429 too many requests")},
			},
			backfill:     true,
			wantBackfill: 1,
			wantLive:     1,
		},
		{
			name:         "other backfill error stops before live",
			pipeline:     &stubPipeline{backfillErr: dbDown},
			backfill:     true,
			wantErr:      dbDown,
			wantBackfill: 1,
			wantLive:     0,
		},
		{
			name:         "backfill disabled goes straight to live",
			pipeline:     &stubPipeline{},
			backfill:     false,
			wantBackfill: 0,
			wantLive:     1,
		},
		{
			name:         "live error is returned",
			pipeline:     &stubPipeline{liveErr: streamClosed},
			backfill:     true,
			wantErr:      streamClosed,
			wantBackfill: 1,
			wantLive:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ingest(context.Background(), tt.pipeline, tt.backfill, discardLogger())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantBackfill, tt.pipeline.backfillCalls)
			assert.Equal(t, tt.wantLive, tt.pipeline.liveCalls)
		})
	}
}

func TestSetupLogger_Level(t *testing.T) {
	ctx := context.Background()
	assert.True(t, setupLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, setupLogger("bogus").Enabled(ctx, slog.LevelInfo))
	assert.False(t, setupLogger("bogus").Enabled(ctx, slog.LevelDebug))
}
