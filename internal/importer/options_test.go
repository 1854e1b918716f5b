package importer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestResolve_Defaults(t *testing.T) {
	r, err := Options{}.Resolve(DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 60.0, r.DedupThreshold)
	assert.Equal(t, 20, r.BatchSize)
	assert.Equal(t, 200, r.BatchDelayMs)
}

func TestResolve_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "threshold lower bound", opts: Options{DedupThreshold: ptr(0.0)}},
		{name: "threshold upper bound", opts: Options{DedupThreshold: ptr(100.0)}},
		{name: "threshold below", opts: Options{DedupThreshold: ptr(-1.0)}, wantErr: "dedupThreshold"},
		{name: "threshold above", opts: Options{DedupThreshold: ptr(100.5)}, wantErr: "dedupThreshold"},
		{name: "batch size lower bound", opts: Options{BatchSize: ptr(1)}},
		{name: "batch size upper bound", opts: Options{BatchSize: ptr(100)}},
		{name: "batch size zero", opts: Options{BatchSize: ptr(0)}, wantErr: "batchSize"},
		{name: "batch size above", opts: Options{BatchSize: ptr(101)}, wantErr: "batchSize"},
		{name: "delay lower bound", opts: Options{BatchDelayMs: ptr(100)}},
		{name: "delay upper bound", opts: Options{BatchDelayMs: ptr(1000)}},
		{name: "delay below", opts: Options{BatchDelayMs: ptr(99)}, wantErr: "batchDelayMs"},
		{name: "delay above", opts: Options{BatchDelayMs: ptr(1001)}, wantErr: "batchDelayMs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.Resolve(DefaultOptions())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			require.Len(t, ve.Fields, 1)
			assert.Equal(t, tt.wantErr, ve.Fields[0].Field)
		})
	}
}

func TestResolve_ReportsEveryField(t *testing.T) {
	_, err := Options{
		DedupThreshold: ptr(150.0),
		BatchSize:      ptr(500),
		BatchDelayMs:   ptr(5),
	}.Resolve(DefaultOptions())

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Fields, 3)
	assert.False(t, domain.IsRetryable(err))
}

func TestDefaults_Validate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	d := DefaultOptions()
	d.BatchSize = 0
	assert.Error(t, d.Validate())
}
