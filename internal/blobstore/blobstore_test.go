package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/domain"
)

func TestSplitGCSURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{uri: "gs://bucket/imports/u1/file.csv", bucket: "bucket", object: "imports/u1/file.csv"},
		{uri: "gs://bucket", wantErr: true},
		{uri: "gs:///file.csv", wantErr: true},
		{uri: "s3://bucket/file.csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := SplitGCSURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.object, object)
		})
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "file.csv", FileName("gs://bucket/folder/file.csv"))
	assert.Equal(t, "bucket", FileName("gs://bucket"))
	assert.Equal(t, "march.csv", FileName("file:///tmp/imports/march.csv"))
	assert.Equal(t, "march.csv", FileName("march.csv"))
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "imports/u1/march.csv", ObjectName("u1", "../../march.csv"))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStorageService(t.TempDir())

	uri := s.URI(ObjectName("u1", "march.csv"))
	require.NoError(t, s.Upload(ctx, uri, strings.NewReader("date,description,amount\n")))

	data, err := s.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "date,description,amount\n", string(data))
}

func TestLocalFetchMissingIsValidation(t *testing.T) {
	s := NewLocalStorageService(t.TempDir())

	_, err := s.Fetch(context.Background(), "missing.csv")

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.False(t, domain.IsRetryable(err))
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStorageService(t.TempDir())
	r := NewRouter(nil, local)

	_, err := r.Fetch(ctx, "gs://bucket/file.csv")
	assert.Error(t, err)

	uri := "file://" + filepath.Join(local.Root, "a.csv")
	require.NoError(t, r.Upload(ctx, uri, strings.NewReader("x")))
	data, err := r.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
