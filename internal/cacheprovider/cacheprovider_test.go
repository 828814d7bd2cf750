package cacheprovider_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/wandb/eventstore/internal/cacheprovider"
	"github.com/wandb/eventstore/internal/projection"
)

func collectCandidates(t *testing.T, open func(yield func(projection.Candidate) bool)) []string {
	t.Helper()
	var got []string
	open(func(c projection.Candidate) bool {
		data, err := io.ReadAll(c.Reader)
		require.NoError(t, err)
		got = append(got, string(data))
		return true
	})
	return got
}

func TestDirectoryWriteThenRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir, err := cacheprovider.NewDirectory(fs, "/snapshots")
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := dir.TryWrite(ctx, "projector", func(w io.Writer) error {
		_, err := w.Write([]byte("state-v1"))
		return err
	})
	require.NoError(t, err)
	require.True(t, ok)

	got := collectCandidates(t, dir.OpenRead(ctx, "projector"))
	assert.Equal(t, []string{"state-v1"}, got)
}

func TestDirectoryOpenReadMissingYieldsNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir, err := cacheprovider.NewDirectory(fs, "/snapshots")
	require.NoError(t, err)

	got := collectCandidates(t, dir.OpenRead(context.Background(), "missing"))
	assert.Empty(t, got)
}

func TestVersionedBlobStoreNewestFirst(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := cacheprovider.NewVersionedBlobStore(bucket, cacheprovider.VersionedBlobStoreOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		version := i
		ok, err := store.TryWrite(ctx, "proj", func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "v%d", version)
			return err
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	got := collectCandidates(t, store.OpenRead(ctx, "proj"))
	require.Len(t, got, 3)
	assert.Equal(t, []string{"v2", "v1", "v0"}, got)
}

func TestMirroredWithFallbackServesLocalFirst(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	remote := cacheprovider.NewVersionedBlobStore(bucket, cacheprovider.VersionedBlobStoreOptions{})

	fs := afero.NewMemMapFs()
	mirrored, err := cacheprovider.NewMirroredWithFallback(remote, fs, "/mirror")
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := mirrored.TryWrite(ctx, "proj", func(w io.Writer) error {
		_, err := w.Write([]byte("mirrored-state"))
		return err
	})
	require.NoError(t, err)
	require.True(t, ok)

	got := collectCandidates(t, mirrored.OpenRead(ctx, "proj"))
	require.NotEmpty(t, got)
	assert.Equal(t, "mirrored-state", got[0])
}
