package cacheprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gocloud.dev/blob"

	"github.com/wandb/eventstore/internal/projection"
)

// DefaultMaxCacheBlobsCount is the number of versioned snapshots kept per
// state name before older ones are pruned (spec §6).
const DefaultMaxCacheBlobsCount = 100

const versionTimeLayout = "20060102150405"

// VersionedBlobStore keys each snapshot as "stateName/YYYYMMDDHHMMSS" in a
// gocloud.dev/blob.Bucket, enumerating newest first and pruning beyond
// MaxCacheBlobsCount.
type VersionedBlobStore struct {
	bucket             *blob.Bucket
	maxCacheBlobsCount int
	now                func() time.Time
}

// VersionedBlobStoreOptions configures a VersionedBlobStore.
type VersionedBlobStoreOptions struct {
	// MaxCacheBlobsCount bounds how many versions of a given state name
	// are retained; zero means DefaultMaxCacheBlobsCount.
	MaxCacheBlobsCount int
}

// NewVersionedBlobStore wraps bucket as a Provider.
func NewVersionedBlobStore(bucket *blob.Bucket, opts VersionedBlobStoreOptions) *VersionedBlobStore {
	max := opts.MaxCacheBlobsCount
	if max <= 0 {
		max = DefaultMaxCacheBlobsCount
	}
	return &VersionedBlobStore{bucket: bucket, maxCacheBlobsCount: max, now: time.Now}
}

func (v *VersionedBlobStore) prefix(stateName string) string {
	return stateName + "/"
}

// versions returns the keys for stateName sorted newest (lexically
// largest timestamp) first.
func (v *VersionedBlobStore) versions(ctx context.Context, stateName string) ([]string, error) {
	prefix := v.prefix(stateName)
	var keys []string

	iter := v.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cacheprovider: listing versions: %w", err)
		}
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		keys = append(keys, obj.Key)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

func (v *VersionedBlobStore) OpenRead(ctx context.Context, stateName string) func(yield func(projection.Candidate) bool) {
	return func(yield func(projection.Candidate) bool) {
		keys, err := v.versions(ctx, stateName)
		if err != nil {
			return
		}
		for _, key := range keys {
			data, err := v.bucket.ReadAll(ctx, key)
			if err != nil {
				continue
			}
			if !yield(projection.Candidate{Name: stateName, Reader: bytes.NewReader(data)}) {
				return
			}
		}
	}
}

func (v *VersionedBlobStore) TryWrite(ctx context.Context, stateName string, write func(io.Writer) error) (bool, error) {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return false, err
	}

	at := v.now().UTC()
	key := v.prefix(stateName) + at.Format(versionTimeLayout)
	// Two writes within the same second would share a key; later writes
	// move to the next free second so each keeps its own version.
	for {
		exists, err := v.bucket.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("cacheprovider: checking version: %w", err)
		}
		if !exists {
			break
		}
		at = at.Add(time.Second)
		key = v.prefix(stateName) + at.Format(versionTimeLayout)
	}
	if err := v.bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
		return false, fmt.Errorf("cacheprovider: writing version: %w", err)
	}

	if err := v.prune(ctx, stateName); err != nil {
		// Pruning failure does not undo a successful write.
		return true, nil
	}
	return true, nil
}

func (v *VersionedBlobStore) prune(ctx context.Context, stateName string) error {
	keys, err := v.versions(ctx, stateName)
	if err != nil {
		return err
	}
	if len(keys) <= v.maxCacheBlobsCount {
		return nil
	}
	for _, key := range keys[v.maxCacheBlobsCount:] {
		if err := v.bucket.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
