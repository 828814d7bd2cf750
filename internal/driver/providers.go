package driver

import (
	"context"

	"gocloud.dev/blob"

	// Side-effect imports register each provider's URL scheme with
	// blob.OpenBucket, the same pattern the teacher uses in
	// internal/tensorboard/localorcloudpath.go for registering cloud
	// storage schemes.
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// OpenBucket opens a gocloud.dev bucket from a URL such as
// "s3://my-bucket", "gs://my-bucket", "azblob://my-container",
// "file:///var/lib/eventstore", or "mem://" (the provider schemes
// registered in this file's side-effect imports).
func OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, urlstr)
}
