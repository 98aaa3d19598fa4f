package objectstore

import "context"

// NewFromConfig selects the S3 backend when bucket is configured, and
// falls back to a local-filesystem store rooted at localRoot otherwise —
// the same "object store is optional" posture spec §4.8 assumes ("if a
// live sandbox exists and an object store is configured"). accessKey and
// secretKey, when non-empty, are used as static S3 credentials instead of
// the AWS SDK's default credential chain (env vars, shared config,
// instance role) — see config.ObjectStoreCredentials.
func NewFromConfig(ctx context.Context, bucket, endpoint, accessKey, secretKey, localRoot string) (Store, error) {
	if bucket == "" {
		return NewLocalStore(localRoot)
	}
	return NewS3Store(ctx, bucket, endpoint, accessKey, secretKey)
}
