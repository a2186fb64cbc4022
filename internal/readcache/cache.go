package readcache

import (
	"context"

	"wow-token-tracker/internal/storage"
)

// SnapshotSource is the narrow view of the store the read cache needs: the
// ordered series per region plus the opaque modification marker that changes
// whenever a write commits.
type SnapshotSource interface {
	AllSamples(ctx context.Context, region string) ([]storage.PriceSample, error)
	Marker() int64
}

// Loader serves consistent series snapshots to presentation consumers
// without re-querying the store on every request. An empty series is a valid
// snapshot, not an error.
type Loader interface {
	Load(ctx context.Context, region string) ([]storage.PriceSample, error)
}
