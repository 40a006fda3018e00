package state

import "context"

// Store is a durable key-value store of snapshot documents keyed by entity id
type Store interface {
	// Save replaces the latest snapshot for entityID
	Save(ctx context.Context, entityID string, data []byte) error
	// Load returns the latest snapshot or ErrSnapshotNotFound
	Load(ctx context.Context, entityID string) ([]byte, error)
	// Delete removes every snapshot for entityID
	Delete(ctx context.Context, entityID string) error
	// List returns the ids that have a snapshot
	List(ctx context.Context) ([]string, error)
	Close() error
}
