package ports

import (
	"confstore/internal/types"
	"context"
)

// RepositoryStore persists repositories and their versioned entries.
// Implementations MUST be safe for concurrent use and MUST report every failure as a *types.Error
// (driver errors are wrapped as types.DataAccessFailure). Values cross the boundary by copy.
type RepositoryStore interface {
	// CreateRepository MUST be an atomic create-if-absent.
	// MUST return types.ErrRepositoryAlreadyExists when the repository exists.
	CreateRepository(ctx context.Context, repo types.RepositoryID) error

	// Get returns the current entry.
	// MUST return types.ErrRepositoryNotFound or types.ErrKeyNotFound, never one for the other.
	Get(ctx context.Context, key types.EntryKey) (types.Entry, error)

	// GetVersion returns the entry as it was at the given version.
	// MUST return types.ErrKeyVersionNotFound when the key exists but the version is not retained.
	GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error)

	// History returns every retained version of the key, oldest first.
	History(ctx context.Context, key types.EntryKey) ([]types.Entry, error)

	// Put writes the value and returns the new version.
	// expected is types.AnyVersion (no check), types.CreateOnly (key must not exist) or the
	// current version. A mismatch MUST return types.ErrVersionConflict and leave the entry unchanged.
	Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error)

	// Remove deletes the entry and its history and returns the removed key.
	Remove(ctx context.Context, key types.EntryKey) (string, error)

	// Entries returns a point-in-time snapshot of the repository ordered by key.
	Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error)

	Close() error
}
