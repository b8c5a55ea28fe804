// Package store provides durable client-side storage for entities, the
// mutation queue and unresolved conflicts.
//
// Physical storage sits behind Backend, a small capability interface
// implemented by SQLite, Badger and an in-memory map. The typed stores
// in this package never depend on a specific engine.
package store

import (
	"context"
	"fmt"

	apperrors "github.com/afenda/offlinesync/internal/errors"
)

// Indexes maps secondary index names to the value a record is filed under.
// Empty values are not indexed.
type Indexes map[string]string

// Record is one stored value and its primary key.
type Record struct {
	Key   string
	Value []byte
}

// Backend is the storage capability every engine provides.
//
// Get returns an error satisfying IsNotFound for missing keys.
// Put replaces the value and the full index set of a key.
// Delete is idempotent.
// QueryByIndex returns matching records ordered by key.
type Backend interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte, indexes Indexes) error
	Delete(ctx context.Context, collection, key string) error
	QueryByIndex(ctx context.Context, collection, index, value string) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

func notFound(collection, key string) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, key))
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}

func unavailable(err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, "storage backend closed", err)
}

// compact drops empty index values.
func (ix Indexes) compact() Indexes {
	out := make(Indexes, len(ix))
	for k, v := range ix {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
