// Package store holds the key-value backends that persist autosave snapshots.
//
// Every backend may fail; callers treat failures as "keep going in memory".
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a string key-value persistence provider.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
