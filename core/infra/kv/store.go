// Package kv is the client side of the cluster metadata store: a namespaced
// key-value service that supports exact-key reads and prefix listings.
package kv

import (
	"context"
	"errors"
)

// Namespaces used by the gateway.
const (
	NamespaceDashboard = "dashboard"
	NamespaceJob       = "job"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the metadata store client. Every call honors the context deadline,
// which is how per-call timeouts reach the backend.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key, namespace string) ([]byte, error)
	// Keys lists keys that start with prefix, sorted.
	Keys(ctx context.Context, prefix, namespace string) ([]string, error)
	// Put stores value under key. When overwrite is false an existing value is
	// left alone; the return reports whether a new key was added.
	Put(ctx context.Context, key string, value []byte, overwrite bool, namespace string) (bool, error)
	// Del removes key; deleting a missing key is not an error.
	Del(ctx context.Context, key, namespace string) error
	Close() error
}
