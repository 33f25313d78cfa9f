// Package kvstore provides the key/value document store backing every persisted
// record of the portal backend (audit trail, backup catalog, webhook registry).
//
// All documents are JSON. Keys are namespaced strings such as "auditoria:logs"
// or "backup:config". Two implementations exist: Postgres (production, a single
// jsonb table) and Memory (tests and single-binary development mode). Services
// depend only on the Store interface, so the two are interchangeable.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no document exists under the key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a JSON document store keyed by namespaced strings.
type Store interface {
	// Get unmarshals the document stored under key into out.
	// Returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string, out interface{}) error

	// Set marshals value to JSON and stores it under key, replacing any
	// existing document.
	Set(ctx context.Context, key string, value interface{}) error

	// Delete removes the document stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
}
