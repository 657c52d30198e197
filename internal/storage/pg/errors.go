package pg

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/trovelabs/trove/internal/storage"
)

// uniqueViolation is the Postgres error code for a violated unique index.
const uniqueViolation = "23505"

// mapUnique translates a unique-violation error into the constraint-named
// *storage.UniquenessError; keys maps constraint names to the API fields
// they protect. Other errors pass through unchanged.
func mapUnique(err error, resource string, keys map[string]map[string]interface{}) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	if k, ok := keys[pqErr.Constraint]; ok {
		return &storage.UniquenessError{Resource: resource, Keys: k}
	}
	return &storage.UniquenessError{Resource: resource, Keys: map[string]interface{}{
		"constraint": pqErr.Constraint,
	}}
}

// notFound translates sql.ErrNoRows to the storage sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
