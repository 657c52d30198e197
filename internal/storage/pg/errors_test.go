package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/trovelabs/trove/internal/storage"
)

func TestMapUnique(t *testing.T) {
	keys := map[string]map[string]interface{}{
		"users_username_key": {"username": "alice"},
	}

	err := mapUnique(&pq.Error{Code: "23505", Constraint: "users_username_key"}, "user", keys)
	ue, ok := storage.AsUniqueness(err)
	if !ok {
		t.Fatalf("expected uniqueness error, got %v", err)
	}
	if ue.Resource != "user" || ue.Keys["username"] != "alice" {
		t.Errorf("unexpected mapping: %+v", ue)
	}

	// Unknown constraint still reports a uniqueness violation.
	err = mapUnique(&pq.Error{Code: "23505", Constraint: "something_else"}, "user", keys)
	if _, ok := storage.AsUniqueness(err); !ok {
		t.Errorf("expected uniqueness error for unknown constraint, got %v", err)
	}

	// Wrapped errors unwrap.
	wrapped := fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "users_username_key"})
	if _, ok := storage.AsUniqueness(mapUnique(wrapped, "user", keys)); !ok {
		t.Errorf("expected uniqueness error through wrapping")
	}

	// Other pq errors pass through.
	plain := &pq.Error{Code: "23503"}
	if got := mapUnique(plain, "user", keys); got != error(plain) {
		t.Errorf("expected passthrough, got %v", got)
	}
	if got := mapUnique(nil, "user", keys); got != nil {
		t.Errorf("expected nil passthrough, got %v", got)
	}
}

func TestNotFound(t *testing.T) {
	if !errors.Is(notFound(sql.ErrNoRows), storage.ErrNotFound) {
		t.Errorf("sql.ErrNoRows should map to storage.ErrNotFound")
	}
	other := errors.New("boom")
	if notFound(other) != other {
		t.Errorf("other errors should pass through")
	}
}
