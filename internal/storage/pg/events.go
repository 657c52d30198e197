package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

type eventsStore struct {
	db *sql.DB
}

func (s *eventsStore) Create(ctx context.Context, userID string, e *model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// The deletion check rides in the insert so id reuse stays impossible
	// without a transaction.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (user_id, id, time, modified, trashed, data)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM event_deletions WHERE user_id = $1 AND id = $2)`,
		userID, e.ID, e.Time, e.Modified, e.Trashed, data)
	if err != nil {
		return mapUnique(err, "event", map[string]map[string]interface{}{
			"events_pkey": {"id": e.ID},
		})
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &storage.UniquenessError{Resource: "event", Keys: map[string]interface{}{"id": e.ID}}
	}
	return nil
}

func (s *eventsStore) Get(ctx context.Context, userID, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM events WHERE user_id = $1 AND id = $2`, userID, id)
	return scanEvent(row)
}

// Query pushes the indexed predicates (state, window, modified) into SQL
// and applies the full filter per row; stream membership and type checks
// stay in Go where the id sets are already expanded.
func (s *eventsStore) Query(ctx context.Context, userID string, q *storage.EventQuery) (storage.Cursor, error) {
	where := "user_id = $1"
	args := []interface{}{userID}

	switch q.State {
	case "", storage.StateDefault:
		where += " AND trashed = FALSE"
	case storage.StateTrashed:
		where += " AND trashed = TRUE"
	}
	if q.ModifiedSince != nil {
		args = append(args, *q.ModifiedSince)
		where += fmt.Sprintf(" AND modified > $%d", len(args))
	}
	if q.ToTime != nil {
		args = append(args, *q.ToTime)
		where += fmt.Sprintf(" AND time <= $%d", len(args))
	}

	order := "time DESC"
	if q.SortAscending {
		order = "time ASC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM events WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, err
	}
	return &eventCursor{rows: rows, query: q}, nil
}

func (s *eventsStore) Update(ctx context.Context, userID string, e *model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET time = $3, modified = $4, trashed = $5, data = $6
		WHERE user_id = $1 AND id = $2`,
		userID, e.ID, e.Time, e.Modified, e.Trashed, data)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *eventsStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *eventsStore) AddHistory(ctx context.Context, userID string, snapshot *model.Event) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_history (user_id, head_id, modified, data)
		VALUES ($1, $2, $3, $4)`,
		userID, snapshot.HeadID, snapshot.Modified, data)
	return err
}

func (s *eventsStore) History(ctx context.Context, userID, headID string) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM event_history
		WHERE user_id = $1 AND head_id = $2 ORDER BY modified`, userID, headID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *eventsStore) DeleteHistory(ctx context.Context, userID, headID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM event_history WHERE user_id = $1 AND head_id = $2`, userID, headID)
	return err
}

func (s *eventsStore) AddDeletion(ctx context.Context, userID string, d *model.Deletion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_deletions (user_id, id, deleted, integrity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, id) DO UPDATE
		SET deleted = EXCLUDED.deleted, integrity = EXCLUDED.integrity`,
		userID, d.ID, d.Deleted, d.Integrity)
	return err
}

func (s *eventsStore) GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deleted, integrity FROM event_deletions
		WHERE user_id = $1 AND deleted > $2 ORDER BY deleted`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeletions(rows)
}

func (s *eventsStore) HasDeletion(ctx context.Context, userID, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_deletions WHERE user_id = $1 AND id = $2)`,
		userID, id).Scan(&exists)
	return exists, err
}

func (s *eventsStore) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (s *eventsStore) TotalAttachedSize(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM((att->>'size')::bigint), 0)
		FROM events, jsonb_array_elements(COALESCE(data->'attachments', '[]'::jsonb)) att
		WHERE user_id = $1`, userID).Scan(&total)
	return total, err
}

func scanEvent(sc rowScanner) (*model.Event, error) {
	var data []byte
	if err := sc.Scan(&data); err != nil {
		return nil, notFound(err)
	}
	var e model.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// eventCursor finishes the filter in Go: rows arrive ordered and
// state/window pre-filtered, Matches applies the rest, then skip and limit
// count matched rows only.
type eventCursor struct {
	rows    *sql.Rows
	query   *storage.EventQuery
	skipped int
	yielded int
}

func (c *eventCursor) Next(ctx context.Context) (interface{}, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if c.query.Limit > 0 && c.yielded >= c.query.Limit {
			return nil, false, nil
		}
		if !c.rows.Next() {
			return nil, false, c.rows.Err()
		}
		e, err := scanEvent(c.rows)
		if err != nil {
			return nil, false, err
		}
		if !c.query.Matches(e) {
			continue
		}
		if c.skipped < c.query.Skip {
			c.skipped++
			continue
		}
		c.yielded++
		return e, true, nil
	}
}

func (c *eventCursor) Close() error { return c.rows.Close() }
