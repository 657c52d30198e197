package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

type accessesStore struct {
	db *sql.DB
}

var accessUniqueKeys = func(a *model.Access) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"accesses_pkey":           {"id": a.ID},
		"accesses_token_live_key": {"token": a.Token},
	}
}

func (s *accessesStore) Create(ctx context.Context, userID string, a *model.Access) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accesses (user_id, id, token, created, deleted, last_used, calls, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		userID, a.ID, a.Token, a.Created, a.Deleted, a.LastUsed, callsJSON(a), data)
	return mapUnique(err, "access", accessUniqueKeys(a))
}

func (s *accessesStore) Get(ctx context.Context, userID, id string) (*model.Access, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, last_used, calls FROM accesses
		WHERE user_id = $1 AND id = $2 AND deleted IS NULL`, userID, id)
	return scanAccess(row)
}

func (s *accessesStore) GetByToken(ctx context.Context, userID, token string) (*model.Access, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, last_used, calls FROM accesses
		WHERE user_id = $1 AND token = $2 AND deleted IS NULL`, userID, token)
	return scanAccess(row)
}

func (s *accessesStore) List(ctx context.Context, userID string) ([]*model.Access, error) {
	return s.list(ctx, userID, "deleted IS NULL")
}

func (s *accessesStore) ListDeleted(ctx context.Context, userID string) ([]*model.Access, error) {
	return s.list(ctx, userID, "deleted IS NOT NULL")
}

func (s *accessesStore) list(ctx context.Context, userID, cond string) ([]*model.Access, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, last_used, calls FROM accesses
		WHERE user_id = $1 AND `+cond+` ORDER BY created`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *accessesStore) Update(ctx context.Context, userID string, a *model.Access) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accesses SET token = $3, data = $4
		WHERE user_id = $1 AND id = $2 AND deleted IS NULL`,
		userID, a.ID, a.Token, data)
	if err != nil {
		return mapUnique(err, "access", accessUniqueKeys(a))
	}
	return mustAffect(res)
}

func (s *accessesStore) Delete(ctx context.Context, userID, id string, deletedAt float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accesses
		SET deleted = $3,
		    data = jsonb_set(data, '{deleted}', to_jsonb($3::double precision))
		WHERE user_id = $1 AND id = $2 AND deleted IS NULL`,
		userID, id, deletedAt)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *accessesStore) Track(ctx context.Context, userID, accessID, methodKey string, when float64, slideExpires *float64) error {
	// One statement keeps the counters race-free under concurrent calls.
	res, err := s.db.ExecContext(ctx, `
		UPDATE accesses SET
			last_used = GREATEST(last_used, $4),
			calls = jsonb_set(calls, ARRAY[$3],
				to_jsonb(COALESCE((calls->>$3)::bigint, 0) + 1), true),
			data = CASE WHEN $5::double precision IS NULL THEN data
			            ELSE jsonb_set(data, '{expires}', to_jsonb($5::double precision)) END
		WHERE user_id = $1 AND id = $2 AND deleted IS NULL`,
		userID, accessID, methodKey, when, slideExpires)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *accessesStore) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accesses
		WHERE user_id = $1 AND deleted IS NULL`, userID).Scan(&n)
	return n, err
}

func callsJSON(a *model.Access) []byte {
	if a.Calls == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(a.Calls)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func scanAccess(sc rowScanner) (*model.Access, error) {
	var data, calls []byte
	var a model.Access
	if err := sc.Scan(&data, &a.LastUsed, &calls); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(calls, &a.Calls); err != nil {
		return nil, err
	}
	if len(a.Calls) == 0 {
		a.Calls = nil
	}
	return &a, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
