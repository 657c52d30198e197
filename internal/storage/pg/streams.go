package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/trovelabs/trove/internal/model"
)

type streamsStore struct {
	db *sql.DB
}

func streamUniqueKeys(st *model.Stream) map[string]map[string]interface{} {
	parent := ""
	if st.ParentID != nil {
		parent = *st.ParentID
	}
	return map[string]map[string]interface{}{
		"streams_pkey":             {"id": st.ID},
		"streams_sibling_name_key": {"name": st.Name, "parentId": parent},
	}
}

func (s *streamsStore) Create(ctx context.Context, userID string, st *model.Stream) error {
	// Children is assembled at read time; never persist it.
	data, err := json.Marshal(st.Clone())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO streams (user_id, id, parent_id, name, created, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, st.ID, st.ParentID, st.Name, st.Created, data)
	return mapUnique(err, "stream", streamUniqueKeys(st))
}

func (s *streamsStore) Get(ctx context.Context, userID, id string) (*model.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM streams WHERE user_id = $1 AND id = $2`, userID, id)
	return scanStream(row)
}

func (s *streamsStore) List(ctx context.Context, userID string) ([]*model.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM streams WHERE user_id = $1 ORDER BY created`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *streamsStore) Update(ctx context.Context, userID string, st *model.Stream) error {
	data, err := json.Marshal(st.Clone())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET parent_id = $3, name = $4, data = $5
		WHERE user_id = $1 AND id = $2`,
		userID, st.ID, st.ParentID, st.Name, data)
	if err != nil {
		return mapUnique(err, "stream", streamUniqueKeys(st))
	}
	return mustAffect(res)
}

func (s *streamsStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM streams WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *streamsStore) AddDeletion(ctx context.Context, userID string, d *model.Deletion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_deletions (user_id, id, deleted, integrity)
		VALUES ($1, $2, $3, $4)`,
		userID, d.ID, d.Deleted, d.Integrity)
	return err
}

func (s *streamsStore) GetDeletions(ctx context.Context, userID string, since float64) ([]model.Deletion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deleted, integrity FROM stream_deletions
		WHERE user_id = $1 AND deleted > $2 ORDER BY deleted`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeletions(rows)
}

func (s *streamsStore) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM streams WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func scanStream(sc rowScanner) (*model.Stream, error) {
	var data []byte
	if err := sc.Scan(&data); err != nil {
		return nil, notFound(err)
	}
	var st model.Stream
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanDeletions(rows *sql.Rows) ([]model.Deletion, error) {
	var out []model.Deletion
	for rows.Next() {
		var d model.Deletion
		if err := rows.Scan(&d.ID, &d.Deleted, &d.Integrity); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
