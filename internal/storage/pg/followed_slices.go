package pg

import (
	"context"
	"database/sql"

	"github.com/trovelabs/trove/internal/model"
)

type slicesStore struct {
	db *sql.DB
}

func sliceUniqueKeys(sl *model.FollowedSlice) map[string]map[string]interface{} {
	return map[string]map[string]interface{}{
		"followed_slices_pkey":          {"id": sl.ID},
		"followed_slices_name_key":      {"name": sl.Name},
		"followed_slices_url_token_key": {"url": sl.URL, "accessToken": sl.AccessToken},
	}
}

func (s *slicesStore) Create(ctx context.Context, userID string, sl *model.FollowedSlice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followed_slices (user_id, id, name, url, access_token)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, sl.ID, sl.Name, sl.URL, sl.AccessToken)
	return mapUnique(err, "followedSlice", sliceUniqueKeys(sl))
}

func (s *slicesStore) Get(ctx context.Context, userID, id string) (*model.FollowedSlice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, access_token FROM followed_slices
		WHERE user_id = $1 AND id = $2`, userID, id)
	return scanSlice(row)
}

func (s *slicesStore) List(ctx context.Context, userID string) ([]*model.FollowedSlice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, access_token FROM followed_slices
		WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.FollowedSlice
	for rows.Next() {
		sl, err := scanSlice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *slicesStore) Update(ctx context.Context, userID string, sl *model.FollowedSlice) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE followed_slices SET name = $3, url = $4, access_token = $5
		WHERE user_id = $1 AND id = $2`,
		userID, sl.ID, sl.Name, sl.URL, sl.AccessToken)
	if err != nil {
		return mapUnique(err, "followedSlice", sliceUniqueKeys(sl))
	}
	return mustAffect(res)
}

func (s *slicesStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM followed_slices WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func scanSlice(sc rowScanner) (*model.FollowedSlice, error) {
	var sl model.FollowedSlice
	if err := sc.Scan(&sl.ID, &sl.Name, &sl.URL, &sl.AccessToken); err != nil {
		return nil, notFound(err)
	}
	return &sl, nil
}
