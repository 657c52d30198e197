package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

type profilesStore struct {
	db *sql.DB
}

func (s *profilesStore) Get(ctx context.Context, userID, scope string) (map[string]interface{}, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM profiles WHERE user_id = $1 AND scope = $2`,
		userID, scope).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		// A missing bucket reads as empty.
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	var content map[string]interface{}
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, err
	}
	if content == nil {
		content = map[string]interface{}{}
	}
	return content, nil
}

func (s *profilesStore) Update(ctx context.Context, userID, scope string, content map[string]interface{}) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, scope, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, scope) DO UPDATE SET content = EXCLUDED.content`,
		userID, scope, data)
	return err
}
