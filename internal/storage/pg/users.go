package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/storage"
)

type usersStore struct {
	db *sql.DB
}

const userColumns = `id, username, email, language,
	storage_db_documents, storage_attached_files,
	password_hash, password_history, password_changed_at, reset_token_id, mfa`

func (s *usersStore) Create(ctx context.Context, u *model.User) error {
	history, mfa, err := marshalUserBlobs(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Username, u.Email, u.Language,
		u.StorageUsed.DBDocuments, u.StorageUsed.AttachedFiles,
		u.PasswordHash, history, u.PasswordChangedAt, u.ResetTokenID, mfa)
	return mapUnique(err, "user", map[string]map[string]interface{}{
		"users_pkey":            {"id": u.ID},
		"users_username_key":    {"username": u.Username},
		"users_email_lower_key": {"email": u.Email},
	})
}

func (s *usersStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *usersStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *usersStore) Update(ctx context.Context, u *model.User) error {
	history, mfa, err := marshalUserBlobs(u)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET username = $2, email = $3, language = $4,
			storage_db_documents = $5, storage_attached_files = $6,
			password_hash = $7, password_history = $8,
			password_changed_at = $9, reset_token_id = $10, mfa = $11
		WHERE id = $1`,
		u.ID, u.Username, u.Email, u.Language,
		u.StorageUsed.DBDocuments, u.StorageUsed.AttachedFiles,
		u.PasswordHash, history, u.PasswordChangedAt, u.ResetTokenID, mfa)
	if err != nil {
		return mapUnique(err, "user", map[string]map[string]interface{}{
			"users_username_key":    {"username": u.Username},
			"users_email_lower_key": {"email": u.Email},
		})
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *usersStore) All(ctx context.Context) (storage.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	return &rowsCursor{rows: rows, scan: func(r *sql.Rows) (interface{}, error) {
		return scanUserRows(r)
	}}, nil
}

func marshalUserBlobs(u *model.User) ([]byte, []byte, error) {
	history, err := json.Marshal(u.PasswordHistory)
	if err != nil {
		return nil, nil, err
	}
	var mfa []byte
	if u.MFA != nil {
		if mfa, err = json.Marshal(u.MFA); err != nil {
			return nil, nil, err
		}
	}
	return history, mfa, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserFrom(sc rowScanner) (*model.User, error) {
	var u model.User
	var history []byte
	var mfa []byte
	err := sc.Scan(&u.ID, &u.Username, &u.Email, &u.Language,
		&u.StorageUsed.DBDocuments, &u.StorageUsed.AttachedFiles,
		&u.PasswordHash, &history, &u.PasswordChangedAt, &u.ResetTokenID, &mfa)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(history, &u.PasswordHistory); err != nil {
		return nil, err
	}
	if len(mfa) > 0 {
		if err := json.Unmarshal(mfa, &u.MFA); err != nil {
			return nil, err
		}
	}
	return &u, nil
}

func scanUser(row *sql.Row) (*model.User, error) { return scanUserFrom(row) }

func scanUserRows(rows *sql.Rows) (*model.User, error) { return scanUserFrom(rows) }
