// Package pg implements storage.Store on PostgreSQL. Records are stored
// as JSONB documents with the fields that carry constraints or drive
// queries (usernames, tokens, sibling names, event times) extracted into
// indexed columns. Uniqueness lives in the schema; violations surface as
// *storage.UniquenessError.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/storage"
)

type Database struct {
	DB *sql.DB
}

var _ storage.Store = (*Database)(nil)

// InitDatabase opens the connection pool and runs pending migrations.
func InitDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.AppConfig.DBMaxOpenConns)
	db.SetMaxIdleConns(config.AppConfig.DBMaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(config.AppConfig.DBConnMaxIdleTime) * time.Minute)
	db.SetConnMaxLifetime(time.Duration(config.AppConfig.DBConnMaxLifetime) * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{DB: db}, nil
}

func (d *Database) Users() storage.Users                   { return &usersStore{db: d.DB} }
func (d *Database) Accesses() storage.Accesses             { return &accessesStore{db: d.DB} }
func (d *Database) Streams() storage.Streams               { return &streamsStore{db: d.DB} }
func (d *Database) Events() storage.Events                 { return &eventsStore{db: d.DB} }
func (d *Database) FollowedSlices() storage.FollowedSlices { return &slicesStore{db: d.DB} }
func (d *Database) Profiles() storage.Profiles             { return &profilesStore{db: d.DB} }

func (d *Database) Close() error { return d.DB.Close() }
