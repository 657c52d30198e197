package pg

import (
	"context"
	"database/sql"
)

// rowsCursor adapts sql.Rows to storage.Cursor. Next re-checks the context
// so a disconnected client stops the walk between rows.
type rowsCursor struct {
	rows *sql.Rows
	scan func(*sql.Rows) (interface{}, error)
}

func (c *rowsCursor) Next(ctx context.Context) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !c.rows.Next() {
		return nil, false, c.rows.Err()
	}
	item, err := c.scan(c.rows)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (c *rowsCursor) Close() error { return c.rows.Close() }
