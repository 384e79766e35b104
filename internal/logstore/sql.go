package logstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlBackend stores one row per record. Row order (by id) is append order.
type sqlBackend struct {
	db     *sql.DB
	name   string
	insert string
}

func (b *sqlBackend) Name() string {
	return b.name
}

// Append inserts a row. The driver commits before returning, which gives the
// flush-before-acknowledge guarantee.
func (b *sqlBackend) Append(ctx context.Context, data []byte) error {
	if _, err := b.db.ExecContext(ctx, b.insert, data, time.Now()); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (b *sqlBackend) ReadAll(ctx context.Context) ([]byte, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		buf.Write(data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return buf.Bytes(), nil
}

// Count returns the number of stored records.
func (b *sqlBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (b *sqlBackend) Reset(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

func (b *sqlBackend) migrate(migrations []string) error {
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}
