package sessiondb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// migrations, in order; index i migrates the schema from version i to i+1.
var migrations = []func(context.Context, *sqlx.Tx) error{
	up001,
}

// Version gets the current and required database versions. It should be
// checked before using the database.
func (db *DB) Version() (current, required uint64, err error) {
	if err = db.x.Get(&current, `PRAGMA user_version`); err != nil {
		err = fmt.Errorf("get version: %w", err)
		return
	}
	required = uint64(len(migrations))
	return
}

// MigrateUp migrates the database to the provided version.
func (db *DB) MigrateUp(ctx context.Context, to uint64) error {
	if to > uint64(len(migrations)) {
		return fmt.Errorf("unknown db version %d", to)
	}

	tx, err := db.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cv uint64
	if err = tx.GetContext(ctx, &cv, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	if to < cv {
		return fmt.Errorf("target version %d is less than current version %d", to, cv)
	}

	for v := cv; v < to; v++ {
		if err := migrations[v](ctx, tx); err != nil {
			return fmt.Errorf("migrate %d: %w", v+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = `+strconv.FormatUint(to, 10)); err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE sessions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			callsign    TEXT NOT NULL COLLATE NOCASE,
			remote_addr TEXT NOT NULL,
			slot        INTEGER NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL,
			bytes_in    INTEGER NOT NULL,
			bytes_out   INTEGER NOT NULL,
			disconnect  TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX sessions_callsign_idx ON sessions(callsign, started_at)`); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}
