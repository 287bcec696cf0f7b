// Package sessiondb implements sqlite3 storage for the proxy session log.
package sessiondb

import (
	"context"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/w9cv/elproxy/pkg/proxy"
)

// DB stores finished sessions in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 path.
func Open(name string) (*DB, error) {
	// note: WAL makes concurrent session writes and queries much faster
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

type sessionRow struct {
	Callsign   string `db:"callsign"`
	RemoteAddr string `db:"remote_addr"`
	Slot       int    `db:"slot"`
	StartedAt  int64  `db:"started_at"`
	EndedAt    int64  `db:"ended_at"`
	BytesIn    uint64 `db:"bytes_in"`
	BytesOut   uint64 `db:"bytes_out"`
	Disconnect string `db:"disconnect"`
}

// RecordSession inserts one finished session.
func (db *DB) RecordSession(s proxy.Session) error {
	_, err := db.x.NamedExec(`
		INSERT INTO
		sessions ( callsign,  remote_addr,  slot,  started_at,  ended_at,  bytes_in,  bytes_out,  disconnect)
		VALUES   (:callsign, :remote_addr, :slot, :started_at, :ended_at, :bytes_in, :bytes_out, :disconnect)
	`, sessionRow{
		Callsign:   s.Callsign,
		RemoteAddr: s.RemoteAddr,
		Slot:       s.Slot,
		StartedAt:  s.StartedAt.UnixMilli(),
		EndedAt:    s.EndedAt.UnixMilli(),
		BytesIn:    s.BytesIn,
		BytesOut:   s.BytesOut,
		Disconnect: s.Disconnect,
	})
	return err
}

// Sessions returns up to limit recorded sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]proxy.Session, error) {
	var rows []sessionRow
	if err := db.x.SelectContext(ctx, &rows, `
		SELECT callsign, remote_addr, slot, started_at, ended_at, bytes_in, bytes_out, disconnect
		FROM sessions ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit); err != nil {
		return nil, err
	}
	ss := make([]proxy.Session, len(rows))
	for i, r := range rows {
		ss[i] = proxy.Session{
			Callsign:   r.Callsign,
			RemoteAddr: r.RemoteAddr,
			Slot:       r.Slot,
			StartedAt:  time.UnixMilli(r.StartedAt),
			EndedAt:    time.UnixMilli(r.EndedAt),
			BytesIn:    r.BytesIn,
			BytesOut:   r.BytesOut,
			Disconnect: r.Disconnect,
		}
	}
	return ss, nil
}

// CountSessions counts every recorded session.
func (db *DB) CountSessions(ctx context.Context) (n uint64, err error) {
	err = db.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM sessions`)
	return
}
