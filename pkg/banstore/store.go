// Copyright 2024-2026 Aiku AI

// Package banstore persists group mute records and reconciles them against
// snapshots of the gateway's moderation state.
package banstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// WholeGroup is the user id of a record that mutes an entire group.
const WholeGroup int64 = 0

// BanRecord is one active mute. A zero LiftTime means the mute has no known end.
type BanRecord struct {
	GroupID  int64     `json:"group_id"`
	UserID   int64     `json:"user_id"`
	LiftTime time.Time `json:"lift_time,omitzero"`
}

// Key identifies a record.
type Key struct {
	UserID  int64
	GroupID int64
}

// Key returns the composite primary key of the record.
func (r BanRecord) Key() Key {
	return Key{UserID: r.UserID, GroupID: r.GroupID}
}

// IsWholeGroup reports whether the record mutes the whole group.
func (r BanRecord) IsWholeGroup() bool {
	return r.UserID == WholeGroup
}

// SameLift reports whether both records lift at the same second.
func (r BanRecord) SameLift(other BanRecord) bool {
	if r.LiftTime.IsZero() || other.LiftTime.IsZero() {
		return r.LiftTime.IsZero() == other.LiftTime.IsZero()
	}
	return r.LiftTime.Unix() == other.LiftTime.Unix()
}

// Expired reports whether the mute has a lift time at or before now.
func (r BanRecord) Expired(now time.Time) bool {
	return !r.LiftTime.IsZero() && !r.LiftTime.After(now)
}

// Persistence is the storage contract the Reconciler works against. Each
// method is atomic on its own; InTxn groups several calls into one unit.
type Persistence interface {
	LoadBanRecords(ctx context.Context) ([]BanRecord, error)
	Upsert(ctx context.Context, rec BanRecord) error
	Delete(ctx context.Context, userID, groupID int64) error
	InTxn(ctx context.Context, fn func(ctx context.Context) error) error
}

const (
	createTableQuery = `
		CREATE TABLE IF NOT EXISTS ban_record (
			user_id   BIGINT NOT NULL,
			group_id  BIGINT NOT NULL,
			lift_time BIGINT,
			PRIMARY KEY (user_id, group_id)
		)
	`
	loadQuery   = `SELECT user_id, group_id, lift_time FROM ban_record ORDER BY group_id, user_id`
	upsertQuery = `
		INSERT INTO ban_record (user_id, group_id, lift_time) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, group_id) DO UPDATE SET lift_time=excluded.lift_time
	`
	deleteQuery = `DELETE FROM ban_record WHERE user_id=$1 AND group_id=$2`
)

// Store is the SQLite-backed Persistence implementation.
type Store struct {
	db *dbutil.Database
}

var _ Persistence = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at uri and ensures the
// ban_record table exists.
func Open(ctx context.Context, uri string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "banstore").Logger())
	if _, err = db.Exec(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ban_record table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LoadBanRecords(ctx context.Context) ([]BanRecord, error) {
	rows, err := s.db.Query(ctx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query ban records: %w", err)
	}
	defer rows.Close()
	var out []BanRecord
	for rows.Next() {
		var rec BanRecord
		var lift sql.NullInt64
		if err = rows.Scan(&rec.UserID, &rec.GroupID, &lift); err != nil {
			return nil, fmt.Errorf("failed to scan ban record: %w", err)
		}
		if lift.Valid && lift.Int64 > 0 {
			rec.LiftTime = time.Unix(lift.Int64, 0)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Upsert(ctx context.Context, rec BanRecord) error {
	var lift sql.NullInt64
	if !rec.LiftTime.IsZero() {
		lift = sql.NullInt64{Int64: rec.LiftTime.Unix(), Valid: true}
	}
	if _, err := s.db.Exec(ctx, upsertQuery, rec.UserID, rec.GroupID, lift); err != nil {
		return fmt.Errorf("failed to upsert ban record (%d, %d): %w", rec.UserID, rec.GroupID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, groupID int64) error {
	if _, err := s.db.Exec(ctx, deleteQuery, userID, groupID); err != nil {
		return fmt.Errorf("failed to delete ban record (%d, %d): %w", userID, groupID, err)
	}
	return nil
}

// InTxn runs fn inside a database transaction. Calls made with the context
// passed to fn join the transaction.
func (s *Store) InTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}
