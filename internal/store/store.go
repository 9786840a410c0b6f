// Package store manages the SQLite database (WAL mode) holding decoded
// telemetry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"obd-link/internal/events"
	"obd-link/internal/obd"
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Vehicle is the descriptor used for diagnostic-code lookups.
type Vehicle struct {
	Identifier string `json:"identifier"`
	Make       string `json:"make,omitempty"`
	Model      string `json:"model,omitempty"`
	Year       int    `json:"year,omitempty"`
}

// Code is one stored trouble code.
type Code struct {
	Code       string    `json:"code"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the DDL schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlVehicles, ddlHistory, ddlCodes} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

const ddlVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    identifier TEXT PRIMARY KEY,
    make       TEXT NOT NULL DEFAULT '',
    model      TEXT NOT NULL DEFAULT '',
    year       INTEGER NOT NULL DEFAULT 0
);
`

const ddlHistory = `
CREATE TABLE IF NOT EXISTS history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    vehicle_id  TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    value       REAL    NOT NULL DEFAULT 0,
    text        TEXT    NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL          -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_history_vehicle ON history (vehicle_id, recorded_at DESC);
`

const ddlCodes = `
CREATE TABLE IF NOT EXISTS codes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    vehicle_id  TEXT    NOT NULL,
    code        TEXT    NOT NULL,
    recorded_at INTEGER NOT NULL          -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_codes_vehicle ON codes (vehicle_id, recorded_at DESC);
`

// Append records a sample. Trouble codes are also written to the codes table.
func (db *DB) Append(ctx context.Context, s obd.Sample) error {
	at := s.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (vehicle_id, kind, value, text, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		s.VehicleID, s.Kind.String(), s.Value, s.Text, ms,
	); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	if s.Kind == obd.KindTroubleCode {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO codes (vehicle_id, code, recorded_at) VALUES (?, ?, ?)`,
			s.VehicleID, s.Text, ms,
		); err != nil {
			return fmt.Errorf("store: append code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// History returns up to limit samples for vehicleID, newest first.
func (db *DB) History(ctx context.Context, vehicleID string, limit int) ([]obd.Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT kind, value, text, recorded_at FROM history
		 WHERE vehicle_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		vehicleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []obd.Sample
	for rows.Next() {
		var (
			kind string
			ms   int64
			s    = obd.Sample{VehicleID: vehicleID}
		)
		if err := rows.Scan(&kind, &s.Value, &s.Text, &ms); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		if s.Kind, err = obd.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("store: history: %w", err)
		}
		s.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestCodes returns the n most recently recorded trouble codes.
func (db *DB) LatestCodes(ctx context.Context, vehicleID string, n int) ([]Code, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT code, recorded_at FROM codes
		 WHERE vehicle_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		vehicleID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("store: codes: %w", err)
	}
	defer rows.Close()

	var out []Code
	for rows.Next() {
		var (
			c  Code
			ms int64
		)
		if err := rows.Scan(&c.Code, &ms); err != nil {
			return nil, fmt.Errorf("store: codes scan: %w", err)
		}
		c.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertVehicle inserts v or updates its descriptor. Empty descriptor fields
// never overwrite stored ones.
func (db *DB) UpsertVehicle(ctx context.Context, v Vehicle) error {
	if v.Identifier == "" {
		return errors.New("store: vehicle identifier is empty")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO vehicles (identifier, make, model, year) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET
		   make  = CASE WHEN excluded.make  != '' THEN excluded.make  ELSE vehicles.make  END,
		   model = CASE WHEN excluded.model != '' THEN excluded.model ELSE vehicles.model END,
		   year  = CASE WHEN excluded.year  != 0  THEN excluded.year  ELSE vehicles.year  END`,
		v.Identifier, v.Make, v.Model, v.Year,
	)
	if err != nil {
		return fmt.Errorf("store: upsert vehicle: %w", err)
	}
	return nil
}

// Vehicle returns the stored descriptor.
func (db *DB) Vehicle(ctx context.Context, identifier string) (Vehicle, bool, error) {
	v := Vehicle{Identifier: identifier}
	err := db.QueryRowContext(ctx,
		`SELECT make, model, year FROM vehicles WHERE identifier = ?`, identifier,
	).Scan(&v.Make, &v.Model, &v.Year)
	if errors.Is(err, sql.ErrNoRows) {
		return Vehicle{}, false, nil
	}
	if err != nil {
		return Vehicle{}, false, fmt.Errorf("store: vehicle: %w", err)
	}
	return v, true, nil
}

// Consume persists every decoded sample from evs until evs is closed or ctx
// is done. A vehicle-id sample registers the vehicle with the descriptor
// desc. Write failures are logged and skipped.
func (db *DB) Consume(ctx context.Context, evs <-chan events.Event, desc Vehicle, log *zap.Logger) error {
	log = log.Named("store")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-evs:
			if !ok {
				return nil
			}
			if e.Kind != events.KindDecoded || e.Sample == nil {
				continue
			}
			s := *e.Sample
			if s.Kind == obd.KindVehicleID {
				v := desc
				v.Identifier = s.Text
				if err := db.UpsertVehicle(ctx, v); err != nil {
					log.Warn("register vehicle", zap.String("vehicle", s.Text), zap.Error(err))
				}
			}
			if err := db.Append(ctx, s); err != nil {
				log.Warn("append sample", zap.Stringer("sample", s), zap.Error(err))
			}
		}
	}
}
