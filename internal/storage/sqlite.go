package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:presenceguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single writer connection; concurrent writers get SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS verifications (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			class_id INTEGER NOT NULL,
			gps_score REAL NOT NULL,
			wifi_score REAL NOT NULL,
			bluetooth_score REAL NOT NULL,
			final_confidence REAL NOT NULL,
			verdict TEXT NOT NULL,
			factors_json TEXT NOT NULL,
			proximity TEXT NOT NULL,
			sampled_at TEXT NOT NULL,
			evaluated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_student ON verifications(student_id, evaluated_at)`,
		`CREATE TABLE IF NOT EXISTS classrooms (
			class_id INTEGER PRIMARY KEY,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			radius_m REAL NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS classroom_networks (
			class_id INTEGER NOT NULL REFERENCES classrooms(class_id),
			ssid TEXT NOT NULL,
			bssid TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_classroom_networks_class ON classroom_networks(class_id)`,
		`CREATE TABLE IF NOT EXISTS trust_records (
			student_id TEXT PRIMARY KEY,
			primary_device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			cooldown_ends_at TEXT,
			pending_device_id TEXT NOT NULL,
			request_json TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trust_transitions (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			ts TEXT NOT NULL,
			context_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_transitions_student ON trust_transitions(student_id, ts)`,
	})
}
