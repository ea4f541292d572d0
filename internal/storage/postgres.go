package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/presenceguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS verifications (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			class_id BIGINT NOT NULL,
			gps_score DOUBLE PRECISION NOT NULL,
			wifi_score DOUBLE PRECISION NOT NULL,
			bluetooth_score DOUBLE PRECISION NOT NULL,
			final_confidence DOUBLE PRECISION NOT NULL,
			verdict TEXT NOT NULL,
			factors_json JSONB NOT NULL,
			proximity TEXT NOT NULL,
			sampled_at TIMESTAMPTZ NOT NULL,
			evaluated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_student ON verifications(student_id, evaluated_at)`,
		`CREATE TABLE IF NOT EXISTS classrooms (
			class_id BIGINT PRIMARY KEY,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			radius_m DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS classroom_networks (
			class_id BIGINT NOT NULL REFERENCES classrooms(class_id),
			ssid TEXT NOT NULL,
			bssid TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_classroom_networks_class ON classroom_networks(class_id)`,
		`CREATE TABLE IF NOT EXISTS trust_records (
			student_id TEXT PRIMARY KEY,
			primary_device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			cooldown_ends_at TIMESTAMPTZ,
			pending_device_id TEXT NOT NULL,
			request_json JSONB,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trust_transitions (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			context_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_transitions_student ON trust_transitions(student_id, ts)`,
	})
}
