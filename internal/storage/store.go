package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"presenceguard/internal/config"
	"presenceguard/internal/model"
	"presenceguard/internal/trust"
)

// Store persists verification outcomes, classroom reference data and the
// device trust records owned by the trust manager.
type Store interface {
	trust.Store
	Init(ctx context.Context) error
	Close() error
	SaveVerification(ctx context.Context, score model.VerificationScore) error
	RecentVerifications(ctx context.Context, studentID string, limit int) ([]model.VerificationScore, error)
	SaveReference(ctx context.Context, ref model.Reference) error
	LoadReference(ctx context.Context, classID uint32) (model.Reference, bool, error)
	TrustTransitions(ctx context.Context, studentID string, limit int) ([]model.TrustTransition, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore carries the queries shared by both SQL drivers. Queries are
// written with ? placeholders and rewritten by bind for the dialect.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveVerification(ctx context.Context, score model.VerificationScore) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO verifications (id, student_id, class_id, gps_score, wifi_score, bluetooth_score, final_confidence, verdict, factors_json, proximity, sampled_at, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		score.ID,
		score.StudentID,
		int64(score.ClassID),
		score.GPSScore,
		score.WiFiScore,
		score.BluetoothScore,
		score.FinalConfidence,
		string(score.Verdict),
		encodeJSON(score.ContributingFactors),
		score.Proximity,
		formatTime(score.SampledAt),
		formatTime(score.EvaluatedAt),
	)
	return err
}

func (b *baseStore) RecentVerifications(ctx context.Context, studentID string, limit int) ([]model.VerificationScore, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT id, student_id, class_id, gps_score, wifi_score, bluetooth_score, final_confidence, verdict, factors_json, proximity, sampled_at, evaluated_at
		FROM verifications WHERE student_id = ? ORDER BY evaluated_at DESC LIMIT ?`), studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.VerificationScore, 0)
	for rows.Next() {
		var (
			v                  model.VerificationScore
			classID            int64
			verdict, factors   string
			sampled, evaluated string
		)
		if err := rows.Scan(&v.ID, &v.StudentID, &classID, &v.GPSScore, &v.WiFiScore, &v.BluetoothScore,
			&v.FinalConfidence, &verdict, &factors, &v.Proximity, &sampled, &evaluated); err != nil {
			return nil, err
		}
		v.ClassID = uint32(classID)
		v.Verdict = model.Verdict(verdict)
		if err := json.Unmarshal([]byte(factors), &v.ContributingFactors); err != nil {
			return nil, fmt.Errorf("decode factors: %w", err)
		}
		v.SampledAt = parseTime(sampled)
		v.EvaluatedAt = parseTime(evaluated)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveReference(ctx context.Context, ref model.Reference) error {
	if b.db == nil {
		return nil
	}
	if ref.Geofence == nil {
		return errors.New("reference has no geofence")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, b.bind(
		`INSERT INTO classrooms (class_id, lat, lon, radius_m, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (class_id) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, radius_m = excluded.radius_m, updated_at = excluded.updated_at`),
		int64(ref.ClassID), ref.Geofence.Latitude, ref.Geofence.Longitude, ref.Geofence.RadiusMeters, formatTime(nowUTC()))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, b.bind(`DELETE FROM classroom_networks WHERE class_id = ?`), int64(ref.ClassID)); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, n := range ref.Networks {
		if _, err := tx.ExecContext(ctx, b.bind(`INSERT INTO classroom_networks (class_id, ssid, bssid) VALUES (?, ?, ?)`),
			int64(ref.ClassID), n.SSID, n.BSSID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) LoadReference(ctx context.Context, classID uint32) (model.Reference, bool, error) {
	if b.db == nil {
		return model.Reference{}, false, nil
	}
	var fence model.Geofence
	err := b.db.QueryRowContext(ctx, b.bind(`SELECT lat, lon, radius_m FROM classrooms WHERE class_id = ?`), int64(classID)).
		Scan(&fence.Latitude, &fence.Longitude, &fence.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reference{}, false, nil
	}
	if err != nil {
		return model.Reference{}, false, err
	}
	ref := model.Reference{ClassID: classID, Geofence: &fence}
	rows, err := b.db.QueryContext(ctx, b.bind(`SELECT ssid, bssid FROM classroom_networks WHERE class_id = ? ORDER BY ssid, bssid`), int64(classID))
	if err != nil {
		return model.Reference{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var n model.CampusNetwork
		if err := rows.Scan(&n.SSID, &n.BSSID); err != nil {
			return model.Reference{}, false, err
		}
		ref.Networks = append(ref.Networks, n)
	}
	return ref, true, rows.Err()
}

func (b *baseStore) LoadTrustRecord(ctx context.Context, studentID string) (model.DeviceTrustRecord, bool, error) {
	if b.db == nil {
		return model.DeviceTrustRecord{}, false, nil
	}
	var (
		rec              model.DeviceTrustRecord
		status, updated  string
		cooldown, reqRaw sql.NullString
	)
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT student_id, primary_device_id, status, cooldown_ends_at, pending_device_id, request_json, updated_at
		FROM trust_records WHERE student_id = ?`), studentID).
		Scan(&rec.StudentID, &rec.PrimaryDeviceID, &status, &cooldown, &rec.PendingDeviceID, &reqRaw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceTrustRecord{}, false, nil
	}
	if err != nil {
		return model.DeviceTrustRecord{}, false, err
	}
	rec.Status = model.ActivationStatus(status)
	rec.UpdatedAt = parseTime(updated)
	if cooldown.Valid && cooldown.String != "" {
		ends := parseTime(cooldown.String)
		rec.CooldownEndsAt = &ends
	}
	if reqRaw.Valid && reqRaw.String != "" && reqRaw.String != "null" {
		var req model.DeviceSwitchRequest
		if err := json.Unmarshal([]byte(reqRaw.String), &req); err != nil {
			return model.DeviceTrustRecord{}, false, fmt.Errorf("decode switch request: %w", err)
		}
		rec.Request = &req
	}
	return rec, true, nil
}

// SaveTransition upserts rec and appends its audit entry in one transaction.
func (b *baseStore) SaveTransition(ctx context.Context, rec model.DeviceTrustRecord, t model.TrustTransition) error {
	if b.db == nil {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := b.saveTrustRecord(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save trust record: %w", err)
	}
	if err := b.appendTrustTransition(ctx, tx, t); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append trust transition: %w", err)
	}
	return tx.Commit()
}

func (b *baseStore) saveTrustRecord(ctx context.Context, tx *sql.Tx, rec model.DeviceTrustRecord) error {
	var cooldown, reqRaw sql.NullString
	if rec.CooldownEndsAt != nil {
		cooldown = sql.NullString{String: formatTime(*rec.CooldownEndsAt), Valid: true}
	}
	if rec.Request != nil {
		reqRaw = sql.NullString{String: encodeJSON(rec.Request), Valid: true}
	}
	_, err := tx.ExecContext(ctx, b.bind(
		`INSERT INTO trust_records (student_id, primary_device_id, status, cooldown_ends_at, pending_device_id, request_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET primary_device_id = excluded.primary_device_id, status = excluded.status,
			cooldown_ends_at = excluded.cooldown_ends_at, pending_device_id = excluded.pending_device_id,
			request_json = excluded.request_json, updated_at = excluded.updated_at`),
		rec.StudentID, rec.PrimaryDeviceID, string(rec.Status), cooldown, rec.PendingDeviceID, reqRaw, formatTime(rec.UpdatedAt))
	return err
}

func (b *baseStore) appendTrustTransition(ctx context.Context, tx *sql.Tx, t model.TrustTransition) error {
	_, err := tx.ExecContext(ctx, b.bind(
		`INSERT INTO trust_transitions (id, student_id, device_id, outcome, from_state, to_state, ts, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.StudentID, t.DeviceID, string(t.Outcome), string(t.From), string(t.To), formatTime(t.At), encodeJSON(t.Context))
	return err
}

// TrustTransitions returns the newest limit audit entries for studentID,
// oldest first.
func (b *baseStore) TrustTransitions(ctx context.Context, studentID string, limit int) ([]model.TrustTransition, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT id, student_id, device_id, outcome, from_state, to_state, ts, context_json
		FROM trust_transitions WHERE student_id = ? ORDER BY ts DESC, id DESC LIMIT ?`), studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.TrustTransition, 0)
	for rows.Next() {
		var (
			t                     model.TrustTransition
			outcome, from, to, ts string
			contextRaw            sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.StudentID, &t.DeviceID, &outcome, &from, &to, &ts, &contextRaw); err != nil {
			return nil, err
		}
		t.Outcome = model.TransitionOutcome(outcome)
		t.From = model.ActivationStatus(from)
		t.To = model.ActivationStatus(to)
		t.At = parseTime(ts)
		if contextRaw.Valid && contextRaw.String != "" && contextRaw.String != "null" {
			_ = json.Unmarshal([]byte(contextRaw.String), &t.Context)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
