package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"presenceguard/internal/model"
)

const redisTransitionLimit = 200

// RedisTrustStore keeps trust records as JSON values so several engine
// replicas share one view of device trust. Transitions are capped per
// student.
type RedisTrustStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTrustStore(addr, prefix string) *RedisTrustStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return NewRedisTrustStoreWithClient(client, prefix)
}

func NewRedisTrustStoreWithClient(client *redis.Client, prefix string) *RedisTrustStore {
	if prefix == "" {
		prefix = "presenceguard:"
	}
	return &RedisTrustStore{client: client, prefix: prefix}
}

func (r *RedisTrustStore) recordKey(studentID string) string {
	return r.prefix + "trust:" + studentID
}

func (r *RedisTrustStore) transitionsKey(studentID string) string {
	return r.prefix + "trust_transitions:" + studentID
}

// Healthy verifies redis connectivity.
func (r *RedisTrustStore) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisTrustStore) LoadTrustRecord(ctx context.Context, studentID string) (model.DeviceTrustRecord, bool, error) {
	raw, err := r.client.Get(ctx, r.recordKey(studentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.DeviceTrustRecord{}, false, nil
	}
	if err != nil {
		return model.DeviceTrustRecord{}, false, err
	}
	var rec model.DeviceTrustRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.DeviceTrustRecord{}, false, err
	}
	return rec, true, nil
}

// SaveTransition sets the record and appends its audit entry in one
// MULTI/EXEC block.
func (r *RedisTrustStore) SaveTransition(ctx context.Context, rec model.DeviceTrustRecord, t model.TrustTransition) error {
	recData, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := r.transitionsKey(t.StudentID)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(rec.StudentID), recData, 0)
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -redisTransitionLimit, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// TrustTransitions returns the newest limit audit entries for studentID,
// oldest first.
func (r *RedisTrustStore) TrustTransitions(ctx context.Context, studentID string, limit int) ([]model.TrustTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := r.client.LRange(ctx, r.transitionsKey(studentID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.TrustTransition, 0, len(items))
	for _, item := range items {
		var t model.TrustTransition
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisTrustStore) Close() error {
	return r.client.Close()
}
