package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	batchKeyPrefix     = "batch:"
	eventChannelSuffix = ":events"
)

// Store はバッチ状態を Redis に保存し、イベントを pub/sub で配信します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はバッチ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, batchID string) (*BatchRecord, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	data, err := s.rdb.Get(ctx, batchKey(batchID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record BatchRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はバッチ情報を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *BatchRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, batchKey(record.BatchID), payload, s.ttl).Err()
}

// Update はバッチ情報を部分更新し、更新後のレコードを返します。
func (s *Store) Update(ctx context.Context, batchID string, mutate func(*BatchRecord)) (*BatchRecord, error) {
	key := batchKey(batchID)
	for {
		tx := s.rdb.TxPipeline()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return nil, fmt.Errorf("batch not found: %s", batchID)
			}
			return nil, err
		}
		var record BatchRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return nil, err
		}
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &record, nil
	}
}

// PublishEvent はバッチのイベントチャネルへエンベロープを配信します。
func (s *Store) PublishEvent(ctx context.Context, batchID string, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, eventChannel(batchID), payload).Err()
}

// SubscribeEvents はバッチのイベントチャネルを購読します。
// 返り値の PubSub は呼び出し側で Close してください。
func (s *Store) SubscribeEvents(ctx context.Context, batchID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, eventChannel(batchID))
}

func batchKey(id string) string {
	return batchKeyPrefix + id
}

func eventChannel(id string) string {
	return batchKeyPrefix + id + eventChannelSuffix
}
