package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/tatianab/referee/internal/models"
)

const keyPrefix = "session:"

// RedisStore keeps zstd-compressed JSON states in Redis with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	conn := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if _, err := conn.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisStore(conn, ttl)
}

func newRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, ttl: ttl, enc: enc, dec: dec}, nil
}

func (r *RedisStore) Close() error {
	r.dec.Close()
	if err := r.enc.Close(); err != nil {
		return err
	}
	return r.client.Close()
}

func (r *RedisStore) Load(ctx context.Context, id string) (*models.GameState, error) {
	raw, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	data, err := r.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress session %s: %w", id, err)
	}
	var s models.GameState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *models.GameState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("could not marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+s.SessionID, r.enc.EncodeAll(data, nil), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session %s: %w", s.SessionID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	// SCAN may return a key more than once.
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
