package linkcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"linkstream/internal/domain"
)

const (
	redisLinksPrefix = "linkstream:links:"
	redisIndexPrefix = "linkstream:link-index:"
)

// RedisStore keeps resolved link lists in Redis as JSON. Each link id indexes
// the list keys it appears in so a refresh can invalidate them.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]domain.Link, bool, error) {
	data, err := s.client.Get(ctx, redisLinksPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var links []domain.Link
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, false, err
	}
	return links, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, links []domain.Link, ttl time.Duration) error {
	data, err := json.Marshal(links)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisLinksPrefix+key, data, ttl)
		for _, l := range links {
			idx := redisIndexPrefix + l.ID
			pipe.SAdd(ctx, idx, key)
			pipe.Expire(ctx, idx, ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Invalidate(ctx context.Context, linkID string) error {
	idx := redisIndexPrefix + linkID
	keys, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return err
	}
	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, redisLinksPrefix+k)
	}
	del = append(del, idx)
	return s.client.Del(ctx, del...).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
