package services

import (
	"context"
	"strconv"
	"time"

	"chatrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps one hash per session plus a per-user sorted set
// scored by updatedAt.
//
//	<prefix>:session:<user>:<id>   hash
//	<prefix>:sessions:<user>       zset
type RedisSessionStore struct {
	redis *RedisService
}

// NewRedisSessionStore creates a new Redis-backed session store
func NewRedisSessionStore(redisService *RedisService) *RedisSessionStore {
	return &RedisSessionStore{redis: redisService}
}

func (s *RedisSessionStore) Get(ctx context.Context, userID, sessionID string) (*models.SessionItem, error) {
	fields, err := s.redis.Client().HGetAll(ctx, s.redis.Key("session", userID, sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	item := decodeRedisSession(userID, sessionID, fields)
	return &item, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, item models.SessionItem) error {
	_, err := s.redis.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.redis.Key("session", item.UserID, item.ID),
			"title", item.Title,
			"createdAt", item.CreatedAt.UnixMilli(),
			"updatedAt", item.UpdatedAt.UnixMilli(),
		)
		pipe.ZAdd(ctx, s.redis.Key("sessions", item.UserID), redis.Z{
			Score:  float64(item.UpdatedAt.UnixMilli()),
			Member: item.ID,
		})
		return nil
	})
	return err
}

func (s *RedisSessionStore) ListByUser(ctx context.Context, userID string) ([]models.SessionItem, error) {
	client := s.redis.Client()
	ids, err := client.ZRevRange(ctx, s.redis.Key("sessions", userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	if len(ids) > 0 {
		_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, s.redis.Key("session", userID, id))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]models.SessionItem, 0, len(ids))
	for i, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			out = append(out, decodeRedisSession(userID, ids[i], fields))
		}
	}
	return out, nil
}

func decodeRedisSession(userID, sessionID string, fields map[string]string) models.SessionItem {
	created, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	updated, _ := strconv.ParseInt(fields["updatedAt"], 10, 64)
	return models.SessionItem{
		ID:        sessionID,
		UserID:    userID,
		Title:     fields["title"],
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}
}
