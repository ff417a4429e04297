package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisMessageStore keeps each message in a hash and indexes it in sorted
// sets scored by timestamp. Members are "<seq>:<id>" with a zero padded
// sequence so equal timestamps keep insertion order.
//
//	<prefix>:message:<id>                      hash
//	<prefix>:thread:<user>:<session>           zset, replay index
//	<prefix>:undelivered:<user>                zset, backlog index
//	<prefix>:message-seq                       counter
type RedisMessageStore struct {
	redis *RedisService
}

// NewRedisMessageStore creates a new Redis-backed message store
func NewRedisMessageStore(redisService *RedisService) *RedisMessageStore {
	return &RedisMessageStore{redis: redisService}
}

func (s *RedisMessageStore) messageKey(id string) string {
	return s.redis.Key("message", id)
}

func (s *RedisMessageStore) threadKey(userID, sessionID string) string {
	return s.redis.Key("thread", userID, sessionID)
}

func (s *RedisMessageStore) undeliveredKey(userID string) string {
	return s.redis.Key("undelivered", userID)
}

func (s *RedisMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	client := s.redis.Client()
	key := s.messageKey(msg.ID)

	exists, err := client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrDuplicateMessageID
	}

	seq, err := client.Incr(ctx, s.redis.Key("message-seq")).Result()
	if err != nil {
		return err
	}
	member := fmt.Sprintf("%020d:%s", seq, msg.ID)
	score := float64(msg.Timestamp.UnixMilli())
	body := models.EncodeBody(msg.Body)

	fields := map[string]interface{}{
		"to":        msg.To,
		"sessionId": msg.SessionID,
		"ts":        msg.Timestamp.UnixMilli(),
		"delivered": boolFlag(msg.Delivered),
		"role":      string(msg.Role),
		"type":      string(body.Type),
		"content":   body.Content,
		"toolName":  body.ToolName,
		"member":    member,
	}
	if msg.DeliveredAt != nil {
		fields["deliveredAt"] = msg.DeliveredAt.UnixMilli()
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.ZAdd(ctx, s.threadKey(msg.To, msg.SessionID), redis.Z{Score: score, Member: member})
		if !msg.Delivered {
			pipe.ZAdd(ctx, s.undeliveredKey(msg.To), redis.Z{Score: score, Member: member})
		}
		return nil
	})
	return err
}

func (s *RedisMessageStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error) {
	client := s.redis.Client()
	changed := 0
	for _, id := range ids {
		key := s.messageKey(id)
		vals, err := client.HMGet(ctx, key, "delivered", "to", "member").Result()
		if err != nil {
			return changed, err
		}
		delivered, _ := vals[0].(string)
		to, _ := vals[1].(string)
		member, _ := vals[2].(string)
		if to == "" || delivered == "1" {
			continue // unknown or already delivered
		}

		_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "delivered", "1", "deliveredAt", at.UnixMilli())
			pipe.ZRem(ctx, s.undeliveredKey(to), member)
			return nil
		})
		if err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

func (s *RedisMessageStore) FindBySession(ctx context.Context, userID, sessionID string) ([]*models.Message, error) {
	return s.load(ctx, s.threadKey(userID, sessionID))
}

func (s *RedisMessageStore) FindUndelivered(ctx context.Context, userID string) ([]*models.Message, error) {
	return s.load(ctx, s.undeliveredKey(userID))
}

func (s *RedisMessageStore) load(ctx context.Context, indexKey string) ([]*models.Message, error) {
	client := s.redis.Client()
	members, err := client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []*models.Message{}, nil
	}

	ids := make([]string, len(members))
	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			_, id, _ := strings.Cut(member, ":")
			ids[i] = id
			cmds[i] = pipe.HGetAll(ctx, s.messageKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Message, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		msg, err := decodeRedisMessage(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeRedisMessage(id string, fields map[string]string) (*models.Message, error) {
	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("message %s: bad timestamp: %w", id, err)
	}
	body, err := models.BodyRecord{
		Type:     models.BodyType(fields["type"]),
		Content:  fields["content"],
		ToolName: fields["toolName"],
	}.Decode()
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}

	msg := &models.Message{
		ID:        id,
		To:        fields["to"],
		SessionID: fields["sessionId"],
		Timestamp: time.UnixMilli(ts).UTC(),
		Delivered: fields["delivered"] == "1",
		Role:      models.Role(fields["role"]),
		Body:      body,
	}
	if raw, ok := fields["deliveredAt"]; ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at := time.UnixMilli(ms).UTC()
			msg.DeliveredAt = &at
		}
	}
	return msg, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
