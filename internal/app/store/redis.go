package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Redis is a ChatStore shared by hub replicas.
type Redis struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedis(rdb *redis.Client, limit int, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, limit: limit, ttl: ttl}
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

func chatKey(id domain.MeetingID) string {
	return fmt.Sprintf("meetings:%s:chat", id)
}

func dedupeKey(id domain.MeetingID, msg domain.ChatMessage) string {
	return fmt.Sprintf("meetings:%s:client:%s", id, clientKey(msg))
}

func (r *Redis) Append(ctx context.Context, id domain.MeetingID, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	if msg.ID == "" {
		return domain.ChatMessage{}, false, ErrEmptyID
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return domain.ChatMessage{}, false, err
	}

	if msg.ClientID != "" {
		ok, err := r.rdb.SetNX(ctx, dedupeKey(id, msg), b, r.ttl).Result()
		if err != nil {
			return domain.ChatMessage{}, false, err
		}
		if !ok {
			prev, err := r.rdb.Get(ctx, dedupeKey(id, msg)).Bytes()
			if err != nil {
				return domain.ChatMessage{}, false, err
			}
			var stored domain.ChatMessage
			if err := json.Unmarshal(prev, &stored); err != nil {
				return domain.ChatMessage{}, false, err
			}
			return stored, true, nil
		}
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, chatKey(id), b)
		if r.limit > 0 {
			p.LTrim(ctx, chatKey(id), int64(-r.limit), -1)
		}
		if r.ttl > 0 {
			p.Expire(ctx, chatKey(id), r.ttl)
		}
		return nil
	})
	if err != nil {
		return domain.ChatMessage{}, false, err
	}
	return msg, false, nil
}

func (r *Redis) History(ctx context.Context, id domain.MeetingID, limit int) ([]domain.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := r.rdb.LRange(ctx, chatKey(id), start, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(vals))
	for _, v := range vals {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("decode chat entry: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *Redis) Drop(ctx context.Context, id domain.MeetingID) error {
	return r.rdb.Del(ctx, chatKey(id)).Err()
}
