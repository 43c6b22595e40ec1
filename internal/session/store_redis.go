package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/livelearn/livelearn/internal/store"
)

const DefaultRedisTTL = 12 * time.Hour

// RedisStore keeps each session as a JSON value under "session:{course}".
// Updates run in a WATCH transaction.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func key(courseID string) string { return "session:" + courseID }

func (r *RedisStore) Get(ctx context.Context, courseID string) (Session, error) {
	return r.get(ctx, r.client, courseID)
}

func (r *RedisStore) get(ctx context.Context, c redis.Cmdable, courseID string) (Session, error) {
	data, err := c.Get(ctx, key(courseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", courseID, err)
	}
	s.normalize()
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	s.normalize()
	s.UpdatedAt = r.now().Unix()
	if cur, err := r.Get(ctx, s.CourseID); err == nil {
		s.Version = cur.Version + 1
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key(s.CourseID), data, r.ttl).Err()
}

func (r *RedisStore) Update(ctx context.Context, courseID string, fn func(*Session) error) (Session, error) {
	k := key(courseID)
	var out Session
	txf := func(tx *redis.Tx) error {
		cur, err := r.get(ctx, tx, courseID)
		if err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		next.normalize()
		next.Version = cur.Version + 1
		next.UpdatedAt = r.now().Unix()
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, data, r.ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}
	for range maxUpdateRetries {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		return out, nil
	}
	return Session{}, fmt.Errorf("session %s: write contention: %w", courseID, store.ErrConflict)
}

func (r *RedisStore) Delete(ctx context.Context, courseID string) error {
	n, err := r.client.Del(ctx, key(courseID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoSession
	}
	return nil
}
