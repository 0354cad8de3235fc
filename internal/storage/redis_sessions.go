package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shohag/convrelay/internal/models"
)

// redisScanLimit bounds how many index entries a lookup inspects.
const redisScanLimit = 50

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisSessionStore keeps each session as a JSON value whose TTL matches
// its expiry, plus per-visitor and per-site sorted sets scored by creation
// time for the most-recent lookups. Sessions without an affiliate stay out
// of the sorted sets.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "convrelay"
	}
	return &RedisSessionStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisSessionStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisSessionStore) visitorKey(id string) string { return s.prefix + ":visitor:" + id }
func (s *RedisSessionStore) siteKey(id string) string    { return s.prefix + ":site:" + id }

func (s *RedisSessionStore) UpsertSession(ctx context.Context, update models.VisitorSession, ttl time.Duration) (*models.VisitorSession, error) {
	if update.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	key := s.sessionKey(update.SessionID)

	var out models.VisitorSession
	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		out = models.VisitorSession{}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			out = update
			out.CreatedAt = now
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			out.Merge(update)
		}
		out.UpdatedAt = now
		out.ExpiresAt = now.Add(ttl)

		data, err := json.Marshal(out)
		if err != nil {
			return err
		}
		score := float64(out.CreatedAt.UnixMilli())

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			// Only sessions with an affiliate are indexed; it never changes
			// once set.
			if out.AffiliateID == "" {
				return nil
			}
			if out.VisitorID != "" {
				pipe.ZAdd(ctx, s.visitorKey(out.VisitorID), redis.Z{Score: score, Member: out.SessionID})
				pipe.Expire(ctx, s.visitorKey(out.VisitorID), ttl)
			}
			if out.SiteID != "" {
				pipe.ZAdd(ctx, s.siteKey(out.SiteID), redis.Z{Score: score, Member: out.SessionID})
				pipe.Expire(ctx, s.siteKey(out.SiteID), ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	return nil, fmt.Errorf("upsert session %s: too much contention", update.SessionID)
}

func (s *RedisSessionStore) FindSession(ctx context.Context, sessionID string) (*models.VisitorSession, error) {
	if sessionID == "" {
		return nil, nil
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	if !sess.Attributable(s.now()) {
		return nil, nil
	}
	return sess, nil
}

func (s *RedisSessionStore) FindMostRecentSessionByVisitor(ctx context.Context, visitorID, siteID string) (*models.VisitorSession, error) {
	if visitorID == "" {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, s.visitorKey(visitorID), 0, redisScanLimit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.firstMatch(ctx, ids, func(sess *models.VisitorSession) bool {
		return sess.VisitorID == visitorID && (siteID == "" || sess.SiteID == siteID)
	})
}

func (s *RedisSessionStore) FindMostRecentSessionBySite(ctx context.Context, siteID string, since time.Time) (*models.VisitorSession, error) {
	if siteID == "" {
		return nil, nil
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.siteKey(siteID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: redisScanLimit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.firstMatch(ctx, ids, func(sess *models.VisitorSession) bool {
		return sess.SiteID == siteID && !sess.CreatedAt.Before(since)
	})
}

// firstMatch walks ids in index order and returns the first live session
// that satisfies keep. Index entries can outlive their sessions.
func (s *RedisSessionStore) firstMatch(ctx context.Context, ids []string, keep func(*models.VisitorSession) bool) (*models.VisitorSession, error) {
	now := s.now()
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil || !sess.Attributable(now) || !keep(sess) {
			continue
		}
		return sess, nil
	}
	return nil, nil
}

func (s *RedisSessionStore) load(ctx context.Context, id string) (*models.VisitorSession, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.VisitorSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}
