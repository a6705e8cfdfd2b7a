package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/tracker/internal/config"
)

const (
	keyPrefixLen = 12
	keyCacheTTL  = 5 * time.Minute
)

var (
	ErrKeyFormat  = errors.New("invalid project key format")
	ErrInvalidKey = errors.New("invalid project key")
)

// Validator checks project keys against Postgres, caching hits in Redis,
// and enforces a per-project request rate.
type Validator struct {
	db    *pgxpool.Pool
	redis redis.Cmdable
	rps   int
	close func()
}

func NewValidator(ctx context.Context, cfg *config.Config) (*Validator, error) {
	db, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &Validator{
		db:    db,
		redis: rdb,
		rps:   cfg.RateLimit.RequestsPerSecond,
		close: func() {
			db.Close()
			rdb.Close()
		},
	}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKey resolves a project key to its project id.
func (v *Validator) ValidateAPIKey(ctx context.Context, key string) (string, error) {
	if len(key) < keyPrefixLen {
		return "", ErrKeyFormat
	}

	cacheKey := "trackkey:" + key[:keyPrefixLen]
	if projectID, err := v.redis.Get(ctx, cacheKey).Result(); err == nil {
		return projectID, nil
	}

	keyHash := hashKey(key)

	var projectID string
	err := v.db.QueryRow(ctx, `
		SELECT project_id::text FROM api_keys
		WHERE key_hash = $1 AND is_active = true
		AND (expires_at IS NULL OR expires_at > NOW())
	`, keyHash).Scan(&projectID)
	if err != nil {
		return "", ErrInvalidKey
	}

	if err := v.redis.Set(ctx, cacheKey, projectID, keyCacheTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to cache project key")
	}

	go func() {
		_, err := v.db.Exec(context.Background(), `
			UPDATE api_keys
			SET last_used_at = NOW(), request_count = request_count + 1
			WHERE key_hash = $1
		`, keyHash)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to record key usage")
		}
	}()

	return projectID, nil
}

// CheckRateLimit counts a request against the project's one-second window.
// Redis errors allow the request.
func (v *Validator) CheckRateLimit(ctx context.Context, projectID string) bool {
	return allow(ctx, v.redis, "ratelimit:"+projectID, v.rps)
}

func allow(ctx context.Context, rdb redis.Cmdable, key string, limit int) bool {
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return true
	}

	if count == 1 {
		rdb.Expire(ctx, key, time.Second)
	}

	return count <= int64(limit)
}

func (v *Validator) Close() {
	if v.close != nil {
		v.close()
	}
}
