package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the best-effort facade over Redis implementing every key pattern
// of spec.md §4.8/§6.
type KV struct {
	rdb *redis.Client
}

func NewKV(rdb *redis.Client) *KV { return &KV{rdb: rdb} }

const (
	loginCodeTTL    = 300 * time.Second
	refreshTokenTTL = 7 * 24 * time.Hour
	userPrefTTL     = 24 * time.Hour
	summaryTTL      = 2 * time.Hour
	toolCacheTTL    = 3600 * time.Second
)

func (k *KV) SetLoginCode(ctx context.Context, email, code string) error {
	return k.rdb.Set(ctx, "login_code:"+email, code, loginCodeTTL).Err()
}

func (k *KV) GetLoginCode(ctx context.Context, email string) (string, error) {
	v, err := k.rdb.Get(ctx, "login_code:"+email).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (k *KV) SetRefreshToken(ctx context.Context, opaque string, userID int64) error {
	return k.rdb.Set(ctx, "refresh_token:"+opaque, userID, refreshTokenTTL).Err()
}

func (k *KV) GetRefreshToken(ctx context.Context, opaque string) (int64, error) {
	v, err := k.rdb.Get(ctx, "refresh_token:"+opaque).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	return v, err
}

func (k *KV) PurgeRefreshToken(ctx context.Context, opaque string) error {
	return k.rdb.Del(ctx, "refresh_token:"+opaque).Err()
}

func (k *KV) SetUserPref(ctx context.Context, userID int64, key, value string) error {
	return k.rdb.Set(ctx, fmt.Sprintf("user_pref:%d:%s", userID, key), value, userPrefTTL).Err()
}

func (k *KV) GetUserPref(ctx context.Context, userID int64, key string) (string, error) {
	v, err := k.rdb.Get(ctx, fmt.Sprintf("user_pref:%d:%s", userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// SetSessionSummary stores the rolling summary text consulted by C5.
func (k *KV) SetSessionSummary(ctx context.Context, sessionID, summary string) error {
	return k.rdb.Set(ctx, "session_summary:"+sessionID, summary, summaryTTL).Err()
}

func (k *KV) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	v, err := k.rdb.Get(ctx, "session_summary:"+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// ClearSessionSummary deletes the session's cached summary; the agent loop
// calls it after every successful turn finalize.
func (k *KV) ClearSessionSummary(ctx context.Context, sessionID string) error {
	return k.rdb.Del(ctx, "session_summary:"+sessionID).Err()
}

// ToolCacheFingerprint implements the (tool_name, canonical_json(args))
// fingerprint named in the glossary.
func ToolCacheFingerprint(toolName string, canonicalArgs []byte) string {
	sum := md5.Sum(canonicalArgs)
	return fmt.Sprintf("tool_cache:%s:%s", toolName, hex.EncodeToString(sum[:]))
}

func (k *KV) GetToolCache(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	v, err := k.rdb.Get(ctx, fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (k *KV) SetToolCache(ctx context.Context, fingerprint string, result json.RawMessage) error {
	return k.rdb.Set(ctx, fingerprint, []byte(result), toolCacheTTL).Err()
}

// rateLimitScript atomically increments the fixed-window counter, setting
// the TTL only on the first write of the window — the redis/go-redis Lua
// script pattern the teacher's facades reach for when an INCR+EXPIRE pair
// must be atomic.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// IncrRateLimit returns the post-increment count for scopeKey within a
// fixed window of windowSeconds, creating the window on first use.
func (k *KV) IncrRateLimit(ctx context.Context, scopeKey string, windowSeconds int) (int64, error) {
	res, err := rateLimitScript.Run(ctx, k.rdb, []string{"rate_limit:" + scopeKey}, windowSeconds).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.New("store: unexpected rate limit script result type")
	}
	return n, nil
}

func (k *KV) RateLimitTTL(ctx context.Context, scopeKey string) (time.Duration, error) {
	return k.rdb.TTL(ctx, "rate_limit:"+scopeKey).Result()
}
