package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisPrefix はRedisキーの既定の接頭辞。
const defaultRedisPrefix = "ratelimit"

// Redis はRedis上の固定ウィンドウカウンタ。
// 複数のGatewayレプリカで同じ上限を共有する。キーはウィンドウ終了後に期限切れで消える。
type Redis struct {
	rdb    redis.Cmdable
	limit  int
	prefix string
	opts   options
}

// NewRedis はウィンドウあたりlimit件を上限とするRedisカウンタを生成する。
func NewRedis(rdb redis.Cmdable, limit int, prefix string, opts ...Option) *Redis {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{
		rdb:    rdb,
		limit:  limit,
		prefix: prefix,
		opts:   newOptions(opts),
	}
}

// Key はユーザーとウィンドウ番号に対応するRedisキーを返す。
func (r *Redis) Key(userID int64, window int64) string {
	return fmt.Sprintf("%s:%d:%d", r.prefix, userID, window)
}

// Allow はLimiterを実装する。INCRとEXPIREを一つのパイプラインで送る。
func (r *Redis) Allow(ctx context.Context, userID int64) (Decision, error) {
	idx := windowIndex(r.opts.now(), r.opts.window)
	key := r.Key(userID, idx)

	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	// 時計のずれを考慮してウィンドウ2つ分保持する
	pipe.Expire(ctx, key, 2*r.opts.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("レート制限カウンタの更新に失敗: %w", err)
	}

	count := int(incr.Val())
	return Decision{
		Allowed:   count <= r.limit,
		Limit:     r.limit,
		Remaining: max(r.limit-count, 0),
		ResetAt:   windowEnd(idx, r.opts.window),
	}, nil
}

// Ping はRedisへの疎通を確認する。
func (r *Redis) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}
