package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket はユーザーごとのトークンバケットと最終アクセス時刻。
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// TokenBucket はユーザーごとのトークンバケット。ゴルーチン安全。
//
// ウィンドウあたりlimit件の速度で補充され、最大limit件まで貯まる。
// 固定ウィンドウと異なり境界でのバーストが起きない。
type TokenBucket struct {
	limit int
	every rate.Limit
	opts  options

	mu      sync.Mutex
	buckets map[int64]*bucket
}

// NewTokenBucket はウィンドウあたりlimit件を上限とするTokenBucketを生成する。
func NewTokenBucket(limit int, opts ...Option) *TokenBucket {
	o := newOptions(opts)
	return &TokenBucket{
		limit:   limit,
		every:   rate.Limit(float64(limit) / o.window.Seconds()),
		opts:    o,
		buckets: make(map[int64]*bucket),
	}
}

// Allow はLimiterを実装する。
func (b *TokenBucket) Allow(_ context.Context, userID int64) (Decision, error) {
	now := b.opts.now()

	b.mu.Lock()
	ent, ok := b.buckets[userID]
	if !ok {
		ent = &bucket{lim: rate.NewLimiter(b.every, b.limit)}
		b.buckets[userID] = ent
	}
	ent.lastSeen = now
	b.mu.Unlock()

	allowed := ent.lim.AllowN(now, 1)
	tokens := ent.lim.TokensAt(now)

	d := Decision{
		Allowed:   allowed,
		Limit:     b.limit,
		Remaining: max(int(math.Floor(tokens)), 0),
		ResetAt:   now,
	}
	if tokens < 1 && b.every > 0 {
		wait := time.Duration((1 - tokens) / float64(b.every) * float64(time.Second))
		d.ResetAt = now.Add(wait)
	}
	return d, nil
}

// Sweep はウィンドウ幅以上アクセスの無いバケットを削除し、削除件数を返す。
// その時点でバケットは満タンに戻っているため、削除しても判定は変わらない。
func (b *TokenBucket) Sweep() int {
	cutoff := b.opts.now().Add(-b.opts.window)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, ent := range b.buckets {
		if ent.lastSeen.Before(cutoff) {
			delete(b.buckets, k)
			removed++
		}
	}
	return removed
}

// Len は保持しているバケット数を返す。
func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// StartJanitor はeveryごとにSweepを実行する。ctxの終了で停止する。
func (b *TokenBucket) StartJanitor(ctx context.Context, every time.Duration) {
	janitor(ctx, every, func() { b.Sweep() })
}
