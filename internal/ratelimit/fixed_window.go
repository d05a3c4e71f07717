package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowKey は (ユーザー, ウィンドウ番号) の組。
type windowKey struct {
	userID int64
	window int64
}

// FixedWindow はプロセス内の固定ウィンドウカウンタ。ゴルーチン安全。
//
// 過去のウィンドウのエントリは判定には使われないが、Sweepを呼ぶまで残る。
// StartJanitorで定期的に削除する。
type FixedWindow struct {
	limit int
	opts  options

	mu     sync.Mutex
	counts map[windowKey]int
}

// NewFixedWindow はウィンドウあたりlimit件を上限とするFixedWindowを生成する。
func NewFixedWindow(limit int, opts ...Option) *FixedWindow {
	return &FixedWindow{
		limit:  limit,
		opts:   newOptions(opts),
		counts: make(map[windowKey]int),
	}
}

// Allow はLimiterを実装する。
func (f *FixedWindow) Allow(_ context.Context, userID int64) (Decision, error) {
	idx := windowIndex(f.opts.now(), f.opts.window)
	key := windowKey{userID: userID, window: idx}

	f.mu.Lock()
	f.counts[key]++
	count := f.counts[key]
	f.mu.Unlock()

	return Decision{
		Allowed:   count <= f.limit,
		Limit:     f.limit,
		Remaining: max(f.limit-count, 0),
		ResetAt:   windowEnd(idx, f.opts.window),
	}, nil
}

// Sweep は現在より前のウィンドウのエントリを削除し、削除件数を返す。
func (f *FixedWindow) Sweep() int {
	current := windowIndex(f.opts.now(), f.opts.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for k := range f.counts {
		if k.window < current {
			delete(f.counts, k)
			removed++
		}
	}
	return removed
}

// Len は保持しているエントリ数を返す。
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.counts)
}

// StartJanitor はeveryごとにSweepを実行する。ctxの終了で停止する。
func (f *FixedWindow) StartJanitor(ctx context.Context, every time.Duration) {
	janitor(ctx, every, func() { f.Sweep() })
}
