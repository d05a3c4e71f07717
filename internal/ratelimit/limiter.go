package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Strategy はレート制限のアルゴリズム名。
type Strategy string

const (
	// StrategyFixedWindow はプロセス内の固定ウィンドウカウンタ。
	StrategyFixedWindow Strategy = "fixed_window"
	// StrategyTokenBucket はプロセス内のトークンバケット。
	StrategyTokenBucket Strategy = "token_bucket"
	// StrategyRedis はRedis上の固定ウィンドウカウンタ。
	StrategyRedis Strategy = "redis"
)

// ParseStrategy は文字列をStrategyに変換する。
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyFixedWindow, StrategyTokenBucket, StrategyRedis:
		return st, nil
	default:
		return "", fmt.Errorf("不明なレート制限方式: %q", s)
	}
}

// DefaultWindow はカウント対象の時間幅の既定値。
const DefaultWindow = time.Minute

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを通過させてよいか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining は現在のウィンドウで残っているリクエスト数。
	Remaining int
	// ResetAt は次にリクエストが許可されうる時刻。
	ResetAt time.Time
}

// RetryAfter はnowからResetAtまでの秒数を切り上げて返す。最小は1秒。
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter はユーザーごとのリクエストを数えて通過可否を判定する。
type Limiter interface {
	// Allow はuserIDのリクエストを一件数え、判定結果を返す。
	// エラーはカウンタの保存先に到達できない場合のみ返る。
	Allow(ctx context.Context, userID int64) (Decision, error)
}

// options は各Limiterで共通の生成オプション。
type options struct {
	window time.Duration
	now    func() time.Time
}

// Option はLimiterの生成オプション。
type Option func(*options)

// WithWindow はカウント対象の時間幅を変更する。
func WithWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// windowIndex はtが属するウィンドウの通し番号を返す。
func windowIndex(t time.Time, window time.Duration) int64 {
	return t.UnixNano() / int64(window)
}

// windowEnd はウィンドウidxの終了時刻を返す。
func windowEnd(idx int64, window time.Duration) time.Time {
	return time.Unix(0, (idx+1)*int64(window))
}

// janitor はeveryごとにsweepを呼び出すゴルーチンを起動する。ctxの終了で停止する。
func janitor(ctx context.Context, every time.Duration, sweep func()) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sweep()
			}
		}
	}()
}
