package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/archgate/internal/auth"
	"github.com/nao1215/archgate/internal/config"
	"github.com/nao1215/archgate/internal/gateway"
	"github.com/nao1215/archgate/internal/ratelimit"
	"github.com/nao1215/archgate/pkg/httpclient"
	"github.com/nao1215/archgate/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// redisPingTimeout は起動時のRedis疎通確認のタイムアウト。
const redisPingTimeout = 3 * time.Second

// runServe は設定からGatewayを組み立てて起動し、SIGINT/SIGTERMで停止する。
func runServe(parent context.Context, cfg *config.Config) error {
	logging.Setup(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 内部サービスにトレースコンテキストを伝播する
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	client := httpclient.New(httpclient.WithTimeout(cfg.UpstreamTimeout))

	keys, err := auth.NewKeyCache(cfg.AuthPublicKeyURL, client)
	if err != nil {
		return fmt.Errorf("公開鍵キャッシュの初期化に失敗: %w", err)
	}
	var validatorOpts []auth.ValidatorOption
	if cfg.KeyRefreshOnFailure {
		validatorOpts = append(validatorOpts, auth.WithRefreshOnFailure(0))
	}
	validator, err := auth.NewValidator(keys, cfg.JWTAlgorithm, validatorOpts...)
	if err != nil {
		return fmt.Errorf("トークン検証器の初期化に失敗: %w", err)
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("レート制限の初期化に失敗: %w", err)
	}
	defer closeLimiter()

	router, err := gateway.NewRouter(cfg.Services)
	if err != nil {
		return fmt.Errorf("ルーティングの初期化に失敗: %w", err)
	}

	server, err := gateway.NewServer(gateway.Options{
		Port:        cfg.Port,
		Version:     Version,
		CORSOrigins: cfg.CORSOrigins,
		Validator:   validator,
		Limiter:     limiter,
		Router:      router,
		Forwarder:   gateway.NewForwarder(client),
	})
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	log.Info().
		Str("port", cfg.Port).
		Str("algorithm", cfg.JWTAlgorithm).
		Str("rate_limit_strategy", cfg.RateLimitStrategy).
		Int("rate_limit_per_minute", cfg.RateLimitPerMinute).
		Strs("services", router.Names()).
		Msg("Gatewayサービスを起動します")

	return server.Run(ctx)
}

// newLimiter は設定された方式のLimiterを生成する。
// プロセス内の方式では期限切れのカウンタを掃除するゴルーチンをctxの終了まで動かす。
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func(), error) {
	strategy, err := ratelimit.ParseStrategy(cfg.RateLimitStrategy)
	if err != nil {
		return nil, nil, err
	}

	switch strategy {
	case ratelimit.StrategyTokenBucket:
		tb := ratelimit.NewTokenBucket(cfg.RateLimitPerMinute)
		tb.StartJanitor(ctx, cfg.RateLimitSweepInterval)
		return tb, func() {}, nil
	case ratelimit.StrategyRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rl := ratelimit.NewRedis(rdb, cfg.RateLimitPerMinute, "ratelimit")
		if err := rl.Ping(ctx, redisPingTimeout); err != nil {
			// 到達できない間はレート制限なしで通過させる
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redisに接続できません")
		}
		return rl, func() { _ = rdb.Close() }, nil
	default:
		fw := ratelimit.NewFixedWindow(cfg.RateLimitPerMinute)
		fw.StartJanitor(ctx, cfg.RateLimitSweepInterval)
		return fw, func() {}, nil
	}
}
