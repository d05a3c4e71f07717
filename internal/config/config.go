package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/archgate/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// ServiceNames はGatewayが既定でルーティングする論理サービス名。
var ServiceNames = []string{
	"canvas",
	"strategy",
	"business",
	"application",
	"technology",
	"motivation",
	"implementation",
	"files",
	"notifications",
	"billing",
}

// ErrMissingKeyURL は AUTH_PUBLIC_KEY_URL が設定されていない場合のエラー。
var ErrMissingKeyURL = errors.New("AUTH_PUBLIC_KEY_URL が設定されていません")

// Config はGatewayの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// AuthPublicKeyURL は認証サービスの公開鍵エンドポイント。
	AuthPublicKeyURL string
	// JWTAlgorithm はトークン検証で受け付ける署名アルゴリズム。
	JWTAlgorithm string
	// KeyRefreshOnFailure はtrueの場合、署名検証失敗時に公開鍵を一度再取得する。
	KeyRefreshOnFailure bool
	// CORSOrigins はクロスオリジンリクエストを許可するオリジン。
	CORSOrigins []string
	// RateLimitPerMinute はユーザーごとの1分あたりの上限リクエスト数。
	RateLimitPerMinute int
	// RateLimitStrategy はレート制限の方式（fixed_window, token_bucket, redis）。
	RateLimitStrategy string
	// RateLimitSweepInterval は期限切れカウンタを掃除する間隔。
	RateLimitSweepInterval time.Duration
	// Redis はRATE_LIMIT_STRATEGY=redisの場合の接続先。
	Redis RedisConfig
	// UpstreamTimeout は内部サービス呼び出しのタイムアウト。
	UpstreamTimeout time.Duration
	// RoutesFile はルート定義ファイルのパス。空の場合は環境変数のみを使う。
	RoutesFile string
	// Services は論理サービス名から内部サービスのベースURLへの対応。
	Services map[string]string
	// LogLevel はログレベル。
	LogLevel string
	// LogPretty はtrueの場合にコンソール形式でログを出力する。
	LogPretty bool
}

// RedisConfig はRedisの接続設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// routesFile はルート定義ファイルの形式。
//
//	services:
//	  canvas: http://canvas-service:8000
type routesFile struct {
	Services map[string]string `yaml:"services"`
}

// Overrides はCLIフラグによる上書き値。空の項目は無視される。
type Overrides struct {
	Port       string
	RoutesFile string
	LogLevel   string
}

// Load は環境変数から設定を読み込み、検証する。
func Load(o Overrides) (*Config, error) {
	cfg, err := load(o)
	if err != nil {
		return nil, err
	}
	if cfg.AuthPublicKeyURL == "" {
		return nil, ErrMissingKeyURL
	}
	return cfg, nil
}

// LoadRoutes はルート一覧の表示用に設定を読み込む。
// サーバーを起動しないため AUTH_PUBLIC_KEY_URL は要求しない。
func LoadRoutes(o Overrides) (*Config, error) {
	return load(o)
}

func load(o Overrides) (*Config, error) {
	cfg := &Config{
		Port:              getEnvOr("PORT", "8080"),
		AuthPublicKeyURL:  strings.TrimSpace(os.Getenv("AUTH_PUBLIC_KEY_URL")),
		JWTAlgorithm:      getEnvOr("JWT_ALGORITHM", "RS256"),
		CORSOrigins:       splitList(getEnvOr("CORS_ORIGINS", "http://localhost:3000")),
		RateLimitStrategy: getEnvOr("RATE_LIMIT_STRATEGY", "fixed_window"),
		RoutesFile:        os.Getenv("ROUTES_FILE"),
		LogLevel:          getEnvOr("LOG_LEVEL", "info"),
		Services:          make(map[string]string, len(ServiceNames)),
		Redis: RedisConfig{
			Addr:     getEnvOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
	}

	var err error
	if cfg.KeyRefreshOnFailure, err = getEnvBool("AUTH_KEY_REFRESH_ON_FAILURE", false); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getEnvInt("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	if cfg.RateLimitSweepInterval, err = getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LogPretty, err = getEnvBool("LOG_PRETTY", false); err != nil {
		return nil, err
	}

	if o.Port != "" {
		cfg.Port = o.Port
	}
	if o.RoutesFile != "" {
		cfg.RoutesFile = o.RoutesFile
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	for _, name := range ServiceNames {
		cfg.Services[name] = getEnvOr(serviceEnvKey(name), fmt.Sprintf("http://%s-service:8000", name))
	}
	if cfg.RoutesFile != "" {
		if err := cfg.loadRoutesFile(cfg.RoutesFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRoutesFile はルート定義ファイルを読み込み、環境変数の値を上書きする。
func (c *Config) loadRoutesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ルート定義ファイルの読み込みに失敗: %w", err)
	}

	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("ルート定義ファイルの解析に失敗: %w", err)
	}
	for name, base := range rf.Services {
		c.Services[strings.TrimSpace(name)] = base
	}
	return nil
}

// validate は設定値を検証し、ルートURLを正規化する。
func (c *Config) validate() error {
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE は1以上である必要があります: %d", c.RateLimitPerMinute)
	}
	if _, err := ratelimit.ParseStrategy(c.RateLimitStrategy); err != nil {
		return fmt.Errorf("RATE_LIMIT_STRATEGY が不正です: %w", err)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT は正の値である必要があります: %s", c.UpstreamTimeout)
	}

	for name, base := range c.Services {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("サービス名が不正です: %q", name)
		}
		normalized, err := normalizeBaseURL(base)
		if err != nil {
			return fmt.Errorf("サービス %q のURLが不正です: %w", name, err)
		}
		c.Services[name] = normalized
	}
	return nil
}

// ServiceList はサービス名の昇順で並べたルート一覧を返す。
func (c *Config) ServiceList() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalizeBaseURL はhttp(s)の絶対URLであることを確認し、末尾のスラッシュを取り除く。
func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("http(s)の絶対URLが必要です: %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// serviceEnvKey はサービス名に対応する環境変数名を返す。例: canvas -> CANVAS_SERVICE_URL
func serviceEnvKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_SERVICE_URL"
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s の値が整数ではありません: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s の値が真偽値ではありません: %q", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s の値が時間ではありません: %q", key, v)
	}
	return d, nil
}
