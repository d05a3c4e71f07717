package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	// claimUserID はユーザーIDを保持するクレーム名。
	claimUserID = "user_id"
	// claimTenantID はテナントIDを保持するクレーム名。
	claimTenantID = "tenant_id"

	// defaultMinRefreshInterval は署名検証失敗時に公開鍵を再取得する最短間隔。
	defaultMinRefreshInterval = 30 * time.Second
)

// ValidatorOption はValidatorの生成オプション。
type ValidatorOption func(*Validator)

// WithRefreshOnFailure は署名検証に失敗した際に公開鍵を一度だけ再取得して再検証する。
// 再取得は minInterval に一回までに制限される。
func WithRefreshOnFailure(minInterval time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.refreshOnFailure = true
		if minInterval > 0 {
			v.minRefreshInterval = minInterval
		}
	}
}

// withClock はテスト用に現在時刻の取得関数を差し替える。
func withClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// Validator はベアラートークンを検証してIdentityを取り出す。
// ゴルーチン安全。
type Validator struct {
	keys      *KeyCache
	algorithm string
	parseKey  func([]byte) (any, error)

	refreshOnFailure   bool
	minRefreshInterval time.Duration
	now                func() time.Time

	mu          sync.Mutex
	rawKey      string
	parsedKey   any
	lastRefresh time.Time
}

// NewValidator は新しいValidatorを生成する。
// algorithmには RS256 / PS256 / ES256 / EdDSA などの非対称鍵アルゴリズムを指定する。
func NewValidator(keys *KeyCache, algorithm string, opts ...ValidatorOption) (*Validator, error) {
	parseKey, err := keyParserFor(algorithm)
	if err != nil {
		return nil, err
	}

	v := &Validator{
		keys:               keys,
		algorithm:          algorithm,
		parseKey:           parseKey,
		minRefreshInterval: defaultMinRefreshInterval,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// keyParserFor はアルゴリズムに対応するPEM公開鍵のパーサーを返す。
func keyParserFor(algorithm string) (func([]byte) (any, error), error) {
	switch {
	case strings.HasPrefix(algorithm, "RS"), strings.HasPrefix(algorithm, "PS"):
		return func(b []byte) (any, error) { return jwt.ParseRSAPublicKeyFromPEM(b) }, nil
	case strings.HasPrefix(algorithm, "ES"):
		return func(b []byte) (any, error) { return jwt.ParseECPublicKeyFromPEM(b) }, nil
	case algorithm == "EdDSA":
		return func(b []byte) (any, error) { return jwt.ParseEdPublicKeyFromPEM(b) }, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}

// Validate はAuthorizationヘッダーの値を検証し、呼び出し元のIdentityを返す。
func (v *Validator) Validate(ctx context.Context, authorization string) (Identity, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return Identity{}, err
	}

	claims, err := v.verify(ctx, token)
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && v.shouldRefresh() {
		log.Warn().Msg("署名検証に失敗したため公開鍵を再取得します")
		v.keys.Invalidate()
		claims, err = v.verify(ctx, token)
	}
	if err != nil {
		return Identity{}, classify(err)
	}

	return identityFromClaims(claims)
}

// bearerToken は "Bearer <token>" 形式のヘッダー値からトークンを取り出す。
func bearerToken(authorization string) (string, error) {
	scheme, token, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingCredentials
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}

// verify はトークンの署名と有効期限を検証してクレームを返す。
func (v *Validator) verify(ctx context.Context, token string) (jwt.MapClaims, error) {
	key, err := v.publicKey(ctx)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{v.algorithm}), jwt.WithJSONNumber())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// publicKey はKeyCacheの公開鍵を解析済みの形で返す。
// 同じPEMに対する解析結果は使い回す。
func (v *Validator) publicKey(ctx context.Context) (any, error) {
	raw, err := v.keys.Get(ctx)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if raw == v.rawKey && v.parsedKey != nil {
		return v.parsedKey, nil
	}
	parsed, err := v.parseKey([]byte(raw))
	if err != nil {
		// 壊れた鍵を保持し続けないよう次回は再取得させる
		v.keys.Invalidate()
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	v.rawKey = raw
	v.parsedKey = parsed
	return parsed, nil
}

// shouldRefresh は公開鍵の再取得を行ってよいかを判定し、行う場合は時刻を記録する。
func (v *Validator) shouldRefresh() bool {
	if !v.refreshOnFailure {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if !v.lastRefresh.IsZero() && now.Sub(v.lastRefresh) < v.minRefreshInterval {
		return false
	}
	v.lastRefresh = now
	return true
}

// classify はjwtライブラリのエラーをパッケージのエラーに変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, ErrKeyUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

// identityFromClaims はクレームからuser_idとtenant_idを取り出す。
func identityFromClaims(claims jwt.MapClaims) (Identity, error) {
	userID, ok := intClaim(claims, claimUserID)
	if !ok {
		return Identity{}, ErrIdentityMissing
	}
	tenantID, ok := intClaim(claims, claimTenantID)
	if !ok {
		return Identity{}, ErrIdentityMissing
	}
	return Identity{UserID: userID, TenantID: tenantID}, nil
}

// intClaim は整数または10進数文字列のクレームを取り出す。
func intClaim(claims jwt.MapClaims, name string) (int64, bool) {
	switch v := claims[name].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	case float64:
		return integral(v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// integral はfが整数値でint64に収まる場合に変換する。
// float64(math.MaxInt64) は 2^63 に丸められるため上限は >= で判定する。
func integral(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
