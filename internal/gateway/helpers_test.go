package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/archgate/internal/auth"
	"github.com/nao1215/archgate/internal/ratelimit"
	"github.com/nao1215/archgate/pkg/httpclient"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	keysOnce   sync.Once
	signingKey *rsa.PrivateKey
	foreignKey *rsa.PrivateKey
	keysErr    error
)

// testKeys はパッケージ内で共有するRSA鍵ペアを返す。
// foreignKeyは公開鍵エンドポイントが配布しない別の鍵。
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()

	keysOnce.Do(func() {
		if signingKey, keysErr = rsa.GenerateKey(rand.Reader, 2048); keysErr != nil {
			return
		}
		foreignKey, keysErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keysErr != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", keysErr)
	}
	return signingKey, foreignKey
}

// newKeyServer は公開鍵をPEM形式で返すモック認証サービスを起動する。
func newKeyServer(t *testing.T) *httptest.Server {
	t.Helper()

	key, _ := testKeys(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("公開鍵のエンコードに失敗: %v", err)
	}
	body := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	ks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(ks.Close)
	return ks
}

// refusedURL は接続を拒否するアドレスのURLを返す。
func refusedURL(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr
}

// signToken はテスト用のJWTトークンをRS256で署名する。
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("テスト用JWT生成に失敗: %v", err)
	}
	return token
}

// validToken はuser_idとtenant_idを持つ有効なトークンを返す。
func validToken(t *testing.T, userID, tenantID int64) string {
	t.Helper()

	key, _ := testKeys(t)
	return signToken(t, key, jwt.MapClaims{
		"user_id":   userID,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
}

// testClock はテスト用に進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingLimiter は常にエラーを返すLimiter。
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, context.DeadlineExceeded
}

// testEnv はテスト用Gatewayとその周辺のモック。
type testEnv struct {
	server  *Server
	backend *httptest.Server
	clock   *testClock
	// calls はバックエンドが受けたリクエスト数。
	calls *atomic.Int32
}

// testOption はテスト用Gatewayの構成を変更する。
type testOption func(*testSetup)

type testSetup struct {
	keyURL        string
	limiter       ratelimit.Limiter
	services      map[string]string
	clientTimeout time.Duration
}

func withKeyURL(u string) testOption {
	return func(s *testSetup) { s.keyURL = u }
}

func withLimiter(l ratelimit.Limiter) testOption {
	return func(s *testSetup) { s.limiter = l }
}

func withService(name, base string) testOption {
	return func(s *testSetup) { s.services[name] = base }
}

// withClientTimeout は内部サービス呼び出しのタイムアウトを変更する。
func withClientTimeout(d time.Duration) testOption {
	return func(s *testSetup) { s.clientTimeout = d }
}

// newTestServerWithBackend はモックバックエンドサービスを持つテスト用Gatewayサーバーを生成する。
// canvas と notifications はbackendHandlerに、billing は接続を拒否するアドレスにルーティングされる。
// レート制限は60回/分の固定ウィンドウで、時計はenv.clockで進められる。
func newTestServerWithBackend(t *testing.T, backendHandler http.HandlerFunc, opts ...testOption) *testEnv {
	t.Helper()

	calls := &atomic.Int32{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		backendHandler(w, r)
	}))
	t.Cleanup(backend.Close)

	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)}
	setup := &testSetup{
		keyURL:  newKeyServer(t).URL,
		limiter: ratelimit.NewFixedWindow(60, ratelimit.WithClock(clock.Now)),
		services: map[string]string{
			"canvas":        backend.URL,
			"notifications": backend.URL,
			"billing":       refusedURL(t),
		},
		clientTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(setup)
	}

	client := httpclient.New(httpclient.WithTimeout(setup.clientTimeout))
	keys, err := auth.NewKeyCache(setup.keyURL, client)
	if err != nil {
		t.Fatalf("KeyCacheの生成に失敗: %v", err)
	}
	validator, err := auth.NewValidator(keys, "RS256")
	if err != nil {
		t.Fatalf("Validatorの生成に失敗: %v", err)
	}
	router, err := NewRouter(setup.services)
	if err != nil {
		t.Fatalf("Routerの生成に失敗: %v", err)
	}

	s, err := NewServer(Options{
		Port:        "0",
		Version:     "test",
		CORSOrigins: []string{"http://localhost:3000"},
		Validator:   validator,
		Limiter:     setup.limiter,
		Router:      router,
		Forwarder:   NewForwarder(client),
	})
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	s.now = clock.Now

	return &testEnv{server: s, backend: backend, clock: clock, calls: calls}
}

// do はGatewayにリクエストを送り、レスポンスを返す。tokenが空の場合はAuthorizationを付けない。
func (e *testEnv) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

// detailOf はエラーレスポンスのdetailを取り出す。
func detailOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (%s)", err, w.Body.String())
	}
	return body["detail"]
}

// okHandler は {"ok":true} を返すバックエンドハンドラ。
func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}
