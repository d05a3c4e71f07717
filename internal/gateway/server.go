package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/archgate/internal/auth"
	"github.com/nao1215/archgate/internal/ratelimit"
	"github.com/nao1215/archgate/pkg/middleware"
	"github.com/rs/zerolog/log"
)

const (
	// shutdownTimeout は処理中のリクエストの完了を待つ最大時間。
	shutdownTimeout = 10 * time.Second

	// contextKeyIdentity はGinコンテキストに検証済みIdentityを格納するためのキー。
	contextKeyIdentity = "identity"

	// allowHeader は405応答のAllowヘッダー。
	allowHeader = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
)

// allowedMethods は内部サービスに転送するHTTPメソッド。
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// TokenValidator はAuthorizationヘッダーを検証して呼び出し元のIdentityを返す。
type TokenValidator interface {
	Validate(ctx context.Context, authorization string) (auth.Identity, error)
}

// Options はServerの構成要素。起動時に組み立てて渡す。
type Options struct {
	// Port はサーバーのリッスンポート。
	Port string
	// Version は /status で返すバージョン。
	Version string
	// CORSOrigins はクロスオリジンリクエストを許可するオリジン。
	CORSOrigins []string
	// Validator はトークン検証器。
	Validator TokenValidator
	// Limiter はユーザーごとのレート制限。
	Limiter ratelimit.Limiter
	// Router はサービス名から転送先を引くルーター。
	Router *Router
	// Forwarder は内部サービスへの転送を行う。
	Forwarder *Forwarder
}

// Server はAPI GatewayのHTTPサーバー。
// 認証・レート制限・ルーティングを通過したリクエストのみを内部サービスに転送する。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// version は /status で返すバージョン。
	version string

	validator TokenValidator
	limiter   ratelimit.Limiter
	routes    *Router
	forwarder *Forwarder

	// now は現在時刻の取得関数。Retry-Afterの計算に使う。
	now func() time.Time
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Validator == nil || opts.Limiter == nil || opts.Router == nil || opts.Forwarder == nil {
		return nil, errors.New("サーバーの構成要素が不足しています")
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{
		router:    router,
		port:      opts.Port,
		version:   version,
		validator: opts.Validator,
		limiter:   opts.Limiter,
		routes:    opts.Router,
		forwarder: opts.Forwarder,
		now:       time.Now,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はサーバーのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまでリクエストを処理する。
// キャンセル後は処理中のリクエストの完了を待ってから戻る。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Gatewayを起動しました")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（認証・レート制限なし）
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/status", s.handleStatus())

	// それ以外のパスはすべて /{service}/{path...} として内部サービスに転送する
	s.router.NoRoute(s.authenticate(), s.rateLimit(), s.handleProxy())
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "running",
			"service": "gateway",
			"version": s.version,
		})
	}
}

// authenticate はAuthorizationヘッダーのトークンを検証するミドルウェアを返す。
// 検証に成功した場合、コンテキストにIdentityを設定する。
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.validator.Validate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, errorFromAuth(err))
			return
		}
		c.Set(contextKeyIdentity, id)
		c.Next()
	}
}

// rateLimit はユーザーごとのリクエスト数を制限するミドルウェアを返す。
// カウンタの保存先に到達できない場合はリクエストを通過させる。
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identityFrom(c)
		d, err := s.limiter.Allow(c.Request.Context(), id.UserID)
		if err != nil {
			log.Warn().Err(err).Int64("user_id", id.UserID).Msg("レート制限を判定できないため通過させます")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfter(s.now())))
			abortWithError(c, errRateLimited(d.Limit))
			return
		}
		c.Next()
	}
}

// handleProxy はリクエストをパスの先頭セグメントが示す内部サービスに転送するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := allowedMethods[c.Request.Method]; !ok {
			abortWithError(c, errMethodNotAllowed(c.Request.Method))
			return
		}

		service, rest := splitServicePath(c.Request.URL.Path)
		base, err := s.routes.Resolve(service)
		if err != nil {
			abortWithError(c, err)
			return
		}

		target := targetURL(base, rest, c.Request.URL.RawQuery)
		if err := s.forwarder.Forward(c, service, target, identityFrom(c)); err != nil {
			abortWithError(c, err)
		}
	}
}

// identityFrom はauthenticateが設定したIdentityを取得する。
func identityFrom(c *gin.Context) auth.Identity {
	id, _ := c.MustGet(contextKeyIdentity).(auth.Identity)
	return id
}
