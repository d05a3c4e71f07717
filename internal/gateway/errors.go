package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/archgate/internal/auth"
	"github.com/rs/zerolog/log"
)

// Kind はGatewayが自ら返すエラーの種別。
type Kind int

const (
	// KindUnauthenticated は認証情報が無い、または検証に失敗した場合。
	KindUnauthenticated Kind = iota + 1
	// KindRateLimited はユーザーのリクエスト数が上限を超えた場合。
	KindRateLimited
	// KindUnknownService はパスの先頭セグメントがどのサービスにも対応しない場合。
	KindUnknownService
	// KindUpstreamUnavailable は内部サービスとの通信に失敗した場合。
	KindUpstreamUnavailable
	// KindAuthUnavailable は公開鍵を取得できずトークンを検証できない場合。
	KindAuthUnavailable
	// KindMethodNotAllowed は転送対象外のHTTPメソッドの場合。
	KindMethodNotAllowed
)

// Status はKindに対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnknownService:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindAuthUnavailable:
		return http.StatusServiceUnavailable
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindRateLimited:
		return "rate_limited"
	case KindUnknownService:
		return "unknown_service"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindAuthUnavailable:
		return "auth_unavailable"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal"
	}
}

// Error はGatewayの検証・ルーティング・通信で発生したエラー。
// Detailはレスポンスの "detail" にそのまま使われるため内部情報を含めない。
type Error struct {
	// Kind はエラーの種別。
	Kind Kind
	// Detail は呼び出し元に返す説明文。
	Detail string
	// Err は原因となったエラー。ログにのみ出力する。
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// errorFromAuth は認証エラーを呼び出し元に返すErrorに変換する。
func errorFromAuth(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrKeyUnavailable):
		return &Error{Kind: KindAuthUnavailable, Detail: "Authentication service unavailable", Err: err}
	case errors.Is(err, auth.ErrMissingCredentials):
		return &Error{Kind: KindUnauthenticated, Detail: "Not authenticated", Err: err}
	case errors.Is(err, auth.ErrTokenExpired):
		return &Error{Kind: KindUnauthenticated, Detail: "Token has expired", Err: err}
	case errors.Is(err, auth.ErrIdentityMissing):
		return &Error{Kind: KindUnauthenticated, Detail: "Token identity fields missing", Err: err}
	default:
		return &Error{Kind: KindUnauthenticated, Detail: "Invalid token", Err: err}
	}
}

func errRateLimited(limit int) *Error {
	return &Error{Kind: KindRateLimited, Detail: fmt.Sprintf("Rate limit exceeded: %d requests per minute", limit)}
}

func errUnknownService(name string) *Error {
	return &Error{Kind: KindUnknownService, Detail: fmt.Sprintf("Unknown service: %s", name)}
}

func errUpstreamUnavailable(service string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Detail: fmt.Sprintf("Service %s is unavailable", service), Err: err}
}

func errMethodNotAllowed(method string) *Error {
	return &Error{Kind: KindMethodNotAllowed, Detail: "Method not allowed", Err: fmt.Errorf("method=%s", method)}
}

// abortWithError はエラーをJSONレスポンスに変換してリクエスト処理を打ち切る。
// Error以外のエラーは500として扱い、内容は返さない。
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	var gerr *Error
	if !errors.As(err, &gerr) {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("想定外のエラー")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}
	if gerr.Kind == KindMethodNotAllowed {
		c.Header("Allow", allowHeader)
	}
	c.AbortWithStatusJSON(gerr.Kind.Status(), gin.H{"detail": gerr.Detail})
}
