package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTimeout は1リクエストあたりのタイムアウトの既定値。
	DefaultTimeout = 30 * time.Second

	// HeaderUserID は内部サービスにユーザーIDを伝播するためのHTTPヘッダーキー。
	HeaderUserID = "X-User-ID"
	// HeaderTenantID は内部サービスにテナントIDを伝播するためのHTTPヘッダーキー。
	HeaderTenantID = "X-Tenant-ID"

	// maxTextBodyBytes はGetTextで読み込むレスポンスボディの上限。
	maxTextBodyBytes = 1 << 20
)

// ErrUnexpectedStatus はGetTextで2xx以外のステータスを受け取った場合のエラー。
var ErrUnexpectedStatus = errors.New("想定外のHTTPステータス")

// Client はGatewayの外向き通信用HTTPクライアント。
// 内部のhttp.Clientはゴルーチン安全で、コネクションを再利用する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
}

// Option はClientの生成オプション。
type Option func(*http.Client)

// WithTimeout はリクエストのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *http.Client) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithTransport は下位のトランスポートを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *http.Client) {
		c.Transport = otelhttp.NewTransport(rt)
	}
}

// New は新しいHTTPクライアントを生成する。
// リダイレクトは追跡せず、内部サービスの3xxレスポンスをそのまま返す。
func New(opts ...Option) *Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConns = 200
	base.MaxIdleConnsPerHost = 50
	base.IdleConnTimeout = 90 * time.Second

	hc := &http.Client{
		Timeout:   DefaultTimeout,
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{httpClient: hc}
}

// Timeout は設定されているタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// Do はリクエストを送信する。
// コンテキストに呼び出し元の識別情報があれば X-User-ID / X-Tenant-ID を上書き設定する。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if id, ok := identityFrom(req.Context()); ok {
		req.Header.Set(HeaderUserID, strconv.FormatInt(id.userID, 10))
		req.Header.Set(HeaderTenantID, strconv.FormatInt(id.tenantID, 10))
	}
	return c.httpClient.Do(req)
}

// GetText は指定URLにGETリクエストを送信し、レスポンスボディを文字列で返す。
func (c *Client) GetText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBodyBytes))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status=%d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return string(body), nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyIdentity はコンテキストに呼び出し元の識別情報を格納するためのキー。
const contextKeyIdentity contextKey = "identity"

// identity はコンテキストで伝播するユーザーIDとテナントIDの組。
type identity struct {
	userID   int64
	tenantID int64
}

// WithIdentity はコンテキストにユーザーIDとテナントIDを設定する。
// 内部サービスは X-User-ID / X-Tenant-ID を信頼してテナントを判別する。
func WithIdentity(ctx context.Context, userID, tenantID int64) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity{userID: userID, tenantID: tenantID})
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(contextKeyIdentity).(identity)
	return id, ok
}
