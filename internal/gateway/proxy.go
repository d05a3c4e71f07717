package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/archgate/internal/auth"
	"github.com/nao1215/archgate/pkg/httpclient"
	"github.com/nao1215/archgate/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// statusClientClosedRequest はレスポンスを返す前に呼び出し元が切断した場合のアクセスログ用ステータス。
const statusClientClosedRequest = 499

// hopHeaders はコネクション単位で意味を持ち、転送してはいけないヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder は認証・レート制限を通過したリクエストを内部サービスに転送し、
// レスポンスをストリーミングで返す。リトライは行わない。
type Forwarder struct {
	client *httpclient.Client
}

// NewForwarder は新しいForwarderを生成する。
func NewForwarder(client *httpclient.Client) *Forwarder {
	return &Forwarder{client: client}
}

// Forward はリクエストをtargetに転送し、レスポンスをcに書き込む。
//
// 内部サービスに到達できない場合はレスポンスを書かずに KindUpstreamUnavailable のErrorを返す。
// レスポンスヘッダーを書き込んだ後のエラーはログに記録し、nilを返す。
func (f *Forwarder) Forward(c *gin.Context, service string, target *url.URL, id auth.Identity) error {
	in := c.Request
	start := time.Now()
	logger := log.With().
		Str("method", in.Method).
		Str("path", in.URL.Path).
		Str("target", target.String()).
		Str("service", service).
		Int64("user_id", id.UserID).
		Int64("tenant_id", id.TenantID).
		Str("request_id", middleware.GetRequestID(c)).
		Logger()

	ctx := httpclient.WithIdentity(in.Context(), id.UserID, id.TenantID)
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return errUpstreamUnavailable(service, err)
	}
	out.ContentLength = in.ContentLength
	out.Header = outboundHeader(in, middleware.GetRequestID(c))

	resp, err := f.client.Do(out)
	if err != nil {
		if errors.Is(in.Context().Err(), context.Canceled) {
			logger.Info().Dur("latency", time.Since(start)).Msg("呼び出し元が切断したため転送を中止しました")
			c.AbortWithStatus(statusClientClosedRequest)
			return nil
		}
		logger.Error().Err(err).Dur("latency", time.Since(start)).Msg("内部サービスとの通信に失敗")
		return errUpstreamUnavailable(service, err)
	}
	defer resp.Body.Close()

	copyResponseHeader(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	n, err := streamBody(c.Writer, resp.Body)
	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Int("status", resp.StatusCode).
		Int64("bytes", n).
		Dur("latency", time.Since(start)).
		Msg("プロキシ完了")
	return nil
}

// outboundHeader は内部サービスに送るリクエストヘッダーを組み立てる。
// 識別情報ヘッダーはhttpclient.Client.Doが上書きする。
func outboundHeader(in *http.Request, requestID string) http.Header {
	h := in.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	h.Del("Host")
	h.Del("Content-Encoding")
	// 圧縮はトランスポートに任せ、展開済みのボディを中継する
	h.Del("Accept-Encoding")
	h.Del(httpclient.HeaderUserID)
	h.Del(httpclient.HeaderTenantID)

	if requestID != "" {
		h.Set(middleware.HeaderRequestID, requestID)
	}
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	h.Set("X-Forwarded-Host", in.Host)
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return h
}

// copyResponseHeader は内部サービスのレスポンスヘッダーを転送用にコピーする。
// Content-Encoding と hop-by-hop ヘッダーはGateway側のHTTPスタックと競合するため除く。
func copyResponseHeader(dst, src http.Header) {
	h := src.Clone()
	removeHopHeaders(h)
	h.Del("Content-Encoding")
	for k, vv := range h {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders はhop-by-hopヘッダーと、Connectionヘッダーが列挙するヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// streamBody はボディを読み取った単位ごとにフラッシュしながら書き込む。
func streamBody(w gin.ResponseWriter, body io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
