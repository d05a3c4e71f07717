package gateway

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Router は論理サービス名から内部サービスのベースURLを引く。
// 起動時に一度だけ構築され、以降変更されないためゴルーチン安全。
type Router struct {
	routes map[string]*url.URL
}

// NewRouter はサービス名とベースURLの対応から新しいRouterを生成する。
func NewRouter(services map[string]string) (*Router, error) {
	routes := make(map[string]*url.URL, len(services))
	for name, raw := range services {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("サービス %q のURL解析に失敗: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("サービス %q のURLが絶対URLではありません: %q", name, raw)
		}
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
		routes[name] = u
	}
	return &Router{routes: routes}, nil
}

// Resolve はサービス名に対応するベースURLのコピーを返す。
// 未登録の名前の場合は KindUnknownService のErrorを返す。
func (r *Router) Resolve(name string) (*url.URL, error) {
	base, ok := r.routes[name]
	if !ok {
		return nil, errUnknownService(name)
	}
	u := *base
	return &u, nil
}

// Names は登録されているサービス名を昇順で返す。
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitServicePath はリクエストパスを先頭セグメント（サービス名）と残りのパスに分ける。
//
//	/canvas/items/1 -> ("canvas", "items/1")
//	/canvas         -> ("canvas", "")
func splitServicePath(p string) (service, rest string) {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	service, rest, _ = strings.Cut(strings.TrimPrefix(cleaned, "/"), "/")
	return service, rest
}

// targetURL はベースURLに残りのパスとクエリを付けた転送先URLを返す。
func targetURL(base *url.URL, rest, rawQuery string) *url.URL {
	u := *base
	u.Path = base.Path + "/" + rest
	u.RawQuery = rawQuery
	return &u
}
