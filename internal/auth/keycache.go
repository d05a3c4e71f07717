package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// KeyFetcher は公開鍵エンドポイントから本文を取得する。
// *httpclient.Client が実装する。
type KeyFetcher interface {
	GetText(ctx context.Context, url string) (string, error)
}

// KeyCache は認証サービスの公開鍵をプロセス内で保持する。
//
// 最初の呼び出しでのみ取得し、以降はキャッシュを返す。同時に複数の
// リクエストがコールドスタートしても取得は一回にまとめられる。
// 取得に失敗した結果はキャッシュしない。
type KeyCache struct {
	url     string
	fetcher KeyFetcher

	mu        sync.RWMutex
	key       string
	fetched   bool
	fetchedAt time.Time

	group singleflight.Group
}

// NewKeyCache は新しいKeyCacheを生成する。
// urlが空の場合は ErrMissingKeyURL を返す。
func NewKeyCache(url string, fetcher KeyFetcher) (*KeyCache, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrMissingKeyURL
	}
	return &KeyCache{url: url, fetcher: fetcher}, nil
}

// Get はキャッシュ済みの公開鍵を返す。未取得の場合はリモートから取得する。
func (k *KeyCache) Get(ctx context.Context) (string, error) {
	k.mu.RLock()
	if k.fetched {
		key := k.key
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()

	v, err, _ := k.group.Do("key", func() (any, error) {
		k.mu.RLock()
		if k.fetched {
			key := k.key
			k.mu.RUnlock()
			return key, nil
		}
		k.mu.RUnlock()

		// 先頭の呼び出し元が切断しても待機中の他リクエストには結果を返す
		body, err := k.fetcher.GetText(context.WithoutCancel(ctx), k.url)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
		}
		key := strings.TrimSpace(body)
		if key == "" {
			return "", fmt.Errorf("%w: 空のレスポンス", ErrKeyUnavailable)
		}

		k.mu.Lock()
		k.key = key
		k.fetched = true
		k.fetchedAt = time.Now()
		k.mu.Unlock()

		log.Info().Str("url", k.url).Msg("公開鍵を取得しました")
		return key, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate はキャッシュを破棄し、次回のGetで再取得させる。
func (k *KeyCache) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = ""
	k.fetched = false
	k.fetchedAt = time.Time{}
}

// FetchedAt は公開鍵を取得した時刻を返す。未取得の場合はゼロ値。
func (k *KeyCache) FetchedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fetchedAt
}
