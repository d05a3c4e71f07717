// Package middleware はGatewayのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、リクエストID、アクセスログ、CORS設定を含む。
// 認証とレート制限はルーティングに依存するため internal/gateway 側で行う。
package middleware
