// Package httpclient はGatewayから外部サービスへのHTTP通信を行うクライアントを提供する。
//
// 公開鍵エンドポイントからの鍵取得と、内部サービスへのプロキシ転送の両方で
// 同じコネクションプールを共有する。送信リクエストにはOpenTelemetryの
// トレースコンテキストが付与され、コンテキストに設定された呼び出し元の
// ユーザーID・テナントIDがヘッダーとして伝播される。
package httpclient
