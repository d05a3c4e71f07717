// Package gateway はAPI Gatewayの入口となるHTTPサーバーを提供する。
//
// /health と /status 以外のすべてのリクエストは、トークン検証、ユーザーごとのレート制限、
// パス先頭セグメントによるサービス解決を経て内部サービスに転送される。
// 内部サービスはGatewayが付与する X-User-ID / X-Tenant-ID を信頼してテナントを判別し、
// トークンを再検証しない。そのため呼び出し元が送ってきた同名ヘッダーは必ず上書きする。
//
// Gatewayが自ら返すエラーは {"detail": "..."} 形式のJSONで、内部サービスが返した
// 4xx/5xxはそのまま中継する。
package gateway
