// Package auth はGatewayの認証処理を提供する。
//
// 認証サービスが公開する公開鍵をリモートから一度だけ取得してキャッシュし（KeyCache）、
// Authorizationヘッダーのベアラートークンを非対称鍵で検証して
// ユーザーIDとテナントIDの組（Identity）を取り出す（Validator）。
package auth
