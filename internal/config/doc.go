// Package config はGatewayの起動時設定を環境変数とルート定義ファイルから読み込む。
//
// 設定はプロセスの生存期間中変更されない。公開鍵エンドポイントが未設定の場合など、
// 起動できない設定はLoadがエラーを返し、リクエストを受け付ける前に終了する。
package config
