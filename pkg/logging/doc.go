// Package logging はzerologによる構造化ログの初期化を提供する。
//
// 起動時に一度だけSetupを呼び出し、以降は github.com/rs/zerolog/log の
// グローバルロガーを各パッケージから利用する。
package logging
