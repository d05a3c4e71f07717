package auth

import "errors"

var (
	// ErrMissingKeyURL は公開鍵エンドポイントが設定されていない場合のエラー。起動時に致命的エラーとなる。
	ErrMissingKeyURL = errors.New("公開鍵エンドポイントが設定されていません")
	// ErrUnsupportedAlgorithm は非対称鍵以外の署名アルゴリズムが指定された場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("サポートされていない署名アルゴリズムです")

	// ErrMissingCredentials はAuthorizationヘッダーが無い、またはBearer形式でない場合のエラー。
	ErrMissingCredentials = errors.New("認証情報がありません")
	// ErrTokenExpired はトークンの有効期限が切れている場合のエラー。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrInvalidToken は署名不正・アルゴリズム不一致・形式不正のトークンのエラー。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrIdentityMissing は検証済みトークンにuser_idまたはtenant_idが含まれない場合のエラー。
	ErrIdentityMissing = errors.New("トークンに識別情報が含まれていません")
	// ErrKeyUnavailable は公開鍵を取得または解析できない場合のエラー。
	ErrKeyUnavailable = errors.New("公開鍵を取得できません")
)
