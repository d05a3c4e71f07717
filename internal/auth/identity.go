package auth

import "fmt"

// Identity は検証済みトークンから取り出した呼び出し元の識別情報。
// リクエストごとに一度だけ生成され、以降変更されない。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID int64
	// TenantID はユーザーが所属するテナントの識別子。
	TenantID int64
}

// String はログ出力用の文字列表現を返す。
func (i Identity) String() string {
	return fmt.Sprintf("user=%d tenant=%d", i.UserID, i.TenantID)
}
