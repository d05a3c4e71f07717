package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// testKeyOnce はテスト用RSA鍵の生成を一度だけ行うためのOnce。
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	otherKey    *rsa.PrivateKey
)

// rsaKeys はテスト用のRSA鍵ペアを2組返す。
func rsaKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()

	testKeyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if otherKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testKey, otherKey
}

// publicPEM は公開鍵をPEM形式にエンコードする。
func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("公開鍵のエンコードに失敗: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// signToken はクレームをRS256で署名したトークンを返す。
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return token
}

// validClaims はuser_idとtenant_idを含む有効期限内のクレームを返す。
func validClaims(userID, tenantID any) jwt.MapClaims {
	return jwt.MapClaims{
		"user_id":   userID,
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

// fakeFetcher は呼び出し回数を記録するKeyFetcher。
type fakeFetcher struct {
	mu     sync.Mutex
	calls  atomic.Int32
	bodies []string
	err    error
	delay  time.Duration
}

// GetText はbodiesを先頭から順に返す。最後の要素は繰り返し返す。
func (f *fakeFetcher) GetText(_ context.Context, _ string) (string, error) {
	n := int(f.calls.Add(1))
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.bodies) {
		n = len(f.bodies)
	}
	return f.bodies[n-1], nil
}
