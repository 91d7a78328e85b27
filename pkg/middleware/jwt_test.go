package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newAuthRouter はJWTAuthを適用したテスト用ルーターを生成する。
func newAuthRouter() *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSecret))
	router.GET("/protected", func(c *gin.Context) {
		c.String(http.StatusOK, GetSubject(c))
	})
	return router
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("呼び出し元サービス名と発行者が設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "event-service", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.Service != "event-service" {
			t.Errorf("Service = %q, want event-service", claims.Service)
		}
		if claims.Issuer != tokenIssuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, tokenIssuer)
		}
	})

	t.Run("ttlが0の場合は有効期限が24時間後になること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "svc", 0)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims := &JWTClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		want := before.Add(24 * time.Hour)
		if d := claims.ExpiresAt.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want about %v", claims.ExpiresAt.Time, want)
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンで呼び出し元が設定されること", func(t *testing.T) {
		t.Parallel()

		token, err := GenerateJWT(testSecret, "event-service", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		newAuthRouter().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "event-service" {
			t.Errorf("subject = %q, want event-service", w.Body.String())
		}
	})

	expired := func(t *testing.T) string {
		t.Helper()
		claims := JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
				Issuer:    tokenIssuer,
			},
			Service: "svc",
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		return s
	}
	otherIssuer := func(t *testing.T) string {
		t.Helper()
		claims := JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}
		return s
	}
	wrongSecret := func(t *testing.T) string {
		t.Helper()
		s, err := GenerateJWT("wrong-secret", "svc", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		return s
	}

	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{name: "Authorizationヘッダーがない", header: func(*testing.T) string { return "" }},
		{name: "Bearer形式でない", header: func(*testing.T) string { return "Token abc" }},
		{name: "壊れたトークン", header: func(*testing.T) string { return "Bearer not.a.jwt" }},
		{name: "有効期限切れ", header: func(t *testing.T) string { return "Bearer " + expired(t) }},
		{name: "発行者が異なる", header: func(t *testing.T) string { return "Bearer " + otherIssuer(t) }},
		{name: "シークレットが異なる", header: func(t *testing.T) string { return "Bearer " + wrongSecret(t) }},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合は401が返ること", func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			newAuthRouter().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}
