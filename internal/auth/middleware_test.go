package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newRouter(audience string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTMiddleware(testSecret, audience), func(c *gin.Context) {
		userID, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, userID)
	})
	return router
}

func serve(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareInjectsSubject(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := serve(newRouter(""), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "user-7" {
		t.Fatalf("expected subject in context, got %q", resp.Body.String())
	}
}

func TestJWTMiddlewareRejects(t *testing.T) {
	valid := jwt.RegisteredClaims{Subject: "user-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	expired := jwt.RegisteredClaims{Subject: "user-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}
	noSubject := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	cases := map[string]struct {
		audience string
		header   string
	}{
		"missing header":   {header: ""},
		"not bearer":       {header: "Basic abc"},
		"expired":          {header: "Bearer " + signToken(t, jwt.SigningMethodHS256, expired)},
		"missing subject":  {header: "Bearer " + signToken(t, jwt.SigningMethodHS256, noSubject)},
		"wrong audience":   {audience: "dinox", header: "Bearer " + signToken(t, jwt.SigningMethodHS256, valid)},
		"garbage token":    {header: "Bearer not.a.token"},
		"unsigned by none": {header: "Bearer " + unsignedToken(t, valid)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := serve(newRouter(tc.audience), tc.header)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func unsignedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}
	return signed
}
