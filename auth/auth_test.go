package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	Configure(strings.Repeat("a", 32))

	token, err := GenerateToken()
	require.NoError(t, err)
	assert.True(t, ValidateToken(token))

	Configure(strings.Repeat("b", 32))
	assert.False(t, ValidateToken(token), "tokens signed with an old secret are rejected")
	assert.False(t, ValidateToken("garbage"))
}

func TestValidateTokenRejectsExpiredAndForeign(t *testing.T) {
	secret := strings.Repeat("c", 32)
	Configure(secret)

	sign := func(claims jwt.RegisteredClaims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	past := time.Now().Add(-time.Hour)

	assert.False(t, ValidateToken(sign(jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(past)}, jwt.SigningMethodHS256)))
	assert.False(t, ValidateToken(sign(jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, jwt.SigningMethodHS256)))
	assert.False(t, ValidateToken(sign(jwt.RegisteredClaims{Issuer: issuer}, jwt.SigningMethodHS256)), "tokens must expire")
	assert.False(t, ValidateToken(sign(jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, jwt.SigningMethodHS512)))
}

func TestMiddleware(t *testing.T) {
	Configure(strings.Repeat("d", 32))
	token, err := GenerateToken()
	require.NoError(t, err)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	serve := func(r *http.Request) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(httptest.NewRequest(http.MethodGet, "/", nil)))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusTeapot, serve(r))

	assert.Equal(t, http.StatusTeapot, serve(httptest.NewRequest(http.MethodGet, "/logs?token="+token, nil)))
	assert.Equal(t, http.StatusUnauthorized, serve(httptest.NewRequest(http.MethodGet, "/logs?token=nope", nil)))
}
