package auth

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "scarf"
	tokenTTL = 24 * time.Hour
)

var (
	mu     sync.RWMutex
	jwtKey []byte
)

// Configure sets the JWT secret key
func Configure(secret string) {
	mu.Lock()
	defer mu.Unlock()
	jwtKey = []byte(secret)
}

func key() []byte {
	mu.RLock()
	defer mu.RUnlock()
	return jwtKey
}

// GenerateToken creates a new admin session token
func GenerateToken() (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key())
}

// ValidateToken reports whether tokenStr is a live token signed with the
// configured key.
func ValidateToken(tokenStr string) bool {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return key(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return err == nil && token.Valid
}

// Middleware verifies the session token from either a header or a query parameter.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header first
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		// If not in header, check URL query parameter (for WebSockets)
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("token")
		}

		if tokenStr == "" || !ValidateToken(tokenStr) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
