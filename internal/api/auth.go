package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware validates bearer tokens on the device API when auth is
// enabled. Tokens are HS256-signed JWTs sharing the configured secret;
// claims beyond expiry are left to deployment-specific middleware, per
// the substrate's authorization stance.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "bearer token required")
			return
		}

		if err := s.validateToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateToken parses and verifies an HS256 JWT against the configured
// secret. Expiry and not-before are enforced by the parser.
func (s *Server) validateToken(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.cfg.Auth.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}
