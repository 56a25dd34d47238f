// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/logging"
)

// Auth implements single-admin JWT authentication. The back office has one
// operator account configured at deploy time; there is no user store.
type Auth struct {
	mode           string
	secret         []byte
	sessionTimeout time.Duration
	adminUsername  string
	adminHash      []byte
}

// NewAuth builds the authenticator from security configuration. A plaintext
// admin password is bcrypt-hashed at startup for development convenience;
// production deployments configure the hash directly.
func NewAuth(cfg *config.SecurityConfig) (*Auth, error) {
	a := &Auth{
		mode:           cfg.AuthMode,
		secret:         []byte(cfg.JWTSecret),
		sessionTimeout: cfg.SessionTimeout,
		adminUsername:  cfg.AdminUsername,
	}
	if a.sessionTimeout <= 0 {
		a.sessionTimeout = 24 * time.Hour
	}

	if cfg.AuthMode == "none" {
		return a, nil
	}

	if strings.HasPrefix(cfg.AdminPassword, "$2a$") || strings.HasPrefix(cfg.AdminPassword, "$2b$") {
		a.adminHash = []byte(cfg.AdminPassword)
		return a, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash admin password: %w", err)
	}
	a.adminHash = hash
	logging.Warn().Msg("Admin password configured as plaintext; set a bcrypt hash in production")
	return a, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login handles POST /api/v1/auth/login and issues a signed JWT.
func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON", nil)
		return
	}

	if req.Username != a.adminUsername ||
		bcrypt.CompareHashAndPassword(a.adminHash, []byte(req.Password)) != nil {
		logging.Warn().Str("username", sanitizeLogValue(req.Username)).Msg("Failed login attempt")
		respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password", nil)
		return
	}

	expiresAt := time.Now().Add(a.sessionTimeout)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to issue token", err)
		return
	}

	respondData(w, http.StatusOK, loginResponse{Token: signed, ExpiresAt: expiresAt})
}

// Authenticate is the bearer-token middleware for protected routes. With
// auth_mode=none (development only; Validate rejects it in production) all
// requests pass.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.mode == "none" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
