// WatchSync - Cross-Server Watch State Synchronization for Emby
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tomtom215/watchsync/internal/config"
	"github.com/tomtom215/watchsync/internal/logging"
)

// Admin authentication: a static API token for automation, plus optional
// password login that issues short-lived JWTs for the web UI. Either
// credential satisfies the bearer middleware.

type authenticator struct {
	cfg config.AdminConfig
}

// issueToken creates a session JWT.
func (a *authenticator) issueToken() (string, time.Time, error) {
	expiry := time.Now().Add(a.cfg.SessionTimeout)
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		Issuer:    "watchsync",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiry, nil
}

// validToken verifies a bearer credential: the static API token or a JWT.
func (a *authenticator) validToken(token string) bool {
	if a.cfg.APIToken != "" && token == a.cfg.APIToken {
		return true
	}
	if a.cfg.JWTSecret == "" {
		return false
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	return err == nil && parsed.Valid
}

// requireAuth is the bearer-token middleware for the admin API.
func (a *authenticator) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || !a.validToken(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLogin exchanges the admin password for a session JWT.
func (a *authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.cfg.PasswordHash == "" {
		writeError(w, http.StatusNotFound, "password login not configured")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "password required")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(req.Password)); err != nil {
		logging.Warn().Str("remote", r.RemoteAddr).Msg("Failed admin login attempt")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiry, err := a.issueToken()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to issue session token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiry,
	})
}
