package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	sessionCookieName = "cubicle_session"
	sessionLifetime   = 30 * 24 * time.Hour
)

// sessionManager mints and verifies the opaque session credentials that
// the connection gateway consumes.
type sessionManager struct {
	secret []byte
}

func newSessionManager(secret string) *sessionManager {
	return &sessionManager{secret: []byte(secret)}
}

func (sm *sessionManager) issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionLifetime)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
}

func (sm *sessionManager) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return sm.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("missing subject")
	}

	return claims.Subject, nil
}

func hashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

func verifyPassword(hash, password string) bool {
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	return err == nil && match
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Avatar   string `json:"avatar,omitempty"`
}

type sessionResponse struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorMessage{StatusCode: status, Message: message})
}

// serveSignup creates an identity record and issues a session token.
func (srv *server) serveSignup() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAuthError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Name == "" || utf8.RuneCountInString(req.Name) > 32 {
			writeAuthError(w, http.StatusBadRequest, "name must be between 1 and 32 characters")
			return
		}
		if utf8.RuneCountInString(req.Password) < 8 {
			writeAuthError(w, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}

		hash, err := hashPassword(req.Password)
		if err != nil {
			srv.log.Error().Err(err).Msg("password hashing failed")
			writeAuthError(w, http.StatusInternalServerError, "internal error")
			return
		}

		user := User{
			ID:           uuid.NewString(),
			Name:         req.Name,
			Avatar:       req.Avatar,
			PasswordHash: hash,
		}

		if err := srv.users.CreateUser(r.Context(), user); err != nil {
			if errors.Is(err, errValidation) {
				writeAuthError(w, http.StatusConflict, errMessage(err))
				return
			}
			srv.log.Error().Err(err).Msg("user creation failed")
			writeAuthError(w, http.StatusInternalServerError, "internal error")
			return
		}

		srv.issueSession(w, user)
	}
}

// serveLogin verifies credentials and issues a session token.
func (srv *server) serveLogin() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAuthError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		user, err := srv.users.UserByName(r.Context(), req.Name)
		if err != nil || !verifyPassword(user.PasswordHash, req.Password) {
			// One answer for unknown names and wrong passwords.
			writeAuthError(w, http.StatusForbidden, "invalid name or password")
			return
		}

		srv.issueSession(w, user)
	}
}

func (srv *server) issueSession(w http.ResponseWriter, user User) {
	token, err := srv.sessions.issue(user.ID)
	if err != nil {
		srv.log.Error().Err(err).Msg("session token signing failed")
		writeAuthError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user.View()})
}
