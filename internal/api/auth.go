package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/blockwarriors/arena/internal/auth"
	"github.com/blockwarriors/arena/internal/storage"
)

type operatorKey struct{}

// operatorFrom returns the operator attached by withOperator
func operatorFrom(ctx context.Context) (auth.Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(auth.Operator)
	return op, ok
}

// bearer verifies the Authorization header, if any
func (r *Router) bearer(req *http.Request) (auth.Operator, bool) {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.Operator{}, false
	}
	op, err := r.auth.Verify(token)
	return op, err == nil
}

// withOperator rejects requests without a valid bearer token and attaches
// the operator to the request context
func (r *Router) withOperator(adminOnly bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		op, ok := r.bearer(req)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if adminOnly && !op.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, req.WithContext(context.WithValue(req.Context(), operatorKey{}, op)))
	}
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.withOperator(false, next)
}

func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return r.withOperator(true, next)
}

// requesterOf is the requested_by value for tokens minted by this request
func requesterOf(req *http.Request) *string {
	op, ok := operatorFrom(req.Context())
	if !ok {
		return nil
	}
	id := op.RequesterID()
	return &id
}

// Credentials is the login request body
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is returned on successful login
type Session struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// handleLogin exchanges operator credentials for a bearer token
func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var creds Credentials
	if !decodeBody(w, req, &creds) {
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := r.store.GetUserByUsername(req.Context(), creds.Username)
	if err != nil || !auth.CheckPassword(creds.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	op := auth.Operator{ID: user.ID, Username: user.Username, IsAdmin: user.IsAdmin}
	token, err := r.auth.Issue(op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	if err := r.store.UpdateUserLastLogin(req.Context(), user.ID); err != nil {
		log.Printf("API: recording login of %s: %v", user.Username, err)
	}

	writeJSON(w, http.StatusOK, Session{Token: token, Username: op.Username, IsAdmin: op.IsAdmin})
}

// handleAuthCheck reports who the bearer token belongs to
func (r *Router) handleAuthCheck(w http.ResponseWriter, req *http.Request) {
	op, ok := r.bearer(req)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       op.ID,
		"username":      op.Username,
		"is_admin":      op.IsAdmin,
	})
}

// NewOperator is the request body for creating an operator account
type NewOperator struct {
	Credentials
	IsAdmin bool `json:"is_admin"`
}

// handleCreateUser creates an operator account (admin only)
func (r *Router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	var body NewOperator
	if !decodeBody(w, req, &body) {
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if !validatePassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := r.store.CreateUser(req.Context(), body.Username, hash, body.IsAdmin); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			writeError(w, http.StatusConflict, "username already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	user, err := r.store.GetUserByUsername(req.Context(), body.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// handleListUsers returns every operator account (admin only)
func (r *Router) handleListUsers(w http.ResponseWriter, req *http.Request) {
	users, err := r.store.ListUsers(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, users)
}
