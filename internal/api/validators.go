package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/blockwarriors/arena/internal/domain"
)

const maxBodyBytes = 1 << 20

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseStatusFilter reads an optional ?status= filter
func parseStatusFilter(r *http.Request) (*domain.MatchStatus, bool) {
	s := r.URL.Query().Get("status")
	if s == "" {
		return nil, true
	}
	status, ok := domain.ParseMatchStatus(s)
	if !ok {
		return nil, false
	}
	return &status, true
}

// decodeBody decodes a size limited JSON request body
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// validatePassword checks the minimum password length
func validatePassword(password string) bool {
	return len(password) >= 8
}
