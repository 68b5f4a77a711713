package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/blockwarriors/arena/internal/gateway"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a lifecycle error to its status code
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrMatchNotFound), errors.Is(err, domain.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsStateConflict(err),
		errors.Is(err, domain.ErrNoSessionFound),
		errors.Is(err, domain.ErrNotEnoughPlayers):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTokenGenerationExhausted):
		log.Printf("API: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to generate tokens")
	default:
		log.Printf("API: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// StartMatchRequest is the request body for a practice match
type StartMatchRequest struct {
	SelectedMode string `json:"selectedMode"`
}

// StartMatchResponse carries the minted tokens of a new match
type StartMatchResponse struct {
	MatchID   string            `json:"matchId"`
	Tokens    domain.TeamTokens `json:"tokens"`
	ExpiresAt int64             `json:"expiresAt"`
	MatchType domain.MatchType  `json:"matchType"`
}

func activationResponse(act *domain.Activation) StartMatchResponse {
	return StartMatchResponse{
		MatchID:   act.MatchID,
		Tokens:    act.Tokens,
		ExpiresAt: act.ExpiresAt.UnixMilli(),
		MatchType: act.MatchType,
	}
}

// handleStartMatch creates and activates a practice match
func (r *Router) handleStartMatch(w http.ResponseWriter, req *http.Request) {
	var body StartMatchRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if body.SelectedMode == "" {
		writeError(w, http.StatusBadRequest, "selectedMode is required")
		return
	}
	if _, ok := domain.ParseMatchType(body.SelectedMode); !ok {
		writeError(w, http.StatusBadRequest, "invalid selectedMode")
		return
	}

	act, err := r.matches.StartPractice(req.Context(), body.SelectedMode, requesterOf(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activationResponse(act))
}

// CreateMatchRequest is the request body for queuing a match
type CreateMatchRequest struct {
	MatchType  string          `json:"matchType"`
	Mode       string          `json:"mode"`
	MatchState json.RawMessage `json:"matchState,omitempty"`
}

// handleCreateMatch queues a match for a game server to acknowledge
func (r *Router) handleCreateMatch(w http.ResponseWriter, req *http.Request) {
	var body CreateMatchRequest
	if !decodeBody(w, req, &body) {
		return
	}
	m, err := r.matches.CreateMatch(req.Context(), body.MatchType, body.Mode, body.MatchState)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleListMatches returns recent matches, optionally by status
func (r *Router) handleListMatches(w http.ResponseWriter, req *http.Request) {
	status, ok := parseStatusFilter(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit := parseLimit(req, 50, 200)

	matches, err := r.store.ListMatches(req.Context(), status, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if matches == nil {
		matches = []domain.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleGetMatch returns a match with its tokens grouped by team
func (r *Router) handleGetMatch(w http.ResponseWriter, req *http.Request) {
	detail, err := r.store.GetMatchDetail(req.Context(), req.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleGetReadiness reports whether every slot has been claimed
func (r *Router) handleGetReadiness(w http.ResponseWriter, req *http.Request) {
	readiness, err := r.store.GetReadiness(req.Context(), req.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readiness)
}

// handleAcknowledge activates a queued match, minting its tokens
func (r *Router) handleAcknowledge(w http.ResponseWriter, req *http.Request) {
	act, err := r.matches.Acknowledge(req.Context(), req.PathValue("id"), requesterOf(req))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activationResponse(act))
}

// UpdateMatchRequest is the request body for a status and/or state change
type UpdateMatchRequest struct {
	Status     string          `json:"status"`
	MatchState json.RawMessage `json:"matchState,omitempty"`
}

// handleUpdateMatch applies a validated status transition and/or new state
func (r *Router) handleUpdateMatch(w http.ResponseWriter, req *http.Request) {
	var body UpdateMatchRequest
	if !decodeBody(w, req, &body) {
		return
	}
	m, err := r.matches.UpdateMatch(req.Context(), req.PathValue("id"), body.Status, body.MatchState)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	r.releaseIfEnded(m)
	writeJSON(w, http.StatusOK, m)
}

// SetWinnerRequest is the request body for recording a result
type SetWinnerRequest struct {
	WinnerTeamID string `json:"winnerTeamId"`
	MatchElo     *int   `json:"matchElo,omitempty"`
}

// handleSetWinner records the winner and finishes the match
func (r *Router) handleSetWinner(w http.ResponseWriter, req *http.Request) {
	var body SetWinnerRequest
	if !decodeBody(w, req, &body) {
		return
	}
	m, err := r.matches.SetWinner(req.Context(), req.PathValue("id"), body.WinnerTeamID, body.MatchElo)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	r.releaseIfEnded(m)
	writeJSON(w, http.StatusOK, m)
}

// handleStartNow runs the start decision for a match on demand (admin only)
func (r *Router) handleStartNow(w http.ResponseWriter, req *http.Request) {
	if r.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway not running")
		return
	}
	res, err := r.gateway.TryStart(req.Context(), req.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TokenResponse is a token validation result with a readable message
type TokenResponse struct {
	domain.TokenValidation
	Message string `json:"message,omitempty"`
}

// handleValidateToken checks a token without consuming it
func (r *Router) handleValidateToken(w http.ResponseWriter, req *http.Request) {
	v, err := r.store.ValidateToken(req.Context(), req.PathValue("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{TokenValidation: v, Message: v.Message()})
}

// handleGetTokenMatch returns the match a token belongs to
func (r *Router) handleGetTokenMatch(w http.ResponseWriter, req *http.Request) {
	m, err := r.store.GetMatchByToken(req.Context(), req.PathValue("token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// releaseIfEnded drops the gateway session of a match that just ended
func (r *Router) releaseIfEnded(m *domain.Match) {
	if r.gateway != nil && m.Status.IsTerminal() {
		r.gateway.Release(m.ID)
	}
}

// Health is the /health response
type Health struct {
	Status      string `json:"status"`
	GameServers int    `json:"game_servers"`
	Players     int    `json:"players"`
	LiveMatches int    `json:"live_matches"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Health{Status: "database unavailable"})
		return
	}
	h := Health{Status: "ok"}
	if r.hub != nil {
		h.GameServers = r.hub.ClientCount(gateway.KindServer)
		h.Players = r.hub.ClientCount(gateway.KindPlayer)
	}
	if r.gateway != nil {
		h.LiveMatches = r.gateway.Registry().SessionCount()
	}
	writeJSON(w, http.StatusOK, h)
}
