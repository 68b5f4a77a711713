package domain

import "time"

// TokenTTL is how long minted tokens remain usable after activation
const TokenTTL = 15 * time.Minute

// Token is a single-use credential binding a player to one team slot
type Token struct {
	Token       string     `json:"token"`
	MatchID     string     `json:"match_id"`
	TeamID      string     `json:"game_team_id"`
	RequestedBy *string    `json:"requested_by,omitempty"`
	PlayerID    *string    `json:"player_id,omitempty"`
	IGN         *string    `json:"ign,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// IsUsed reports whether a player has been bound to the token
func (t *Token) IsUsed() bool {
	return t.PlayerID != nil
}

// Rejection reasons returned by token validation
const (
	ReasonNotFound = "not_found"
	ReasonInactive = "inactive"
	ReasonExpired  = "expired"
)

// TokenValidation is the outcome of a side-effect free token check
type TokenValidation struct {
	Valid   bool   `json:"valid"`
	MatchID string `json:"matchId,omitempty"`
	TeamID  string `json:"gameTeamId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Message returns a human readable rejection message
func (v TokenValidation) Message() string {
	switch v.Reason {
	case ReasonNotFound:
		return "Token not found"
	case ReasonInactive:
		return "Token is not active"
	case ReasonExpired:
		return "Token has expired"
	case "":
		return ""
	default:
		return "Token validation failed"
	}
}

// CheckToken applies the validation rules to a stored token at time now
func CheckToken(t *Token, now time.Time) TokenValidation {
	if t == nil {
		return TokenValidation{Reason: ReasonNotFound}
	}
	if !t.IsActive {
		return TokenValidation{Reason: ReasonInactive}
	}
	if now.After(t.ExpiresAt) {
		return TokenValidation{Reason: ReasonExpired}
	}
	return TokenValidation{Valid: true, MatchID: t.MatchID, TeamID: t.TeamID}
}
