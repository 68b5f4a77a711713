package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MatchType determines the game played and the team size
type MatchType string

const (
	MatchTypePvP     MatchType = "pvp"
	MatchTypeBedwars MatchType = "bedwars"
	MatchTypeCTF     MatchType = "ctf"
)

// tokensPerTeam is fixed per match type and never taken from callers
var tokensPerTeam = map[MatchType]int{
	MatchTypePvP:     1,
	MatchTypeBedwars: 4,
	MatchTypeCTF:     5,
}

// MatchTypes returns all supported match types in a stable order
func MatchTypes() []MatchType {
	return []MatchType{MatchTypePvP, MatchTypeBedwars, MatchTypeCTF}
}

// ParseMatchType validates a match type string
func ParseMatchType(s string) (MatchType, bool) {
	mt := MatchType(strings.ToLower(strings.TrimSpace(s)))
	_, ok := tokensPerTeam[mt]
	return mt, ok
}

// TokensPerTeam returns the number of slots each side gets for this type
func (t MatchType) TokensPerTeam() int {
	return tokensPerTeam[t]
}

// MatchMode distinguishes casual from rated play
type MatchMode string

const (
	MatchModePractice MatchMode = "practice"
	MatchModeRanked   MatchMode = "ranked"
)

// ParseMatchMode validates a match mode string
func ParseMatchMode(s string) (MatchMode, bool) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case MatchModePractice, MatchModeRanked:
		return m, true
	default:
		return "", false
	}
}

// MatchStatus is a position in the match lifecycle
type MatchStatus string

const (
	StatusQueuing    MatchStatus = "Queuing"
	StatusWaiting    MatchStatus = "Waiting"
	StatusPlaying    MatchStatus = "Playing"
	StatusFinished   MatchStatus = "Finished"
	StatusTerminated MatchStatus = "Terminated"
)

// statusRank orders the lifecycle; the two terminal states share a rank
var statusRank = map[MatchStatus]int{
	StatusQueuing:    0,
	StatusWaiting:    1,
	StatusPlaying:    2,
	StatusFinished:   3,
	StatusTerminated: 3,
}

// ParseMatchStatus accepts any casing, and "started" as an alias for Playing
func ParseMatchStatus(s string) (MatchStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queuing":
		return StatusQueuing, true
	case "waiting":
		return StatusWaiting, true
	case "playing", "started":
		return StatusPlaying, true
	case "finished":
		return StatusFinished, true
	case "terminated":
		return StatusTerminated, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transitions are allowed
func (s MatchStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusTerminated
}

// Valid reports whether s is a known status
func (s MatchStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether from -> to moves strictly forward
func CanTransition(from, to MatchStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// CheckTransition returns an *InvalidStatusTransitionError when from -> to is not allowed
func CheckTransition(from, to MatchStatus) error {
	if !CanTransition(from, to) {
		return &InvalidStatusTransitionError{From: from, To: to}
	}
	return nil
}

// Match is one scheduled contest between a blue and a red team
type Match struct {
	ID           string          `json:"match_id"`
	Type         MatchType       `json:"match_type"`
	Mode         MatchMode       `json:"mode"`
	Status       MatchStatus     `json:"match_status"`
	BlueTeamID   string          `json:"blue_team_id"`
	RedTeamID    string          `json:"red_team_id"`
	ExpiresAt    time.Time       `json:"expires_at"`
	State        json.RawMessage `json:"match_state,omitempty"` // owned by the game server
	WinnerTeamID *string         `json:"winner_team_id,omitempty"`
	MatchElo     *int            `json:"match_elo,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TeamOf returns "blue" or "red" for a team id, or "" if it belongs to neither side
func (m *Match) TeamOf(teamID string) string {
	switch teamID {
	case m.BlueTeamID:
		return "blue"
	case m.RedTeamID:
		return "red"
	default:
		return ""
	}
}

// GameTeam is one side of a match. Bots lists bot slot ids.
type GameTeam struct {
	ID   string `json:"id"`
	Bots []int  `json:"bots"`
}

// MatchUpdate carries an optional status change and/or opaque state replacement
type MatchUpdate struct {
	Status *MatchStatus
	State  json.RawMessage
}

// TeamTokens groups minted token strings per side
type TeamTokens struct {
	RedTeam  []string `json:"redTeam"`
	BlueTeam []string `json:"blueTeam"`
}

// Activation is the result of minting tokens and moving a match to Waiting
type Activation struct {
	MatchID   string     `json:"matchId"`
	MatchType MatchType  `json:"matchType"`
	Tokens    TeamTokens `json:"tokens"`
	ExpiresAt time.Time  `json:"-"`
}

// TokenSlot is a token as shown in a match detail view
type TokenSlot struct {
	Token    string  `json:"token"`
	PlayerID *string `json:"player_id,omitempty"`
	IGN      *string `json:"ign,omitempty"`
	IsUsed   bool    `json:"is_used"`
	IsActive bool    `json:"is_active"`
}

// MatchDetail is a match with its tokens grouped by team
type MatchDetail struct {
	Match
	Tokens struct {
		BlueTeam []TokenSlot `json:"blueTeam"`
		RedTeam  []TokenSlot `json:"redTeam"`
	} `json:"tokens"`
	TotalTokens int `json:"total_tokens"`
	UsedTokens  int `json:"used_tokens"`
}

// Readiness reports how many slots of a match have been claimed
type Readiness struct {
	MatchID     string `json:"match_id"`
	Ready       bool   `json:"ready"`
	TotalTokens int    `json:"totalTokens"`
	UsedTokens  int    `json:"usedTokens"`
}
