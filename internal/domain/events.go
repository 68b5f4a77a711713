package domain

import "encoding/json"

// Event names on the real-time channel
const (
	EventHello        = "hello"
	EventLogin        = "login"
	EventAck          = "ack"
	EventError        = "error"
	EventPlayerJoined = "playerJoined"
	EventPlayerLeft   = "playerLeft"
	EventStartMatch   = "startMatch"
	EventMatchResult  = "matchResult"
)

// Ack statuses
const (
	AckOK  = "ok"
	AckBad = "bad"
)

// Envelope is the wire frame for every real-time message.
// Ack is set by the sender when it expects an acknowledgement.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// AckPayload answers an inbound message that carried an ack id
type AckPayload struct {
	Status string `json:"status"`
}

// ErrorPayload is sent with the error event
type ErrorPayload struct {
	Message string `json:"message"`
}

// PlayerPresence is sent to room peers on join and leave
type PlayerPresence struct {
	PlayerID string `json:"playerId"`
}

// StartMatchEvent tells game servers to start a match. Every game server
// receives every start event and filters on MatchID.
type StartMatchEvent struct {
	MatchID        string    `json:"matchId"`
	MatchType      MatchType `json:"matchType"`
	PlayersPerTeam int       `json:"playersPerTeam"`
	BlueTeam       []string  `json:"blue_team"`
	RedTeam        []string  `json:"red_team"`
}

// MatchResultReport is sent by a game server when a match changes outcome
type MatchResultReport struct {
	MatchID      string          `json:"matchId"`
	Status       string          `json:"status,omitempty"`
	WinnerTeamID string          `json:"winnerTeamId,omitempty"`
	MatchElo     *int            `json:"matchElo,omitempty"`
	MatchState   json.RawMessage `json:"matchState,omitempty"`
}
