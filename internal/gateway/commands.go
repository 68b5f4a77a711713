package gateway

import (
	"encoding/json"
	"strings"

	"github.com/blockwarriors/arena/internal/domain"
)

// Command is an inbound real-time message after boundary validation
type Command interface {
	command()
}

// LoginCommand is sent by a player connection to claim a slot
type LoginCommand struct {
	PlayerID string `json:"playerId"`
	Token    string `json:"token"`
	IGN      string `json:"ign"`
}

// MatchResultCommand is sent by a game server to report match progress
type MatchResultCommand struct {
	domain.MatchResultReport
}

func (LoginCommand) command()       {}
func (MatchResultCommand) command() {}

// ParseCommand turns an envelope into a typed command. Unknown events and
// malformed payloads yield an error wrapping domain.ErrValidation.
func ParseCommand(env domain.Envelope) (Command, error) {
	switch env.Event {
	case domain.EventLogin:
		var cmd LoginCommand
		if err := decodeData(env.Data, &cmd); err != nil {
			return nil, err
		}
		cmd.PlayerID = strings.TrimSpace(cmd.PlayerID)
		cmd.Token = strings.TrimSpace(cmd.Token)
		if cmd.PlayerID == "" {
			return nil, domain.Validationf("playerId is required")
		}
		if cmd.Token == "" {
			return nil, domain.Validationf("token is required")
		}
		return cmd, nil

	case domain.EventMatchResult:
		var cmd MatchResultCommand
		if err := decodeData(env.Data, &cmd.MatchResultReport); err != nil {
			return nil, err
		}
		if cmd.MatchID == "" {
			return nil, domain.Validationf("matchId is required")
		}
		if cmd.Status == "" && cmd.WinnerTeamID == "" && len(cmd.MatchState) == 0 {
			return nil, domain.Validationf("matchResult carries nothing to apply")
		}
		return cmd, nil

	default:
		return nil, domain.Validationf("unknown event %q", env.Event)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return domain.Validationf("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.Validationf("malformed payload: %v", err)
	}
	return nil
}
