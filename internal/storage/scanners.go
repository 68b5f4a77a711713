package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullString(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func scanNullMillis(ni sql.NullInt64) *time.Time {
	if ni.Valid {
		t := fromMillis(ni.Int64)
		return &t
	}
	return nil
}

func scanNullInt64ToIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

const matchColumns = `id, match_type, mode, status, blue_team_id, red_team_id, expires_at,
	match_state, winner_team_id, match_elo, created_at, updated_at`

// scanMatch scans a row selected with matchColumns
func scanMatch(s scanner) (*domain.Match, error) {
	var m domain.Match
	var expiresAt, createdAt, updatedAt int64
	var state, winner sql.NullString
	var elo sql.NullInt64

	err := s.Scan(&m.ID, &m.Type, &m.Mode, &m.Status, &m.BlueTeamID, &m.RedTeamID, &expiresAt,
		&state, &winner, &elo, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.ExpiresAt = fromMillis(expiresAt)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if state.Valid {
		m.State = json.RawMessage(state.String)
	}
	m.WinnerTeamID = scanNullString(winner)
	m.MatchElo = scanNullInt64ToIntPtr(elo)
	return &m, nil
}

const tokenColumns = `token, match_id, game_team_id, requested_by, player_id, ign,
	created_at, expires_at, used_at, is_active`

// scanToken scans a row selected with tokenColumns
func scanToken(s scanner) (*domain.Token, error) {
	var t domain.Token
	var requestedBy, playerID, ign sql.NullString
	var createdAt, expiresAt int64
	var usedAt sql.NullInt64

	err := s.Scan(&t.Token, &t.MatchID, &t.TeamID, &requestedBy, &playerID, &ign,
		&createdAt, &expiresAt, &usedAt, &t.IsActive)
	if err != nil {
		return nil, err
	}

	t.RequestedBy = scanNullString(requestedBy)
	t.PlayerID = scanNullString(playerID)
	t.IGN = scanNullString(ign)
	t.CreatedAt = fromMillis(createdAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.UsedAt = scanNullMillis(usedAt)
	return &t, nil
}

// scanUser scans a user row from the database
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.LastLogin = scanNullTime(lastLogin)
	return &user, nil
}
