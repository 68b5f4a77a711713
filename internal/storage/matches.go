package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/google/uuid"
)

// NewMatch describes a match to create in Queuing status
type NewMatch struct {
	Type     domain.MatchType
	Mode     domain.MatchMode
	State    json.RawMessage
	BlueBots []int
	RedBots  []int
}

// --- Match methods ---

// CreateMatch inserts both game teams and a Queuing match in one transaction
func (s *Store) CreateMatch(ctx context.Context, nm NewMatch) (*domain.Match, error) {
	if _, ok := domain.ParseMatchType(string(nm.Type)); !ok {
		return nil, domain.Validationf("invalid match type %q", nm.Type)
	}
	if _, ok := domain.ParseMatchMode(string(nm.Mode)); !ok {
		return nil, domain.Validationf("invalid match mode %q", nm.Mode)
	}
	if len(nm.State) > 0 && !json.Valid(nm.State) {
		return nil, domain.Validationf("match state is not valid JSON")
	}

	now := s.now()
	m := &domain.Match{
		ID:         uuid.NewString(),
		Type:       nm.Type,
		Mode:       nm.Mode,
		Status:     domain.StatusQueuing,
		BlueTeamID: uuid.NewString(),
		RedTeamID:  uuid.NewString(),
		ExpiresAt:  now.Add(s.tokenTTL).UTC(),
		State:      nm.State,
		CreatedAt:  fromMillis(toMillis(now)),
		UpdatedAt:  fromMillis(toMillis(now)),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertGameTeam(ctx, tx, m.BlueTeamID, nm.BlueBots); err != nil {
			return err
		}
		if err := insertGameTeam(ctx, tx, m.RedTeamID, nm.RedBots); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO matches (id, match_type, mode, status, blue_team_id, red_team_id, expires_at, match_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.Type, m.Mode, m.Status, m.BlueTeamID, m.RedTeamID, toMillis(m.ExpiresAt),
			nullableJSON(m.State), toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("creating match: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func insertGameTeam(ctx context.Context, q querier, id string, bots []int) error {
	if bots == nil {
		bots = []int{}
	}
	data, err := json.Marshal(bots)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO game_teams (id, bots) VALUES (?, ?)`, id, string(data)); err != nil {
		return fmt.Errorf("creating game team: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetGameTeam returns a game team by ID
func (s *Store) GetGameTeam(ctx context.Context, id string) (*domain.GameTeam, error) {
	var bots string
	team := domain.GameTeam{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT bots FROM game_teams WHERE id = ?`, id).Scan(&bots)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(bots), &team.Bots); err != nil {
		return nil, fmt.Errorf("decoding bots: %w", err)
	}
	return &team, nil
}

func getMatch(ctx context.Context, q querier, id string) (*domain.Match, error) {
	m, err := scanMatch(q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMatchNotFound
	}
	return m, err
}

// GetMatch returns a match by ID, or domain.ErrMatchNotFound
func (s *Store) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	return getMatch(ctx, s.db, id)
}

// ListMatches returns matches newest first, optionally filtered by status
func (s *Store) ListMatches(ctx context.Context, status *domain.MatchStatus, limit int) ([]domain.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *m)
	}
	return matches, rows.Err()
}

// transition moves a match from its current status to `to` inside tx.
// Terminal targets deactivate every token of the match in the same transaction.
func (s *Store) transition(ctx context.Context, tx *sql.Tx, m *domain.Match, to domain.MatchStatus) error {
	if err := domain.CheckTransition(m.Status, to); err != nil {
		return err
	}
	if to == domain.StatusWaiting {
		return domain.ErrActivationRequired
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE matches SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, toMillis(now), m.ID, m.Status)
	if err != nil {
		return fmt.Errorf("updating match status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &domain.InvalidStatusTransitionError{From: m.Status, To: to}
	}

	if to.IsTerminal() {
		if err := deactivateMatchTokens(ctx, tx, m.ID); err != nil {
			return err
		}
	}

	m.Status = to
	m.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

// UpdateMatch applies a validated status transition and/or replaces the opaque match state
func (s *Store) UpdateMatch(ctx context.Context, id string, upd domain.MatchUpdate) (*domain.Match, error) {
	if len(upd.State) > 0 && !json.Valid(upd.State) {
		return nil, domain.Validationf("match state is not valid JSON")
	}

	var m *domain.Match
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMatch(ctx, tx, id)
		if err != nil {
			return err
		}

		if upd.Status != nil {
			if err := s.transition(ctx, tx, m, *upd.Status); err != nil {
				return err
			}
		} else if m.Status.IsTerminal() {
			return domain.ErrMatchClosed
		}

		if len(upd.State) > 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE matches SET match_state = ?, updated_at = ? WHERE id = ?
			`, string(upd.State), toMillis(s.now()), id)
			if err != nil {
				return fmt.Errorf("updating match state: %w", err)
			}
			m.State = upd.State
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMatchStatus is UpdateMatch with only a status change
func (s *Store) UpdateMatchStatus(ctx context.Context, id string, status domain.MatchStatus) error {
	_, err := s.UpdateMatch(ctx, id, domain.MatchUpdate{Status: &status})
	return err
}

// SetMatchWinner records the winning team and finishes the match. A non-empty
// state replaces the match state in the same transaction, so a rejected
// result leaves the match untouched.
func (s *Store) SetMatchWinner(ctx context.Context, id, winnerTeamID string, elo *int, state json.RawMessage) (*domain.Match, error) {
	if len(state) > 0 && !json.Valid(state) {
		return nil, domain.Validationf("match state is not valid JSON")
	}

	var m *domain.Match
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = getMatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if m.TeamOf(winnerTeamID) == "" {
			return domain.Validationf("team %s does not play in match %s", winnerTeamID, id)
		}

		if err := s.transition(ctx, tx, m, domain.StatusFinished); err != nil {
			return err
		}

		if len(state) > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE matches SET winner_team_id = ?, match_elo = ?, match_state = ? WHERE id = ?
			`, winnerTeamID, elo, string(state), id)
			m.State = state
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE matches SET winner_team_id = ?, match_elo = ? WHERE id = ?
			`, winnerTeamID, elo, id)
		}
		if err != nil {
			return fmt.Errorf("recording winner: %w", err)
		}
		m.WinnerTeamID = &winnerTeamID
		m.MatchElo = elo
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// TerminateStaleMatches moves every match still in status and created before
// the cutoff to Terminated. Returns the IDs that were terminated.
func (s *Store) TerminateStaleMatches(ctx context.Context, status domain.MatchStatus, createdBefore time.Time) ([]string, error) {
	var terminated []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+matchColumns+` FROM matches WHERE status = ? AND created_at < ?
		`, status, toMillis(createdBefore))
		if err != nil {
			return err
		}

		var stale []*domain.Match
		for rows.Next() {
			m, err := scanMatch(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range stale {
			if err := s.transition(ctx, tx, m, domain.StatusTerminated); err != nil {
				return fmt.Errorf("terminating match %s: %w", m.ID, err)
			}
			terminated = append(terminated, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return terminated, nil
}

// GetMatchDetail returns a match with its tokens grouped by team
func (s *Store) GetMatchDetail(ctx context.Context, id string) (*domain.MatchDetail, error) {
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	tokens, err := s.GetTokensByMatch(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &domain.MatchDetail{Match: *m}
	detail.Tokens.BlueTeam = []domain.TokenSlot{}
	detail.Tokens.RedTeam = []domain.TokenSlot{}
	for _, t := range tokens {
		slot := domain.TokenSlot{
			Token:    t.Token,
			PlayerID: t.PlayerID,
			IGN:      t.IGN,
			IsUsed:   t.IsUsed(),
			IsActive: t.IsActive,
		}
		switch m.TeamOf(t.TeamID) {
		case "blue":
			detail.Tokens.BlueTeam = append(detail.Tokens.BlueTeam, slot)
		case "red":
			detail.Tokens.RedTeam = append(detail.Tokens.RedTeam, slot)
		}
		detail.TotalTokens++
		if slot.IsUsed {
			detail.UsedTokens++
		}
	}
	return detail, nil
}

// GetReadiness reports whether every token of a match has been claimed
func (s *Store) GetReadiness(ctx context.Context, id string) (*domain.Readiness, error) {
	if _, err := s.GetMatch(ctx, id); err != nil {
		return nil, err
	}

	r := &domain.Readiness{MatchID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(player_id) FROM game_tokens WHERE match_id = ?
	`, id).Scan(&r.TotalTokens, &r.UsedTokens)
	if err != nil {
		return nil, err
	}
	r.Ready = r.TotalTokens > 0 && r.UsedTokens == r.TotalTokens
	return r, nil
}
