package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
)

// --- Token methods ---

// tokenExists checks whether a token string is already stored
func tokenExists(ctx context.Context, q querier, token string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM game_tokens WHERE token = ?`, token).Scan(&n)
	return n > 0, err
}

// drawUniqueToken draws tokens until one is absent from both seen and the store
func (s *Store) drawUniqueToken(ctx context.Context, q querier, seen map[string]struct{}) (string, error) {
	for attempts := 0; attempts < maxTokenAttempts; attempts++ {
		token := s.newToken()
		if _, dup := seen[token]; dup {
			continue
		}
		exists, err := tokenExists(ctx, q, token)
		if err != nil {
			return "", fmt.Errorf("checking token: %w", err)
		}
		if !exists {
			return token, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", domain.ErrTokenGenerationExhausted, maxTokenAttempts)
}

// generateBatch mints exactly count tokens for one team. It either inserts
// all of them or returns an error; the caller's transaction discards partial work.
func (s *Store) generateBatch(ctx context.Context, q querier, count int, matchID, teamID string, requestedBy *string, now, expiresAt time.Time) ([]string, error) {
	if count <= 0 {
		return nil, domain.Validationf("token count must be positive, got %d", count)
	}

	seen := make(map[string]struct{}, count)
	tokens := make([]string, 0, count)
	for len(tokens) < count {
		token, err := s.drawUniqueToken(ctx, q, seen)
		if err != nil {
			return nil, err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO game_tokens (token, match_id, game_team_id, requested_by, created_at, expires_at, is_active)
			VALUES (?, ?, ?, ?, ?, ?, 1)
		`, token, matchID, teamID, requestedBy, toMillis(now), toMillis(expiresAt))
		if err != nil {
			return nil, fmt.Errorf("inserting token: %w", err)
		}
		seen[token] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// GenerateTokenBatch mints count tokens for a team of a match in one transaction
func (s *Store) GenerateTokenBatch(ctx context.Context, count int, matchID, teamID string) ([]string, error) {
	var tokens []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := getMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.TeamOf(teamID) == "" {
			return domain.Validationf("team %s does not play in match %s", teamID, matchID)
		}
		now := s.now()
		tokens, err = s.generateBatch(ctx, tx, count, matchID, teamID, nil, now, now.Add(s.tokenTTL))
		return err
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// ActivateMatch mints tokens for both teams and moves the match from Queuing
// to Waiting. Both happen in one transaction: a Waiting match always has its
// tokens, and a Queuing match never has any.
func (s *Store) ActivateMatch(ctx context.Context, matchID string, requestedBy *string) (*domain.Activation, error) {
	var act *domain.Activation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := getMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.Status != domain.StatusQueuing {
			return &domain.InvalidStatusTransitionError{From: m.Status, To: domain.StatusWaiting}
		}

		perTeam := m.Type.TokensPerTeam()
		now := s.now()
		expiresAt := now.Add(s.tokenTTL)

		red, err := s.generateBatch(ctx, tx, perTeam, m.ID, m.RedTeamID, requestedBy, now, expiresAt)
		if err != nil {
			return err
		}
		blue, err := s.generateBatch(ctx, tx, perTeam, m.ID, m.BlueTeamID, requestedBy, now, expiresAt)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE matches SET status = ?, expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, domain.StatusWaiting, toMillis(expiresAt), toMillis(now), m.ID, domain.StatusQueuing)
		if err != nil {
			return fmt.Errorf("activating match: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &domain.InvalidStatusTransitionError{From: m.Status, To: domain.StatusWaiting}
		}

		act = &domain.Activation{
			MatchID:   m.ID,
			MatchType: m.Type,
			Tokens:    domain.TeamTokens{RedTeam: red, BlueTeam: blue},
			ExpiresAt: fromMillis(toMillis(expiresAt)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return act, nil
}

func getToken(ctx context.Context, q querier, token string) (*domain.Token, error) {
	t, err := scanToken(q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM game_tokens WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	return t, err
}

// GetToken returns a token record, or domain.ErrTokenNotFound
func (s *Store) GetToken(ctx context.Context, token string) (*domain.Token, error) {
	return getToken(ctx, s.db, token)
}

// ValidateToken checks a token without modifying it
func (s *Store) ValidateToken(ctx context.Context, token string) (domain.TokenValidation, error) {
	t, err := s.GetToken(ctx, token)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return domain.CheckToken(nil, s.now()), nil
	}
	if err != nil {
		return domain.TokenValidation{}, err
	}
	return domain.CheckToken(t, s.now()), nil
}

// MarkTokenUsed binds a player to a token. Marking an already used token again
// is not an error; use ConsumeToken where a single winner matters.
func (s *Store) MarkTokenUsed(ctx context.Context, token, playerID, ign string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE game_tokens SET player_id = ?, ign = ?, used_at = COALESCE(used_at, ?)
		WHERE token = ?
	`, playerID, ign, toMillis(s.now()), token)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

// ConsumeToken atomically binds a player to an active, unexpired token that is
// unbound or already bound to the same player. A token held by someone else
// yields domain.ErrTokenClaimed.
func (s *Store) ConsumeToken(ctx context.Context, token, playerID, ign string) (*domain.Token, error) {
	var t *domain.Token
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		result, err := tx.ExecContext(ctx, `
			UPDATE game_tokens SET player_id = ?, ign = ?, used_at = COALESCE(used_at, ?)
			WHERE token = ? AND is_active = 1 AND expires_at >= ?
			  AND (player_id IS NULL OR player_id = ?)
		`, playerID, ign, toMillis(now), token, toMillis(now), playerID)
		if err != nil {
			return fmt.Errorf("consuming token: %w", err)
		}
		rows, _ := result.RowsAffected()

		t, err = getToken(ctx, tx, token)
		if err != nil {
			return err
		}
		if rows > 0 {
			return nil
		}
		if v := domain.CheckToken(t, now); !v.Valid {
			return fmt.Errorf("%w: %s", domain.ErrTokenInvalid, v.Reason)
		}
		return domain.ErrTokenClaimed
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeactivateToken marks a single token inactive
func (s *Store) DeactivateToken(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE game_tokens SET is_active = 0 WHERE token = ?`, token)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

func deactivateMatchTokens(ctx context.Context, q querier, matchID string) error {
	if _, err := q.ExecContext(ctx, `UPDATE game_tokens SET is_active = 0 WHERE match_id = ?`, matchID); err != nil {
		return fmt.Errorf("deactivating tokens: %w", err)
	}
	return nil
}

// GetTokensByMatch returns every token of a match in creation order
func (s *Store) GetTokensByMatch(ctx context.Context, matchID string) ([]domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM game_tokens WHERE match_id = ? ORDER BY created_at, rowid
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// GetMatchByToken returns the match a token belongs to
func (s *Store) GetMatchByToken(ctx context.Context, token string) (*domain.Match, error) {
	t, err := s.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.GetMatch(ctx, t.MatchID)
}
