package match

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/blockwarriors/arena/internal/storage"
)

// Store is the persistence the match service needs
type Store interface {
	CreateMatch(ctx context.Context, nm storage.NewMatch) (*domain.Match, error)
	ActivateMatch(ctx context.Context, matchID string, requestedBy *string) (*domain.Activation, error)
	GetMatch(ctx context.Context, id string) (*domain.Match, error)
	UpdateMatch(ctx context.Context, id string, upd domain.MatchUpdate) (*domain.Match, error)
	SetMatchWinner(ctx context.Context, id, winnerTeamID string, elo *int, state json.RawMessage) (*domain.Match, error)
	TerminateStaleMatches(ctx context.Context, status domain.MatchStatus, createdBefore time.Time) ([]string, error)
}

// Service runs match lifecycle operations on top of the store
type Service struct {
	store Store
}

// NewService creates a match service
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateMatch validates type and mode and creates a Queuing match
func (s *Service) CreateMatch(ctx context.Context, matchType, mode string, state json.RawMessage) (*domain.Match, error) {
	mt, ok := domain.ParseMatchType(matchType)
	if !ok {
		return nil, domain.Validationf("invalid match type %q", matchType)
	}
	mm := domain.MatchModePractice
	if mode != "" {
		if mm, ok = domain.ParseMatchMode(mode); !ok {
			return nil, domain.Validationf("invalid mode %q", mode)
		}
	}
	return s.store.CreateMatch(ctx, storage.NewMatch{Type: mt, Mode: mm, State: state})
}

// Acknowledge activates a Queuing match once a game server accepts it
func (s *Service) Acknowledge(ctx context.Context, matchID string, requestedBy *string) (*domain.Activation, error) {
	act, err := s.store.ActivateMatch(ctx, matchID, requestedBy)
	if err != nil {
		return nil, err
	}
	log.Printf("Match %s activated (%d red, %d blue tokens)", matchID, len(act.Tokens.RedTeam), len(act.Tokens.BlueTeam))
	return act, nil
}

// StartPractice creates a practice match of the selected type and activates
// it straight away. If activation fails the new match is terminated.
func (s *Service) StartPractice(ctx context.Context, selectedMode string, requestedBy *string) (*domain.Activation, error) {
	if selectedMode == "" {
		return nil, domain.Validationf("selectedMode is required")
	}
	m, err := s.CreateMatch(ctx, selectedMode, string(domain.MatchModePractice), nil)
	if err != nil {
		return nil, err
	}

	act, err := s.Acknowledge(ctx, m.ID, requestedBy)
	if err != nil {
		terminated := domain.StatusTerminated
		if _, uerr := s.store.UpdateMatch(ctx, m.ID, domain.MatchUpdate{Status: &terminated}); uerr != nil {
			log.Printf("Match %s: terminating after failed activation: %v", m.ID, uerr)
		}
		return nil, err
	}
	return act, nil
}

// UpdateMatch parses a requested status and applies it with an optional state
func (s *Service) UpdateMatch(ctx context.Context, matchID, status string, state json.RawMessage) (*domain.Match, error) {
	upd := domain.MatchUpdate{State: state}
	if status != "" {
		st, ok := domain.ParseMatchStatus(status)
		if !ok {
			return nil, domain.Validationf("invalid status %q", status)
		}
		upd.Status = &st
	}
	if upd.Status == nil && len(upd.State) == 0 {
		return nil, domain.Validationf("nothing to update")
	}
	return s.store.UpdateMatch(ctx, matchID, upd)
}

// SetWinner finishes a match with the given winning team
func (s *Service) SetWinner(ctx context.Context, matchID, winnerTeamID string, elo *int) (*domain.Match, error) {
	if winnerTeamID == "" {
		return nil, domain.Validationf("winnerTeamId is required")
	}
	return s.store.SetMatchWinner(ctx, matchID, winnerTeamID, elo, nil)
}

// ReportResult applies a game server report. A report with a winner
// records it, the new state and the Finished status together; otherwise the
// status and state are applied as one update.
func (s *Service) ReportResult(ctx context.Context, r domain.MatchResultReport) (*domain.Match, error) {
	if r.WinnerTeamID == "" {
		return s.UpdateMatch(ctx, r.MatchID, r.Status, r.MatchState)
	}

	if r.Status != "" {
		if st, ok := domain.ParseMatchStatus(r.Status); !ok || st != domain.StatusFinished {
			return nil, domain.Validationf("a winner can only be reported with status Finished")
		}
	}
	m, err := s.store.SetMatchWinner(ctx, r.MatchID, r.WinnerTeamID, r.MatchElo, r.MatchState)
	if err != nil {
		return nil, err
	}
	log.Printf("Match %s finished, winner %s", r.MatchID, r.WinnerTeamID)
	return m, nil
}
