package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

const helloMessage = "Hello from the server!"

// Store is the persistence the gateway needs
type Store interface {
	ValidateToken(ctx context.Context, token string) (domain.TokenValidation, error)
	ConsumeToken(ctx context.Context, token, playerID, ign string) (*domain.Token, error)
	GetMatch(ctx context.Context, id string) (*domain.Match, error)
	UpdateMatchStatus(ctx context.Context, id string, status domain.MatchStatus) error
}

// Sender delivers events to connected clients
type Sender interface {
	Send(connIDs []string, event string, payload any)
	Ack(connID string, ack int64, status string)
	Broadcast(kind ClientKind, event string, payload any)
}

// Publisher fans start events out beyond this process
type Publisher interface {
	PublishStart(ctx context.Context, ev domain.StartMatchEvent) error
}

// ResultReporter applies match results sent by game servers
type ResultReporter interface {
	ReportResult(ctx context.Context, report domain.MatchResultReport) (*domain.Match, error)
}

// Options tunes the start decision and disconnect handling
type Options struct {
	Quorum            int
	PruneOnDisconnect bool
	RetryInitial      time.Duration
	RetryMaxElapsed   time.Duration
}

// StartResult describes an issued start
type StartResult struct {
	MatchID   string           `json:"matchId"`
	MatchType domain.MatchType `json:"matchType"`
	BlueTeam  []string         `json:"blue_team"`
	RedTeam   []string         `json:"red_team"`
}

// Gateway handles real-time player logins and issues match starts
type Gateway struct {
	registry  *Registry
	store     Store
	sender    Sender
	publisher Publisher
	results   ResultReporter
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway. publisher and results may be nil.
func New(registry *Registry, store Store, sender Sender, publisher Publisher, results ResultReporter, opts Options) *Gateway {
	if opts.Quorum < 2 {
		opts.Quorum = 2
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		registry:  registry,
		store:     store,
		sender:    sender,
		publisher: publisher,
		results:   results,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the live connection registry
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Release drops the live sessions of ended matches
func (g *Gateway) Release(matchIDs ...string) {
	for _, id := range matchIDs {
		g.registry.Forget(id)
	}
}

// Close stops background status retries and waits for them to exit
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// HandleConnect greets game servers on the primary channel
func (g *Gateway) HandleConnect(c *Client) {
	if c.Kind == KindServer {
		g.sender.Broadcast(KindServer, domain.EventHello, helloMessage)
	}
}

// HandleMessage dispatches one inbound envelope
func (g *Gateway) HandleMessage(c *Client, env domain.Envelope) {
	g.Dispatch(c.ID, c.Kind, env)
}

// HandleClose runs disconnect cleanup for a closed connection
func (g *Gateway) HandleClose(c *Client) {
	if c.Kind != KindPlayer {
		return
	}
	g.OnDisconnecting(c.ID)
	g.OnDisconnect(c.ID)
}

// Dispatch parses and routes an envelope from connID
func (g *Gateway) Dispatch(connID string, kind ClientKind, env domain.Envelope) {
	cmd, err := ParseCommand(env)
	if err != nil {
		g.reject(connID, env.Ack, err.Error())
		return
	}

	switch cmd := cmd.(type) {
	case LoginCommand:
		if kind != KindPlayer {
			g.reject(connID, env.Ack, "login is only accepted on the player channel")
			return
		}
		matchID, err := g.OnLogin(g.ctx, connID, cmd)
		if err != nil {
			g.reject(connID, env.Ack, err.Error())
			return
		}
		g.ack(connID, env.Ack, domain.AckOK)

		if _, err := g.TryStart(g.ctx, matchID); err != nil && !quietStartError(err) {
			log.Printf("Gateway: start after login failed: %v", err)
		}

	case MatchResultCommand:
		if kind != KindServer || g.results == nil {
			g.reject(connID, env.Ack, "matchResult is only accepted from game servers")
			return
		}
		m, err := g.results.ReportResult(g.ctx, cmd.MatchResultReport)
		if err != nil {
			log.Printf("Gateway: match result for %s rejected: %v", cmd.MatchID, err)
			g.reject(connID, env.Ack, err.Error())
			return
		}
		if m.Status.IsTerminal() {
			g.Release(m.ID)
		}
		g.ack(connID, env.Ack, domain.AckOK)
	}
}

func quietStartError(err error) bool {
	return errors.Is(err, domain.ErrNotEnoughPlayers) || errors.Is(err, domain.ErrAlreadyStarted)
}

func (g *Gateway) reject(connID string, ack *int64, message string) {
	g.sender.Send([]string{connID}, domain.EventError, domain.ErrorPayload{Message: message})
	g.ack(connID, ack, domain.AckBad)
}

func (g *Gateway) ack(connID string, ack *int64, status string) {
	if ack != nil {
		g.sender.Ack(connID, *ack, status)
	}
}

// LoginRejectedError carries the message shown to a rejected player
type LoginRejectedError struct {
	Message string
}

func (e *LoginRejectedError) Error() string {
	return e.Message
}

func rejected(message string) error {
	return &LoginRejectedError{Message: message}
}

// OnLogin admits a player holding a valid token and returns the match joined.
// On rejection nothing in the registry changes.
func (g *Gateway) OnLogin(ctx context.Context, connID string, cmd LoginCommand) (string, error) {
	v, err := g.store.ValidateToken(ctx, cmd.Token)
	if err != nil {
		log.Printf("Gateway: validating token for %s: %v", cmd.PlayerID, err)
		return "", rejected("Failed to join match")
	}
	if !v.Valid {
		return "", rejected(v.Message())
	}

	// the token check above is the gate; a failed bookkeeping write still
	// admits the player unless another player holds the token
	if _, err := g.store.ConsumeToken(ctx, cmd.Token, cmd.PlayerID, cmd.IGN); err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenClaimed):
			return "", rejected("Token already used by another player")
		case errors.Is(err, domain.ErrTokenInvalid), errors.Is(err, domain.ErrTokenNotFound):
			return "", rejected("Token is no longer valid")
		default:
			log.Printf("Gateway: marking token used for %s: %v", cmd.PlayerID, err)
		}
	}

	joined := g.registry.Join(connID, cmd.PlayerID, v.MatchID)
	g.sender.Send(g.registry.RoomMembers(v.MatchID, connID), domain.EventPlayerJoined, domain.PlayerPresence{PlayerID: cmd.PlayerID})
	log.Printf("Gateway: player %s joined match %s (%d joined)", cmd.PlayerID, v.MatchID, joined)
	return v.MatchID, nil
}

// OnDisconnecting tells room peers that the connection's player left
func (g *Gateway) OnDisconnecting(connID string) {
	playerID, ok := g.registry.PlayerFor(connID)
	if !ok {
		return
	}
	for _, room := range g.registry.Rooms(connID) {
		g.sender.Send(g.registry.RoomMembers(room, connID), domain.EventPlayerLeft, domain.PlayerPresence{PlayerID: playerID})
	}
}

// OnDisconnect removes the connection from the registry
func (g *Gateway) OnDisconnect(connID string) {
	playerID, rooms := g.registry.Leave(connID, g.opts.PruneOnDisconnect)
	if playerID != "" {
		log.Printf("Gateway: player %s disconnected from %d match(es)", playerID, len(rooms))
	}
}

// TryStart starts a match once enough players have joined. Players are split
// by join order: the first ceil(n/2) play blue, the rest red, and
// playersPerTeam announces the blue side's size. The start event
// goes to every game server; the Playing status write happens afterwards and
// is retried in the background if it fails, without failing the start.
func (g *Gateway) TryStart(ctx context.Context, matchID string) (*StartResult, error) {
	players, ok := g.registry.Players(matchID)
	if !ok {
		return nil, domain.ErrNoSessionFound
	}
	if len(players) < g.opts.Quorum {
		return nil, domain.ErrNotEnoughPlayers
	}
	if g.registry.Started(matchID) {
		return nil, domain.ErrAlreadyStarted
	}

	match, err := g.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(match.Status, domain.StatusPlaying); err != nil {
		return nil, err
	}
	if !g.registry.MarkStarted(matchID) {
		return nil, domain.ErrAlreadyStarted
	}

	half := (len(players) + 1) / 2
	result := &StartResult{
		MatchID:   matchID,
		MatchType: match.Type,
		BlueTeam:  players[:half],
		RedTeam:   players[half:],
	}
	ev := domain.StartMatchEvent{
		MatchID:        matchID,
		MatchType:      match.Type,
		PlayersPerTeam: half,
		BlueTeam:       result.BlueTeam,
		RedTeam:        result.RedTeam,
	}

	g.sender.Broadcast(KindServer, domain.EventStartMatch, ev)
	if g.publisher != nil {
		if err := g.publisher.PublishStart(ctx, ev); err != nil {
			log.Printf("Gateway: publishing start of %s: %v", matchID, err)
		}
	}
	log.Printf("Gateway: started match %s (blue %v, red %v)", matchID, result.BlueTeam, result.RedTeam)

	if err := g.store.UpdateMatchStatus(ctx, matchID, domain.StatusPlaying); err != nil {
		log.Printf("Gateway: marking match %s Playing failed, retrying: %v", matchID, err)
		g.retryPlaying(matchID)
	}
	return result, nil
}

func (g *Gateway) retryPlaying(matchID string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = g.opts.RetryInitial
		b.MaxElapsedTime = g.opts.RetryMaxElapsed

		op := func() error {
			err := g.store.UpdateMatchStatus(g.ctx, matchID, domain.StatusPlaying)
			if err != nil && (domain.IsStateConflict(err) || errors.Is(err, domain.ErrMatchNotFound)) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(b, g.ctx)); err != nil {
			log.Printf("Gateway: giving up marking match %s Playing: %v", matchID, err)
			return
		}
		log.Printf("Gateway: match %s marked Playing after retry", matchID)
	}()
}
