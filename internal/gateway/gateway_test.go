package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/blockwarriors/arena/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to      []string
	kind    *ClientKind
	event   string
	payload any
	ack     *int64
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (s *recordingSender) Send(connIDs []string, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{to: connIDs, event: event, payload: payload})
}

func (s *recordingSender) Ack(connID string, ack int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{to: []string{connID}, event: domain.EventAck, payload: domain.AckPayload{Status: status}, ack: &ack})
}

func (s *recordingSender) Broadcast(kind ClientKind, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sent{kind: &kind, event: event, payload: payload})
}

func (s *recordingSender) events(name string) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.msgs {
		if m.event == name {
			out = append(out, m)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StartMatchEvent
}

func (p *recordingPublisher) PublishStart(_ context.Context, ev domain.StartMatchEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	store     *storage.Store
	sender    *recordingSender
	publisher *recordingPublisher
	gw        *Gateway
	now       time.Time
	clockMu   sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	f.now = f.now.Add(d)
	f.clockMu.Unlock()
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		sender:    &recordingSender{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC),
	}
	store, err := storage.New(filepath.Join(t.TempDir(), "gateway.db"), storage.WithClock(f.clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store
	f.gw = New(NewRegistry(), store, f.sender, f.publisher, nil, opts)
	t.Cleanup(f.gw.Close)
	return f
}

func (f *fixture) activeMatch(t *testing.T, mt domain.MatchType) (*domain.Match, *domain.Activation) {
	t.Helper()
	ctx := context.Background()
	m, err := f.store.CreateMatch(ctx, storage.NewMatch{Type: mt, Mode: domain.MatchModePractice})
	require.NoError(t, err)
	act, err := f.store.ActivateMatch(ctx, m.ID, nil)
	require.NoError(t, err)
	return m, act
}

func loginEnvelope(t *testing.T, playerID, token string, ack int64) domain.Envelope {
	t.Helper()
	data, err := json.Marshal(LoginCommand{PlayerID: playerID, Token: token, IGN: playerID + "_ign"})
	require.NoError(t, err)
	return domain.Envelope{Event: domain.EventLogin, Data: data, Ack: &ack}
}

func TestTwoLoginsStartPvPMatch(t *testing.T) {
	f := newFixture(t, Options{})
	m, act := f.activeMatch(t, domain.MatchTypePvP)

	f.gw.Dispatch("c1", KindPlayer, loginEnvelope(t, "p1", act.Tokens.RedTeam[0], 1))
	assert.Empty(t, f.sender.events(domain.EventStartMatch), "one player is below quorum")

	f.gw.Dispatch("c2", KindPlayer, loginEnvelope(t, "p2", act.Tokens.BlueTeam[0], 2))

	acks := f.sender.events(domain.EventAck)
	require.Len(t, acks, 2)
	for _, a := range acks {
		assert.Equal(t, domain.AckPayload{Status: domain.AckOK}, a.payload)
	}

	joined := f.sender.events(domain.EventPlayerJoined)
	require.Len(t, joined, 2)
	assert.Empty(t, joined[0].to, "first player has no peers")
	assert.Equal(t, []string{"c1"}, joined[1].to)
	assert.Equal(t, domain.PlayerPresence{PlayerID: "p2"}, joined[1].payload)

	starts := f.sender.events(domain.EventStartMatch)
	require.Len(t, starts, 1)
	require.NotNil(t, starts[0].kind)
	assert.Equal(t, KindServer, *starts[0].kind)
	ev := starts[0].payload.(domain.StartMatchEvent)
	assert.Equal(t, m.ID, ev.MatchID)
	assert.Equal(t, domain.MatchTypePvP, ev.MatchType)
	assert.Equal(t, 1, ev.PlayersPerTeam)
	assert.Equal(t, []string{"p1"}, ev.BlueTeam)
	assert.Equal(t, []string{"p2"}, ev.RedTeam)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, ev, f.publisher.events[0])

	got, err := f.store.GetMatch(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlaying, got.Status)

	tok, err := f.store.GetToken(context.Background(), act.Tokens.RedTeam[0])
	require.NoError(t, err)
	require.NotNil(t, tok.PlayerID)
	assert.Equal(t, "p1", *tok.PlayerID)
	assert.Equal(t, "p1_ign", *tok.IGN)
}

func TestPartitionByJoinOrder(t *testing.T) {
	f := newFixture(t, Options{Quorum: 5})
	m, act := f.activeMatch(t, domain.MatchTypeCTF)

	tokens := append(append([]string{}, act.Tokens.RedTeam...), act.Tokens.BlueTeam...)
	for i, p := range []string{"a", "b", "c", "d", "e"} {
		_, err := f.gw.OnLogin(context.Background(), "conn-"+p, LoginCommand{PlayerID: p, Token: tokens[i]})
		require.NoError(t, err)
	}

	res, err := f.gw.TryStart(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.BlueTeam)
	assert.Equal(t, []string{"d", "e"}, res.RedTeam)

	starts := f.sender.events(domain.EventStartMatch)
	require.Len(t, starts, 1)
	assert.Equal(t, 3, starts[0].payload.(domain.StartMatchEvent).PlayersPerTeam)
}

func TestPlayersPerTeamFollowsJoinedPlayers(t *testing.T) {
	f := newFixture(t, Options{})
	m, act := f.activeMatch(t, domain.MatchTypeBedwars)

	f.gw.Dispatch("c1", KindPlayer, loginEnvelope(t, "p1", act.Tokens.RedTeam[0], 1))
	f.gw.Dispatch("c2", KindPlayer, loginEnvelope(t, "p2", act.Tokens.BlueTeam[0], 2))

	starts := f.sender.events(domain.EventStartMatch)
	require.Len(t, starts, 1)
	ev := starts[0].payload.(domain.StartMatchEvent)
	assert.Equal(t, m.ID, ev.MatchID)
	assert.Equal(t, domain.MatchTypeBedwars, ev.MatchType)
	assert.Equal(t, 1, ev.PlayersPerTeam, "one player per side, not the bedwars roster size")
	assert.Len(t, ev.BlueTeam, ev.PlayersPerTeam)
}

func TestLoginRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t, Options{})
		f.gw.Dispatch("c1", KindPlayer, loginEnvelope(t, "p1", "nope", 7))

		errs := f.sender.events(domain.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, domain.ErrorPayload{Message: "Token not found"}, errs[0].payload)
		acks := f.sender.events(domain.EventAck)
		require.Len(t, acks, 1)
		assert.Equal(t, domain.AckPayload{Status: domain.AckBad}, acks[0].payload)
		assert.Equal(t, int64(7), *acks[0].ack)
		assert.Equal(t, 0, f.gw.Registry().SessionCount())
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, act := f.activeMatch(t, domain.MatchTypePvP)
		f.advance(15*time.Minute + time.Second)

		_, err := f.gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: act.Tokens.RedTeam[0]})
		var rej *LoginRejectedError
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, "Token has expired", rej.Message)

		_, ok := f.gw.Registry().PlayerFor("c1")
		assert.False(t, ok, "a rejected login mutates nothing")
		tok, err := f.store.GetToken(ctx, act.Tokens.RedTeam[0])
		require.NoError(t, err)
		assert.False(t, tok.IsUsed())
	})

	t.Run("token held by another player", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, act := f.activeMatch(t, domain.MatchTypeBedwars)
		tok := act.Tokens.RedTeam[0]

		_, err := f.gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: tok})
		require.NoError(t, err)

		_, err = f.gw.OnLogin(ctx, "c2", LoginCommand{PlayerID: "p2", Token: tok})
		var rej *LoginRejectedError
		require.ErrorAs(t, err, &rej)
		_, ok := f.gw.Registry().PlayerFor("c2")
		assert.False(t, ok)
	})

	t.Run("malformed payload", func(t *testing.T) {
		f := newFixture(t, Options{})
		ack := int64(3)
		f.gw.Dispatch("c1", KindPlayer, domain.Envelope{Event: domain.EventLogin, Data: json.RawMessage(`{"token":""}`), Ack: &ack})
		require.Len(t, f.sender.events(domain.EventError), 1)
		assert.Equal(t, domain.AckPayload{Status: domain.AckBad}, f.sender.events(domain.EventAck)[0].payload)
	})

	t.Run("login on server channel", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, act := f.activeMatch(t, domain.MatchTypePvP)
		f.gw.Dispatch("s1", KindServer, loginEnvelope(t, "p1", act.Tokens.RedTeam[0], 1))
		assert.Len(t, f.sender.events(domain.EventError), 1)
		assert.Equal(t, 0, f.gw.Registry().SessionCount())
	})
}

func TestTryStartPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	m, act := f.activeMatch(t, domain.MatchTypeBedwars)

	_, err := f.gw.TryStart(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNoSessionFound)

	_, err = f.gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: act.Tokens.RedTeam[0]})
	require.NoError(t, err)
	_, err = f.gw.TryStart(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotEnoughPlayers)

	// the same player logging in again does not count twice
	_, err = f.gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: act.Tokens.RedTeam[0]})
	require.NoError(t, err)
	_, err = f.gw.TryStart(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotEnoughPlayers)

	_, err = f.gw.OnLogin(ctx, "c2", LoginCommand{PlayerID: "p2", Token: act.Tokens.BlueTeam[0]})
	require.NoError(t, err)
	_, err = f.gw.TryStart(ctx, m.ID)
	require.NoError(t, err)

	_, err = f.gw.TryStart(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
	assert.Len(t, f.sender.events(domain.EventStartMatch), 1)
}

func TestTryStartTerminatedMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	m, act := f.activeMatch(t, domain.MatchTypeBedwars)

	for i, p := range []string{"p1", "p2"} {
		_, err := f.gw.OnLogin(ctx, "c"+p, LoginCommand{PlayerID: p, Token: act.Tokens.RedTeam[i]})
		require.NoError(t, err)
	}
	require.NoError(t, f.store.UpdateMatchStatus(ctx, m.ID, domain.StatusTerminated))

	_, err := f.gw.TryStart(ctx, m.ID)
	var ite *domain.InvalidStatusTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Empty(t, f.sender.events(domain.EventStartMatch))
	assert.False(t, f.gw.Registry().Started(m.ID))
}

func TestDisconnectNotifiesPeers(t *testing.T) {
	ctx := context.Background()

	for _, prune := range []bool{false, true} {
		f := newFixture(t, Options{PruneOnDisconnect: prune, Quorum: 3})
		m, act := f.activeMatch(t, domain.MatchTypeBedwars)

		_, err := f.gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: act.Tokens.RedTeam[0]})
		require.NoError(t, err)
		_, err = f.gw.OnLogin(ctx, "c2", LoginCommand{PlayerID: "p2", Token: act.Tokens.BlueTeam[0]})
		require.NoError(t, err)

		f.gw.OnDisconnecting("c1")
		f.gw.OnDisconnect("c1")

		left := f.sender.events(domain.EventPlayerLeft)
		require.Len(t, left, 1)
		assert.Equal(t, []string{"c2"}, left[0].to)
		assert.Equal(t, domain.PlayerPresence{PlayerID: "p1"}, left[0].payload)

		_, ok := f.gw.Registry().PlayerFor("c1")
		assert.False(t, ok)

		players, _ := f.gw.Registry().Players(m.ID)
		if prune {
			assert.Equal(t, []string{"p2"}, players)
		} else {
			assert.Equal(t, []string{"p1", "p2"}, players)
		}
	}
}

// flakyStore fails the first status writes to exercise the background retry
type flakyStore struct {
	*storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) UpdateMatchStatus(ctx context.Context, id string, status domain.MatchStatus) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Store.UpdateMatchStatus(ctx, id, status)
}

func TestStartRetriesStatusWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	m, act := f.activeMatch(t, domain.MatchTypePvP)

	flaky := &flakyStore{Store: f.store, failures: 2}
	gw := New(NewRegistry(), flaky, f.sender, nil, nil, Options{RetryInitial: time.Millisecond})
	defer gw.Close()

	_, err := gw.OnLogin(ctx, "c1", LoginCommand{PlayerID: "p1", Token: act.Tokens.RedTeam[0]})
	require.NoError(t, err)
	_, err = gw.OnLogin(ctx, "c2", LoginCommand{PlayerID: "p2", Token: act.Tokens.BlueTeam[0]})
	require.NoError(t, err)

	res, err := gw.TryStart(ctx, m.ID)
	require.NoError(t, err, "a failed status write does not fail the start")
	assert.Equal(t, []string{"p1"}, res.BlueTeam)

	assert.Eventually(t, func() bool {
		got, err := f.store.GetMatch(ctx, m.ID)
		return err == nil && got.Status == domain.StatusPlaying
	}, 5*time.Second, 10*time.Millisecond)
}

type fakeReporter struct {
	reports []domain.MatchResultReport
	status  domain.MatchStatus
	err     error
}

func (r *fakeReporter) ReportResult(_ context.Context, report domain.MatchResultReport) (*domain.Match, error) {
	r.reports = append(r.reports, report)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Match{ID: report.MatchID, Status: r.status}, nil
}

func TestMatchResultDispatch(t *testing.T) {
	f := newFixture(t, Options{})
	reporter := &fakeReporter{}
	gw := New(NewRegistry(), f.store, f.sender, nil, reporter, Options{})
	defer gw.Close()

	ack := int64(11)
	env := domain.Envelope{
		Event: domain.EventMatchResult,
		Data:  json.RawMessage(`{"matchId":"m1","status":"Finished","winnerTeamId":"t1"}`),
		Ack:   &ack,
	}

	gw.Dispatch("p1", KindPlayer, env)
	assert.Empty(t, reporter.reports, "players cannot report results")

	gw.Dispatch("s1", KindServer, env)
	require.Len(t, reporter.reports, 1)
	assert.Equal(t, "t1", reporter.reports[0].WinnerTeamID)

	acks := f.sender.events(domain.EventAck)
	require.Len(t, acks, 2)
	assert.Equal(t, domain.AckPayload{Status: domain.AckBad}, acks[0].payload)
	assert.Equal(t, domain.AckPayload{Status: domain.AckOK}, acks[1].payload)
}

func TestFinishedReportReleasesSession(t *testing.T) {
	f := newFixture(t, Options{})
	reporter := &fakeReporter{status: domain.StatusPlaying}
	gw := New(NewRegistry(), f.store, f.sender, nil, reporter, Options{})
	defer gw.Close()
	m, act := f.activeMatch(t, domain.MatchTypePvP)

	gw.Dispatch("c1", KindPlayer, loginEnvelope(t, "p1", act.Tokens.RedTeam[0], 1))
	gw.Dispatch("c2", KindPlayer, loginEnvelope(t, "p2", act.Tokens.BlueTeam[0], 2))
	require.True(t, gw.Registry().Started(m.ID))

	report := func(status string) domain.Envelope {
		data, err := json.Marshal(domain.MatchResultReport{MatchID: m.ID, Status: status})
		require.NoError(t, err)
		return domain.Envelope{Event: domain.EventMatchResult, Data: data}
	}

	gw.Dispatch("s1", KindServer, report("Playing"))
	assert.Equal(t, 1, gw.Registry().SessionCount(), "a match still in play keeps its session")

	reporter.status = domain.StatusFinished
	gw.Dispatch("s1", KindServer, report("Finished"))
	assert.Equal(t, 0, gw.Registry().SessionCount())
	_, ok := gw.Registry().Players(m.ID)
	assert.False(t, ok)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		env     domain.Envelope
		wantErr bool
	}{
		{"login", domain.Envelope{Event: "login", Data: json.RawMessage(`{"playerId":"p","token":"t"}`)}, false},
		{"login missing token", domain.Envelope{Event: "login", Data: json.RawMessage(`{"playerId":"p"}`)}, true},
		{"login wrong type", domain.Envelope{Event: "login", Data: json.RawMessage(`{"playerId":5,"token":"t"}`)}, true},
		{"login no data", domain.Envelope{Event: "login"}, true},
		{"result", domain.Envelope{Event: "matchResult", Data: json.RawMessage(`{"matchId":"m","status":"Finished"}`)}, false},
		{"result empty", domain.Envelope{Event: "matchResult", Data: json.RawMessage(`{"matchId":"m"}`)}, true},
		{"unknown", domain.Envelope{Event: "teleport", Data: json.RawMessage(`{}`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.env)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
