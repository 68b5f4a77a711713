package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/blockwarriors/arena/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one carries the wanted event
func readEvent(t *testing.T, conn *websocket.Conn, event string) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env domain.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func sendLogin(t *testing.T, conn *websocket.Conn, playerID, token string, ack int64) {
	t.Helper()
	data, err := json.Marshal(LoginCommand{PlayerID: playerID, Token: token, IGN: playerID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(domain.Envelope{Event: domain.EventLogin, Data: data, Ack: &ack}))
}

func TestWebSocketMatchFlow(t *testing.T) {
	ctx := context.Background()
	store, err := storage.New(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	defer store.Close()

	m, err := store.CreateMatch(ctx, storage.NewMatch{Type: domain.MatchTypePvP, Mode: domain.MatchModePractice})
	require.NoError(t, err)
	act, err := store.ActivateMatch(ctx, m.ID, nil)
	require.NoError(t, err)

	hub := NewHub(HubOptions{MessagesPerSecond: 50, MessageBurst: 10})
	gw := New(NewRegistry(), store, hub, nil, nil, Options{})
	hub.SetHandler(gw)
	go hub.Run()
	defer hub.Stop()
	defer gw.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeServer)
	mux.HandleFunc("GET /ws/player", hub.ServePlayer)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	server := dial(t, srv, "/ws")
	hello := readEvent(t, server, domain.EventHello)
	var greeting string
	require.NoError(t, json.Unmarshal(hello.Data, &greeting))
	assert.Equal(t, helloMessage, greeting)

	p1 := dial(t, srv, "/ws/player")
	sendLogin(t, p1, "p1", act.Tokens.RedTeam[0], 1)
	ack := readEvent(t, p1, domain.EventAck)
	require.NotNil(t, ack.Ack)
	assert.Equal(t, int64(1), *ack.Ack)
	assert.JSONEq(t, `{"status":"ok"}`, string(ack.Data))

	p2 := dial(t, srv, "/ws/player")
	sendLogin(t, p2, "p2", act.Tokens.BlueTeam[0], 1)
	assert.JSONEq(t, `{"status":"ok"}`, string(readEvent(t, p2, domain.EventAck).Data))

	joined := readEvent(t, p1, domain.EventPlayerJoined)
	assert.JSONEq(t, `{"playerId":"p2"}`, string(joined.Data))

	start := readEvent(t, server, domain.EventStartMatch)
	var ev domain.StartMatchEvent
	require.NoError(t, json.Unmarshal(start.Data, &ev))
	assert.Equal(t, m.ID, ev.MatchID)
	assert.Equal(t, []string{"p1"}, ev.BlueTeam)
	assert.Equal(t, []string{"p2"}, ev.RedTeam)

	p2.Close()
	left := readEvent(t, p1, domain.EventPlayerLeft)
	assert.JSONEq(t, `{"playerId":"p2"}`, string(left.Data))

	assert.Eventually(t, func() bool {
		got, err := store.GetMatch(ctx, m.ID)
		return err == nil && got.Status == domain.StatusPlaying
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsBadLogin(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	defer store.Close()

	hub := NewHub(HubOptions{})
	gw := New(NewRegistry(), store, hub, nil, nil, Options{})
	hub.SetHandler(gw)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServePlayer))
	defer srv.Close()

	conn := dial(t, srv, "")
	sendLogin(t, conn, "p1", "bogus", 9)

	errEnv := readEvent(t, conn, domain.EventError)
	assert.JSONEq(t, `{"message":"Token not found"}`, string(errEnv.Data))
	ack := readEvent(t, conn, domain.EventAck)
	assert.JSONEq(t, `{"status":"bad"}`, string(ack.Data))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errEnv = readEvent(t, conn, domain.EventError)
	assert.JSONEq(t, `{"message":"malformed message"}`, string(errEnv.Data))
}

func TestWebSocketRateLimit(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	defer store.Close()

	hub := NewHub(HubOptions{MessagesPerSecond: 0.001, MessageBurst: 1})
	gw := New(NewRegistry(), store, hub, nil, nil, Options{})
	hub.SetHandler(gw)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServePlayer))
	defer srv.Close()

	conn := dial(t, srv, "")
	sendLogin(t, conn, "p1", "bogus", 1)
	readEvent(t, conn, domain.EventAck)

	sendLogin(t, conn, "p1", "bogus", 2)
	errEnv := readEvent(t, conn, domain.EventError)
	assert.JSONEq(t, `{"message":"rate limit exceeded"}`, string(errEnv.Data))
}
