package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/blockwarriors/arena/internal/domain"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNATS *server.Server

func TestMain(m *testing.M) {
	testNATS = test.RunServer(&server.Options{
		Host:                  "127.0.0.1",
		Port:                  -1,
		NoLog:                 true,
		NoSigs:                true,
		MaxControlLine:        4096,
		DisableShortFirstPing: true,
	})

	code := m.Run()

	testNATS.Shutdown()
	os.Exit(code)
}

func newTestPublisher(t *testing.T, url string) *Publisher {
	t.Helper()
	p, err := Connect(url, "arena.match.start", "arena-test")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPublishStartFanOut(t *testing.T) {
	pub := newTestPublisher(t, testNATS.ClientURL())

	// two game servers each see every start
	received := make([]chan domain.StartMatchEvent, 2)
	for i := range received {
		ch := make(chan domain.StartMatchEvent, 1)
		received[i] = ch
		sub := newTestPublisher(t, testNATS.ClientURL())
		s, err := sub.SubscribeStarts(func(ev domain.StartMatchEvent) { ch <- ev })
		require.NoError(t, err)
		t.Cleanup(func() { s.Unsubscribe() })
		require.NoError(t, sub.conn.Flush())
	}

	ev := domain.StartMatchEvent{
		MatchID:        "m1",
		MatchType:      domain.MatchTypePvP,
		PlayersPerTeam: 1,
		BlueTeam:       []string{"p1"},
		RedTeam:        []string{"p2"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pub.PublishStart(ctx, ev))

	for _, ch := range received {
		select {
		case got := <-ch:
			assert.Equal(t, ev, got)
		case <-time.After(2 * time.Second):
			t.Fatal("start event not delivered")
		}
	}
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect("", "subject", "x")
	assert.Error(t, err)
	_, err = Connect(testNATS.ClientURL(), "", "x")
	assert.Error(t, err)
}

func TestRunEmbedded(t *testing.T) {
	ns, err := RunEmbedded("127.0.0.1", 0)
	require.NoError(t, err)
	defer ns.Shutdown()

	pub := newTestPublisher(t, ns.ClientURL())
	assert.NoError(t, pub.PublishStart(context.Background(), domain.StartMatchEvent{MatchID: "m2"}))
}
