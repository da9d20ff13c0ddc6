package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/broker"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
)

// event is the union of StateEvent and ErrorEvent as a client sees it.
type event struct {
	Event   string           `json:"event"`
	Room    string           `json:"room"`
	Version int64            `json:"version"`
	Session *session.Session `json:"session"`
	Kind    string           `json:"kind"`
	Reason  string           `json:"reason"`
}

type replica struct {
	hub    *Hub
	coord  *service.Coordinator
	server *httptest.Server
}

func newReplica(t *testing.T, ctx context.Context, store session.Store, b broker.MessageBroker) *replica {
	t.Helper()
	hub := NewHub(b, &auth.Authenticator{Dev: auth.InsecureValidator{}}, WithLogger(zerolog.Nop()))
	coord := service.NewCoordinator(store, engine.NewChess(), service.WithNotifier(hub), service.WithLogger(zerolog.Nop()))
	hub.Attach(coord)
	require.NoError(t, hub.Start(ctx))

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)
	return &replica{hub: hub, coord: coord, server: server}
}

func (r *replica) dial(t *testing.T, room, identity string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if room != "" {
		q.Set("session", room)
	}
	if identity != "" {
		q.Set("token", "dev "+identity)
	}
	u := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", data)
}

// trackedRooms reads the number of rooms with a recorded version from the
// hub loop.
func (h *Hub) trackedRooms() int {
	reply := make(chan int, 1)
	select {
	case h.query <- func() { reply <- len(h.versions) }:
		return <-reply
	case <-h.done:
		return 0
	}
}

func send(t *testing.T, conn *websocket.Conn, req Request) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

func TestHub_JoinAndMoveBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	alice := r.dial(t, s.ID, "alice")
	ev := read(t, alice)
	assert.Equal(t, EventGameState, ev.Event)
	assert.Equal(t, int64(2), ev.Version)
	assert.Equal(t, "alice", ev.Session.White)
	assert.Equal(t, session.StatusWaiting, ev.Session.Status)

	bob := r.dial(t, s.ID, "bob")
	assert.Equal(t, int64(3), read(t, bob).Version)
	ev = read(t, alice)
	assert.Equal(t, int64(3), ev.Version)
	assert.Equal(t, session.StatusActive, ev.Session.Status)
	assert.Equal(t, "bob", ev.Session.Black)

	send(t, alice, Request{Type: TypeMakeMove, Room: s.ID, Move: "e2e4"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := read(t, conn)
		assert.Equal(t, int64(4), ev.Version)
		assert.Equal(t, "e2e4", ev.Session.LastMove)
		assert.Equal(t, engine.Black, ev.Session.Turn)
	}

	assert.Equal(t, 2, r.hub.Members(s.ID))
}

func TestHub_ErrorsGoOnlyToSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	alice := r.dial(t, s.ID, "alice")
	read(t, alice)
	bob := r.dial(t, s.ID, "bob")
	read(t, bob)
	read(t, alice)

	send(t, bob, Request{Type: TypeMakeMove, Room: s.ID, Move: "e7e5"})
	ev := read(t, bob)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, string(service.KindUnauthorized), ev.Kind)
	assert.Equal(t, service.ReasonNotYourTurn, ev.Reason)
	assertSilent(t, alice)

	got, err := r.coord.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
}

func TestHub_IllegalMove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	alice := r.dial(t, s.ID, "alice")
	read(t, alice)
	bob := r.dial(t, s.ID, "bob")
	read(t, bob)
	read(t, alice)

	send(t, alice, Request{Type: TypeMakeMove, Room: s.ID, Move: "e2e5"})
	ev := read(t, alice)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, string(service.KindIllegalMove), ev.Kind)
}

func TestHub_Spectators(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	_, err = r.coord.JoinSession(ctx, s.ID, "alice")
	require.NoError(t, err)
	_, err = r.coord.JoinSession(ctx, s.ID, "bob")
	require.NoError(t, err)

	// a third identity cannot sit but may watch
	carol := r.dial(t, s.ID, "carol")
	ev := read(t, carol)
	assert.Equal(t, EventGameState, ev.Event)
	assert.Equal(t, int64(3), ev.Version)

	anon := r.dial(t, s.ID, "")
	assert.Equal(t, int64(3), read(t, anon).Version)

	send(t, anon, Request{Type: TypeMakeMove, Room: s.ID, Move: "e2e4"})
	ev = read(t, anon)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, service.ReasonNotAPlayer, ev.Reason)

	_, err = r.coord.ApplyMove(ctx, s.ID, "alice", "d2d4")
	require.NoError(t, err)
	assert.Equal(t, "d2d4", read(t, carol).Session.LastMove)
	assert.Equal(t, "d2d4", read(t, anon).Session.LastMove)
}

func TestHub_UnknownRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	conn := r.dial(t, "", "alice")
	send(t, conn, Request{Type: TypeJoinRoom, Room: "nope"})
	ev := read(t, conn)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, string(service.KindNotFound), ev.Kind)
	assert.Equal(t, 0, r.hub.Members("nope"))

	send(t, conn, Request{Type: "dance", Room: "nope"})
	assert.Equal(t, string(service.KindInvalidState), read(t, conn).Kind)
}

func TestHub_RejectsBadCredential(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	u := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?token=" + url.QueryEscape("bearer not-a-jwt")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_DropsStaleVersions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	watcher := r.dial(t, s.ID, "")
	assert.Equal(t, int64(1), read(t, watcher).Version)

	for _, v := range []int64{5, 4, 5, 7} {
		r.hub.Publish(ctx, &session.Session{ID: s.ID, Version: v, Status: session.StatusActive})
	}
	assert.Equal(t, int64(5), read(t, watcher).Version)
	assert.Equal(t, int64(7), read(t, watcher).Version)
	assertSilent(t, watcher)
}

func TestHub_ForgetsRoomsWithoutMembers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newReplica(t, ctx, session.NewMemoryStore(), broker.NewLocalBroker())

	for i := 0; i < 200; i++ {
		r.hub.Publish(ctx, &session.Session{ID: fmt.Sprintf("room%04d", i), Version: 9, Status: session.StatusActive})
	}

	// a watched room acts as a barrier: once its update arrives every
	// earlier publish has been through the loop
	s, err := r.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)
	watcher := r.dial(t, s.ID, "")
	assert.Equal(t, int64(1), read(t, watcher).Version)
	r.hub.Publish(ctx, &session.Session{ID: s.ID, Version: 2, Status: session.StatusWaiting})
	assert.Equal(t, int64(2), read(t, watcher).Version)

	assert.Equal(t, 1, r.hub.trackedRooms())

	// the last member leaving forgets the room
	require.NoError(t, watcher.Close())
	assert.Eventually(t, func() bool { return r.hub.trackedRooms() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_FanOutAcrossReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	newBroker := func() broker.MessageBroker {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return broker.NewRedisBroker(client)
	}

	// both replicas share the session store, as they would share Redis
	store := session.NewMemoryStore()
	a := newReplica(t, ctx, store, newBroker())
	b := newReplica(t, ctx, store, newBroker())

	s, err := a.coord.CreateSession(ctx, session.ModePvP)
	require.NoError(t, err)

	alice := a.dial(t, s.ID, "alice")
	assert.Equal(t, int64(2), read(t, alice).Version)
	bob := b.dial(t, s.ID, "bob")
	assert.Equal(t, int64(3), read(t, bob).Version)
	assert.Equal(t, int64(3), read(t, alice).Version)

	send(t, alice, Request{Type: TypeMakeMove, Room: s.ID, Move: "g1f3"})
	assert.Equal(t, "g1f3", read(t, bob).Session.LastMove)
	assert.Equal(t, "g1f3", read(t, alice).Session.LastMove)
}

func TestErrorFrame(t *testing.T) {
	data := errorFrame("r1", service.ErrNotYourTurn)
	var ev ErrorEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, "unauthorized", ev.Kind)
	assert.Equal(t, "not_your_turn", ev.Reason)
}
