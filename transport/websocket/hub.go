package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/broker"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/metrics"
)

const (
	EventGameState = "game_state"
	EventError     = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Mini App pages are served from the Telegram web client origin
		return true
	},
}

// StateEvent is sent to room members after every committed change and to a
// joiner immediately.
type StateEvent struct {
	Event   string           `json:"event"`
	Room    string           `json:"room"`
	Version int64            `json:"version"`
	Session *session.Session `json:"session"`
}

// ErrorEvent is sent only to the connection whose request failed.
type ErrorEvent struct {
	Event   string `json:"event"`
	Room    string `json:"room,omitempty"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// delivery is a frame for one client that must pass through the hub loop
// so version ordering and channel ownership stay in one goroutine.
type delivery struct {
	client  *Client
	room    string
	version int64
	data    []byte
}

type membership struct {
	client *Client
	room   string
}

// Hub tracks room membership on this replica. Every committed state is
// published to the broker and every replica's hub fans it out to its own
// room members, dropping versions it has already delivered.
type Hub struct {
	// All connected clients
	clients map[*Client]bool

	// Registered clients by room id
	rooms map[string]map[*Client]bool

	// Highest version delivered per room with local members
	versions map[string]int64

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	direct     chan delivery
	inbound    chan broker.Message
	query      chan func()
	done       chan struct{}

	matches service.MatchService
	auth    *auth.Authenticator
	broker  broker.MessageBroker
	channel string
	origin  string
	logger  zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithChannel sets the broker channel.
func WithChannel(channel string) Option { return func(h *Hub) { h.channel = channel } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub creates a hub. matches may be attached later with Attach because
// the coordinator is built with the hub as its notifier.
func NewHub(b broker.MessageBroker, authenticator *auth.Authenticator, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		versions:   make(map[string]int64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		direct:     make(chan delivery, 64),
		inbound:    make(chan broker.Message, 256),
		query:      make(chan func()),
		done:       make(chan struct{}),
		auth:       authenticator,
		broker:     b,
		channel:    broker.DefaultChannel,
		origin:     uuid.NewString(),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach sets the match service used for join and move requests.
func (h *Hub) Attach(matches service.MatchService) {
	h.matches = matches
}

// Start subscribes to the broker and runs the event loop until ctx ends.
// Publishes made after Start returns reach this hub.
func (h *Hub) Start(ctx context.Context) error {
	updates, err := h.broker.Subscribe(ctx, h.channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", h.channel, err)
	}

	go func() {
		for msg := range updates {
			select {
			case h.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	go h.run(ctx)
	return nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.removeClient(c)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.ActiveConnections.Inc()
			h.logger.Debug().Str("identity", client.identityID()).Msg("websocket client connected")

		case client := <-h.unregister:
			h.removeClient(client)

		case m := <-h.join:
			h.addToRoom(m.client, m.room)

		case m := <-h.leave:
			h.removeFromRoom(m.client, m.room)

		case d := <-h.direct:
			if d.room != "" {
				h.addToRoom(d.client, d.room)
			}
			h.send(d.client, d.room, d.version, d.data)

		case msg := <-h.inbound:
			h.deliver(msg)

		case fn := <-h.query:
			fn()
		}
	}
}

// Publish implements service.Notifier. The state goes through the broker so
// every replica delivers it; if the broker is down, local members still
// receive it.
func (h *Hub) Publish(ctx context.Context, s *session.Session) {
	payload, err := json.Marshal(s)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to marshal session")
		return
	}
	msg := broker.Message{
		Room:    s.ID,
		Event:   EventGameState,
		Version: s.Version,
		Payload: payload,
		Origin:  h.origin,
	}
	if err := h.broker.Publish(ctx, h.channel, msg); err != nil {
		h.logger.Warn().Err(err).Str("session_id", s.ID).Msg("broker publish failed, delivering locally")
		select {
		case h.inbound <- msg:
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
}

// ServeWS upgrades the request. A valid credential makes the connection a
// player; without one it may only watch. An invalid credential is refused.
// The optional session query parameter joins that room right away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if hasCredential(r) {
		id, err := h.auth.FromRequest(r)
		if err != nil {
			http.Error(w, `{"error":"unauthenticated","kind":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		identity: identity,
		rooms:    make(map[string]int64),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	if room := r.URL.Query().Get("session"); room != "" {
		go client.joinRoom(context.Background(), room)
	}
}

func hasCredential(r *http.Request) bool {
	return r.Header.Get("Authorization") != "" ||
		r.Header.Get(auth.InitDataHeader) != "" ||
		r.URL.Query().Get("token") != ""
}

// deliver fans a broker message out to this replica's room members.
func (h *Hub) deliver(msg broker.Message) {
	if msg.Event != EventGameState {
		return
	}
	// versions are tracked only for rooms with members here; removeFromRoom
	// forgets them when the last member leaves
	clients := h.rooms[msg.Room]
	if len(clients) == 0 {
		return
	}
	if msg.Version <= h.versions[msg.Room] {
		h.logger.Debug().Str("room", msg.Room).Int64("version", msg.Version).Msg("dropping stale room update")
		return
	}
	h.versions[msg.Room] = msg.Version

	var s session.Session
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		h.logger.Warn().Err(err).Str("room", msg.Room).Msg("undecodable room update")
		return
	}
	data, err := json.Marshal(StateEvent{Event: EventGameState, Room: msg.Room, Version: msg.Version, Session: &s})
	if err != nil {
		return
	}

	for client := range clients {
		h.send(client, msg.Room, msg.Version, data)
	}
}

// send queues data for client. version > 0 marks a state frame that is
// skipped when the client already has that version or newer.
func (h *Hub) send(client *Client, room string, version int64, data []byte) {
	if client.closed {
		return
	}
	if version > 0 {
		if client.rooms[room] >= version {
			return
		}
		client.rooms[room] = version
	}

	select {
	case client.send <- data:
	default:
		// client can't keep up; it resynchronizes on reconnect
		metrics.BroadcastDropped.Inc()
		h.logger.Warn().Str("room", room).Str("identity", client.identityID()).Msg("client send buffer full, disconnecting")
		h.removeClient(client)
	}
}

func (h *Hub) addToRoom(client *Client, room string) {
	if client.closed {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	if h.rooms[room][client] {
		return
	}
	h.rooms[room][client] = true
	if _, ok := client.rooms[room]; !ok {
		client.rooms[room] = 0
	}

	h.logger.Debug().Str("room", room).Int("members", len(h.rooms[room])).Msg("client joined room")
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	delete(client.rooms, room)
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
			delete(h.versions, room)
		}
	}
}

// removeClient drops client from every room and closes its send channel.
func (h *Hub) removeClient(client *Client) {
	if client.closed {
		return
	}
	client.closed = true
	delete(h.clients, client)
	metrics.ActiveConnections.Dec()
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	close(client.send)
}

// Members returns the number of this replica's connections in room. It
// must not be called from inside the event loop.
func (h *Hub) Members(room string) int {
	reply := make(chan int, 1)
	select {
	case h.query <- func() { reply <- len(h.rooms[room]) }:
		return <-reply
	case <-h.done:
		return 0
	}
}

func errorFrame(room string, err error) []byte {
	ev := ErrorEvent{Event: EventError, Room: room, Kind: string(service.KindOf(err)), Reason: service.ReasonOf(err), Message: err.Error()}
	if ev.Kind == "" {
		ev.Kind = string(service.KindUpstreamFailure)
	}
	data, _ := json.Marshal(ev)
	return data
}
