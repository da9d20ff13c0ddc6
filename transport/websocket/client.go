package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Upper bound for one coordinator call made on behalf of a client.
	requestTimeout = 10 * time.Second
)

// Inbound message types.
const (
	TypeJoinRoom = "join_room"
	TypeMakeMove = "make_move"
)

// Request is a client to server message.
type Request struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Move string `json:"move,omitempty"`
}

var errSpectator = &service.Error{Kind: service.KindUnauthorized, Reason: service.ReasonNotAPlayer, Err: errors.New("connection has no verified identity")}

// Client is one websocket connection. The rooms map and closed flag are
// owned by the hub loop.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity *auth.Identity

	// room id -> highest version delivered
	rooms  map[string]int64
	closed bool
}

func (c *Client) identityID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.ID
}

// toHub hands d to the hub loop unless the hub has stopped.
func (c *Client) toHub(d delivery) {
	select {
	case c.hub.direct <- d:
	case <-c.hub.done:
	}
}

func (c *Client) sendError(room string, err error) {
	c.toHub(delivery{client: c, data: errorFrame(room, err)})
}

// enter subscribes c to room before any state is read, so a commit racing
// the join still reaches it.
func (c *Client) enter(room string) bool {
	select {
	case c.hub.join <- membership{client: c, room: room}:
		return true
	case <-c.hub.done:
		return false
	}
}

func (c *Client) leave(room string) {
	select {
	case c.hub.leave <- membership{client: c, room: room}:
	case <-c.hub.done:
	}
}

// joinRoom seats the caller when possible and otherwise admits it as a
// spectator. Either way the current state is delivered right away.
func (c *Client) joinRoom(ctx context.Context, room string) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if !c.enter(room) {
		return
	}

	matches := c.hub.matches
	var (
		state *session.Session
		err   error
	)
	if c.identity != nil {
		state, err = matches.JoinSession(ctx, room, c.identity.ID)
		if errors.Is(err, service.ErrNotJoinable) {
			state, err = matches.GetSession(ctx, room)
		}
	} else {
		state, err = matches.GetSession(ctx, room)
	}
	if err != nil {
		c.leave(room)
		c.sendError(room, err)
		return
	}

	data, err := json.Marshal(StateEvent{Event: EventGameState, Room: state.ID, Version: state.Version, Session: state})
	if err != nil {
		c.sendError(room, err)
		return
	}
	c.toHub(delivery{client: c, room: state.ID, version: state.Version, data: data})
}

// makeMove submits a move. The resulting state reaches the mover through
// the room broadcast like every other member.
func (c *Client) makeMove(ctx context.Context, room, move string) {
	if c.identity == nil {
		c.sendError(room, errSpectator)
		return
	}

	if !c.enter(room) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if _, err := c.hub.matches.ApplyMove(ctx, room, c.identity.ID, move); err != nil {
		c.sendError(room, err)
	}
}

func (c *Client) handle(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("", &service.Error{Kind: service.KindInvalidState, Err: errors.New("malformed message")})
		return
	}
	if req.Room == "" {
		c.sendError("", &service.Error{Kind: service.KindInvalidState, Err: errors.New("room is required")})
		return
	}

	switch req.Type {
	case TypeJoinRoom:
		c.joinRoom(context.Background(), req.Room)
	case TypeMakeMove:
		c.makeMove(context.Background(), req.Room, req.Move)
	default:
		c.sendError(req.Room, &service.Error{Kind: service.KindInvalidState, Err: errors.New("unknown message type " + req.Type)})
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
// Requests from one connection are handled in order.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("identity", c.identityID()).Msg("websocket read error")
			}
			break
		}
		c.handle(raw)
	}
}

// writePump pumps messages from the hub to the WebSocket connection. Each
// event is its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
