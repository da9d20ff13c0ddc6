// Package broker fans room updates out across replicas. Every replica
// publishes the states it commits and subscribes to the same channel, so a
// websocket connection sees moves accepted by any replica.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broker is closed")

// DefaultChannel carries room updates for the whole deployment.
const DefaultChannel = "chessmatch.rooms"

// Message is one room update.
type Message struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
	// Origin is the publishing replica's id.
	Origin string `json:"origin,omitempty"`
}

// MessageBroker publishes to and subscribes on named channels. Subscribe
// returns a channel that is closed once ctx ends or the broker is closed.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}
