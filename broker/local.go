package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wricardo/chessmatch/metrics"
)

const localBuffer = 256

// LocalBroker delivers in process. It is the single-replica default.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	closed bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[chan Message]struct{})}
}

func (b *LocalBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for ch := range b.subs[channel] {
		select {
		case ch <- message:
		default:
			metrics.BroadcastDropped.Inc()
			log.Warn().Str("channel", channel).Str("room", message.Room).Msg("local subscriber full, dropping message")
		}
	}
	metrics.BrokerMessagesPublished.WithLabelValues("local").Inc()
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Message, localBuffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan Message]struct{})
	}
	b.subs[channel][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(channel, ch)
	}()
	return ch, nil
}

func (b *LocalBroker) unsubscribe(channel string, ch chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][ch]; ok {
		delete(b.subs[channel], ch)
		close(ch)
	}
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[chan Message]struct{})
	return nil
}
