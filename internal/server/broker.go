package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that falls
// this far behind loses events.
const subscriberBuffer = 64

// Source delivers Postgres notifications. *storage.DB satisfies it.
type Source interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// FeedEvent is one event on the live feed. Data is the JSON-encoded model.Event.
type FeedEvent struct {
	Type string
	Data []byte
}

// Broker fans out runtime events to SSE and WebSocket subscribers.
//
// With a Source it listens on the Postgres events channel, so events from every
// process sharing the database reach the feed. Without one it relies on
// Publish, called by the in-process emitter.
type Broker struct {
	source Source
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan FeedEvent]struct{}
}

// NewBroker creates a broker. source may be nil. Call Start to begin listening.
func NewBroker(source Source, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan FeedEvent]struct{}),
	}
}

// Start listens for notifications until ctx is cancelled. It blocks, so call
// it in a goroutine. Without a Source it just waits for ctx.
func (b *Broker) Start(ctx context.Context) {
	if b.source == nil {
		<-ctx.Done()
		return
	}
	if err := b.source.Listen(ctx, storage.ChannelEvents); err != nil {
		b.logger.Error("broker: listen events", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelEvents)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(payload), &head); err != nil {
			b.logger.Warn("broker: malformed notification", "error", err)
			continue
		}
		b.broadcast(FeedEvent{Type: head.Type, Data: []byte(payload)})
	}
}

// Publish forwards an in-process event. It is ignored when a Source is
// configured, since the same event will arrive through NOTIFY.
func (b *Broker) Publish(e model.Event) {
	if b.source != nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("broker: encode event", "type", e.Type, "error", err)
		return
	}
	b.broadcast(FeedEvent{Type: string(e.Type), Data: data})
}

// Subscribe returns a channel that receives feed events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan FeedEvent {
	ch := make(chan FeedEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan FeedEvent) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of attached subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event FeedEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a feed event as a Server-Sent Events message.
func formatSSE(e FeedEvent) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + e.Type + "\ndata: " + string(e.Data) + "\n\n")
}
