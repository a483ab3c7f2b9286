package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan FeedEvent) FeedEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return FeedEvent{}
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, testLogger())

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()
	assert.Equal(t, 2, broker.Subscribers())

	event := FeedEvent{Type: "heartbeat", Data: []byte(`{"id":"abc"}`)}
	broker.broadcast(event)
	assert.Equal(t, event, receive(t, ch1))
	assert.Equal(t, event, receive(t, ch2))

	// Unsubscribe ch1, broadcast again; only ch2 should receive.
	broker.Unsubscribe(ch1)
	event2 := FeedEvent{Type: "heartbeat", Data: []byte(`{"id":"def"}`)}
	broker.broadcast(event2)
	assert.Equal(t, event2, receive(t, ch2))

	broker.Unsubscribe(ch2)
	assert.Zero(t, broker.Subscribers())
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE(FeedEvent{Type: "step_completed", Data: []byte(`{"id":"123"}`)}))
	assert.Equal(t, "event: step_completed\ndata: {\"id\":\"123\"}\n\n", got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil, testLogger())

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill the slow subscriber's buffer.
	for range subscriberBuffer + 1 {
		broker.broadcast(FeedEvent{Type: "test", Data: []byte("fill")})
	}
	assert.Len(t, slow, subscriberBuffer)

	fillDone := make(chan struct{})
	go func() {
		broker.broadcast(FeedEvent{Type: "test", Data: []byte("after-fill")})
		close(fillDone)
	}()
	select {
	case <-fillDone:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	<-fast

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerPublishInProcess(t *testing.T) {
	broker := NewBroker(nil, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	missionID := uuid.New()
	broker.Publish(model.Event{ID: uuid.New(), Type: model.EventMissionStarted, MissionID: &missionID})

	got := receive(t, ch)
	assert.Equal(t, string(model.EventMissionStarted), got.Type)
	var decoded model.Event
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	require.NotNil(t, decoded.MissionID)
	assert.Equal(t, missionID, *decoded.MissionID)
}

// fakeSource replays queued notification payloads.
type fakeSource struct {
	mu       sync.Mutex
	channels []string
	payloads chan string
}

func (f *fakeSource) Listen(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeSource) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-f.payloads:
		return storage.ChannelEvents, p, nil
	case <-ctx.Done():
		return "", "", errors.New("wait: " + ctx.Err().Error())
	}
}

func TestBrokerListensOnSource(t *testing.T) {
	src := &fakeSource{payloads: make(chan string, 4)}
	broker := NewBroker(src, testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	src.payloads <- "not json"
	src.payloads <- `{"type":"step_failed","payload":{}}`

	got := receive(t, ch)
	assert.Equal(t, "step_failed", got.Type, "malformed notifications are skipped")

	// Publish is a no-op when events arrive through the source.
	broker.Publish(model.Event{Type: model.EventHeartbeat})
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	src.mu.Lock()
	assert.Equal(t, []string{storage.ChannelEvents}, src.channels)
	src.mu.Unlock()
}
