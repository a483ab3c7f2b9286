package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func newBus(t *testing.T) (*Bus, *sqlite.Store) {
	t.Helper()
	s := testutil.OpenSQLite(t)
	logger := testutil.TestLogger()
	return New(s, events.New(s, nil, logger), logger), s
}

func TestSendMessage_DefaultsAndEvent(t *testing.T) {
	bus, s := newBus(t)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")

	msg, err := bus.SendMessage(ctx, SendInput{FromAgentID: alice.ID, ToAgentID: bob.ID, Content: "draft the memo"})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeTask, msg.MessageType)
	assert.Equal(t, model.MessagePending, msg.Status)

	n, err := s.CountEvents(ctx, model.EventAgentMessage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inbox, err := bus.CheckInbox(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

type failSink struct{}

func (failSink) InsertEvent(context.Context, model.Event) error {
	return errors.New("event store offline")
}

func TestSendMessage_EventStoreFailureDoesNotAffectResult(t *testing.T) {
	s := testutil.OpenSQLite(t)
	logger := testutil.TestLogger()
	bus := New(s, events.New(failSink{}, nil, logger), logger)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")

	msg, err := bus.SendMessage(ctx, SendInput{FromAgentID: alice.ID, ToAgentID: bob.ID, Content: "draft the memo"})
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, msg.Status)

	reply, err := bus.Reply(ctx, msg, "on it")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, reply.ToAgentID)

	inbox, err := bus.CheckInbox(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, reply.ID, inbox[0].ID)
}

func TestSendMessage_UnknownAgentFails(t *testing.T) {
	bus, s := newBus(t)
	alice := testutil.CreateAgent(t, s, "alice")

	_, err := bus.SendMessage(context.Background(), SendInput{FromAgentID: alice.ID, ToAgentID: uuid.New(), Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messaging: send message")

	n, err := s.CountEvents(context.Background(), model.EventAgentMessage)
	require.NoError(t, err)
	assert.Zero(t, n, "no event for a message that was never stored")
}

func TestReply_ReversesDirectionAndInheritsMission(t *testing.T) {
	bus, s := newBus(t)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")
	m, _ := testutil.CreateMission(t, s, &alice.ID, "Shared work")

	orig, err := bus.SendMessage(ctx, SendInput{FromAgentID: alice.ID, ToAgentID: bob.ID, Content: "status?", MissionID: &m.ID})
	require.NoError(t, err)

	reply, err := bus.Reply(ctx, orig, "all green")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, reply.FromAgentID)
	assert.Equal(t, alice.ID, reply.ToAgentID)
	assert.Equal(t, model.MessageTypeResponse, reply.MessageType)
	require.NotNil(t, reply.MissionID)
	assert.Equal(t, m.ID, *reply.MissionID)

	inbox, err := bus.CheckInbox(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, inbox, "original is processed")

	inbox, err = bus.CheckInbox(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, reply.ID, inbox[0].ID)

	n, err := s.CountEvents(ctx, model.EventAgentMessage)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplyByID_Missing(t *testing.T) {
	bus, _ := newBus(t)
	_, err := bus.ReplyByID(context.Background(), uuid.New(), "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetMessagesAndMarkProcessed(t *testing.T) {
	bus, s := newBus(t)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")

	first, err := bus.SendMessage(ctx, SendInput{FromAgentID: alice.ID, ToAgentID: bob.ID, Content: "one"})
	require.NoError(t, err)
	_, err = bus.SendMessage(ctx, SendInput{FromAgentID: bob.ID, ToAgentID: alice.ID, Content: "two"})
	require.NoError(t, err)

	require.NoError(t, bus.MarkAsProcessed(ctx, first.ID))
	assert.ErrorIs(t, bus.MarkAsProcessed(ctx, uuid.New()), storage.ErrNotFound)

	all, err := bus.GetMessages(ctx, alice.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending := model.MessagePending
	open, err := bus.GetMessages(ctx, alice.ID, &pending)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "two", open[0].Content)
}
