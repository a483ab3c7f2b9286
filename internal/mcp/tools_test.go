package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/runtime"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/testutil"
)

// parkedMission blocks until aborted so queued missions stay tracked.
type parkedMission struct {
	once  sync.Once
	abort chan struct{}
}

func (m *parkedMission) Execute(ctx context.Context) error {
	select {
	case <-m.abort:
	case <-ctx.Done():
	}
	return nil
}

func (m *parkedMission) Abort() { m.once.Do(func() { close(m.abort) }) }

type fixture struct {
	store *sqlite.Store
	bus   *messaging.Bus
	rt    *runtime.Runtime
	srv   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.OpenSQLite(t)
	logger := testutil.TestLogger()
	emitter := events.New(store, nil, logger)
	bus := messaging.New(store, emitter, logger)
	rt, err := runtime.New(store, func(uuid.UUID) runtime.Mission {
		return &parkedMission{abort: make(chan struct{})}
	}, emitter, runtime.Config{
		HeartbeatInterval:     time.Hour,
		MissionPollInterval:   time.Hour,
		MaxConcurrentMissions: 2,
	}, runtime.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		rt.Stop(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Wait(ctx)
	})
	return &fixture{store: store, bus: bus, rt: rt, srv: New(store, bus, rt, logger, "test")}
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func decodeResult(t *testing.T, res *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %s", resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func TestSendCheckReplyRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := testutil.CreateAgent(t, f.store, "Ada")
	testutil.CreateAgent(t, f.store, "Bob")

	res, err := f.srv.handleSendMessage(ctx, callTool("kanri_send_message", map[string]any{
		"from_agent": "ada",
		"to_agent":   "BOB",
		"content":    "review the plan",
	}))
	require.NoError(t, err)
	sent := decodeResult(t, res)
	assert.Equal(t, "Ada", sent["from"])
	assert.Equal(t, "Bob", sent["to"])
	assert.Equal(t, string(model.MessagePending), sent["status"])

	res, err = f.srv.handleCheckInbox(ctx, callTool("kanri_check_inbox", map[string]any{"agent": "bob"}))
	require.NoError(t, err)
	inbox := decodeResult(t, res)
	assert.EqualValues(t, 1, inbox["total"])

	res, err = f.srv.handleReply(ctx, callTool("kanri_reply", map[string]any{
		"message_id": sent["message_id"],
		"content":    "looks good",
	}))
	require.NoError(t, err)
	reply := decodeResult(t, res)
	assert.Equal(t, ada.ID.String(), reply["to_agent_id"])

	res, err = f.srv.handleCheckInbox(ctx, callTool("kanri_check_inbox", map[string]any{"agent": "Bob"}))
	require.NoError(t, err)
	assert.EqualValues(t, 0, decodeResult(t, res)["total"], "reply marks the original processed")

	res, err = f.srv.handleCheckInbox(ctx, callTool("kanri_check_inbox", map[string]any{"agent": ada.ID.String()}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeResult(t, res)["total"])
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.CreateAgent(t, f.store, "Ada")

	cases := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing content", map[string]any{"from_agent": "Ada", "to_agent": "Ada"}, "content is required"},
		{"unknown sender", map[string]any{"from_agent": "ghost", "to_agent": "Ada", "content": "x"}, `from_agent: no active agent "ghost"`},
		{"unknown recipient", map[string]any{"from_agent": "Ada", "to_agent": "ghost", "content": "x"}, `to_agent: no active agent "ghost"`},
		{"bad mission id", map[string]any{"from_agent": "Ada", "to_agent": "Ada", "content": "x", "mission_id": "nope"}, `mission_id: invalid id "nope"`},
		{"bad type", map[string]any{"from_agent": "Ada", "to_agent": "Ada", "content": "x", "message_type": "memo"}, "message_type must be"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.srv.handleSendMessage(ctx, callTool("kanri_send_message", tc.args))
			require.NoError(t, err, "tool errors are results, not Go errors")
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tc.want)
		})
	}
}

func TestReplyUnknownMessage(t *testing.T) {
	f := newFixture(t)
	res, err := f.srv.handleReply(context.Background(), callTool("kanri_reply", map[string]any{
		"message_id": uuid.New().String(),
		"content":    "hello?",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")
}

func TestQueueMissionTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, _ := testutil.CreateMission(t, f.store, nil, "Quarterly report", "draft")

	res, err := f.srv.handleQueueMission(ctx, callTool("kanri_queue_mission", map[string]any{"mission_id": m.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not running")

	require.NoError(t, f.rt.Start(ctx))
	// Start's immediate poll already claimed the pending mission.
	res, err = f.srv.handleQueueMission(ctx, callTool("kanri_queue_mission", map[string]any{"mission_id": m.ID.String()}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, false, out["queued"])
	assert.Equal(t, "Quarterly report", out["title"])
	assert.Contains(t, f.rt.ActiveMissionIDs(), m.ID)

	res, err = f.srv.handleQueueMission(ctx, callTool("kanri_queue_mission", map[string]any{"mission_id": uuid.New().String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not found")

	done, _ := testutil.CreateMission(t, f.store, nil, "Done already")
	full := 100
	require.NoError(t, f.store.UpdateMissionState(ctx, done.ID, model.MissionCompleted, &full))
	res, err = f.srv.handleQueueMission(ctx, callTool("kanri_queue_mission", map[string]any{"mission_id": done.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "only pending missions")
}

func TestRuntimeStatusTool(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rt.Start(context.Background()))

	res, err := f.srv.handleRuntimeStatus(context.Background(), callTool("kanri_runtime_status", map[string]any{}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	status, ok := out["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, status["running"])
	assert.EqualValues(t, 2, status["max_concurrent"])
}

func TestInboxResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ada := testutil.CreateAgent(t, f.store, "Ada")
	bob := testutil.CreateAgent(t, f.store, "Bob")
	_, err := f.bus.SendMessage(ctx, messaging.SendInput{FromAgentID: ada.ID, ToAgentID: bob.ID, Content: "ping"})
	require.NoError(t, err)

	var req mcplib.ReadResourceRequest
	req.Params.URI = "kanri://agents/bob/inbox"
	contents, err := f.srv.handleInboxResource(ctx, req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.Equal(t, "Bob", out["agent"])
	assert.EqualValues(t, 1, out["total"])
}

func TestAgentFromInboxURI(t *testing.T) {
	ref, err := agentFromInboxURI("kanri://agents/ada/inbox")
	require.NoError(t, err)
	assert.Equal(t, "ada", ref)

	for _, bad := range []string{"kanri://agents//inbox", "kanri://agents/a/b/inbox", "kanri://runtime/status"} {
		_, err := agentFromInboxURI(bad)
		assert.Error(t, err, bad)
	}
}
