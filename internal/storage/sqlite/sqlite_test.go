package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kanri.db")
	s, err := sqlite.Open(path, testutil.TestLogger())
	require.NoError(t, err)
	s.Close(context.Background())

	s, err = sqlite.Open(path, testutil.TestLogger())
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.NoError(t, s.Ping(context.Background()))
}

func TestUpsertAgent_CaseInsensitiveName(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()

	first, err := s.UpsertAgent(ctx, model.Agent{Name: "Planner", Status: model.AgentActive})
	require.NoError(t, err)

	temp := 0.2
	second, err := s.UpsertAgent(ctx, model.Agent{
		Name:   "planner",
		Status: model.AgentMaintenance,
		Config: model.AgentConfig{Temperature: &temp},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Planner", second.Name)
	assert.Equal(t, model.AgentMaintenance, second.Status)
	require.NotNil(t, second.Config.Temperature)
	assert.InDelta(t, 0.2, *second.Config.Temperature, 1e-9)
}

func TestFindActiveAgent(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	a := testutil.CreateAgent(t, s, "Researcher")

	got, err := s.FindActiveAgent(ctx, a.ID.String())
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = s.FindActiveAgent(ctx, "RESEARCHER")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.UpsertAgent(ctx, model.Agent{Name: "Researcher", Status: model.AgentInactive})
	require.NoError(t, err)
	_, err = s.FindActiveAgent(ctx, "researcher")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	var nf *storage.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, storage.EntityActiveAgent, nf.Entity)
	assert.Equal(t, `"researcher"`, nf.Key)

	_, err = s.FindActiveAgent(ctx, uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateAgentHeartbeat(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	a := testutil.CreateAgent(t, s, "Sentinel")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, a.ID, at))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, at.Equal(*got.LastHeartbeat))

	assert.ErrorIs(t, s.UpdateAgentHeartbeat(ctx, uuid.New(), at), storage.ErrNotFound)
}

func TestCreateMission_StepsNumberedAndJoined(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	lead := testutil.CreateAgent(t, s, "Lead")
	helper := testutil.CreateAgent(t, s, "Helper")

	m, steps, err := s.CreateMission(ctx, model.Mission{Title: "Audit", AgentID: &lead.ID, Priority: 3},
		[]model.MissionStep{
			{Title: "collect", Input: map[string]any{"source": "billing"}},
			{Title: "review", AgentID: &helper.ID},
			{Title: "report"},
		})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.Order)
		assert.Equal(t, m.ID, st.MissionID)
	}

	listed, err := s.ListMissionSteps(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "collect", listed[0].Title)
	assert.Equal(t, "billing", listed[0].Input["source"])
	require.NotNil(t, listed[0].AgentName)
	assert.Equal(t, "Lead", *listed[0].AgentName)
	require.NotNil(t, listed[1].AgentName)
	assert.Equal(t, "Helper", *listed[1].AgentName)
	assert.Equal(t, model.StepPending, listed[2].Status)

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionPending, got.Status)
	assert.Equal(t, 3, got.Priority)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, lead.ID, *got.AgentID)
}

func TestUpdateStepAndCount(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	a := testutil.CreateAgent(t, s, "Worker")
	m, steps := testutil.CreateMission(t, s, &a.ID, "Count", "one", "two", "three")

	total, completed, err := s.CountMissionSteps(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, completed)

	out := "done"
	now := time.Now()
	require.NoError(t, s.UpdateStep(ctx, steps[0].ID, storage.StepUpdate{Status: model.StepRunning}))
	require.NoError(t, s.UpdateStep(ctx, steps[0].ID, storage.StepUpdate{
		Status: model.StepCompleted, Output: &out, CompletedAt: &now,
	}))

	total, completed, err = s.CountMissionSteps(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, completed)

	listed, err := s.ListMissionSteps(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, listed[0].Output)
	assert.Equal(t, "done", *listed[0].Output)
	assert.NotNil(t, listed[0].CompletedAt)
	assert.Nil(t, listed[1].CompletedAt)

	assert.ErrorIs(t, s.UpdateStep(ctx, uuid.New(), storage.StepUpdate{Status: model.StepFailed}), storage.ErrNotFound)
}

func TestCountMissionSteps_NoSteps(t *testing.T) {
	s := testutil.OpenSQLite(t)
	m, _ := testutil.CreateMission(t, s, nil, "Empty")

	total, completed, err := s.CountMissionSteps(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, completed)
}

func TestUpdateMissionState_ProgressOptional(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	m, _ := testutil.CreateMission(t, s, nil, "Progress")

	p := 67
	require.NoError(t, s.UpdateMissionState(ctx, m.ID, model.MissionRunning, &p))
	require.NoError(t, s.UpdateMissionState(ctx, m.ID, model.MissionFailed, nil))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MissionFailed, got.Status)
	assert.Equal(t, 67, got.Progress)

	assert.ErrorIs(t, s.UpdateMissionState(ctx, uuid.New(), model.MissionFailed, nil), storage.ErrNotFound)
}

func TestListPendingMissions_PriorityThenAge(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()

	create := func(title string, priority int) model.Mission {
		m, _, err := s.CreateMission(ctx, model.Mission{Title: title, Priority: priority}, nil)
		require.NoError(t, err)
		return m
	}
	low := create("low", 0)
	highOld := create("high-old", 5)
	highNew := create("high-new", 5)
	running := create("running", 9)
	require.NoError(t, s.UpdateMissionState(ctx, running.ID, model.MissionRunning, nil))

	got, err := s.ListPendingMissions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uuid.UUID{highOld.ID, highNew.ID, low.ID}, []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})

	got, err = s.ListPendingMissions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, highOld.ID, got[0].ID)

	got, err = s.ListPendingMissions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertEvent(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	mid := uuid.New()

	require.NoError(t, s.InsertEvent(ctx, model.Event{
		Type:      model.EventMissionStarted,
		MissionID: &mid,
		Payload:   json.RawMessage(`{"missionTitle":"x","totalSteps":2}`),
	}))
	require.NoError(t, s.InsertEvent(ctx, model.Event{Type: model.EventHeartbeat}))

	n, err := s.CountEvents(ctx, model.EventMissionStarted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountEvents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMessages_InboxAndReply(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")
	m, _ := testutil.CreateMission(t, s, &alice.ID, "Shared")

	sent, err := s.InsertMessage(ctx, model.AgentMessage{
		FromAgentID: alice.ID, ToAgentID: bob.ID, MissionID: &m.ID, Content: "please review",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeTask, sent.MessageType)
	assert.Equal(t, model.MessagePending, sent.Status)

	inbox, err := s.ListInbox(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, sent.ID, inbox[0].ID)
	require.NotNil(t, inbox[0].MissionID)
	assert.Equal(t, m.ID, *inbox[0].MissionID)

	inbox, err = s.ListInbox(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	reply, err := s.ReplyToMessage(ctx, sent.ID, model.AgentMessage{
		FromAgentID: bob.ID, ToAgentID: alice.ID, MissionID: &m.ID,
		Content: "looks good", MessageType: model.MessageTypeResponse,
	})
	require.NoError(t, err)

	orig, err := s.GetMessage(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageProcessed, orig.Status)

	got, err := s.GetMessage(ctx, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeResponse, got.MessageType)
	assert.Equal(t, alice.ID, got.ToAgentID)

	_, err = s.ReplyToMessage(ctx, uuid.New(), model.AgentMessage{FromAgentID: bob.ID, ToAgentID: alice.ID, Content: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListAgentMessages_StatusFilterAndLimit(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	alice := testutil.CreateAgent(t, s, "alice")
	bob := testutil.CreateAgent(t, s, "bob")

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg, err := s.InsertMessage(ctx, model.AgentMessage{
			FromAgentID: alice.ID, ToAgentID: bob.ID, Content: "m",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	require.NoError(t, s.UpdateMessageStatus(ctx, ids[0], model.MessageRead))

	all, err := s.ListAgentMessages(ctx, alice.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	read := model.MessageRead
	filtered, err := s.ListAgentMessages(ctx, bob.ID, &read, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, ids[0], filtered[0].ID)

	limited, err := s.ListAgentMessages(ctx, bob.ID, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	assert.ErrorIs(t, s.UpdateMessageStatus(ctx, uuid.New(), model.MessageRead), storage.ErrNotFound)
}

func TestDetectStepOrdering(t *testing.T) {
	s := testutil.OpenSQLite(t)
	o, err := s.DetectStepOrdering(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "step_order", o.Column())
}

func TestLegacyOrdering(t *testing.T) {
	s := testutil.OpenSQLite(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx, `ALTER TABLE mission_steps RENAME COLUMN step_order TO "order"`)
	require.NoError(t, err)

	o, err := s.DetectStepOrdering(ctx)
	require.NoError(t, err)
	require.Equal(t, "order", o.Column())
	s.UseStepOrdering(o)

	m, _ := testutil.CreateMission(t, s, nil, "Legacy", "first", "second")
	steps, err := s.ListMissionSteps(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "first", steps[0].Title)
	assert.Equal(t, 2, steps[1].Order)
}
