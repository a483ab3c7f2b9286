package mission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/agentexec"
	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/testutil"
)

// recordingStore records every progress value written to a mission.
type recordingStore struct {
	*sqlite.Store
	mu       sync.Mutex
	progress []int
}

func (s *recordingStore) UpdateMissionState(ctx context.Context, id uuid.UUID, status model.MissionStatus, progress *int) error {
	if progress != nil {
		s.mu.Lock()
		s.progress = append(s.progress, *progress)
		s.mu.Unlock()
	}
	return s.Store.UpdateMissionState(ctx, id, status, progress)
}

// scriptedRunner answers each step (keyed by title) from a queue of results.
// An exhausted queue repeats its last result.
type scriptedRunner struct {
	mu      sync.Mutex
	script  map[string][]agentexec.Result
	calls   map[string]int
	refs    []string
	onCall  func(ctx context.Context, title string) (agentexec.Result, bool)
	lastCtx map[string]any
}

func newRunner(script map[string][]agentexec.Result) *scriptedRunner {
	return &scriptedRunner{script: script, calls: map[string]int{}}
}

func (r *scriptedRunner) Execute(ctx context.Context, agentRef string, task agentexec.Task, _ *uuid.UUID) agentexec.Result {
	title, _ := task.Context["stepTitle"].(string)
	r.mu.Lock()
	r.calls[title]++
	n := r.calls[title]
	r.refs = append(r.refs, agentRef)
	r.lastCtx = task.Context
	onCall := r.onCall
	r.mu.Unlock()

	if onCall != nil {
		if res, ok := onCall(ctx, title); ok {
			return res
		}
	}
	results := r.script[title]
	if len(results) == 0 {
		return agentexec.Result{Success: true, Output: title + " done"}
	}
	if n > len(results) {
		n = len(results)
	}
	return results[n-1]
}

func (r *scriptedRunner) callCount(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[title]
}

var (
	succeed = agentexec.Result{Success: true, Output: "ok"}
	fail    = agentexec.Result{Error: "model unavailable"}
)

type fixture struct {
	store  *recordingStore
	runner *scriptedRunner
	agent  model.Agent
}

func newFixture(t *testing.T, runner *scriptedRunner) *fixture {
	t.Helper()
	s := testutil.OpenSQLite(t)
	return &fixture{
		store:  &recordingStore{Store: s},
		runner: runner,
		agent:  testutil.CreateAgent(t, s, "X"),
	}
}

func (f *fixture) executor(id uuid.UUID) *Executor {
	logger := testutil.TestLogger()
	return New(id, f.store, f.runner, events.New(f.store, nil, logger), Config{RetryDelay: 30 * time.Millisecond}, logger)
}

func (f *fixture) steps(t *testing.T, id uuid.UUID) []model.MissionStep {
	t.Helper()
	steps, err := f.store.ListMissionSteps(context.Background(), id)
	require.NoError(t, err)
	return steps
}

func (f *fixture) mission(t *testing.T, id uuid.UUID) model.Mission {
	t.Helper()
	m, err := f.store.GetMission(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) eventPayloads(t *testing.T, typ model.EventType) []map[string]any {
	t.Helper()
	rows, err := f.store.DB().Query(`SELECT payload FROM events WHERE type = ? ORDER BY created_at`, string(typ))
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []map[string]any
	for rows.Next() {
		var raw string
		require.NoError(t, rows.Scan(&raw))
		var p map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &p))
		out = append(out, p)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestExecute_TransientFailureRetriedThenCompleted(t *testing.T) {
	f := newFixture(t, newRunner(map[string][]agentexec.Result{
		"A": {succeed},
		"B": {fail, succeed},
		"C": {succeed},
	}))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Clinic week", "A", "B", "C")

	start := time.Now()
	require.NoError(t, f.executor(m.ID).Execute(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "retry delay elapsed")

	got := f.mission(t, m.ID)
	assert.Equal(t, model.MissionCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.GreaterOrEqual(t, len(f.store.progress), 3)
	assert.Equal(t, []int{33, 67, 100}, f.store.progress[:3])

	for _, st := range f.steps(t, m.ID) {
		assert.Equal(t, model.StepCompleted, st.Status, st.Title)
		assert.NotNil(t, st.CompletedAt)
	}
	assert.Equal(t, 1, f.runner.callCount("A"))
	assert.Equal(t, 2, f.runner.callCount("B"))
	assert.Equal(t, 1, f.runner.callCount("C"))

	completed := f.eventPayloads(t, model.EventStepCompleted)
	require.Len(t, completed, 3)
	assert.EqualValues(t, 1, completed[0]["attempts"])
	assert.EqualValues(t, 2, completed[1]["attempts"])
	assert.GreaterOrEqual(t, completed[1]["durationMs"].(float64), float64(30))
	assert.Equal(t, "X", completed[1]["agentName"])
	assert.EqualValues(t, 2, completed[1]["stepNumber"])
	assert.EqualValues(t, 3, completed[1]["totalSteps"])
	assert.Len(t, f.eventPayloads(t, model.EventMissionCompleted), 1)
	assert.Empty(t, f.eventPayloads(t, model.EventStepFailed))
}

// failSink rejects every event write.
type failSink struct{}

func (failSink) InsertEvent(context.Context, model.Event) error {
	return errors.New("event store offline")
}

func TestExecute_EventStoreFailureDoesNotAffectOutcome(t *testing.T) {
	f := newFixture(t, newRunner(map[string][]agentexec.Result{
		"A": {succeed},
		"B": {fail, succeed},
	}))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Offline telemetry", "A", "B")

	logger := testutil.TestLogger()
	exec := New(m.ID, f.store, f.runner, events.New(failSink{}, nil, logger), Config{RetryDelay: 10 * time.Millisecond}, logger)
	require.NoError(t, exec.Execute(context.Background()))

	got := f.mission(t, m.ID)
	assert.Equal(t, model.MissionCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	for _, st := range f.steps(t, m.ID) {
		assert.Equal(t, model.StepCompleted, st.Status, st.Title)
	}
	assert.Equal(t, 2, f.runner.callCount("B"))

	n, err := f.store.CountEvents(context.Background(), model.EventMissionCompleted)
	require.NoError(t, err)
	assert.Zero(t, n, "no event reached the mission store")
}

func TestExecute_StepFailureHaltsMission(t *testing.T) {
	f := newFixture(t, newRunner(map[string][]agentexec.Result{"B": {fail}}))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Halt", "A", "B", "C")

	err := f.executor(m.ID).Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")

	steps := f.steps(t, m.ID)
	assert.Equal(t, model.StepCompleted, steps[0].Status)
	assert.Equal(t, model.StepFailed, steps[1].Status)
	require.NotNil(t, steps[1].Output)
	assert.Equal(t, "model unavailable", *steps[1].Output)
	assert.Equal(t, model.StepPending, steps[2].Status)
	assert.Nil(t, steps[2].Output)

	got := f.mission(t, m.ID)
	assert.Equal(t, model.MissionFailed, got.Status)
	assert.Equal(t, 33, got.Progress, "progress left as last computed")

	assert.Equal(t, 2, f.runner.callCount("B"), "one retry")
	assert.Zero(t, f.runner.callCount("C"))

	failed := f.eventPayloads(t, model.EventStepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "model unavailable", failed[0]["error"])
	assert.EqualValues(t, 2, failed[0]["attempts"])
	assert.Len(t, f.eventPayloads(t, model.EventMissionFailed), 1)
}

func TestExecute_NoAgentFailsFast(t *testing.T) {
	f := newFixture(t, newRunner(nil))
	m, _ := testutil.CreateMission(t, f.store, nil, "Unassigned", "first", "second")

	logger := testutil.TestLogger()
	exec := New(m.ID, f.store, f.runner, events.New(f.store, nil, logger), Config{RetryDelay: time.Minute}, logger)

	start := time.Now()
	err := exec.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent assigned")
	assert.Less(t, time.Since(start), 30*time.Second, "no retry delay")

	steps := f.steps(t, m.ID)
	assert.Equal(t, model.StepFailed, steps[0].Status)
	require.NotNil(t, steps[0].Output)
	assert.Equal(t, "no agent assigned to step or mission", *steps[0].Output)
	assert.Equal(t, model.StepPending, steps[1].Status)
	assert.Equal(t, model.MissionFailed, f.mission(t, m.ID).Status)
	assert.Zero(t, f.runner.callCount("first"))
}

func TestExecute_StepAgentOverridesMissionAgent(t *testing.T) {
	f := newFixture(t, newRunner(nil))
	ctx := context.Background()
	other := testutil.CreateAgent(t, f.store, "Y")
	desc := "write the summary"
	m, _, err := f.store.CreateMission(ctx, model.Mission{Title: "Override", AgentID: &f.agent.ID, Priority: 4},
		[]model.MissionStep{
			{Title: "one"},
			{Title: "two", AgentID: &other.ID, Description: &desc, Input: map[string]any{"k": "v"}},
		})
	require.NoError(t, err)

	require.NoError(t, f.executor(m.ID).Execute(ctx))
	assert.Equal(t, []string{f.agent.ID.String(), other.ID.String()}, f.runner.refs)
	assert.Equal(t, "Override", f.runner.lastCtx["missionTitle"])
	assert.Equal(t, "two", f.runner.lastCtx["stepTitle"])
	assert.Equal(t, 4, f.runner.lastCtx["priority"])
	assert.Equal(t, map[string]any{"k": "v"}, f.runner.lastCtx["stepInput"])
}

func TestExecute_ZeroSteps(t *testing.T) {
	f := newFixture(t, newRunner(nil))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Nothing to do")

	require.NoError(t, f.executor(m.ID).Execute(context.Background()))
	got := f.mission(t, m.ID)
	assert.Equal(t, model.MissionCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestExecute_AbortCancelsInFlightCall(t *testing.T) {
	runner := newRunner(nil)
	entered := make(chan struct{})
	runner.onCall = func(ctx context.Context, title string) (agentexec.Result, bool) {
		if title != "slow" {
			return agentexec.Result{}, false
		}
		close(entered)
		<-ctx.Done()
		return agentexec.Result{Error: ctx.Err().Error()}, true
	}
	f := newFixture(t, runner)
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Abortable", "slow", "never")
	exec := f.executor(m.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Execute(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("agent call never started")
	}
	exec.Abort()
	exec.Abort() // idempotent

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after Abort")
	}

	assert.Equal(t, 1, runner.callCount("slow"), "no retry after abort")
	assert.Zero(t, runner.callCount("never"))
	steps := f.steps(t, m.ID)
	assert.Equal(t, model.StepFailed, steps[0].Status)
	assert.Equal(t, model.StepPending, steps[1].Status)
	assert.Equal(t, model.MissionFailed, f.mission(t, m.ID).Status, "terminal write survives abort")
}

func TestExecute_AbortedBeforeStart(t *testing.T) {
	f := newFixture(t, newRunner(nil))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Early abort", "A")
	exec := f.executor(m.ID)
	exec.Abort()
	assert.True(t, exec.Aborted())

	assert.ErrorIs(t, exec.Execute(context.Background()), ErrAborted)
	assert.Equal(t, model.StepPending, f.steps(t, m.ID)[0].Status)
	assert.Equal(t, model.MissionFailed, f.mission(t, m.ID).Status)
	assert.Zero(t, f.runner.callCount("A"))
}

func TestExecute_AbortDuringRetryDelay(t *testing.T) {
	runner := newRunner(map[string][]agentexec.Result{"A": {fail}})
	f := newFixture(t, runner)
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Retry abort", "A")
	logger := testutil.TestLogger()
	exec := New(m.ID, f.store, runner, events.New(f.store, nil, logger), Config{RetryDelay: time.Minute}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- exec.Execute(context.Background()) }()
	require.Eventually(t, func() bool { return runner.callCount("A") == 1 }, 5*time.Second, 5*time.Millisecond)
	exec.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not interrupt the retry delay")
	}
	assert.Equal(t, 1, runner.callCount("A"))
}

func TestExecute_MissingMission(t *testing.T) {
	f := newFixture(t, newRunner(nil))
	err := f.executor(uuid.New()).Execute(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProgress(t *testing.T) {
	cases := []struct {
		completed, total, want int
	}{
		{0, 0, 0},
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{1, 200, 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Progress(tc.completed, tc.total), "%d/%d", tc.completed, tc.total)
	}
}

func TestStepResultErrorsAreNotGoErrors(t *testing.T) {
	// A failing step is reported through StepResult, never a panic.
	f := newFixture(t, newRunner(map[string][]agentexec.Result{"only": {fail}}))
	m, _ := testutil.CreateMission(t, f.store, &f.agent.ID, "Result", "only")
	err := f.executor(m.ID).Execute(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAborted))
}
