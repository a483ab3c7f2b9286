// Package runtime supervises mission execution: it polls for pending
// missions, hands them to a bounded worker pool, and emits agent heartbeats.
//
// One Runtime is built in main and shared by the HTTP and MCP layers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/events"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

var (
	// ErrNotRunning is returned when work is queued on a stopped runtime.
	ErrNotRunning = errors.New("runtime: not running")

	// ErrQueueFull is returned when the mission queue has no free slot.
	ErrQueueFull = errors.New("runtime: mission queue full")
)

// DefaultQueueSize is the mission queue capacity when Options leaves it unset.
const DefaultQueueSize = 64

// Mission is one executable mission run. *mission.Executor satisfies it.
type Mission interface {
	Execute(ctx context.Context) error
	Abort()
}

// Factory builds a fresh Mission for id. It is called under the runtime lock
// and must not block.
type Factory func(id uuid.UUID) Mission

// Store is the subset of storage.Store the supervisor needs.
type Store interface {
	ListPendingMissions(ctx context.Context, limit int) ([]model.Mission, error)
	ListAgentsByStatus(ctx context.Context, status model.AgentStatus) ([]model.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Config holds the tunables that can change while the runtime is running.
type Config struct {
	HeartbeatInterval     time.Duration
	MissionPollInterval   time.Duration
	MaxConcurrentMissions int
}

// DefaultConfig returns the stock supervisor settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     5 * time.Minute,
		MissionPollInterval:   5 * time.Second,
		MaxConcurrentMissions: 3,
	}
}

// MaxWorkers caps MaxConcurrentMissions. Each unit of concurrency is a
// worker goroutine, and the value is settable over HTTP.
const MaxWorkers = 256

// Validate rejects non-positive intervals and concurrency outside
// [1, MaxWorkers].
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("runtime: heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MissionPollInterval <= 0 {
		return fmt.Errorf("runtime: mission poll interval must be positive, got %s", c.MissionPollInterval)
	}
	if c.MaxConcurrentMissions <= 0 {
		return fmt.Errorf("runtime: max concurrent missions must be positive, got %d", c.MaxConcurrentMissions)
	}
	if c.MaxConcurrentMissions > MaxWorkers {
		return fmt.Errorf("runtime: max concurrent missions must be at most %d, got %d", MaxWorkers, c.MaxConcurrentMissions)
	}
	return nil
}

// Patch is a partial Config. Nil fields are left unchanged.
type Patch struct {
	HeartbeatInterval     *time.Duration
	MissionPollInterval   *time.Duration
	MaxConcurrentMissions *int
}

func (c Config) apply(p Patch) Config {
	if p.HeartbeatInterval != nil {
		c.HeartbeatInterval = *p.HeartbeatInterval
	}
	if p.MissionPollInterval != nil {
		c.MissionPollInterval = *p.MissionPollInterval
	}
	if p.MaxConcurrentMissions != nil {
		c.MaxConcurrentMissions = *p.MaxConcurrentMissions
	}
	return c
}

// Options are fixed at construction.
type Options struct {
	QueueSize int
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ActiveMissions int        `json:"active_missions"`
	MaxConcurrent  int        `json:"max_concurrent"`
	Config         ConfigView `json:"config"`
}

// ConfigView is the JSON shape of Config.
type ConfigView struct {
	HeartbeatInterval     string `json:"heartbeat_interval"`
	MissionPollInterval   string `json:"mission_poll_interval"`
	MaxConcurrentMissions int    `json:"max_concurrent_missions"`
}

// View renders c for JSON responses.
func (c Config) View() ConfigView {
	return ConfigView{
		HeartbeatInterval:     c.HeartbeatInterval.String(),
		MissionPollInterval:   c.MissionPollInterval.String(),
		MaxConcurrentMissions: c.MaxConcurrentMissions,
	}
}

// job is one queued mission run.
type job struct {
	id   uuid.UUID
	exec Mission
}

// pool is the state of one Start..Stop cycle. A stale pool (one that is no
// longer r.pool) never launches work.
type pool struct {
	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan job
	workers   int
	heartbeat *time.Ticker
	poll      *time.Ticker
}

// Runtime is the mission supervisor.
type Runtime struct {
	store     Store
	factory   Factory
	emitter   *events.Emitter
	logger    *slog.Logger
	queueSize int

	mu        sync.Mutex
	cfg       Config
	pool      *pool
	startedAt time.Time
	tracked   map[uuid.UUID]Mission // queued or executing

	workers sync.WaitGroup
	loops   sync.WaitGroup

	launched metric.Int64Counter
}

// New creates a stopped Runtime.
func New(store Store, factory Factory, emitter *events.Emitter, cfg Config, opts Options, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	r := &Runtime{
		store:     store,
		factory:   factory,
		emitter:   emitter,
		logger:    logger,
		queueSize: opts.QueueSize,
		cfg:       cfg,
		tracked:   make(map[uuid.UUID]Mission),
	}
	r.registerMetrics()
	return r, nil
}

func (r *Runtime) registerMetrics() {
	meter := telemetry.Meter(telemetry.ScopeRuntime)
	r.launched, _ = meter.Int64Counter("kanri.runtime.launched",
		metric.WithDescription("Missions handed to the worker pool"))
	_, _ = meter.Int64ObservableGauge("kanri.runtime.active_missions",
		metric.WithDescription("Missions queued or executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.Lock()
			n := len(r.tracked)
			r.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}

// Start arms the heartbeat and poll loops, spawns the worker pool and runs
// one poll tick immediately. It is a no-op when already running. The loops
// outlive ctx's cancellation; call Stop to end them.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.pool != nil {
		r.mu.Unlock()
		return nil
	}
	cfg := r.cfg
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pool{
		ctx:       loopCtx,
		cancel:    cancel,
		queue:     make(chan job, r.queueSize),
		heartbeat: time.NewTicker(cfg.HeartbeatInterval),
		poll:      time.NewTicker(cfg.MissionPollInterval),
	}
	r.pool = p
	r.startedAt = time.Now().UTC()
	startedAt := r.startedAt
	for range cfg.MaxConcurrentMissions {
		r.spawnWorker(p)
	}
	r.mu.Unlock()

	r.emitter.RuntimeStarted(ctx, model.RuntimeStartedPayload{
		StartedAt:             startedAt,
		HeartbeatIntervalMs:   cfg.HeartbeatInterval.Milliseconds(),
		MissionPollIntervalMs: cfg.MissionPollInterval.Milliseconds(),
		MaxConcurrentMissions: cfg.MaxConcurrentMissions,
	})
	r.logger.Info("runtime: started",
		"heartbeat_interval", cfg.HeartbeatInterval,
		"poll_interval", cfg.MissionPollInterval,
		"max_concurrent", cfg.MaxConcurrentMissions)

	r.loops.Add(2)
	go r.heartbeatLoop(p)
	go r.pollLoop(p)

	r.safeTick("poll", func() { r.pollTick(p) })
	return nil
}

// Stop halts the loops, aborts every tracked mission and forgets them. It
// does not wait for executors to unwind; use Wait for that. No-op when stopped.
func (r *Runtime) Stop(ctx context.Context) {
	r.mu.Lock()
	p := r.pool
	if p == nil {
		r.mu.Unlock()
		return
	}
	r.pool = nil
	p.cancel()
	p.heartbeat.Stop()
	p.poll.Stop()
	aborted := len(r.tracked)
	for _, m := range r.tracked {
		m.Abort()
	}
	r.tracked = make(map[uuid.UUID]Mission)
	uptime := time.Since(r.startedAt)
	r.mu.Unlock()

	r.emitter.RuntimeStopped(ctx, uptime, aborted)
	r.logger.Info("runtime: stopped", "uptime", uptime.Round(time.Millisecond), "aborted_missions", aborted)
}

// Wait blocks until every worker and loop goroutine from previous Start
// cycles has returned, or ctx is done.
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Configure merges patch into the config. When running, tickers are reset
// and the worker pool grows at once; a shrink takes effect as workers finish
// their current mission.
func (r *Runtime) Configure(patch Patch) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cfg.apply(patch)
	if err := next.Validate(); err != nil {
		return r.cfg, err
	}
	prev := r.cfg
	r.cfg = next

	if p := r.pool; p != nil {
		if next.HeartbeatInterval != prev.HeartbeatInterval {
			p.heartbeat.Reset(next.HeartbeatInterval)
		}
		if next.MissionPollInterval != prev.MissionPollInterval {
			p.poll.Reset(next.MissionPollInterval)
		}
		for p.workers < next.MaxConcurrentMissions {
			r.spawnWorker(p)
		}
	}
	r.logger.Info("runtime: configured",
		"heartbeat_interval", next.HeartbeatInterval,
		"poll_interval", next.MissionPollInterval,
		"max_concurrent", next.MaxConcurrentMissions)
	return next, nil
}

// Config returns the current configuration.
func (r *Runtime) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// QueueMission claims id and queues it for a worker, bypassing the poll
// cadence but not the worker cap. It reports false when id is already
// tracked.
func (r *Runtime) QueueMission(id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return false, ErrNotRunning
	}
	return r.claimLocked(r.pool, id, false)
}

// Status returns a snapshot of the supervisor.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Running:        r.pool != nil,
		ActiveMissions: len(r.tracked),
		MaxConcurrent:  r.cfg.MaxConcurrentMissions,
		Config:         r.cfg.View(),
	}
	if s.Running {
		t := r.startedAt
		s.StartedAt = &t
	}
	return s
}

// Running reports whether the supervisor is started.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool != nil
}

// ActiveMissionIDs returns the tracked mission ids in a stable order.
func (r *Runtime) ActiveMissionIDs() []uuid.UUID {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// claimLocked records id as tracked and queues it. With respectCap set the
// claim is refused once the tracked count reaches the concurrency cap.
// Caller holds r.mu.
func (r *Runtime) claimLocked(p *pool, id uuid.UUID, respectCap bool) (bool, error) {
	if _, ok := r.tracked[id]; ok {
		return false, nil
	}
	if respectCap && len(r.tracked) >= r.cfg.MaxConcurrentMissions {
		return false, nil
	}
	exec := r.factory(id)
	select {
	case p.queue <- job{id: id, exec: exec}:
	default:
		return false, ErrQueueFull
	}
	r.tracked[id] = exec
	r.launched.Add(p.ctx, 1)
	return true, nil
}

func (r *Runtime) spawnWorker(p *pool) {
	p.workers++
	r.workers.Add(1)
	go r.worker(p)
}

func (r *Runtime) worker(p *pool) {
	defer r.workers.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			r.run(p, j)
			if r.retireSurplus(p) {
				return
			}
		}
	}
}

// retireSurplus reports whether this worker should exit because the pool is
// larger than the configured cap.
func (r *Runtime) retireSurplus(p *pool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != p || p.workers <= r.cfg.MaxConcurrentMissions {
		return false
	}
	p.workers--
	return true
}

func (r *Runtime) run(p *pool, j job) {
	r.mu.Lock()
	current, ok := r.tracked[j.id]
	stale := p.ctx.Err() != nil || !ok || current != j.exec
	r.mu.Unlock()
	if stale {
		// Dropped by Stop while queued; the mission row is still pending.
		return
	}

	start := time.Now()
	err := r.execute(p.ctx, j)
	d := time.Since(start)
	if err != nil {
		r.logger.Warn("runtime: mission ended with error",
			"mission_id", j.id, "duration_ms", d.Milliseconds(), "error", err)
	} else {
		r.logger.Info("runtime: mission finished", "mission_id", j.id, "duration_ms", d.Milliseconds())
	}

	r.mu.Lock()
	if current, ok := r.tracked[j.id]; ok && current == j.exec {
		delete(r.tracked, j.id)
	}
	r.mu.Unlock()
}

func (r *Runtime) execute(ctx context.Context, j job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runtime: mission panicked: %v", rec)
		}
	}()
	return j.exec.Execute(ctx)
}

func (r *Runtime) pollLoop(p *pool) {
	defer r.loops.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.poll.C:
			r.safeTick("poll", func() { r.pollTick(p) })
		}
	}
}

func (r *Runtime) heartbeatLoop(p *pool) {
	defer r.loops.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.heartbeat.C:
			r.safeTick("heartbeat", func() { r.heartbeatTick(p) })
		}
	}
}

// safeTick runs fn, logging a panic instead of killing the loop.
func (r *Runtime) safeTick(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("runtime: tick panicked", "tick", name, "panic", fmt.Sprint(rec))
		}
	}()
	fn()
}

// pollTick launches pending missions into the free slots.
func (r *Runtime) pollTick(p *pool) {
	r.mu.Lock()
	if r.pool != p {
		r.mu.Unlock()
		return
	}
	free := r.cfg.MaxConcurrentMissions - len(r.tracked)
	r.mu.Unlock()
	if free <= 0 {
		return
	}

	missions, err := r.store.ListPendingMissions(p.ctx, free)
	if err != nil {
		r.logger.Warn("runtime: poll pending missions", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != p {
		return
	}
	for _, m := range missions {
		ok, err := r.claimLocked(p, m.ID, true)
		if err != nil {
			r.logger.Warn("runtime: queue mission", "mission_id", m.ID, "error", err)
			return
		}
		if ok {
			r.logger.Debug("runtime: mission queued", "mission_id", m.ID, "priority", m.Priority)
		}
	}
}

// heartbeatTick emits a heartbeat for, and stamps, every active agent.
func (r *Runtime) heartbeatTick(p *pool) {
	if !r.isCurrent(p) {
		return
	}
	agents, err := r.store.ListAgentsByStatus(p.ctx, model.AgentActive)
	if err != nil {
		r.logger.Warn("runtime: list active agents", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, a := range agents {
		r.emitter.Heartbeat(p.ctx, a, now)
		if err := r.store.UpdateAgentHeartbeat(p.ctx, a.ID, now); err != nil {
			r.logger.Warn("runtime: update heartbeat", "agent", a.Name, "error", err)
		}
	}
}

func (r *Runtime) isCurrent(p *pool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool == p
}

// HeartbeatNow runs one heartbeat tick immediately. ErrNotRunning when stopped.
func (r *Runtime) HeartbeatNow() error {
	r.mu.Lock()
	p := r.pool
	r.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}
	r.safeTick("heartbeat", func() { r.heartbeatTick(p) })
	return nil
}
