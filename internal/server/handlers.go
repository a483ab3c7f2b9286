package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/messaging"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/runtime"
	"github.com/ashita-ai/kanri/internal/storage"
)

// pendingSnapshotLimit caps the pending missions listed by the status route.
const pendingSnapshotLimit = 20

// Store is the subset of storage.Store the handlers read and write.
type Store interface {
	Ping(ctx context.Context) error
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreateMission(ctx context.Context, mission model.Mission, steps []model.MissionStep) (model.Mission, []model.MissionStep, error)
	GetMission(ctx context.Context, id uuid.UUID) (model.Mission, error)
	ListMissionSteps(ctx context.Context, missionID uuid.UUID) ([]model.MissionStep, error)
	ListPendingMissions(ctx context.Context, limit int) ([]model.Mission, error)
}

// Supervisor is the runtime control surface. *runtime.Runtime satisfies it.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Running() bool
	Status() runtime.Status
	ActiveMissionIDs() []uuid.UUID
	QueueMission(id uuid.UUID) (bool, error)
	Configure(p runtime.Patch) (runtime.Config, error)
}

// Mailbox is the message bus surface. *messaging.Bus satisfies it.
type Mailbox interface {
	SendMessage(ctx context.Context, in messaging.SendInput) (model.AgentMessage, error)
	CheckInbox(ctx context.Context, agentID uuid.UUID) ([]model.AgentMessage, error)
	GetMessages(ctx context.Context, agentID uuid.UUID, status *model.MessageStatus) ([]model.AgentMessage, error)
	MarkAsProcessed(ctx context.Context, messageID uuid.UUID) error
	ReplyByID(ctx context.Context, originalID uuid.UUID, content string) (model.AgentMessage, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	runtime             Supervisor
	bus                 Mailbox
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	Store               Store
	Runtime             Supervisor
	Bus                 Mailbox
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		runtime:             d.Runtime,
		bus:                 d.Bus,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Store:   "connected",
		Runtime: "stopped",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Store = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.runtime.Running() {
		resp.Runtime = "running"
	}
	if h.broker != nil {
		resp.Feed = "enabled"
	}

	writeJSON(w, r, httpStatus, resp)
}

// runtimeStatusResponse is the body of GET /v1/runtime/status.
type runtimeStatusResponse struct {
	runtime.Status
	ActiveMissionIDs []uuid.UUID     `json:"active_mission_ids"`
	PendingMissions  []model.Mission `json:"pending_missions"`
}

// HandleRuntimeStatus handles GET /v1/runtime/status.
func (h *Handlers) HandleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.ListPendingMissions(r.Context(), pendingSnapshotLimit)
	if err != nil {
		h.writeInternalError(w, r, "list pending missions", err)
		return
	}
	if pending == nil {
		pending = []model.Mission{}
	}
	writeJSON(w, r, http.StatusOK, runtimeStatusResponse{
		Status:           h.runtime.Status(),
		ActiveMissionIDs: h.runtime.ActiveMissionIDs(),
		PendingMissions:  pending,
	})
}

// HandleRuntimeStart handles POST /v1/runtime/start.
func (h *Handlers) HandleRuntimeStart(w http.ResponseWriter, r *http.Request) {
	if err := h.runtime.Start(r.Context()); err != nil {
		h.writeInternalError(w, r, "start runtime", err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.runtime.Status())
}

// HandleRuntimeStop handles POST /v1/runtime/stop.
func (h *Handlers) HandleRuntimeStop(w http.ResponseWriter, r *http.Request) {
	h.runtime.Stop(r.Context())
	writeJSON(w, r, http.StatusOK, h.runtime.Status())
}

// HandleRuntimeConfig handles PATCH /v1/runtime/config.
func (h *Handlers) HandleRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var req model.RuntimeConfigRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var patch runtime.Patch
	var err error
	if patch.HeartbeatInterval, err = parseDurationField("heartbeat_interval", req.HeartbeatInterval); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if patch.MissionPollInterval, err = parseDurationField("mission_poll_interval", req.MissionPollInterval); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	patch.MaxConcurrentMissions = req.MaxConcurrentMissions

	cfg, err := h.runtime.Configure(patch)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, cfg.View())
}

func parseDurationField(name string, raw *string) (*time.Duration, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return nil, errors.New(name + ": invalid duration " + *raw)
	}
	return &d, nil
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "live feed not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(formatSSE(event)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// pathUUID parses a UUID path value, writing a 400 when it is malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// writeStoreError maps storage.ErrNotFound to 404 and anything else to 500.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, op, notFound string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFound)
		return
	}
	h.writeInternalError(w, r, op, err)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("http: "+op, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, op+" failed")
}
