// Package api implements the controller HTTP surface: CR trigger and
// inspection, operator interventions, resume, the SSE event stream, and
// the config endpoints.
package api

import (
	"context"
	"log/slog"

	echo "github.com/labstack/echo/v5"

	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/database"
	"github.com/hadron-ai/hadron/pkg/models"
)

// runStore is the slice of the database store the handlers use.
type runStore interface {
	CreateRun(ctx context.Context, run *database.CRRun) error
	GetRun(ctx context.Context, crID string) (*database.CRRun, error)
	ListRuns(ctx context.Context, limit int) ([]*database.CRRun, error)
	UpdateStatus(ctx context.Context, crID, status, errText string) error
	LatestCheckpoint(ctx context.Context, crID string) (string, *models.PipelineState, error)
	Audit(ctx context.Context, crID, action string, details map[string]any) error
}

// eventBus is the slice of the event bus the handlers use.
type eventBus interface {
	Emit(ctx context.Context, ev models.Event) error
	Replay(ctx context.Context, crID, fromID string) ([]models.Event, string, error)
	Subscribe(ctx context.Context, crID, lastID string) <-chan models.Event
}

// interventionStore is the slice of the intervention manager the handlers use.
type interventionStore interface {
	SetIntervention(ctx context.Context, crID, instructions string) error
	SetNudge(ctx context.Context, crID, role, message string) error
	StoreResumeOverrides(ctx context.Context, crID string, overrides map[string]any) error
	GetConversation(ctx context.Context, crID, key string) (string, error)
	WorkerLog(ctx context.Context, crID string) (string, error)
}

// workerSpawner starts a worker process for a CR.
type workerSpawner interface {
	Spawn(ctx context.Context, crID string) error
}

// Server holds the handler dependencies.
type Server struct {
	store         runStore
	bus           eventBus
	interventions interventionStore
	spawner       workerSpawner
	pipeline      config.PipelineDefaults

	checkPostgres func(ctx context.Context) error
	checkRedis    func(ctx context.Context) error

	log *slog.Logger
}

// Deps are the server's constructor dependencies.
type Deps struct {
	Store         runStore
	Bus           eventBus
	Interventions interventionStore
	Spawner       workerSpawner
	Pipeline      config.PipelineDefaults

	CheckPostgres func(ctx context.Context) error
	CheckRedis    func(ctx context.Context) error

	Log *slog.Logger
}

// NewServer wires a server.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		store:         d.Store,
		bus:           d.Bus,
		interventions: d.Interventions,
		spawner:       d.Spawner,
		pipeline:      d.Pipeline,
		checkPostgres: d.CheckPostgres,
		checkRedis:    d.CheckRedis,
		log:           log,
	}
}

// Routes builds the echo instance with all routes registered. The caller
// serves it through its own http.Server.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()

	e.GET("/healthz", s.healthzHandler)
	e.GET("/readyz", s.readyzHandler)

	api := e.Group("/api")
	api.POST("/pipeline/trigger", s.triggerHandler)
	api.GET("/pipeline/list", s.listRunsHandler)
	api.GET("/pipeline/:cr_id", s.getRunHandler)
	api.POST("/pipeline/:cr_id/intervene", s.interveneHandler)
	api.POST("/pipeline/:cr_id/resume", s.resumeHandler)
	api.POST("/pipeline/:cr_id/nudge", s.nudgeHandler)
	api.GET("/pipeline/:cr_id/conversation", s.conversationHandler)
	api.GET("/pipeline/:cr_id/logs", s.workerLogHandler)
	api.GET("/events/stream", s.eventStreamHandler)
	api.GET("/config/models", s.configModelsHandler)
	api.GET("/config/providers", s.configProvidersHandler)

	return e
}

func (s *Server) emit(ctx context.Context, ev models.Event) {
	if err := s.bus.Emit(ctx, ev); err != nil {
		s.log.Warn("Failed to emit event", "cr_id", ev.CRID, "event_type", ev.Type, "error", err)
	}
}

// audit failures are reported but never fail the request.
func (s *Server) audit(ctx context.Context, crID, action string, details map[string]any) {
	if err := s.store.Audit(ctx, crID, action, details); err != nil {
		s.log.Warn("Failed to write audit entry", "cr_id", crID, "action", action, "error", err)
	}
}
