// Package worker drives one CR's pipeline run from loaded state to a
// terminal status. The controller spawns one worker process per CR; the
// worker owns the run row's status, error, and cost for its lifetime and
// is the only emitter of terminal pipeline events.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hadron-ai/hadron/pkg/database"
	"github.com/hadron-ai/hadron/pkg/models"
	"github.com/hadron-ai/hadron/pkg/pipeline"
)

// runStore is the slice of the database store the driver uses.
type runStore interface {
	GetRun(ctx context.Context, crID string) (*database.CRRun, error)
	UpdateStatus(ctx context.Context, crID, status, errText string) error
	UpdateCost(ctx context.Context, crID string, costUSD float64) error
	LatestCheckpoint(ctx context.Context, crID string) (string, *models.PipelineState, error)
	Audit(ctx context.Context, crID, action string, details map[string]any) error
}

// graphEngine is satisfied by pipeline.Engine.
type graphEngine interface {
	Run(ctx context.Context, st *models.PipelineState) error
	ResumeFrom(ctx context.Context, node string, overrides models.Delta, st *models.PipelineState) error
}

// overrideTaker is the slice of the intervention manager the driver uses.
type overrideTaker interface {
	TakeResumeOverrides(ctx context.Context, crID string) (map[string]any, error)
}

// eventSink appends events to the CR's stream.
type eventSink interface {
	Emit(ctx context.Context, ev models.Event) error
}

// Driver executes one CR run end to end.
type Driver struct {
	store     runStore
	events    eventSink
	overrides overrideTaker
	engine    graphEngine
	log       *slog.Logger
}

// NewDriver wires a driver.
func NewDriver(store runStore, events eventSink, overrides overrideTaker, engine graphEngine, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{store: store, events: events, overrides: overrides, engine: engine, log: log}
}

// Execute runs the pipeline for one CR: load the run row, flip it to
// running, resume from the latest checkpoint when one exists (applying any
// stored resume overrides), otherwise start fresh. On exit the final
// status is derived from the pipeline state, persisted, and announced with
// the matching terminal event.
func (d *Driver) Execute(ctx context.Context, crID string) error {
	run, err := d.store.GetRun(ctx, crID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", crID, err)
	}

	if err := d.store.UpdateStatus(ctx, crID, models.StatusRunning, ""); err != nil {
		return fmt.Errorf("failed to mark run %s running: %w", crID, err)
	}

	st, resumed, err := d.loadState(ctx, run)
	if err != nil {
		d.finishFailed(ctx, crID, st, err)
		return err
	}

	overrides, err := d.overrides.TakeResumeOverrides(ctx, crID)
	if err != nil {
		// Overrides are advisory; a KVS hiccup must not block the run.
		d.log.Warn("Failed to take resume overrides", "cr_id", crID, "error", err)
		overrides = nil
	}

	d.emit(ctx, crID, models.EventPipelineStarted, "", map[string]any{
		"resumed": resumed,
		"source":  run.Source,
	})
	d.audit(ctx, crID, "worker_started", map[string]any{"resumed": resumed})

	var runErr error
	if resumed {
		node := pipeline.ResumeNode(overrides)
		d.log.Info("Resuming pipeline", "cr_id", crID, "node", node, "override_keys", len(overrides))
		runErr = d.engine.ResumeFrom(ctx, node, pipeline.DeltaFromOverrides(overrides), st)
	} else {
		if len(overrides) > 0 {
			// No checkpoint to resume from, but the intent is clear: fold
			// the overrides into the fresh state.
			st.Apply(pipeline.DeltaFromOverrides(overrides))
		}
		d.log.Info("Starting pipeline", "cr_id", crID, "source", run.Source)
		runErr = d.engine.Run(ctx, st)
	}

	if runErr != nil {
		d.finishFailed(ctx, crID, st, runErr)
		return runErr
	}

	status := st.Status
	switch status {
	case models.StatusPaused, models.StatusFailed:
	default:
		status = models.StatusCompleted
	}

	if err := d.store.UpdateStatus(ctx, crID, status, st.Error); err != nil {
		d.log.Error("Failed to persist final status", "cr_id", crID, "status", status, "error", err)
	}
	if err := d.store.UpdateCost(ctx, crID, st.CostUSD); err != nil {
		d.log.Error("Failed to persist run cost", "cr_id", crID, "error", err)
	}

	d.emit(ctx, crID, terminalEvent(status), st.CurrentStage, map[string]any{
		"status":   status,
		"error":    st.Error,
		"cost_usd": st.CostUSD,
	})
	d.audit(ctx, crID, "worker_finished", map[string]any{
		"status":   status,
		"cost_usd": st.CostUSD,
	})
	d.log.Info("Pipeline run finished", "cr_id", crID, "status", status, "cost_usd", st.CostUSD)
	return nil
}

// loadState returns the state to drive: the latest checkpoint when one
// exists, otherwise a fresh state assembled from the run row.
func (d *Driver) loadState(ctx context.Context, run *database.CRRun) (*models.PipelineState, bool, error) {
	node, st, err := d.store.LatestCheckpoint(ctx, run.CRID)
	if err == nil {
		d.log.Info("Loaded checkpoint", "cr_id", run.CRID, "node", node)
		return st, true, nil
	}
	if err != database.ErrNotFound {
		return nil, false, fmt.Errorf("failed to load checkpoint for %s: %w", run.CRID, err)
	}

	st, err = initialState(run)
	if err != nil {
		return nil, false, err
	}
	return st, false, nil
}

// initialState builds a fresh pipeline state from the persisted run row.
func initialState(run *database.CRRun) (*models.PipelineState, error) {
	var cr map[string]any
	if err := json.Unmarshal(run.RawCR, &cr); err != nil {
		return nil, fmt.Errorf("failed to decode raw CR for %s: %w", run.CRID, err)
	}
	var snapshot models.ConfigSnapshot
	if err := json.Unmarshal(run.ConfigSnapshot, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode config snapshot for %s: %w", run.CRID, err)
	}

	st := &models.PipelineState{
		CRID:   run.CRID,
		Source: run.Source,
		CR:     cr,
		Status: models.StatusRunning,
		Config: snapshot,
	}
	if url, ok := cr["repo_url"].(string); ok && url != "" {
		st.AffectedRepos = []string{url}
	}
	return st, nil
}

// finishFailed persists the failure and emits pipeline_failed. st may be
// nil when state assembly itself failed.
func (d *Driver) finishFailed(ctx context.Context, crID string, st *models.PipelineState, cause error) {
	stage := ""
	cost := 0.0
	if st != nil {
		stage = st.CurrentStage
		cost = st.CostUSD
	}

	if err := d.store.UpdateStatus(ctx, crID, models.StatusFailed, cause.Error()); err != nil {
		d.log.Error("Failed to persist failed status", "cr_id", crID, "error", err)
	}
	if cost > 0 {
		if err := d.store.UpdateCost(ctx, crID, cost); err != nil {
			d.log.Error("Failed to persist run cost", "cr_id", crID, "error", err)
		}
	}
	d.emit(ctx, crID, models.EventPipelineFailed, stage, map[string]any{
		"status":   models.StatusFailed,
		"error":    cause.Error(),
		"cost_usd": cost,
	})
	d.audit(ctx, crID, "worker_failed", map[string]any{"error": cause.Error()})
	d.log.Error("Pipeline run failed", "cr_id", crID, "error", cause)
}

func terminalEvent(status string) models.EventType {
	switch status {
	case models.StatusPaused:
		return models.EventPipelinePaused
	case models.StatusFailed:
		return models.EventPipelineFailed
	default:
		return models.EventPipelineCompleted
	}
}

func (d *Driver) emit(ctx context.Context, crID string, t models.EventType, stage string, data map[string]any) {
	if err := d.events.Emit(ctx, models.NewEvent(crID, t, stage, data)); err != nil {
		d.log.Warn("Failed to emit event", "cr_id", crID, "event_type", t, "error", err)
	}
}

// audit failures are reported but never fatal.
func (d *Driver) audit(ctx context.Context, crID, action string, details map[string]any) {
	if err := d.store.Audit(ctx, crID, action, details); err != nil {
		d.log.Warn("Failed to write audit entry", "cr_id", crID, "action", action, "error", err)
	}
}
