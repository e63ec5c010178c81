package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/hadron-ai/hadron/pkg/database"
	"github.com/hadron-ai/hadron/pkg/models"
)

// triggerHandler handles POST /api/pipeline/trigger: validate the CR,
// persist the pending run with a frozen config snapshot, and spawn its
// worker.
func (s *Server) triggerHandler(c *echo.Context) error {
	var cr models.ChangeRequest
	if err := c.Bind(&cr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := cr.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	crID := newCRID()
	cr.CRID = crID
	if cr.SubmittedAt.IsZero() {
		cr.SubmittedAt = time.Now().UTC()
	}

	rawCR, err := json.Marshal(&cr)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode change request")
	}
	snapshot, err := json.Marshal(s.pipeline.Snapshot())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode config snapshot")
	}

	ctx := c.Request().Context()
	if err := s.store.CreateRun(ctx, &database.CRRun{
		CRID:           crID,
		Status:         models.StatusPending,
		ExternalID:     cr.ExternalID,
		Source:         cr.Source,
		RawCR:          rawCR,
		ConfigSnapshot: snapshot,
	}); err != nil {
		return mapStoreError(err)
	}

	s.audit(ctx, crID, "cr_triggered", map[string]any{
		"source":      cr.Source,
		"external_id": cr.ExternalID,
	})

	if err := s.spawner.Spawn(ctx, crID); err != nil {
		s.log.Error("Failed to spawn worker", "cr_id", crID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError,
			fmt.Sprintf("run %s created but worker failed to start", crID))
	}

	s.log.Info("Triggered pipeline", "cr_id", crID, "source", cr.Source, "title", cr.Title)
	return c.JSON(http.StatusOK, &TriggerResponse{CRID: crID, Status: models.StatusPending})
}

// listRunsHandler handles GET /api/pipeline/list.
func (s *Server) listRunsHandler(c *echo.Context) error {
	runs, err := s.store.ListRuns(c.Request().Context(), 100)
	if err != nil {
		return mapStoreError(err)
	}

	summaries := make([]*RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary(run))
	}
	return c.JSON(http.StatusOK, summaries)
}

// getRunHandler handles GET /api/pipeline/:cr_id.
func (s *Server) getRunHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}

	ctx := c.Request().Context()
	run, err := s.store.GetRun(ctx, crID)
	if err != nil {
		return mapStoreError(err)
	}

	detail := &RunDetail{RunSummary: *runSummary(run)}
	node, st, err := s.store.LatestCheckpoint(ctx, crID)
	if err == nil {
		detail.Checkpoint = checkpointSummary(node, st)
	} else if !errors.Is(err, database.ErrNotFound) {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, detail)
}

// interveneHandler handles POST /api/pipeline/:cr_id/intervene. The
// instructions are consumed once by the next agent invocation that polls.
func (s *Server) interveneHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}

	var req InterveneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Instructions) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "instructions are required")
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetRun(ctx, crID); err != nil {
		return mapStoreError(err)
	}
	if err := s.interventions.SetIntervention(ctx, crID, req.Instructions); err != nil {
		s.log.Error("Failed to store intervention", "cr_id", crID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store intervention")
	}

	s.emit(ctx, models.NewEvent(crID, models.EventInterventionSet, "", map[string]any{
		"instructions": req.Instructions,
	}))
	s.audit(ctx, crID, "intervention_set", nil)

	return c.JSON(http.StatusOK, map[string]string{"status": "stored"})
}

// resumeHandler handles POST /api/pipeline/:cr_id/resume: store the state
// overrides, flip the run back to running, and spawn a fresh worker.
func (s *Server) resumeHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}

	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	run, err := s.store.GetRun(ctx, crID)
	if err != nil {
		return mapStoreError(err)
	}
	if run.Status != models.StatusPaused && run.Status != models.StatusFailed {
		return echo.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("run is %s; only paused or failed runs can be resumed", run.Status))
	}

	if len(req.StateOverrides) > 0 {
		if err := s.interventions.StoreResumeOverrides(ctx, crID, req.StateOverrides); err != nil {
			s.log.Error("Failed to store resume overrides", "cr_id", crID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to store resume overrides")
		}
	}
	if err := s.store.UpdateStatus(ctx, crID, models.StatusRunning, ""); err != nil {
		return mapStoreError(err)
	}

	s.audit(ctx, crID, "cr_resumed", map[string]any{"override_keys": len(req.StateOverrides)})

	if err := s.spawner.Spawn(ctx, crID); err != nil {
		s.log.Error("Failed to spawn worker for resume", "cr_id", crID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError,
			fmt.Sprintf("run %s marked running but worker failed to start", crID))
	}

	s.emit(ctx, models.NewEvent(crID, models.EventPipelineStarted, "", map[string]any{
		"resumed": true,
	}))

	s.log.Info("Resumed pipeline", "cr_id", crID, "override_keys", len(req.StateOverrides))
	return c.JSON(http.StatusOK, map[string]string{"cr_id": crID, "status": models.StatusRunning})
}

// nudgeHandler handles POST /api/pipeline/:cr_id/nudge.
func (s *Server) nudgeHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}

	var req NudgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Role == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	if err := s.interventions.SetNudge(c.Request().Context(), crID, req.Role, req.Message); err != nil {
		s.log.Error("Failed to store nudge", "cr_id", crID, "role", req.Role, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store nudge")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stored"})
}

// conversationHandler handles GET /api/pipeline/:cr_id/conversation?key=.
// The manager rejects keys outside the CR's conversation namespace.
func (s *Server) conversationHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key query parameter is required")
	}

	conv, err := s.interventions.GetConversation(c.Request().Context(), crID, key)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Blob(http.StatusOK, "application/json", []byte(conv))
}

// workerLogHandler handles GET /api/pipeline/:cr_id/logs.
func (s *Server) workerLogHandler(c *echo.Context) error {
	crID := c.Param("cr_id")
	if crID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cr id is required")
	}

	text, err := s.interventions.WorkerLog(c.Request().Context(), crID)
	if err != nil {
		s.log.Error("Failed to read worker log", "cr_id", crID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read worker log")
	}
	return c.String(http.StatusOK, text)
}

// newCRID mints a short opaque run id.
func newCRID() string {
	return "CR-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func runSummary(run *database.CRRun) *RunSummary {
	summary := &RunSummary{
		CRID:       run.CRID,
		Status:     run.Status,
		Source:     run.Source,
		ExternalID: run.ExternalID,
		CostUSD:    run.CostUSD,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}
	var raw struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(run.RawCR, &raw); err == nil {
		summary.Title = raw.Title
	}
	return summary
}
