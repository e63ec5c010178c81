package database

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hadron-ai/hadron/pkg/models"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound            = errors.New("cr run not found")
	ErrDuplicateExternalID = errors.New("external_id already exists")
)

// CRRun is one row of the cr_runs table.
type CRRun struct {
	CRID           string          `json:"cr_id"`
	Status         string          `json:"status"`
	ExternalID     string          `json:"external_id,omitempty"`
	Source         string          `json:"source"`
	RawCR          json.RawMessage `json:"raw_cr"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	CostUSD        float64         `json:"cost_usd"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RunStore persists CR runs, checkpoints, and audit entries.
type RunStore struct {
	db *stdsql.DB
}

// NewRunStore creates a store on the shared pool.
func NewRunStore(client *Client) *RunStore {
	return &RunStore{db: client.DB()}
}

// NewRunStoreFromDB wraps an existing pool (useful for tests).
func NewRunStoreFromDB(db *stdsql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a pending run. A duplicate external_id maps to
// ErrDuplicateExternalID so the API can answer 409.
func (s *RunStore) CreateRun(ctx context.Context, run *CRRun) error {
	externalID := stdsql.NullString{String: run.ExternalID, Valid: run.ExternalID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cr_runs (cr_id, status, external_id, source, raw_cr_json, config_snapshot_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.CRID, run.Status, externalID, run.Source, []byte(run.RawCR), []byte(run.ConfigSnapshot),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("failed to insert cr run: %w", err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *RunStore) GetRun(ctx context.Context, crID string) (*CRRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cr_id, status, external_id, source, raw_cr_json, config_snapshot_json,
		       cost_usd, error, created_at, updated_at
		FROM cr_runs WHERE cr_id = $1`, crID)
	return scanRun(row)
}

// ListRuns returns runs newest-first, capped at limit.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*CRRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr_id, status, external_id, source, raw_cr_json, config_snapshot_json,
		       cost_usd, error, created_at, updated_at
		FROM cr_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cr runs: %w", err)
	}
	defer rows.Close()

	var runs []*CRRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*CRRun, error) {
	var run CRRun
	var externalID, errText stdsql.NullString
	var rawCR, snapshot []byte
	err := row.Scan(&run.CRID, &run.Status, &externalID, &run.Source, &rawCR, &snapshot,
		&run.CostUSD, &errText, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cr run: %w", err)
	}
	run.ExternalID = externalID.String
	run.Error = errText.String
	run.RawCR = rawCR
	run.ConfigSnapshot = snapshot
	return &run, nil
}

// UpdateStatus sets the run status (and clears or sets the error text).
func (s *RunStore) UpdateStatus(ctx context.Context, crID, status, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cr_runs SET status = $2, error = NULLIF($3, ''), updated_at = now()
		WHERE cr_id = $1`, crID, status, errText)
	if err != nil {
		return fmt.Errorf("failed to update cr run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCost records the accumulated run cost.
func (s *RunStore) UpdateCost(ctx context.Context, crID string, costUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cr_runs SET cost_usd = $2, updated_at = now() WHERE cr_id = $1`, crID, costUSD)
	if err != nil {
		return fmt.Errorf("failed to update cr run cost: %w", err)
	}
	return nil
}

// SaveCheckpoint appends the post-node state for (cr, node).
func (s *RunStore) SaveCheckpoint(ctx context.Context, crID, node string, state *models.PipelineState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (cr_id, node, state_json) VALUES ($1, $2, $3)`,
		crID, node, payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a CR, or
// ErrNotFound when the run has never checkpointed.
func (s *RunStore) LatestCheckpoint(ctx context.Context, crID string) (string, *models.PipelineState, error) {
	var node string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT node, state_json FROM checkpoints
		WHERE cr_id = $1 ORDER BY id DESC LIMIT 1`, crID).Scan(&node, &payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var state models.PipelineState
	if err := json.Unmarshal(payload, &state); err != nil {
		return "", nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return node, &state, nil
}

// Audit appends one audit-log entry. Audit failures are reported but are
// never fatal to callers by convention.
func (s *RunStore) Audit(ctx context.Context, crID, action string, details map[string]any) error {
	var payload []byte
	if details != nil {
		var err error
		payload, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}
	id := stdsql.NullString{String: crID, Valid: crID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (cr_id, action, details) VALUES ($1, $2, $3)`,
		id, action, payload)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
