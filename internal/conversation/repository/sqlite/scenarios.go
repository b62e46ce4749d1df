package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/db/dialect"
)

type scenarioVersionRow struct {
	ID            string    `db:"id"`
	ScenarioID    string    `db:"scenario_id"`
	VersionNumber int       `db:"version_number"`
	ConfigJSON    string    `db:"config_json"`
	CreatedAt     time.Time `db:"created_at"`
	IsActive      int       `db:"is_active"`
}

func (row *scenarioVersionRow) toScenario() (*models.Scenario, error) {
	var sc models.Scenario
	if err := json.Unmarshal([]byte(row.ConfigJSON), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal scenario %s v%d: %w", row.ScenarioID, row.VersionNumber, err)
	}
	return &sc, nil
}

// InsertScenario stores a scenario document as version 1 and marks it active.
func (r *Repository) InsertScenario(ctx context.Context, sc *models.Scenario) error {
	if sc.Metadata.ID == "" {
		return apperrors.Validation("scenario metadata.id is required")
	}
	configJSON, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scenario %s: %w", sc.Metadata.ID, err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scenario insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO scenarios (id, name, active_version) VALUES (?, ?, 1)`),
		sc.Metadata.ID, sc.Metadata.Title); err != nil {
		return fmt.Errorf("insert scenario %s: %w", sc.Metadata.ID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO scenario_versions (id, scenario_id, version_number, config_json, created_at, is_active)
		VALUES (?, ?, 1, ?, ?, ?)`),
		uuid.New().String(), sc.Metadata.ID, string(configJSON), time.Now().UTC(), dialect.BoolToInt(true)); err != nil {
		return fmt.Errorf("insert scenario %s version: %w", sc.Metadata.ID, err)
	}
	return tx.Commit()
}

// GetActiveScenario returns the active version of a scenario document.
func (r *Repository) GetActiveScenario(ctx context.Context, id string) (*models.Scenario, error) {
	var row scenarioVersionRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`
		SELECT * FROM scenario_versions WHERE scenario_id = ? AND is_active = 1`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("scenario", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query scenario %s: %w", id, err)
	}
	return row.toScenario()
}

// ListScenarios returns the active version of every scenario.
func (r *Repository) ListScenarios(ctx context.Context) ([]*models.Scenario, error) {
	var rows []scenarioVersionRow
	err := r.ro.SelectContext(ctx, &rows, `
		SELECT sv.* FROM scenario_versions sv
		JOIN scenarios s ON s.id = sv.scenario_id
		WHERE sv.is_active = 1
		ORDER BY s.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	scenarios := make([]*models.Scenario, 0, len(rows))
	for i := range rows {
		sc, err := rows[i].toScenario()
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// UpdateScenario appends a new version and atomically flips the active
// pointer. Previous versions stay readable for conversations that reference
// them, since scenario versions are immutable once written.
func (r *Repository) UpdateScenario(ctx context.Context, id string, sc *models.Scenario) error {
	configJSON, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scenario %s: %w", id, err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scenario update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT active_version FROM scenarios WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("scenario", id)
	}
	if err != nil {
		return fmt.Errorf("query scenario %s: %w", id, err)
	}

	next := current + 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE scenario_versions SET is_active = 0 WHERE scenario_id = ?`), id); err != nil {
		return fmt.Errorf("deactivate scenario %s versions: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO scenario_versions (id, scenario_id, version_number, config_json, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), id, next, string(configJSON), time.Now().UTC(), dialect.BoolToInt(true)); err != nil {
		return fmt.Errorf("insert scenario %s v%d: %w", id, next, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE scenarios SET name = ?, active_version = ? WHERE id = ?`),
		sc.Metadata.Title, next, id); err != nil {
		return fmt.Errorf("update scenario %s pointer: %w", id, err)
	}
	return tx.Commit()
}

// DeleteScenario removes a scenario and all its versions.
func (r *Repository) DeleteScenario(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scenario delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM scenarios WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete scenario %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("scenario", id)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM scenario_versions WHERE scenario_id = ?`), id); err != nil {
		return fmt.Errorf("delete scenario %s versions: %w", id, err)
	}
	return tx.Commit()
}
