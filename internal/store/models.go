package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// CreateModel inserts a model deployment and fills in its id and timestamps.
func (s *Store) CreateModel(ctx context.Context, m *types.Model) error {
	params, err := json.Marshal(m.BackendParams)
	if err != nil {
		return fmt.Errorf("marshal backend params: %w", err)
	}
	t := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO models (name, source, huggingface_repo_id, huggingface_filename, local_path, category, backend, backend_params, replicas, vram_claim, placement_strategy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, string(m.Source), m.HuggingFaceRepoID, m.HuggingFaceFilename, m.LocalPath,
		string(m.Category), string(m.Backend), string(params), m.Replicas, m.VRAMClaim,
		string(m.PlacementStrategy), t, t)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	m.CreatedAt = t
	m.UpdatedAt = t
	return nil
}

// UpdateModel rewrites the mutable fields of a model.
func (s *Store) UpdateModel(ctx context.Context, m *types.Model) error {
	params, err := json.Marshal(m.BackendParams)
	if err != nil {
		return fmt.Errorf("marshal backend params: %w", err)
	}
	t := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET name = ?, source = ?, huggingface_repo_id = ?, huggingface_filename = ?, local_path = ?,
			category = ?, backend = ?, backend_params = ?, replicas = ?, vram_claim = ?, placement_strategy = ?, updated_at = ?
		WHERE id = ?`,
		m.Name, string(m.Source), m.HuggingFaceRepoID, m.HuggingFaceFilename, m.LocalPath,
		string(m.Category), string(m.Backend), string(params), m.Replicas, m.VRAMClaim,
		string(m.PlacementStrategy), t, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("model")
	}
	m.UpdatedAt = t
	return nil
}

// GetModel returns the model by id.
func (s *Store) GetModel(ctx context.Context, id int64) (types.Model, error) {
	row := s.db.QueryRowContext(ctx, modelSelect+` WHERE id = ?`, id)
	return scanModel(row)
}

// GetModelByName returns the model by its unique name.
func (s *Store) GetModelByName(ctx context.Context, name string) (types.Model, error) {
	row := s.db.QueryRowContext(ctx, modelSelect+` WHERE name = ?`, name)
	return scanModel(row)
}

// ListModels returns all models ordered by id.
func (s *Store) ListModels(ctx context.Context) ([]types.Model, error) {
	rows, err := s.db.QueryContext(ctx, modelSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteModel removes the model; its instances cascade.
func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("model")
	}
	// Cascade manually: the pragma enabling FK enforcement is per-connection.
	_, err = s.db.ExecContext(ctx, `DELETE FROM model_instances WHERE model_id = ?`, id)
	return err
}

const modelSelect = `SELECT id, name, source, huggingface_repo_id, huggingface_filename, local_path, category, backend, backend_params, replicas, vram_claim, placement_strategy, created_at, updated_at FROM models`

func scanModel(row rowScanner) (types.Model, error) {
	var m types.Model
	var source, category, backend, params, placement string
	var created, updated time.Time
	err := row.Scan(&m.ID, &m.Name, &source, &m.HuggingFaceRepoID, &m.HuggingFaceFilename, &m.LocalPath,
		&category, &backend, &params, &m.Replicas, &m.VRAMClaim, &placement, &created, &updated)
	if err != nil {
		return m, scanErr("model", err)
	}
	m.Source = types.ModelSource(source)
	m.Category = types.ModelCategory(category)
	m.Backend = types.BackendName(backend)
	m.PlacementStrategy = types.PlacementStrategy(placement)
	m.CreatedAt = created
	m.UpdatedAt = updated
	if err := json.Unmarshal([]byte(params), &m.BackendParams); err != nil {
		return m, fmt.Errorf("unmarshal backend params: %w", err)
	}
	return m, nil
}
