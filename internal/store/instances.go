package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// CreateInstance inserts a model instance and fills in its id.
func (s *Store) CreateInstance(ctx context.Context, mi *types.ModelInstance) error {
	gpus, err := json.Marshal(mi.GPUIndexes)
	if err != nil {
		return fmt.Errorf("marshal gpu indexes: %w", err)
	}
	claim, err := json.Marshal(mi.Claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	t := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO model_instances (name, model_id, model_name, worker_id, worker_ip, state, state_message, gpu_indexes, claim, port, pid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mi.Name, mi.ModelID, mi.ModelName, mi.WorkerID, mi.WorkerIP, string(mi.State), mi.StateMessage,
		string(gpus), string(claim), mi.Port, mi.PID, t, t)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	mi.ID = id
	mi.CreatedAt = t
	mi.UpdatedAt = t
	return nil
}

// UpdateInstance rewrites the mutable fields of an instance.
func (s *Store) UpdateInstance(ctx context.Context, mi *types.ModelInstance) error {
	gpus, err := json.Marshal(mi.GPUIndexes)
	if err != nil {
		return fmt.Errorf("marshal gpu indexes: %w", err)
	}
	claim, err := json.Marshal(mi.Claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	t := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_instances SET worker_id = ?, worker_ip = ?, state = ?, state_message = ?, gpu_indexes = ?, claim = ?, port = ?, pid = ?, updated_at = ?
		WHERE id = ?`,
		mi.WorkerID, mi.WorkerIP, string(mi.State), mi.StateMessage, string(gpus), string(claim), mi.Port, mi.PID, t, mi.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("model instance")
	}
	mi.UpdatedAt = t
	return nil
}

// GetInstance returns the instance by id.
func (s *Store) GetInstance(ctx context.Context, id int64) (types.ModelInstance, error) {
	row := s.db.QueryRowContext(ctx, instanceSelect+` WHERE id = ?`, id)
	return scanInstance(row)
}

// InstanceFilter narrows ListInstances. Zero values mean "any".
type InstanceFilter struct {
	ModelID  int64
	WorkerID int64
	State    types.ModelInstanceState
}

// ListInstances returns instances matching the filter, ordered by id.
func (s *Store) ListInstances(ctx context.Context, f InstanceFilter) ([]types.ModelInstance, error) {
	q := instanceSelect + ` WHERE 1=1`
	var args []any
	if f.ModelID != 0 {
		q += ` AND model_id = ?`
		args = append(args, f.ModelID)
	}
	if f.WorkerID != 0 {
		q += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, string(f.State))
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ModelInstance
	for rows.Next() {
		mi, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mi)
	}
	return out, rows.Err()
}

// DeleteInstance removes the instance row.
func (s *Store) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("model instance")
	}
	return nil
}

// ResetInstancesForWorker sends instances assigned to a gone worker back to
// pending so the scheduler can place them elsewhere.
func (s *Store) ResetInstancesForWorker(ctx context.Context, workerID int64) error {
	t := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_instances SET worker_id = 0, worker_ip = '', state = ?, state_message = 'worker removed', gpu_indexes = '[]', claim = '{}', port = 0, pid = 0, updated_at = ?
		WHERE worker_id = ?`,
		string(types.InstancePending), t, workerID)
	return err
}

// CountInstancesByState returns instance counts keyed by state, for metrics.
func (s *Store) CountInstancesByState(ctx context.Context) (map[types.ModelInstanceState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM model_instances GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ModelInstanceState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[types.ModelInstanceState(state)] = n
	}
	return out, rows.Err()
}

const instanceSelect = `SELECT id, name, model_id, model_name, worker_id, worker_ip, state, state_message, gpu_indexes, claim, port, pid, created_at, updated_at FROM model_instances`

func scanInstance(row rowScanner) (types.ModelInstance, error) {
	var mi types.ModelInstance
	var state, gpus, claim string
	var created, updated time.Time
	err := row.Scan(&mi.ID, &mi.Name, &mi.ModelID, &mi.ModelName, &mi.WorkerID, &mi.WorkerIP,
		&state, &mi.StateMessage, &gpus, &claim, &mi.Port, &mi.PID, &created, &updated)
	if err != nil {
		return mi, scanErr("model instance", err)
	}
	mi.State = types.ModelInstanceState(state)
	mi.CreatedAt = created
	mi.UpdatedAt = updated
	if err := json.Unmarshal([]byte(gpus), &mi.GPUIndexes); err != nil {
		return mi, fmt.Errorf("unmarshal gpu indexes: %w", err)
	}
	if err := json.Unmarshal([]byte(claim), &mi.Claim); err != nil {
		return mi, fmt.Errorf("unmarshal claim: %w", err)
	}
	return mi, nil
}
