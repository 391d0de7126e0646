package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MasterYang7/gpustack/pkg/types"
)

// UpsertWorker inserts a worker or, when one with the same UUID exists,
// updates it in place. Registration is idempotent on the UUID.
func (s *Store) UpsertWorker(ctx context.Context, w *types.Worker) error {
	labels, err := json.Marshal(w.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	status, err := json.Marshal(w.Status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	t := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (uuid, name, hostname, ip, port, labels, state, state_message, status, heartbeat_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			ip = excluded.ip,
			port = excluded.port,
			labels = excluded.labels,
			state = excluded.state,
			state_message = excluded.state_message,
			status = excluded.status,
			heartbeat_time = excluded.heartbeat_time,
			updated_at = excluded.updated_at`,
		w.UUID, w.Name, w.Hostname, w.IP, w.Port, string(labels), string(w.State), w.StateMessage, string(status), t, t, t)
	if err != nil {
		return err
	}
	// LastInsertId reflects the connection's last insert into any table, which
	// is wrong on the conflict path; resolve the row id by uuid instead.
	row := s.db.QueryRowContext(ctx, `SELECT id FROM workers WHERE uuid = ?`, w.UUID)
	if err := row.Scan(&w.ID); err != nil {
		return scanErr("worker", err)
	}
	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		return err
	}
	*w = got
	return nil
}

// UpdateWorkerStatus records a heartbeat: state, message and resource status.
func (s *Store) UpdateWorkerStatus(ctx context.Context, id int64, state types.WorkerState, stateMessage string, status types.WorkerStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	t := now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET state = ?, state_message = ?, status = ?, heartbeat_time = ?, updated_at = ? WHERE id = ?`,
		string(state), stateMessage, string(b), t, t, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("worker")
	}
	return nil
}

// MarkWorkersUnreachable flips ready workers whose last heartbeat is older
// than cutoff. Returns the ids flipped so callers can log them.
func (s *Store) MarkWorkersUnreachable(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workers WHERE state != ? AND heartbeat_time < ?`,
		string(types.WorkerStateUnreachable), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	t := now()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE workers SET state = ?, state_message = 'missed heartbeats', updated_at = ? WHERE id = ?`,
			string(types.WorkerStateUnreachable), t, id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// GetWorker returns the worker by id.
func (s *Store) GetWorker(ctx context.Context, id int64) (types.Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE id = ?`, id)
	return scanWorker(row)
}

// GetWorkerByUUID returns the worker by machine uuid.
func (s *Store) GetWorkerByUUID(ctx context.Context, uuid string) (types.Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE uuid = ?`, uuid)
	return scanWorker(row)
}

// ListWorkers returns all workers ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorker removes the worker row. Instances on it are left for the
// scheduler to reset back to pending.
func (s *Store) DeleteWorker(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("worker")
	}
	return nil
}

// CountWorkersByState returns worker counts keyed by state, for metrics.
func (s *Store) CountWorkersByState(ctx context.Context) (map[types.WorkerState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM workers GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.WorkerState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[types.WorkerState(state)] = n
	}
	return out, rows.Err()
}

const workerSelect = `SELECT id, uuid, name, hostname, ip, port, labels, state, state_message, status, heartbeat_time, created_at, updated_at FROM workers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (types.Worker, error) {
	var w types.Worker
	var labels, status, state string
	var hb, created, updated time.Time
	err := row.Scan(&w.ID, &w.UUID, &w.Name, &w.Hostname, &w.IP, &w.Port, &labels, &state, &w.StateMessage, &status, &hb, &created, &updated)
	if err != nil {
		return w, scanErr("worker", err)
	}
	w.State = types.WorkerState(state)
	w.HeartbeatTime = hb
	w.CreatedAt = created
	w.UpdatedAt = updated
	if err := json.Unmarshal([]byte(labels), &w.Labels); err != nil {
		return w, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal([]byte(status), &w.Status); err != nil {
		return w, fmt.Errorf("unmarshal status: %w", err)
	}
	return w, nil
}
