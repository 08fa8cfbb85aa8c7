package state

import (
	"context"
	"database/sql"
	"time"
)

// UpsertHeartbeat overwrites the worker's liveness record. Only the worker
// that owns worker_id writes it; the health monitor reads.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (worker_id, last_seen_at, current_job_id)
		 VALUES (?,?,?)
		 ON CONFLICT(worker_id) DO UPDATE SET
		   last_seen_at = excluded.last_seen_at,
		   current_job_id = excluded.current_job_id`,
		hb.WorkerID, ms(hb.LastSeenAt), nullStr(hb.CurrentJobID),
	)
	return err
}

func (s *Store) GetHeartbeat(ctx context.Context, workerID string) (*Heartbeat, error) {
	var (
		hb       Heartbeat
		lastSeen int64
		jobID    sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT worker_id, last_seen_at, current_job_id FROM heartbeats WHERE worker_id = ?`, workerID)
	err := row.Scan(&hb.WorkerID, &lastSeen, &jobID)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	hb.LastSeenAt = fromMS(lastSeen)
	hb.CurrentJobID = jobID.String
	return &hb, nil
}

func (s *Store) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, last_seen_at, current_job_id FROM heartbeats ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var (
			hb       Heartbeat
			lastSeen int64
			jobID    sql.NullString
		)
		if err := rows.Scan(&hb.WorkerID, &lastSeen, &jobID); err != nil {
			return nil, err
		}
		hb.LastSeenAt = fromMS(lastSeen)
		hb.CurrentJobID = jobID.String
		out = append(out, hb)
	}
	return out, rows.Err()
}

// DeleteHeartbeat removes a worker's record, e.g. after clean shutdown.
func (s *Store) DeleteHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE worker_id = ?`, workerID)
	return err
}
