package state

import (
	"context"
	"database/sql"
	"time"
)

// LogEvent appends one row to the orchestration event log.
func (s *Store) LogEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (at, kind, job_id, bot_type, detail) VALUES (?,?,?,?,?)`,
		ms(e.At), e.Kind, nullStr(e.JobID), nullStr(e.BotType), nullStr(e.Detail),
	)
	return err
}

// ListEvents returns the newest events first, up to limit.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, job_id, bot_type, detail
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                      Event
			at                     int64
			jobID, botType, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &jobID, &botType, &detail); err != nil {
			return nil, err
		}
		e.At = fromMS(at)
		e.JobID = jobID.String
		e.BotType = botType.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes log rows older than the cutoff.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
