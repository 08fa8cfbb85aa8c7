package state

import (
	"context"
	"time"
)

// DayKey is the canonical key for daily counters.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// IncrCounter adds delta to a named daily counter for a bot type.
func (s *Store) IncrCounter(ctx context.Context, day, botType, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counters (day, bot_type, name, value) VALUES (?,?,?,?)
		 ON CONFLICT(day, bot_type, name) DO UPDATE SET value = counters.value + excluded.value`,
		day, botType, name, delta,
	)
	return err
}

// Counter returns the counter value, 0 if absent.
func (s *Store) Counter(ctx context.Context, day, botType, name string) (int64, error) {
	var v int64
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE day = ? AND bot_type = ? AND name = ?`,
		day, botType, name)
	err := row.Scan(&v)
	if isNoRows(err) {
		return 0, nil
	}
	return v, err
}

// Counters returns all counters for a day keyed "bot_type/name".
func (s *Store) Counters(ctx context.Context, day string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bot_type, name, value FROM counters WHERE day = ?`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			botType, name string
			v             int64
		)
		if err := rows.Scan(&botType, &name, &v); err != nil {
			return nil, err
		}
		out[botType+"/"+name] = v
	}
	return out, rows.Err()
}

// PruneCounters deletes counters for days before the cutoff day key.
func (s *Store) PruneCounters(ctx context.Context, beforeDay string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE day < ?`, beforeDay)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
