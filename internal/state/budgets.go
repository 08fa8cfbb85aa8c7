package state

import (
	"context"
	"time"
)

func (s *Store) GetRateBudget(ctx context.Context, service string) (*RateBudget, error) {
	var (
		b           RateBudget
		windowStart int64
		windowMS    int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT service, window_start, window_ms, consumed, max_count
		 FROM rate_budgets WHERE service = ?`, service)
	err := row.Scan(&b.Service, &windowStart, &windowMS, &b.Consumed, &b.Limit)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.WindowStart = fromMS(windowStart)
	b.Window = time.Duration(windowMS) * time.Millisecond
	return &b, nil
}

// PutRateBudget overwrites the persisted window for a service. The rate
// limiter serializes callers, so a plain upsert is enough here.
func (s *Store) PutRateBudget(ctx context.Context, b RateBudget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_budgets (service, window_start, window_ms, consumed, max_count)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(service) DO UPDATE SET
		   window_start = excluded.window_start,
		   window_ms = excluded.window_ms,
		   consumed = excluded.consumed,
		   max_count = excluded.max_count`,
		b.Service, ms(b.WindowStart), b.Window.Milliseconds(), b.Consumed, b.Limit,
	)
	return err
}

func (s *Store) ListRateBudgets(ctx context.Context) ([]RateBudget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service, window_start, window_ms, consumed, max_count
		 FROM rate_budgets ORDER BY service`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RateBudget
	for rows.Next() {
		var (
			b           RateBudget
			windowStart int64
			windowMS    int64
		)
		if err := rows.Scan(&b.Service, &windowStart, &windowMS, &b.Consumed, &b.Limit); err != nil {
			return nil, err
		}
		b.WindowStart = fromMS(windowStart)
		b.Window = time.Duration(windowMS) * time.Millisecond
		out = append(out, b)
	}
	return out, rows.Err()
}
