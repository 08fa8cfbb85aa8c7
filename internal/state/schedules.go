package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const scheduleColumns = `id, bot_type, trigger_spec, priority, payload, enabled,
	daily_cap, last_fired_at, version`

func scanSchedule(r rowScanner) (*Schedule, error) {
	var (
		sc        Schedule
		payload   sql.NullString
		priority  int
		enabled   int
		lastFired sql.NullInt64
	)
	err := r.Scan(&sc.ID, &sc.BotType, &sc.Trigger, &priority, &payload, &enabled,
		&sc.DailyCap, &lastFired, &sc.Version)
	if err != nil {
		return nil, err
	}
	sc.Priority = Priority(priority)
	if payload.Valid {
		sc.Payload = json.RawMessage(payload.String)
	}
	sc.Enabled = enabled != 0
	sc.LastFiredAt = fromNullMS(lastFired)
	return &sc, nil
}

// UpsertSchedule reconciles one declared schedule into the store. Identity,
// trigger and policy columns come from config; last_fired_at and version are
// preserved for existing rows.
func (s *Store) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	if sc == nil || strings.TrimSpace(sc.ID) == "" {
		return fmt.Errorf("schedule id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, bot_type, trigger_spec, priority, payload, enabled, daily_cap, version)
		 VALUES (?,?,?,?,?,?,?,1)
		 ON CONFLICT(id) DO UPDATE SET
		   bot_type = excluded.bot_type,
		   trigger_spec = excluded.trigger_spec,
		   priority = excluded.priority,
		   payload = excluded.payload,
		   enabled = excluded.enabled,
		   daily_cap = excluded.daily_cap,
		   version = schedules.version + 1`,
		sc.ID, sc.BotType, sc.Trigger, int(sc.Priority),
		nullBytes(sc.Payload), boolInt(sc.Enabled), sc.DailyCap,
	)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule writes back the mutable columns (enabled, last_fired_at),
// guarded by the version the caller read.
func (s *Store) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	if sc == nil {
		return fmt.Errorf("schedule is nil")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, last_fired_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		boolInt(sc.Enabled), msPtr(sc.LastFiredAt), sc.ID, sc.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM schedules WHERE id = ?`, sc.ID)
		if err := row.Scan(&exists); isNoRows(err) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrConflict
	}
	sc.Version++
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
