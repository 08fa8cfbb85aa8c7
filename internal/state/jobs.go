package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, bot_type, priority, state, payload, result, last_error,
	attempt_count, max_attempts, schedule_id, created_at, started_at, finished_at,
	run_after, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                    Job
		payload, result      sql.NullString
		lastErr, scheduleID  sql.NullString
		priority             int
		createdAt, runAfter  int64
		startedAt, finished  sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.BotType, &priority, &j.State, &payload, &result, &lastErr,
		&j.AttemptCount, &j.MaxAttempts, &scheduleID, &createdAt, &startedAt, &finished,
		&runAfter, &j.Version)
	if err != nil {
		return nil, err
	}
	j.Priority = Priority(priority)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.LastError = lastErr.String
	j.ScheduleID = scheduleID.String
	j.CreatedAt = fromMS(createdAt)
	j.StartedAt = fromNullMS(startedAt)
	j.FinishedAt = fromNullMS(finished)
	j.RunAfter = fromMS(runAfter)
	return &j, nil
}

// CreateJob inserts a new job row. The caller owns id and timestamps;
// Version is forced to 1.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	j.Version = 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, bot_type, priority, state, payload, result, last_error,
		   attempt_count, max_attempts, schedule_id, created_at, started_at, finished_at,
		   run_after, version)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.BotType, int(j.Priority), string(j.State),
		nullBytes(j.Payload), nullBytes(j.Result), nullStr(j.LastError),
		j.AttemptCount, j.MaxAttempts, nullStr(j.ScheduleID),
		ms(j.CreatedAt), msPtr(j.StartedAt), msPtr(j.FinishedAt),
		ms(j.RunAfter), j.Version,
	)
	return err
}

// CreateJobUnlessActive inserts the job only if no pending or running job of
// the same bot_type exists. Returns false (and no error) when the insert was
// suppressed. The guard and the insert are one statement, so concurrent
// enqueues cannot both pass the dedup check.
func (s *Store) CreateJobUnlessActive(ctx context.Context, j *Job) (bool, error) {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return false, fmt.Errorf("job id is required")
	}
	j.Version = 1
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, bot_type, priority, state, payload, result, last_error,
		   attempt_count, max_attempts, schedule_id, created_at, started_at, finished_at,
		   run_after, version)
		 SELECT ?,?,?,?,?,?,?,?,?,?,?,?,?,?,?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM jobs WHERE bot_type = ? AND state IN (?,?)
		 )`,
		j.ID, j.BotType, int(j.Priority), string(j.State),
		nullBytes(j.Payload), nullBytes(j.Result), nullStr(j.LastError),
		j.AttemptCount, j.MaxAttempts, nullStr(j.ScheduleID),
		ms(j.CreatedAt), msPtr(j.StartedAt), msPtr(j.FinishedAt),
		ms(j.RunAfter), j.Version,
		j.BotType, string(JobPending), string(JobRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	return j, err
}

// UpdateJob writes back every mutable column of the job, guarded by the
// version the caller read. Version is bumped in place on success.
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   priority = ?, state = ?, payload = ?, result = ?, last_error = ?,
		   attempt_count = ?, max_attempts = ?, started_at = ?, finished_at = ?,
		   run_after = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		int(j.Priority), string(j.State),
		nullBytes(j.Payload), nullBytes(j.Result), nullStr(j.LastError),
		j.AttemptCount, j.MaxAttempts, msPtr(j.StartedAt), msPtr(j.FinishedAt),
		ms(j.RunAfter), j.ID, j.Version,
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
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, j.ID)
		if err := row.Scan(&exists); isNoRows(err) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrConflict
	}
	j.Version++
	return nil
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.BotType != "" {
		where = append(where, "bot_type = ?")
		args = append(args, f.BotType)
	}
	if f.Priority != 0 {
		where = append(where, "priority = ?")
		args = append(args, int(f.Priority))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ` + fmt.Sprint(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimNextJob atomically picks the highest-priority eligible pending job and
// marks it running. Eligible means run_after has passed and no job of the
// same bot_type is currently running. Returns (nil, nil) when nothing is
// eligible.
//
// The claim itself is a single conditional UPDATE, so two concurrent callers
// can never both move a job (or two jobs of one bot_type) into running.
func (s *Store) ClaimNextJob(ctx context.Context, now time.Time) (*Job, error) {
	for {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs p
			 WHERE p.state = ? AND p.run_after <= ?
			   AND NOT EXISTS (
			     SELECT 1 FROM jobs r WHERE r.bot_type = p.bot_type AND r.state = ?
			   )
			 ORDER BY p.priority ASC, p.created_at ASC
			 LIMIT 1`,
			string(JobPending), ms(now), string(JobRunning),
		)
		j, err := scanJob(row)
		if isNoRows(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, started_at = ?, version = version + 1
			 WHERE id = ? AND version = ? AND state = ?
			   AND NOT EXISTS (
			     SELECT 1 FROM jobs r WHERE r.bot_type = jobs.bot_type AND r.state = ?
			   )`,
			string(JobRunning), ms(now), j.ID, j.Version, string(JobPending), string(JobRunning),
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race; pick again.
			continue
		}
		j.State = JobRunning
		ts := now
		j.StartedAt = &ts
		j.Version++
		return j, nil
	}
}

// CountJobsByState returns row counts per state for stats and gauges.
func (s *Store) CountJobsByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[JobState]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[JobState(st)] = n
	}
	return out, rows.Err()
}

// PruneJobs deletes terminal jobs that finished before the cutoff.
func (s *Store) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE state IN (?,?,?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(JobSucceeded), string(JobFailed), string(JobCancelled), ms(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
