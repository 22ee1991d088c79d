// Package journal persists job records and their transition history in
// SQLite so a restarted orchestrator can answer status queries for jobs it
// ran before and fail the ones it orphaned.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/jobs"
)

const writeTimeout = 5 * time.Second

// Transition is one row of a job's history.
type Transition struct {
	JobName string     `json:"job_name"`
	From    jobs.State `json:"from,omitempty"`
	To      jobs.State `json:"to"`
	Reason  string     `json:"reason,omitempty"`
	At      time.Time  `json:"at"`
}

// Journal implements jobs.Journal on a SQLite database opened by
// storage.OpenSQLite.
type Journal struct {
	db *sql.DB
}

var _ jobs.Journal = (*Journal)(nil)

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// SaveTransition upserts the record and appends the transition in one
// transaction.
func (j *Journal) SaveTransition(rec jobs.Record, from jobs.State, reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}
	cleanup := 0
	if rec.CleanupIncomplete {
		cleanup = 1
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_records(job_name, workspace_name, state, created_at, last_transition_at,
  container_id, image_ref, failure_reason, exit_code, cleanup_incomplete)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_name) DO UPDATE SET
  state = excluded.state,
  last_transition_at = excluded.last_transition_at,
  container_id = excluded.container_id,
  image_ref = excluded.image_ref,
  failure_reason = excluded.failure_reason,
  exit_code = excluded.exit_code,
  cleanup_incomplete = excluded.cleanup_incomplete;
`,
		rec.JobName, rec.WorkspaceName, string(rec.State),
		formatTime(rec.CreatedAt), formatTime(rec.LastTransitionAt),
		nullString(rec.ContainerID), nullString(rec.ImageRef), nullString(rec.FailureReason),
		exitCode, cleanup,
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", rec.JobName, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_transitions(job_name, from_state, to_state, reason, at)
VALUES(?, ?, ?, ?, ?);
`, rec.JobName, nullString(string(from)), string(rec.State), nullString(reason), formatTime(rec.LastTransitionAt))
	if err != nil {
		return fmt.Errorf("append transition for %s: %w", rec.JobName, err)
	}

	return tx.Commit()
}

// Delete removes records. Their history stays, which keeps reaped names
// reserved across restarts.
func (j *Journal) Delete(names []string) error {
	if len(names) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM job_records WHERE job_name IN ("+placeholders+");", args...); err != nil {
		return fmt.Errorf("delete job records: %w", err)
	}
	return nil
}

// LoadAll returns every journaled record, oldest first.
func (j *Journal) LoadAll(ctx context.Context) ([]jobs.Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT job_name, workspace_name, state, created_at, last_transition_at,
  container_id, image_ref, failure_reason, exit_code, cleanup_incomplete
FROM job_records
ORDER BY created_at ASC, job_name ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	var out []jobs.Record
	for rows.Next() {
		var (
			rec                         jobs.Record
			state, createdAt, lastAt    string
			containerID, imageRef, fail sql.NullString
			exitCode                    sql.NullInt64
			cleanup                     int
		)
		if err := rows.Scan(&rec.JobName, &rec.WorkspaceName, &state, &createdAt, &lastAt,
			&containerID, &imageRef, &fail, &exitCode, &cleanup); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		st, err := jobs.ParseState(state)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", rec.JobName, err)
		}
		rec.State = st
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("job %s created_at: %w", rec.JobName, err)
		}
		if rec.LastTransitionAt, err = parseTime(lastAt); err != nil {
			return nil, fmt.Errorf("job %s last_transition_at: %w", rec.JobName, err)
		}
		rec.ContainerID = containerID.String
		rec.ImageRef = imageRef.String
		rec.FailureReason = fail.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.CleanupIncomplete = cleanup != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Reaped returns names that have history but no record.
func (j *Journal) Reaped(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT DISTINCT t.job_name
FROM job_transitions t
LEFT JOIN job_records r ON r.job_name = t.job_name
WHERE r.job_name IS NULL
ORDER BY t.job_name;
`)
	if err != nil {
		return nil, fmt.Errorf("query reaped jobs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan reaped job: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// History returns a job's transitions in commit order.
func (j *Journal) History(ctx context.Context, jobName string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT from_state, to_state, reason, at
FROM job_transitions
WHERE job_name = ?
ORDER BY id ASC;
`, jobName)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", jobName, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			from, reason sql.NullString
			to, at       string
		)
		if err := rows.Scan(&from, &to, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t := Transition{JobName: jobName, From: jobs.State(from.String), To: jobs.State(to), Reason: reason.String}
		if t.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("transition time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
