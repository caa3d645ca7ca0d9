package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/imager/core-go/internal/model"
)

// maxIDAttempts bounds suffix disambiguation when two submissions by the
// same owner land within the same second.
const maxIDAttempts = 10

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	// busy_timeout keeps concurrent workers from surfacing SQLITE_BUSY while
	// another claim holds the write lock.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS queues (
  name TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  email TEXT NOT NULL DEFAULT '',
  queue_name TEXT NOT NULL,
  params_json TEXT NOT NULL,
  status TEXT NOT NULL,
  error_message TEXT,
  build_log TEXT,
  claimed_by TEXT,
  lease_expires_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_tags (
  job_id TEXT NOT NULL,
  tag TEXT NOT NULL,
  PRIMARY KEY (job_id, tag)
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue_name, status);
`); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// CreateJob inserts a new record with status in_queue. The id is
// <owner>-<YYYYMMDD>-<HHMMSS> at second resolution; on a collision the id is
// retried with a numeric suffix before giving up with ErrDuplicateID. The
// queue must already exist in the registry.
func (s *SQLite) CreateJob(ctx context.Context, params model.JobParams, owner, email, queueName string) (model.Job, error) {
	if owner == "" {
		return model.Job{}, fmt.Errorf("%w: owner is required", model.ErrValidation)
	}
	var q string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM queues WHERE name = ?`, queueName).Scan(&q)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("queue %q: %w", queueName, model.ErrNotFound)
	}
	if err != nil {
		return model.Job{}, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return model.Job{}, err
	}

	now := time.Now().UTC()
	base := fmt.Sprintf("%s-%s", owner, now.Format("20060102-150405"))
	id := base
	for attempt := 2; ; attempt++ {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO jobs (id, owner, email, queue_name, params_json, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, owner, email, queueName, string(paramsJSON),
			string(model.JobInQueue), now.UnixMilli(), now.UnixMilli(),
		)
		if err == nil {
			break
		}
		if !isUniqueViolation(err) {
			return model.Job{}, err
		}
		if attempt > maxIDAttempts {
			return model.Job{}, fmt.Errorf("id %s: %w", base, model.ErrDuplicateID)
		}
		id = fmt.Sprintf("%s.%d", base, attempt)
	}

	return model.Job{
		ID:        id,
		Owner:     owner,
		Email:     email,
		QueueName: queueName,
		Params:    params,
		Status:    model.JobInQueue,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, email, queue_name, params_json, status, error_message,
            build_log, claimed_by, lease_expires_at, created_at, updated_at
       FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	job.Tags, err = s.loadTags(ctx, id)
	return job, err
}

// Filter narrows ListJobs. Zero values mean "no constraint". TagContains is
// matched case-insensitively as a substring of tag names.
type Filter struct {
	Owner       string
	QueueName   string
	TagContains string
}

// ListJobs returns one page of jobs ordered most recent first, plus the total
// match count. Out-of-range pages are clamped to the last page, page < 1 to
// the first.
func (s *SQLite) ListJobs(ctx context.Context, f Filter, page, pageSize int) ([]model.Job, int, error) {
	if pageSize <= 0 {
		pageSize = 30
	}

	where := " WHERE 1=1"
	args := []any{}
	if f.Owner != "" {
		where += " AND owner = ?"
		args = append(args, f.Owner)
	}
	if f.QueueName != "" {
		where += " AND queue_name = ?"
		args = append(args, f.QueueName)
	}
	if f.TagContains != "" {
		where += " AND id IN (SELECT job_id FROM job_tags WHERE lower(tag) LIKE '%' || lower(?) || '%')"
		args = append(args, f.TagContains)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pages := (total + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	if page > pages {
		page = pages
	}
	if page < 1 {
		page = 1
	}

	query := `SELECT id, owner, email, queue_name, params_json, status, error_message,
            build_log, claimed_by, lease_expires_at, created_at, updated_at
       FROM jobs` + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if out[i].Tags, err = s.loadTags(ctx, out[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// UpdateStatus applies a guarded status transition. errMsg is recorded only
// when the new status is error; it is cleared otherwise.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, to model.JobStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	from := model.JobStatus(cur)
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, model.ErrInvalidTransition)
	}

	msg := any(nil)
	if to == model.JobError {
		msg = errMsg
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), msg, time.Now().UTC().UnixMilli(), id, cur,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The row's status moved between the read and the write, e.g. a
		// lease reclaim flipped running back to in_queue just as the worker
		// recorded a result. The transition did not happen; say so.
		return fmt.Errorf("%s -> %s: %w", from, to, model.ErrInvalidTransition)
	}
	return tx.Commit()
}

// SetLog overwrites the build log. Idempotent; status is untouched.
func (s *SQLite) SetLog(ctx context.Context, id, logText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET build_log = ?, updated_at = ? WHERE id = ?`,
		logText, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AppendLog appends to the build log, creating it if absent.
func (s *SQLite) AppendLog(ctx context.Context, id, logText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET build_log = COALESCE(build_log, '') || ?, updated_at = ? WHERE id = ?`,
		logText, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLite) AddTag(ctx context.Context, id, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("%w: empty tag", model.ErrValidation)
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	// The existence guard keeps a tag from landing on a job that a
	// concurrent delete just removed; zero rows then means either the tag
	// was already present or the job is gone, so check again.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO job_tags (job_id, tag)
		 SELECT ?, ? WHERE EXISTS (SELECT 1 FROM jobs WHERE id = ?)`, id, tag, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTag removes a tag from a job. Removing "pinned" is the only way to
// lift delete-protection.
func (s *SQLite) RemoveTag(ctx context.Context, id, tag string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_tags WHERE job_id = ? AND tag = ?`, id, tag)
	return err
}

func (s *SQLite) HasTag(ctx context.Context, id, tag string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_tags WHERE job_id = ? AND tag = ?`, id, tag).Scan(&n)
	return n > 0, err
}

// ListAllTagNames returns every distinct tag name in use, sorted.
func (s *SQLite) ListAllTagNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tag FROM job_tags ORDER BY tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and its tags. A pinned job is protected for every
// caller, owner and admin included; the pin check therefore comes first. The
// checks and the delete run in one transaction, and the delete statement
// re-checks the pin, so a pin committed concurrently can never lose to the
// delete.
func (s *SQLite) DeleteJob(ctx context.Context, id string, caller model.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM jobs WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT tag FROM job_tags WHERE job_id = ?`, id)
	if err != nil {
		return err
	}
	protected := false
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return err
		}
		if model.ReservedTags[tag] {
			protected = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if protected {
		return model.ErrProtected
	}
	if !caller.Owns(owner) {
		return model.ErrForbidden
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM job_tags WHERE job_id = ? AND tag = ?)`,
		id, id, model.TagPinned)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrProtected
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_tags WHERE job_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Claim atomically selects the oldest in_queue job on the named queue and
// transitions it to running under a lease. The transition is a conditional
// update guarded by the current status, so no two workers can win the same
// job; a lost race moves on to the next candidate. ErrNotFound means the
// queue is empty.
func (s *SQLite) Claim(ctx context.Context, queueName, workerID string, lease time.Duration) (model.Job, error) {
	for {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE queue_name = ? AND status = ?
          ORDER BY created_at ASC, id ASC LIMIT 1`,
			queueName, string(model.JobInQueue)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		if err != nil {
			return model.Job{}, err
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, claimed_by = ?, lease_expires_at = ?, updated_at = ?
          WHERE id = ? AND status = ?`,
			string(model.JobRunning), workerID, now.Add(lease).UnixMilli(),
			now.UnixMilli(), id, string(model.JobInQueue),
		)
		if err != nil {
			return model.Job{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return model.Job{}, err
		} else if n == 1 {
			return s.GetJob(ctx, id)
		}
		// another worker won this one
	}
}

// ReclaimExpired returns running jobs whose lease has lapsed to in_queue so
// another worker can pick them up. This is the only move out of running
// besides completion.
func (s *SQLite) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
      WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(model.JobInQueue), now.UTC().UnixMilli(),
		string(model.JobRunning), now.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RetryJob clones the old record's parameters and queue into a brand-new
// record owned by the requester. The original is left untouched.
func (s *SQLite) RetryJob(ctx context.Context, oldID, owner, email string) (model.Job, error) {
	old, err := s.GetJob(ctx, oldID)
	if err != nil {
		return model.Job{}, err
	}
	return s.CreateJob(ctx, old.Params, owner, email, old.QueueName)
}

// EnsureQueue registers a queue name, idempotently.
func (s *SQLite) EnsureQueue(ctx context.Context, name string) (model.Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Queue{}, fmt.Errorf("%w: empty queue name", model.ErrValidation)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queues (name, created_at) VALUES (?, ?)`,
		name, now.UnixMilli(),
	); err != nil {
		return model.Queue{}, err
	}
	var createdMs int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM queues WHERE name = ?`, name).Scan(&createdMs); err != nil {
		return model.Queue{}, err
	}
	return model.Queue{Name: name, CreatedAt: time.UnixMilli(createdMs)}, nil
}

func (s *SQLite) ListQueues(ctx context.Context) ([]model.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM queues ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Queue
	for rows.Next() {
		var name string
		var createdMs int64
		if err := rows.Scan(&name, &createdMs); err != nil {
			return nil, err
		}
		out = append(out, model.Queue{Name: name, CreatedAt: time.UnixMilli(createdMs)})
	}
	return out, rows.Err()
}

func (s *SQLite) loadTags(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM job_tags WHERE job_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job                  model.Job
		statusStr, paramsRaw string
		errorMsg             sql.NullString
		buildLog             sql.NullString
		claimedBy            sql.NullString
		leaseMs              sql.NullInt64
		createdMs, updatedMs int64
	)
	if err := row.Scan(&job.ID, &job.Owner, &job.Email, &job.QueueName, &paramsRaw,
		&statusStr, &errorMsg, &buildLog, &claimedBy, &leaseMs, &createdMs, &updatedMs); err != nil {
		return model.Job{}, err
	}
	if err := json.Unmarshal([]byte(paramsRaw), &job.Params); err != nil {
		return model.Job{}, err
	}
	job.Status = model.JobStatus(statusStr)
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if buildLog.Valid {
		job.Log = buildLog.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if leaseMs.Valid {
		job.LeaseExpiresAt = time.UnixMilli(leaseMs.Int64)
	}
	return job, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
