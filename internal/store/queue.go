package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueueRepo persists queue entries. Every state change an owner makes is
// conditioned on (status = 'in_progress' AND worker = owner), so a worker
// that lost its claim can never overwrite the entry.
type QueueRepo struct {
	q dbtx
}

const entryColumns = `id, type, location_id, status, priority, scheduled_at, expires_at,
	failure_count, failure_description, worker, group_id, payload, created_at, updated_at`

func scanEntry(row scanner) (*QueueEntry, error) {
	var (
		e                                            QueueEntry
		typ, status, payload                         string
		scheduledAt, expiresAt, createdAt, updatedAt int64
		priority                                     int
	)
	err := row.Scan(
		&e.ID, &typ, &e.LocationID, &status, &priority, &scheduledAt, &expiresAt,
		&e.FailureCount, &e.FailureDescription, &e.Worker, &e.GroupID, &payload, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.Status = EntryStatus(status)
	e.Priority = Priority(priority)
	e.Payload = json.RawMessage(payload)
	e.ScheduledAt = fromMillis(scheduledAt)
	e.ExpiresAt = fromMillis(expiresAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	return &e, nil
}

// Insert adds an entry.
func (r QueueRepo) Insert(ctx context.Context, e *QueueEntry) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO queue_entries
		(id, type, location_id, status, priority, scheduled_at, expires_at, failure_count,
		 failure_description, worker, group_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, string(e.Type), e.LocationID, string(e.Status), int(e.Priority),
		millis(e.ScheduledAt), millis(e.ExpiresAt), e.FailureCount, e.FailureDescription,
		e.Worker, e.GroupID, payload, millis(e.CreatedAt), millis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// Get returns an entry by ID.
func (r QueueRepo) Get(ctx context.Context, id string) (*QueueEntry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// ClaimNext atomically moves the most eligible Pending entry to InProgress
// and binds it to worker. Eligible means scheduled_at <= now; order is
// priority, then scheduled time, then ID.
//
// The claim is one UPDATE whose WHERE clause re-checks status = 'pending',
// so two workers racing for the same row cannot both win. Returns ok=false
// when nothing is eligible.
func (r QueueRepo) ClaimNext(ctx context.Context, worker string, types []EntryType, now time.Time) (*QueueEntry, bool, error) {
	filter := ""
	args := []any{worker, millis(now), millis(now)}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		filter = " AND type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	e, err := scanEntry(r.q.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET status = 'in_progress', worker = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE status = 'pending' AND scheduled_at <= ?`+filter+`
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+entryColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim queue entry: %w", err)
	}
	return e, true, nil
}

// Postpone returns a claimed entry to Pending at until without counting a
// failure. Used when the study lock is unavailable or work was cancelled.
func (r QueueRepo) Postpone(ctx context.Context, id, worker string, until, now time.Time) error {
	return r.owned(ctx, "postpone", `
		UPDATE queue_entries
		SET status = 'pending', worker = '', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
	`, millis(until), millis(now), id, worker)
}

// Complete finishes a claimed entry. status must be Completed or
// CompletedDelayedDelete; expiresAt is when the retention sweep may delete it.
func (r QueueRepo) Complete(ctx context.Context, id, worker string, status EntryStatus, expiresAt, now time.Time) error {
	if status != StatusCompleted && status != StatusCompletedDelayedDelete {
		return fmt.Errorf("complete: invalid terminal status %q", status)
	}
	return r.owned(ctx, "complete", `
		UPDATE queue_entries
		SET status = ?, worker = '', expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
	`, string(status), millis(expiresAt), millis(now), id, worker)
}

// Fail records a processing failure on a claimed entry. The failure count
// increments; once it reaches maxFailures the entry becomes Failed, otherwise
// it returns to Pending at retryAt. Returns the updated entry.
func (r QueueRepo) Fail(ctx context.Context, id, worker, description string, maxFailures int, retryAt, now time.Time) (*QueueEntry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET failure_count = failure_count + 1,
		    failure_description = ?,
		    status = CASE WHEN failure_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN failure_count + 1 >= ? THEN scheduled_at ELSE ? END,
		    worker = '',
		    updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
		RETURNING `+entryColumns,
		description, maxFailures, maxFailures, millis(retryAt), millis(now), id, worker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fail entry %s: %w", id, ErrNotOwner)
	}
	if err != nil {
		return nil, fmt.Errorf("fail entry: %w", err)
	}
	return e, nil
}

// SetIdle parks a claimed entry until an operator or another component
// reschedules it.
func (r QueueRepo) SetIdle(ctx context.Context, id, worker, description string, now time.Time) error {
	return r.owned(ctx, "set idle", `
		UPDATE queue_entries
		SET status = 'idle', worker = '', failure_description = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
	`, description, millis(now), id, worker)
}

// Heartbeat refreshes updated_at so a long-running claim is not mistaken for
// an abandoned one.
func (r QueueRepo) Heartbeat(ctx context.Context, id, worker string, now time.Time) error {
	return r.owned(ctx, "heartbeat", `
		UPDATE queue_entries SET updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
	`, millis(now), id, worker)
}

// SavePayload stores processor progress on a claimed entry.
func (r QueueRepo) SavePayload(ctx context.Context, id, worker string, payload json.RawMessage, now time.Time) error {
	return r.owned(ctx, "save payload", `
		UPDATE queue_entries SET payload = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress' AND worker = ?
	`, string(payload), millis(now), id, worker)
}

// Reschedule moves a Pending or Idle entry to Pending at the given time.
func (r QueueRepo) Reschedule(ctx context.Context, id string, at, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'pending', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'idle')
	`, millis(at), millis(now), id)
	return checkAffected(result, err, "reschedule", id)
}

// Reset returns a Failed or Idle entry to Pending with a clean failure count.
func (r QueueRepo) Reset(ctx context.Context, id string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'pending', failure_count = 0, failure_description = '',
		    scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('failed', 'idle')
	`, millis(now), millis(now), id)
	return checkAffected(result, err, "reset", id)
}

// Delete removes an entry that is not currently claimed.
func (r QueueRepo) Delete(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = ? AND status != 'in_progress'`, id)
	return checkAffected(result, err, "delete", id)
}

// IdlePending parks every Pending entry of a type. Nothing is deleted.
func (r QueueRepo) IdlePending(ctx context.Context, typ EntryType, description string, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'idle', failure_description = ?, updated_at = ?
		WHERE type = ? AND status = 'pending'
	`, description, millis(now), string(typ))
	if err != nil {
		return 0, fmt.Errorf("idle pending: %w", err)
	}
	return result.RowsAffected()
}

// RecoverAbandoned returns InProgress entries whose last update is older than
// before to Pending. Their workers are presumed dead.
func (r QueueRepo) RecoverAbandoned(ctx context.Context, before, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'pending', worker = '', scheduled_at = ?, updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?
	`, millis(now), millis(now), millis(before))
	if err != nil {
		return 0, fmt.Errorf("recover abandoned: %w", err)
	}
	return result.RowsAffected()
}

// SweepExpired deletes completed entries whose expiration has passed.
// Failed entries are never swept.
func (r QueueRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('completed', 'completed_delayed_delete')
		  AND expires_at > 0 AND expires_at <= ?
	`, millis(now))
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return result.RowsAffected()
}

// EntryFilter narrows List results. Zero values match everything.
type EntryFilter struct {
	Status     EntryStatus
	Type       EntryType
	LocationID string
	Limit      int
}

// List returns entries in claim order.
func (r QueueRepo) List(ctx context.Context, f EntryFilter) ([]QueueEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}

	query := `SELECT ` + entryColumns + ` FROM queue_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, scheduled_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	entries := []QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// FindActive returns a non-terminal entry of typ for a location, if any.
func (r QueueRepo) FindActive(ctx context.Context, locationID string, typ EntryType) (*QueueEntry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE location_id = ? AND type = ? AND status IN ('pending', 'in_progress', 'idle')
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, locationID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active %s entry for %s: %w", typ, locationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active entry: %w", err)
	}
	return e, nil
}

// CountRunnable counts Pending and InProgress entries of a type.
func (r QueueRepo) CountRunnable(ctx context.Context, typ EntryType) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE type = ? AND status IN ('pending', 'in_progress')
	`, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runnable: %w", err)
	}
	return n, nil
}

// owned runs an update that only applies to an entry claimed by the caller.
func (r QueueRepo) owned(ctx context.Context, op, query string, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotOwner)
	}
	return nil
}

func checkAffected(result sql.Result, err error, op, id string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}
