package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocationRepo persists storage locations and their advisory locks.
type LocationRepo struct {
	q dbtx
}

const locationColumns = `id, study_uid, partition, filesystem, date_folder, status,
	lock_mode, lock_owner, read_count, locked_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(row scanner) (*StorageLocation, error) {
	var (
		loc                            StorageLocation
		status, lockMode               string
		lockedAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&loc.ID, &loc.StudyUID, &loc.Partition, &loc.Filesystem, &loc.DateFolder, &status,
		&lockMode, &loc.LockOwner, &loc.ReadCount, &lockedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	loc.Status = LocationStatus(status)
	loc.LockMode = LockMode(lockMode)
	loc.LockedAt = fromMillis(lockedAt)
	loc.CreatedAt = fromMillis(createdAt)
	loc.UpdatedAt = fromMillis(updatedAt)
	return &loc, nil
}

// Insert adds a location. It returns false without error when a live
// location for the same (partition, study) already exists.
func (r LocationRepo) Insert(ctx context.Context, loc *StorageLocation) (bool, error) {
	if loc.LockMode == "" {
		loc.LockMode = LockNone
	}
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO storage_locations
		(id, study_uid, partition, filesystem, date_folder, status, lock_mode, lock_owner, read_count, locked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		loc.ID, loc.StudyUID, loc.Partition, loc.Filesystem, loc.DateFolder, string(loc.Status),
		string(loc.LockMode), loc.LockOwner, loc.ReadCount, millis(loc.LockedAt),
		millis(loc.CreatedAt), millis(loc.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert location: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert location: rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the location with the given ID, deleted or not.
func (r LocationRepo) Get(ctx context.Context, id string) (*StorageLocation, error) {
	loc, err := scanLocation(r.q.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM storage_locations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}
	return loc, nil
}

// Find returns the live location of a study in a partition.
func (r LocationRepo) Find(ctx context.Context, partition, studyUID string) (*StorageLocation, error) {
	loc, err := scanLocation(r.q.QueryRowContext(ctx, `
		SELECT `+locationColumns+` FROM storage_locations
		WHERE partition = ? AND study_uid = ? AND status != 'deleted'
	`, partition, studyUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("study %s in partition %s: %w", studyUID, partition, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find location: %w", err)
	}
	return loc, nil
}

// LocationFilter narrows List results. Zero values match everything.
type LocationFilter struct {
	Filesystem     string
	Partition      string
	IncludeDeleted bool
	Limit          int
}

// List returns locations ordered by partition and study UID.
func (r LocationRepo) List(ctx context.Context, f LocationFilter) ([]StorageLocation, error) {
	var (
		where []string
		args  []any
	)
	if f.Filesystem != "" {
		where = append(where, "filesystem = ?")
		args = append(args, f.Filesystem)
	}
	if f.Partition != "" {
		where = append(where, "partition = ?")
		args = append(args, f.Partition)
	}
	if !f.IncludeDeleted {
		where = append(where, "status != 'deleted'")
	}

	query := `SELECT ` + locationColumns + ` FROM storage_locations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY partition ASC, study_uid ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	locations := []StorageLocation{}
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locations, nil
}

// AcquireWrite takes the write lock for owner in a single conditional update.
// It succeeds when the location is unlocked, already write-locked by the same
// owner, or locked longer ago than staleBefore. Exactly one of any number of
// concurrent callers observes true.
func (r LocationRepo) AcquireWrite(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations
		SET lock_mode = 'write', lock_owner = ?, read_count = 0, locked_at = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'
		  AND (lock_mode = 'none'
		       OR (lock_mode = 'write' AND lock_owner = ?)
		       OR locked_at < ?)
	`, owner, millis(now), millis(now), id, owner, millis(staleBefore))
	if err != nil {
		return false, fmt.Errorf("acquire write lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire write lock: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseWrite drops the write lock if owner still holds it.
// Returns ErrNotOwner when the lock was reclaimed by someone else.
func (r LocationRepo) ReleaseWrite(ctx context.Context, id, owner string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations
		SET lock_mode = 'none', lock_owner = '', locked_at = 0, updated_at = ?
		WHERE id = ? AND lock_mode = 'write' AND lock_owner = ?
	`, millis(now), id, owner)
	if err != nil {
		return fmt.Errorf("release write lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release write lock: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release write lock on %s by %s: %w", id, owner, ErrNotOwner)
	}
	return nil
}

// AcquireRead takes a shared read lock. Readers coexist; a live write lock
// excludes them. A stale lock of either kind is replaced.
func (r LocationRepo) AcquireRead(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	// SET expressions see the pre-update row.
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations
		SET read_count = CASE WHEN lock_mode = 'read' AND locked_at >= ? THEN read_count + 1 ELSE 1 END,
		    lock_mode = 'read', lock_owner = '', locked_at = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'
		  AND (lock_mode IN ('none', 'read') OR locked_at < ?)
	`, millis(staleBefore), millis(now), millis(now), id, millis(staleBefore))
	if err != nil {
		return false, fmt.Errorf("acquire read lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire read lock: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseRead drops one reader; the last one returns the location to unlocked.
func (r LocationRepo) ReleaseRead(ctx context.Context, id string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations
		SET lock_mode = CASE WHEN read_count <= 1 THEN 'none' ELSE 'read' END,
		    locked_at = CASE WHEN read_count <= 1 THEN 0 ELSE locked_at END,
		    read_count = CASE WHEN read_count <= 1 THEN 0 ELSE read_count - 1 END,
		    updated_at = ?
		WHERE id = ? AND lock_mode = 'read'
	`, millis(now), id)
	if err != nil {
		return fmt.Errorf("release read lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release read lock: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release read lock on %s: %w", id, ErrNotOwner)
	}
	return nil
}

// RefreshWrite renews owner's exclusive lock so it is not taken for stale.
// It returns ErrNotOwner once the lock has been lost.
func (r LocationRepo) RefreshWrite(ctx context.Context, id, owner string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations SET locked_at = ?
		WHERE id = ? AND lock_mode = 'write' AND lock_owner = ?
	`, millis(now), id, owner)
	if err != nil {
		return fmt.Errorf("refresh write lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh write lock: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("refresh write lock on %s by %s: %w", id, owner, ErrNotOwner)
	}
	return nil
}

// RefreshRead renews a shared lock. Readers share one timestamp, so any
// holder keeps all of them alive.
func (r LocationRepo) RefreshRead(ctx context.Context, id string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations SET locked_at = ?
		WHERE id = ? AND lock_mode = 'read'
	`, millis(now), id)
	if err != nil {
		return fmt.Errorf("refresh read lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh read lock: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("refresh read lock on %s: %w", id, ErrNotOwner)
	}
	return nil
}
// SetStatus updates a live location's status.
func (r LocationRepo) SetStatus(ctx context.Context, id string, status LocationStatus, now time.Time) error {
	return r.update(ctx, "set status", `
		UPDATE storage_locations SET status = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'
	`, string(status), millis(now), id)
}

// TransitionStatus moves a location from one status to another. It reports
// false when the location is not in status from.
func (r LocationRepo) TransitionStatus(ctx context.Context, id string, from, to LocationStatus, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE storage_locations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), millis(now), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition status: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetFilesystem records that a study now lives on another filesystem.
func (r LocationRepo) SetFilesystem(ctx context.Context, id, filesystem string, now time.Time) error {
	return r.update(ctx, "set filesystem", `
		UPDATE storage_locations SET filesystem = ?, updated_at = ?
		WHERE id = ? AND status != 'deleted'
	`, filesystem, millis(now), id)
}

// MarkDeleted logically deletes a location. The row stays for auditing and
// frees the (partition, study) slot for a new location.
func (r LocationRepo) MarkDeleted(ctx context.Context, id string, now time.Time) error {
	return r.update(ctx, "mark deleted", `
		UPDATE storage_locations
		SET status = 'deleted', lock_mode = 'none', lock_owner = '', read_count = 0, locked_at = 0, updated_at = ?
		WHERE id = ? AND status != 'deleted'
	`, millis(now), id)
}

func (r LocationRepo) update(ctx context.Context, op, query string, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
