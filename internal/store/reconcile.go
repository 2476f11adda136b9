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

// ReconcileRepo persists reconciliation records and their quarantined
// objects. A record with an outcome is immutable; schema triggers enforce
// that independently of this code.
type ReconcileRepo struct {
	q dbtx
}

const recordColumns = `id, location_id, group_id, queue_entry_id, differences,
	requested_action, outcome, supersedes_id, created_at, resolved_at`

func scanRecord(row scanner) (*ReconciliationRecord, error) {
	var (
		rec                   ReconciliationRecord
		diffs                 string
		requested, outcome    string
		createdAt, resolvedAt int64
	)
	err := row.Scan(
		&rec.ID, &rec.LocationID, &rec.GroupID, &rec.QueueEntryID, &diffs,
		&requested, &outcome, &rec.SupersedesID, &createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(diffs), &rec.Differences); err != nil {
		return nil, fmt.Errorf("decode differences of %s: %w", rec.ID, err)
	}
	rec.RequestedAction = ReconcileAction(requested)
	rec.Outcome = ReconcileAction(outcome)
	rec.CreatedAt = fromMillis(createdAt)
	rec.ResolvedAt = fromMillis(resolvedAt)
	return &rec, nil
}

func encodeDifferences(diffs []Difference) (string, error) {
	if diffs == nil {
		diffs = []Difference{}
	}
	data, err := json.Marshal(diffs)
	if err != nil {
		return "", fmt.Errorf("encode differences: %w", err)
	}
	return string(data), nil
}

// Insert adds an unresolved record. Returns false when an open record for
// the same (location, group) already exists.
func (r ReconcileRepo) Insert(ctx context.Context, rec *ReconciliationRecord) (bool, error) {
	diffs, err := encodeDifferences(rec.Differences)
	if err != nil {
		return false, err
	}
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO reconciliation_records
		(id, location_id, group_id, queue_entry_id, differences, requested_action,
		 outcome, supersedes_id, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, 0)
		ON CONFLICT DO NOTHING
	`,
		rec.ID, rec.LocationID, rec.GroupID, rec.QueueEntryID, diffs,
		string(rec.RequestedAction), rec.SupersedesID, millis(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert reconciliation record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert reconciliation record: rows affected: %w", err)
	}
	return n == 1, nil
}

// Get returns a record with its objects.
func (r ReconcileRepo) Get(ctx context.Context, id string) (*ReconciliationRecord, error) {
	rec, err := scanRecord(r.q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reconciliation_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reconciliation record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reconciliation record: %w", err)
	}
	if rec.Objects, err = r.Objects(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindOpen returns the unresolved record for (location, group) with its
// objects.
func (r ReconcileRepo) FindOpen(ctx context.Context, locationID, groupID string) (*ReconciliationRecord, error) {
	rec, err := scanRecord(r.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM reconciliation_records
		WHERE location_id = ? AND group_id = ? AND outcome = ''
	`, locationID, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open record for %s/%s: %w", locationID, groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find open record: %w", err)
	}
	if rec.Objects, err = r.Objects(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// LatestResolved returns the most recently resolved record of a group,
// without objects. New records for the group supersede it.
func (r ReconcileRepo) LatestResolved(ctx context.Context, locationID, groupID string) (*ReconciliationRecord, error) {
	rec, err := scanRecord(r.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM reconciliation_records
		WHERE location_id = ? AND group_id = ? AND outcome != ''
		ORDER BY resolved_at DESC, id DESC
		LIMIT 1
	`, locationID, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolved record for %s/%s: %w", locationID, groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest resolved record: %w", err)
	}
	return rec, nil
}

// Objects returns the quarantined objects of a record ordered by arrival.
func (r ReconcileRepo) Objects(ctx context.Context, recordID string) ([]ReconciliationObject, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT sop_uid, series_uid, quarantine_path, content_hash, added_at
		FROM reconciliation_objects
		WHERE record_id = ?
		ORDER BY added_at ASC, sop_uid ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list record objects: %w", err)
	}
	defer rows.Close()

	objects := []ReconciliationObject{}
	for rows.Next() {
		var (
			obj     ReconciliationObject
			addedAt int64
		)
		if err := rows.Scan(&obj.SOPUID, &obj.SeriesUID, &obj.QuarantinePath, &obj.ContentHash, &addedAt); err != nil {
			return nil, fmt.Errorf("scan record object: %w", err)
		}
		obj.AddedAt = fromMillis(addedAt)
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record objects: %w", err)
	}
	return objects, nil
}

// AddObject attaches a quarantined object to an open record. Re-sending a
// SOP instance already attached replaces its file details and hash, and
// returns false. Fails with ErrImmutable if the record has been resolved.
func (r ReconcileRepo) AddObject(ctx context.Context, recordID string, obj ReconciliationObject) (bool, error) {
	var existing int
	if err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reconciliation_objects WHERE record_id = ? AND sop_uid = ?
	`, recordID, obj.SOPUID).Scan(&existing); err != nil {
		return false, fmt.Errorf("add object to %s: %w", recordID, err)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO reconciliation_objects
		(record_id, sop_uid, series_uid, quarantine_path, content_hash, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id, sop_uid) DO UPDATE SET
			series_uid = excluded.series_uid,
			quarantine_path = excluded.quarantine_path,
			content_hash = excluded.content_hash,
			added_at = excluded.added_at
	`, recordID, obj.SOPUID, obj.SeriesUID, obj.QuarantinePath, obj.ContentHash, millis(obj.AddedAt))
	if err != nil {
		if isImmutableViolation(err) {
			return false, fmt.Errorf("add object to %s: %w", recordID, ErrImmutable)
		}
		return false, fmt.Errorf("add object to %s: %w", recordID, err)
	}
	return existing == 0, nil
}

// UpdateDifferences replaces the difference list of an open record.
func (r ReconcileRepo) UpdateDifferences(ctx context.Context, id string, diffs []Difference) error {
	encoded, err := encodeDifferences(diffs)
	if err != nil {
		return err
	}
	return r.updateOpen(ctx, id, "update differences",
		`UPDATE reconciliation_records SET differences = ? WHERE id = ? AND outcome = ''`,
		encoded, id)
}

// SetQueueEntry links an open record to its ProcessDuplicate entry.
func (r ReconcileRepo) SetQueueEntry(ctx context.Context, id, entryID string) error {
	return r.updateOpen(ctx, id, "set queue entry",
		`UPDATE reconciliation_records SET queue_entry_id = ? WHERE id = ? AND outcome = ''`,
		entryID, id)
}

// RequestAction stores an operator-requested resolution on an open record.
func (r ReconcileRepo) RequestAction(ctx context.Context, id string, action ReconcileAction) error {
	return r.updateOpen(ctx, id, "request action",
		`UPDATE reconciliation_records SET requested_action = ? WHERE id = ? AND outcome = ''`,
		string(action), id)
}

// Resolve records the final outcome. After this the record is history.
func (r ReconcileRepo) Resolve(ctx context.Context, id string, outcome ReconcileAction, now time.Time) error {
	if outcome == ActionNone {
		return fmt.Errorf("resolve %s: empty outcome", id)
	}
	return r.updateOpen(ctx, id, "resolve",
		`UPDATE reconciliation_records SET outcome = ?, resolved_at = ? WHERE id = ? AND outcome = ''`,
		string(outcome), millis(now), id)
}

// ReconcileFilter narrows List results. Zero values match everything.
type ReconcileFilter struct {
	LocationID string
	OpenOnly   bool
	Limit      int
}

// List returns records without their objects, oldest first.
func (r ReconcileRepo) List(ctx context.Context, f ReconcileFilter) ([]ReconciliationRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.LocationID != "" {
		where = append(where, "location_id = ?")
		args = append(args, f.LocationID)
	}
	if f.OpenOnly {
		where = append(where, "outcome = ''")
	}

	query := `SELECT ` + recordColumns + ` FROM reconciliation_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation records: %w", err)
	}
	defer rows.Close()

	records := []ReconciliationRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reconciliation records: %w", err)
	}
	return records, nil
}

// updateOpen applies an update guarded by outcome = ''. Zero affected rows
// means the record is missing or already resolved.
func (r ReconcileRepo) updateOpen(ctx context.Context, id, op, query string, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		if isImmutableViolation(err) {
			return fmt.Errorf("%s %s: %w", op, id, ErrImmutable)
		}
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciliation_records WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, ErrImmutable)
}

func isImmutableViolation(err error) bool {
	return strings.Contains(err.Error(), "reconciliation record is immutable")
}
