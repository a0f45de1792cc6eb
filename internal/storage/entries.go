package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/internal/namespace"
)

const entryColumns = `id, owner_id, parent_id, name, is_folder, is_private,
	mime_type, file_type, size, file_key, preview_key, preview_blur_hash,
	width, height, shard_id, replication_parent, status, transcode_status,
	transcode_started_at, created_at, updated_at`

// GetEntry retrieves an entry by ID.
func (d *DB) GetEntry(id string) (*namespace.Entry, error) {
	row := d.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get entry %s: %w", id, namespace.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// CreateEntry inserts a new entry.
func (d *DB) CreateEntry(e *namespace.Entry) error {
	_, err := d.db.Exec(
		`INSERT INTO entries (id, owner_id, parent_id, name, is_folder, is_private,
		 mime_type, file_type, size, file_key, preview_key, preview_blur_hash,
		 width, height, shard_id, replication_parent, status, transcode_status,
		 transcode_started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.ParentID, e.Name, boolToInt(e.IsFolder), boolToInt(e.IsPrivate),
		e.MimeType, e.FileType, e.Size, e.FileKey, e.PreviewKey, e.PreviewBlurHash,
		e.Width, e.Height, e.ShardID, e.ReplicationParent, e.Status, e.TranscodeStatus,
		nullUnix(e.TranscodeStartedAt), e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create entry: %w", namespace.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

// FindChild looks up a sibling by (owner, parent, name). Nil owner or parent
// match NULL columns.
func (d *DB) FindChild(ownerID, parentID *string, name string) (*namespace.Entry, error) {
	row := d.db.QueryRow(
		`SELECT `+entryColumns+` FROM entries
		 WHERE owner_id IS ? AND parent_id IS ? AND name = ?`,
		ownerID, parentID, name,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find child: %w", namespace.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find child: %w", err)
	}
	return e, nil
}

// ListChildren lists entries under a parent, folders first then by name.
// A nil ownerID restricts the listing to public entries.
func (d *DB) ListChildren(parentID string, ownerID *string, limit, offset int) ([]namespace.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ownerID == nil {
		rows, err = d.db.Query(
			`SELECT `+entryColumns+` FROM entries
			 WHERE parent_id = ? AND is_private = 0
			 ORDER BY is_folder DESC, name ASC LIMIT ? OFFSET ?`,
			parentID, limit, offset,
		)
	} else {
		rows, err = d.db.Query(
			`SELECT `+entryColumns+` FROM entries
			 WHERE parent_id = ? AND owner_id = ?
			 ORDER BY is_folder DESC, name ASC LIMIT ? OFFSET ?`,
			parentID, *ownerID, limit, offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return collectEntries(rows)
}

// ListRoot lists an owner's root-level entries.
func (d *DB) ListRoot(ownerID string, limit, offset int) ([]namespace.Entry, error) {
	rows, err := d.db.Query(
		`SELECT `+entryColumns+` FROM entries
		 WHERE owner_id = ? AND parent_id IS NULL
		 ORDER BY is_folder DESC, name ASC LIMIT ? OFFSET ?`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list root: %w", err)
	}
	return collectEntries(rows)
}

// SetEntryParent updates the parent pointer.
func (d *DB) SetEntryParent(id string, parentID *string) error {
	res, err := d.db.Exec(
		`UPDATE entries SET parent_id = ?, updated_at = ? WHERE id = ?`,
		parentID, time.Now().Unix(), id,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("set entry parent: %w", namespace.ErrAlreadyExists)
	}
	return checkAffected("set entry parent", res, err)
}

// SetEntryName renames an entry.
func (d *DB) SetEntryName(id, name string) error {
	res, err := d.db.Exec(
		`UPDATE entries SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().Unix(), id,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("set entry name: %w", namespace.ErrAlreadyExists)
	}
	return checkAffected("set entry name", res, err)
}

// AckEntryUpload marks a pending entry completed and attaches its shard.
func (d *DB) AckEntryUpload(id, shardID, name, mimeType string, size int64) error {
	res, err := d.db.Exec(
		`UPDATE entries SET shard_id = ?, name = ?, mime_type = ?, size = ?,
		 status = ?, updated_at = ? WHERE id = ?`,
		shardID, name, mimeType, size, namespace.StatusCompleted, time.Now().Unix(), id,
	)
	return checkAffected("ack entry upload", res, err)
}

// SetTranscodeStatus writes the transcode status; nil clears it.
func (d *DB) SetTranscodeStatus(id string, status *string, startedAt *time.Time) error {
	res, err := d.db.Exec(
		`UPDATE entries SET transcode_status = ?, transcode_started_at = ?, updated_at = ?
		 WHERE id = ?`,
		status, nullUnix(startedAt), time.Now().Unix(), id,
	)
	return checkAffected("set transcode status", res, err)
}

// ClaimTranscode atomically flips a null transcode status to pending. The
// WHERE clause is the whole concurrency story: a second claim updates zero
// rows.
func (d *DB) ClaimTranscode(id string, startedAt time.Time) error {
	res, err := d.db.Exec(
		`UPDATE entries SET transcode_status = ?, transcode_started_at = ?, updated_at = ?
		 WHERE id = ? AND transcode_status IS NULL`,
		namespace.TranscodePending, startedAt.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("claim transcode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim transcode rows affected: %w", err)
	}
	if n == 0 {
		if _, err := d.GetEntry(id); err != nil {
			return err
		}
		return fmt.Errorf("claim transcode: %w", namespace.ErrAlreadyExists)
	}
	return nil
}

// ReleaseTranscode clears a pending claim. Terminal statuses are untouched.
func (d *DB) ReleaseTranscode(id string) error {
	_, err := d.db.Exec(
		`UPDATE entries SET transcode_status = NULL, transcode_started_at = NULL, updated_at = ?
		 WHERE id = ? AND transcode_status = ?`,
		time.Now().Unix(), id, namespace.TranscodePending,
	)
	if err != nil {
		return fmt.Errorf("release transcode: %w", err)
	}
	return nil
}

// ListWorkCandidates returns completed, non-folder, non-replica entries with
// no transcode status, oldest first.
func (d *DB) ListWorkCandidates(limit int) ([]namespace.Entry, error) {
	rows, err := d.db.Query(
		`SELECT `+entryColumns+` FROM entries
		 WHERE is_folder = 0 AND status = ? AND replication_parent IS NULL
		   AND transcode_status IS NULL
		 ORDER BY created_at ASC LIMIT ?`,
		namespace.StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list work candidates: %w", err)
	}
	return collectEntries(rows)
}

// ListReplicas returns the replica entries mirroring entryID.
func (d *DB) ListReplicas(entryID string) ([]namespace.Entry, error) {
	rows, err := d.db.Query(
		`SELECT `+entryColumns+` FROM entries WHERE replication_parent = ? ORDER BY id`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	return collectEntries(rows)
}

// CreatePreview inserts a preview record.
func (d *DB) CreatePreview(p *namespace.Preview) error {
	_, err := d.db.Exec(
		`INSERT INTO previews (id, entry_id, preview_key, mime_type, quality, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.EntryID, p.PreviewKey, p.MimeType, p.Quality, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	return nil
}

// ListPreviews returns an entry's preview variants.
func (d *DB) ListPreviews(entryID string) ([]namespace.Preview, error) {
	rows, err := d.db.Query(
		`SELECT id, entry_id, preview_key, mime_type, quality, created_at
		 FROM previews WHERE entry_id = ? ORDER BY quality`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list previews: %w", err)
	}
	defer rows.Close()

	var previews []namespace.Preview
	for rows.Next() {
		var p namespace.Preview
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.EntryID, &p.PreviewKey, &p.MimeType, &p.Quality, &createdAt); err != nil {
			return nil, fmt.Errorf("scan preview: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

// SetEntryMeta stores worker-reported media metadata.
func (d *DB) SetEntryMeta(id string, width, height int, blurHash, thumbKey string) error {
	res, err := d.db.Exec(
		`UPDATE entries SET width = ?, height = ?, preview_blur_hash = ?, preview_key = ?,
		 updated_at = ? WHERE id = ?`,
		width, height, blurHash, thumbKey, time.Now().Unix(), id,
	)
	return checkAffected("set entry meta", res, err)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*namespace.Entry, error) {
	var (
		e                    namespace.Entry
		ownerID, parentID    sql.NullString
		shardID, replParent  sql.NullString
		transcodeStatus      sql.NullString
		isFolder, isPrivate  int
		transcodeStarted     sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&e.ID, &ownerID, &parentID, &e.Name, &isFolder, &isPrivate,
		&e.MimeType, &e.FileType, &e.Size, &e.FileKey, &e.PreviewKey, &e.PreviewBlurHash,
		&e.Width, &e.Height, &shardID, &replParent, &e.Status, &transcodeStatus,
		&transcodeStarted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.OwnerID = nullStr(ownerID)
	e.ParentID = nullStr(parentID)
	e.ShardID = nullStr(shardID)
	e.ReplicationParent = nullStr(replParent)
	e.TranscodeStatus = nullStr(transcodeStatus)
	e.IsFolder = isFolder != 0
	e.IsPrivate = isPrivate != 0
	if transcodeStarted.Valid {
		t := time.Unix(transcodeStarted.Int64, 0)
		e.TranscodeStartedAt = &t
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]namespace.Entry, error) {
	defer rows.Close()
	var entries []namespace.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func checkAffected(op string, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, namespace.ErrNotFound)
	}
	return nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
