package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrShareNotFound is returned when a share is absent or not owned by the
// caller.
var ErrShareNotFound = errors.New("share not found")

// Share types.
const (
	ShareTypeFile   = "file"
	ShareTypeFolder = "folder"
)

// Share is a persisted, revocable grant on an entry. PasswordHash is set only
// on password-protected folder shares. A nil ExpiresAt never expires.
type Share struct {
	ID           string     `json:"id"`
	EntryID      string     `json:"entry_id"`
	OwnerID      string     `json:"owner_id"`
	ShareType    string     `json:"share_type"`
	Name         string     `json:"name,omitempty"`
	PasswordHash []byte     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsExpired reports whether the share's expiry has passed.
func (s *Share) IsExpired() bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(time.Now())
}

// UpsertShare creates a share, or updates the expiry of the existing share
// for the same (entry, owner). One share per entry per owner keeps
// revocation simple.
func (d *DB) UpsertShare(s *Share) error {
	now := time.Now()
	_, err := d.db.Exec(
		`INSERT INTO shares (id, entry_id, owner_id, share_type, name, password_hash,
		 expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entry_id, owner_id) DO UPDATE SET
		   expires_at = excluded.expires_at,
		   name = excluded.name,
		   password_hash = excluded.password_hash,
		   updated_at = excluded.updated_at`,
		s.ID, s.EntryID, s.OwnerID, s.ShareType, s.Name, s.PasswordHash,
		nullUnixPtr(s.ExpiresAt), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert share: %w", err)
	}
	// The caller needs the surviving row's ID when the upsert hit an
	// existing share.
	existing, err := d.findShareByEntryOwner(s.EntryID, s.OwnerID)
	if err != nil {
		return err
	}
	*s = *existing
	return nil
}

// GetShare retrieves a share by ID.
func (d *DB) GetShare(id string) (*Share, error) {
	row := d.db.QueryRow(
		`SELECT id, entry_id, owner_id, share_type, name, password_hash, expires_at,
		 created_at, updated_at FROM shares WHERE id = ?`, id,
	)
	s, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get share %s: %w", id, ErrShareNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return s, nil
}

// ListSharesForOwner returns an owner's shares, newest first.
func (d *DB) ListSharesForOwner(ownerID string) ([]Share, error) {
	rows, err := d.db.Query(
		`SELECT id, entry_id, owner_id, share_type, name, password_hash, expires_at,
		 created_at, updated_at FROM shares WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()

	var shares []Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		shares = append(shares, *s)
	}
	return shares, rows.Err()
}

// DeleteShare revokes a share owned by ownerID.
func (d *DB) DeleteShare(id, ownerID string) error {
	res, err := d.db.Exec(`DELETE FROM shares WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete share rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete share: %w", ErrShareNotFound)
	}
	return nil
}

func (d *DB) findShareByEntryOwner(entryID, ownerID string) (*Share, error) {
	row := d.db.QueryRow(
		`SELECT id, entry_id, owner_id, share_type, name, password_hash, expires_at,
		 created_at, updated_at FROM shares WHERE entry_id = ? AND owner_id = ?`,
		entryID, ownerID,
	)
	s, err := scanShare(row)
	if err != nil {
		return nil, fmt.Errorf("find share: %w", err)
	}
	return s, nil
}

func scanShare(row rowScanner) (*Share, error) {
	var (
		s         Share
		password  []byte
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&s.ID, &s.EntryID, &s.OwnerID, &s.ShareType, &s.Name, &password,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.PasswordHash = password
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		s.ExpiresAt = &t
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

func nullUnixPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
