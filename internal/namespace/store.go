package namespace

import "time"

// Store is the persistence interface the namespace depends on. Implementations
// must return ErrNotFound for missing rows and ErrAlreadyExists for unique
// violations; the namespace never assumes a query language.
type Store interface {
	GetEntry(id string) (*Entry, error)
	CreateEntry(e *Entry) error

	// FindChild looks up a sibling by the (owner, parent, name) uniqueness
	// scope. ownerID and parentID may be nil (anonymous owner, root parent).
	FindChild(ownerID, parentID *string, name string) (*Entry, error)

	// ListChildren returns entries under parentID ordered folders-first then
	// by name. When ownerID is nil only public entries are returned.
	ListChildren(parentID string, ownerID *string, limit, offset int) ([]Entry, error)
	ListRoot(ownerID string, limit, offset int) ([]Entry, error)

	SetEntryParent(id string, parentID *string) error
	SetEntryName(id, name string) error

	// AckEntryUpload marks a pending entry completed and attaches its shard.
	AckEntryUpload(id, shardID, name, mimeType string, size int64) error

	// SetTranscodeStatus writes the status (nil clears it).
	SetTranscodeStatus(id string, status *string, startedAt *time.Time) error
	// ClaimTranscode atomically flips a null transcode status to pending.
	// Returns ErrAlreadyExists when the entry was already claimed.
	ClaimTranscode(id string, startedAt time.Time) error
	// ReleaseTranscode clears a pending claim so the entry becomes eligible
	// again. Terminal statuses are left untouched.
	ReleaseTranscode(id string) error

	// ListWorkCandidates returns completed, non-folder, non-replica entries
	// with no transcode status, oldest first.
	ListWorkCandidates(limit int) ([]Entry, error)

	ListReplicas(entryID string) ([]Entry, error)

	CreatePreview(p *Preview) error
	ListPreviews(entryID string) ([]Preview, error)
	SetEntryMeta(id string, width, height int, blurHash, thumbKey string) error
}

// ShardHealth answers whether a shard can currently serve reads. Implemented
// by the shard registry.
type ShardHealth interface {
	Healthy(shardID string) bool
}
