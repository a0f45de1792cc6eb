package namespace

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/shortid"
)

// maxTreeDepth bounds every upward walk (cycle check, breadcrumbs) so corrupt
// parent pointers cannot hang a request.
const maxTreeDepth = 50

// rootLabel is the synthetic root prefixed to every breadcrumb trail.
const rootLabel = "Home"

// Service exposes the namespace operations over a Store.
type Service struct {
	store  Store
	health ShardHealth
}

// NewService creates a Service. health is consulted only by
// ResolveReadableLocation.
func NewService(store Store, health ShardHealth) *Service {
	return &Service{store: store, health: health}
}

// ResolveAlias resolves a raw UUID or short alias to an entry. Private
// entries resolve only for their owner; everyone else gets ErrNotFound so
// existence is not leaked.
func (s *Service) ResolveAlias(alias string, requesterID *string) (*Entry, error) {
	id, err := shortid.Decode(alias)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.Get(id.String(), requesterID)
}

// Get fetches an entry by ID with the same privacy rule as ResolveAlias.
func (s *Service) Get(id string, requesterID *string) (*Entry, error) {
	e, err := s.store.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if e.IsPrivate {
		if requesterID == nil || e.OwnerID == nil || *e.OwnerID != *requesterID {
			return nil, ErrNotFound
		}
	}
	return e, nil
}

// ListChildren lists a folder's contents, folders first. Anonymous requesters
// see only public entries.
func (s *Service) ListChildren(parentID string, requesterID *string, page, perPage int) ([]Entry, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 30
	}
	return s.store.ListChildren(parentID, requesterID, perPage, (page-1)*perPage)
}

// ListRoot lists an owner's root-level entries.
func (s *Service) ListRoot(ownerID string, page, perPage int) ([]Entry, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 30
	}
	return s.store.ListRoot(ownerID, perPage, (page-1)*perPage)
}

// Mkdir creates a folder. The (owner, parent, name) triple must be unique.
func (s *Service) Mkdir(name string, parentID *string, ownerID string) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: folder name is required", ErrInvalidArgument)
	}
	if parentID != nil {
		if err := s.checkParentFolder(*parentID, ownerID); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.FindChild(&ownerID, parentID, name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	e := &Entry{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		OwnerID:   &ownerID,
		ParentID:  parentID,
		Name:      name,
		IsFolder:  true,
		IsPrivate: true,
		Status:    StatusCompleted,
	}
	if err := s.store.CreateEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Move reparents an entry. Both checks are independent and both must pass:
// no sibling of the same name at the destination, and the destination must
// not be the entry itself or inside its subtree.
func (s *Service) Move(entryID string, newParentID *string, ownerID string) (*Entry, error) {
	e, err := s.ownedEntry(entryID, ownerID)
	if err != nil {
		return nil, err
	}

	if newParentID != nil {
		if err := s.checkParentFolder(*newParentID, ownerID); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.FindChild(&ownerID, newParentID, e.Name); err == nil {
		return nil, fmt.Errorf("%w: %q at destination", ErrAlreadyExists, e.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if newParentID != nil {
		if err := s.checkNoCycle(entryID, *newParentID); err != nil {
			return nil, err
		}
	}

	if err := s.store.SetEntryParent(entryID, newParentID); err != nil {
		return nil, err
	}
	e.ParentID = newParentID
	return e, nil
}

// Rename changes an entry's name under the same collision rule as Move.
func (s *Service) Rename(entryID, name, ownerID string) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	e, err := s.ownedEntry(entryID, ownerID)
	if err != nil {
		return nil, err
	}
	if e.Name == name {
		return e, nil
	}
	if _, err := s.store.FindChild(&ownerID, e.ParentID, name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.store.SetEntryName(entryID, name); err != nil {
		return nil, err
	}
	e.Name = name
	return e, nil
}

// Breadcrumbs walks parent pointers from folderID to the root, bounded at
// maxTreeDepth hops, and prefixes the synthetic root label.
func (s *Service) Breadcrumbs(folderID, ownerID string) ([]Breadcrumb, error) {
	e, err := s.ownedEntry(folderID, ownerID)
	if err != nil {
		return nil, err
	}

	var trail []Breadcrumb
	cur := e
	for depth := 0; ; depth++ {
		if depth >= maxTreeDepth {
			return nil, fmt.Errorf("%w: ancestor chain exceeds %d levels", ErrInvalidArgument, maxTreeDepth)
		}
		id := cur.ID
		trail = append([]Breadcrumb{{ID: &id, Name: cur.Name}}, trail...)
		if cur.ParentID == nil {
			break
		}
		cur, err = s.store.GetEntry(*cur.ParentID)
		if err != nil {
			return nil, err
		}
	}
	return append([]Breadcrumb{{Name: rootLabel}}, trail...), nil
}

// CreatePendingUpload registers an entry awaiting bytes on a shard. The file
// key is derived deterministically so the shard and coordinator agree on the
// object path before the upload finishes.
func (s *Service) CreatePendingUpload(name, mimeType string, size int64, parentID, ownerID *string, isPrivate bool) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidArgument)
	}
	if parentID != nil {
		if ownerID == nil {
			return nil, fmt.Errorf("%w: anonymous uploads go to the root", ErrInvalidArgument)
		}
		if err := s.checkParentFolder(*parentID, *ownerID); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	id := uuid.New().String()
	e := &Entry{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		OwnerID:   ownerID,
		ParentID:  parentID,
		Name:      name,
		IsPrivate: isPrivate,
		MimeType:  mimeType,
		Size:      size,
		FileKey:   fileKeyFor(id, name),
		Status:    StatusPending,
	}
	if err := s.store.CreateEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

// AckUpload is the shard's acknowledgement that the bytes landed. The entry
// must still be pending.
func (s *Service) AckUpload(shardID, entryID, name, mimeType string, size int64) (*Entry, error) {
	e, err := s.store.GetEntry(entryID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, fmt.Errorf("%w: entry is not pending upload", ErrInvalidArgument)
	}
	if err := s.store.AckEntryUpload(entryID, shardID, name, mimeType, size); err != nil {
		return nil, err
	}
	return s.store.GetEntry(entryID)
}

// MarkTranscode records a worker's status report for an entry.
func (s *Service) MarkTranscode(entryID, status string) error {
	switch status {
	case TranscodePending:
		now := time.Now()
		return s.store.SetTranscodeStatus(entryID, &status, &now)
	case TranscodeFinished, TranscodeInvalid:
		return s.store.SetTranscodeStatus(entryID, &status, nil)
	case TranscodeNone:
		return s.store.SetTranscodeStatus(entryID, nil, nil)
	default:
		return fmt.Errorf("%w: unknown transcode status %q", ErrInvalidArgument, status)
	}
}

// ClaimWork atomically claims an entry for processing. ErrAlreadyExists means
// another worker got there first.
func (s *Service) ClaimWork(entryID string) error {
	return s.store.ClaimTranscode(entryID, time.Now())
}

// ReleaseWork clears a pending claim after a failed dispatch so the entry is
// discoverable again.
func (s *Service) ReleaseWork(entryID string) error {
	return s.store.ReleaseTranscode(entryID)
}

// FindEligibleWork returns up to limit entries satisfying Eligible. Push scan
// and worker pull both call this, so there is exactly one definition of
// "eligible work".
func (s *Service) FindEligibleWork(limit int) ([]Entry, error) {
	if limit < 1 || limit > 50 {
		limit = 10
	}
	candidates, err := s.store.ListWorkCandidates(limit * 2)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i := range candidates {
		if !Eligible(&candidates[i]) {
			continue
		}
		out = append(out, candidates[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// AttachPreview records a processed preview variant for an entry.
func (s *Service) AttachPreview(entryID, previewKey, quality, mimeType string) (*Preview, error) {
	if previewKey == "" || !validQualities[quality] {
		return nil, fmt.Errorf("%w: bad preview key or quality", ErrInvalidArgument)
	}
	if _, err := s.store.GetEntry(entryID); err != nil {
		return nil, err
	}
	p := &Preview{
		ID:         uuid.New().String(),
		EntryID:    entryID,
		PreviewKey: previewKey,
		MimeType:   mimeType,
		Quality:    quality,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreatePreview(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Previews lists an entry's preview variants.
func (s *Service) Previews(entryID string) ([]Preview, error) {
	return s.store.ListPreviews(entryID)
}

// UpdateMeta stores worker-reported media metadata.
func (s *Service) UpdateMeta(entryID string, width, height int, blurHash, thumbKey string) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: bad dimensions", ErrInvalidArgument)
	}
	if _, err := s.store.GetEntry(entryID); err != nil {
		return err
	}
	return s.store.SetEntryMeta(entryID, width, height, blurHash, thumbKey)
}

// ResolveReadableLocation picks the entry row whose shard can serve a read:
// the original first, then each replica. This failover is required behavior,
// not an optimization.
func (s *Service) ResolveReadableLocation(e *Entry) (*Entry, error) {
	if e.ShardID != nil && s.health.Healthy(*e.ShardID) {
		return e, nil
	}
	replicas, err := s.store.ListReplicas(e.ID)
	if err != nil {
		return nil, err
	}
	for i := range replicas {
		r := &replicas[i]
		if r.ShardID != nil && s.health.Healthy(*r.ShardID) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w for entry %s", ErrUnavailable, e.ID)
}

// Replicas lists the replica entries mirroring entryID.
func (s *Service) Replicas(entryID string) ([]Entry, error) {
	return s.store.ListReplicas(entryID)
}

// ownedEntry fetches an entry and verifies ownership. Missing and
// not-owned both come back as ErrNotFound.
func (s *Service) ownedEntry(id, ownerID string) (*Entry, error) {
	e, err := s.store.GetEntry(id)
	if err != nil {
		return nil, err
	}
	if e.OwnerID == nil || *e.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return e, nil
}

// checkParentFolder verifies the destination parent exists, is a folder the
// owner controls, and is not a replica (replicas are leaf mirrors, never
// parents).
func (s *Service) checkParentFolder(parentID, ownerID string) error {
	p, err := s.store.GetEntry(parentID)
	if err != nil {
		return err
	}
	if !p.IsFolder || p.ReplicationParent != nil {
		return fmt.Errorf("%w: destination is not a folder", ErrInvalidArgument)
	}
	if p.OwnerID == nil || *p.OwnerID != ownerID {
		return ErrNotFound
	}
	return nil
}

// checkNoCycle walks up from newParentID; finding entryID in the chain (or
// the chain running past maxTreeDepth) rejects the move. Iterative on
// purpose: corrupt data must not blow the stack.
func (s *Service) checkNoCycle(entryID, newParentID string) error {
	if newParentID == entryID {
		return fmt.Errorf("%w: cannot move into own subtree", ErrInvalidArgument)
	}
	cur := newParentID
	for depth := 0; depth < maxTreeDepth; depth++ {
		p, err := s.store.GetEntry(cur)
		if err != nil {
			return err
		}
		if p.ParentID == nil {
			return nil
		}
		if *p.ParentID == entryID {
			return fmt.Errorf("%w: cannot move into own subtree", ErrInvalidArgument)
		}
		cur = *p.ParentID
	}
	return fmt.Errorf("%w: ancestor chain exceeds %d levels", ErrInvalidArgument, maxTreeDepth)
}

// fileKeyFor derives the object path a shard stores an entry under.
func fileKeyFor(id, name string) string {
	sum := xxhash.Sum64String(id + "/" + name)
	return fmt.Sprintf("files/%016x%s", sum, strings.ToLower(path.Ext(name)))
}
