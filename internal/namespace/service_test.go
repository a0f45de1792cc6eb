package namespace

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/shortid"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	previews map[string][]Preview
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  make(map[string]*Entry),
		previews: make(map[string][]Preview),
	}
}

func (f *fakeStore) GetEntry(id string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) CreateEntry(e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.entries {
		if strPtrEq(other.OwnerID, e.OwnerID) && strPtrEq(other.ParentID, e.ParentID) && other.Name == e.Name && e.OwnerID != nil {
			return ErrAlreadyExists
		}
	}
	cp := *e
	f.entries[e.ID] = &cp
	return nil
}

func (f *fakeStore) FindChild(ownerID, parentID *string, name string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if strPtrEq(e.OwnerID, ownerID) && strPtrEq(e.ParentID, parentID) && e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) ListChildren(parentID string, ownerID *string, limit, offset int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if e.ParentID == nil || *e.ParentID != parentID {
			continue
		}
		if ownerID == nil && e.IsPrivate {
			continue
		}
		if ownerID != nil && !strPtrEq(e.OwnerID, ownerID) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsFolder != out[j].IsFolder {
			return out[i].IsFolder
		}
		return out[i].Name < out[j].Name
	})
	return page(out, limit, offset), nil
}

func (f *fakeStore) ListRoot(ownerID string, limit, offset int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if e.ParentID == nil && e.OwnerID != nil && *e.OwnerID == ownerID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, limit, offset), nil
}

func (f *fakeStore) SetEntryParent(id string, parentID *string) error {
	return f.update(id, func(e *Entry) { e.ParentID = parentID })
}

func (f *fakeStore) SetEntryName(id, name string) error {
	return f.update(id, func(e *Entry) { e.Name = name })
}

func (f *fakeStore) AckEntryUpload(id, shardID, name, mimeType string, size int64) error {
	return f.update(id, func(e *Entry) {
		e.ShardID = &shardID
		e.Name = name
		e.MimeType = mimeType
		e.Size = size
		e.Status = StatusCompleted
	})
}

func (f *fakeStore) SetTranscodeStatus(id string, status *string, startedAt *time.Time) error {
	return f.update(id, func(e *Entry) {
		e.TranscodeStatus = status
		e.TranscodeStartedAt = startedAt
	})
}

func (f *fakeStore) ClaimTranscode(id string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.TranscodeStatus != nil {
		return ErrAlreadyExists
	}
	st := TranscodePending
	e.TranscodeStatus = &st
	e.TranscodeStartedAt = &startedAt
	return nil
}

func (f *fakeStore) ReleaseTranscode(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.TranscodeStatus != nil && *e.TranscodeStatus == TranscodePending {
		e.TranscodeStatus = nil
		e.TranscodeStartedAt = nil
	}
	return nil
}

func (f *fakeStore) ListWorkCandidates(limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if !e.IsFolder && e.Status == StatusCompleted && e.ReplicationParent == nil && e.TranscodeStatus == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListReplicas(entryID string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entry
	for _, e := range f.entries {
		if e.ReplicationParent != nil && *e.ReplicationParent == entryID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CreatePreview(p *Preview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews[p.EntryID] = append(f.previews[p.EntryID], *p)
	return nil
}

func (f *fakeStore) ListPreviews(entryID string) ([]Preview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Preview(nil), f.previews[entryID]...), nil
}

func (f *fakeStore) SetEntryMeta(id string, width, height int, blurHash, thumbKey string) error {
	return f.update(id, func(e *Entry) {
		e.Width = width
		e.Height = height
		e.PreviewBlurHash = blurHash
		e.PreviewKey = thumbKey
	})
}

func (f *fakeStore) update(id string, fn func(*Entry)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return ErrNotFound
	}
	fn(e)
	e.UpdatedAt = time.Now()
	return nil
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func page(in []Entry, limit, offset int) []Entry {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

// allHealthy reports every shard reachable; pickyHealth only the listed ones.
type allHealthy struct{}

func (allHealthy) Healthy(string) bool { return true }

type pickyHealth map[string]bool

func (p pickyHealth) Healthy(id string) bool { return p[id] }

func str(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewService(store, allHealthy{}), store
}

func TestResolveAlias(t *testing.T) {
	svc, store := newTestService(t)
	id := uuid.New()
	store.entries[id.String()] = &Entry{ID: id.String(), Name: "pic.png", Status: StatusCompleted}

	for _, alias := range []string{id.String(), shortid.Encode(id)} {
		e, err := svc.ResolveAlias(alias, nil)
		if err != nil {
			t.Fatalf("resolve %q: %v", alias, err)
		}
		if e.ID != id.String() {
			t.Fatalf("wrong entry: %s", e.ID)
		}
	}

	if _, err := svc.ResolveAlias("garbage!!", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ResolveAlias(uuid.New().String(), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
	}
}

func TestResolveAlias_PrivateHidesExistence(t *testing.T) {
	svc, store := newTestService(t)
	id := uuid.New().String()
	store.entries[id] = &Entry{ID: id, Name: "secret.png", IsPrivate: true, OwnerID: str("alice")}

	if _, err := svc.ResolveAlias(id, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("anonymous requester must get ErrNotFound, got %v", err)
	}
	if _, err := svc.ResolveAlias(id, str("bob")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner must get ErrNotFound, got %v", err)
	}
	if _, err := svc.ResolveAlias(id, str("alice")); err != nil {
		t.Fatalf("owner must resolve: %v", err)
	}
}

func TestMkdir_DuplicateName(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Mkdir("photos", nil, "alice"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := svc.Mkdir("photos", nil, "alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	// Same name under a different owner is fine: uniqueness is scoped
	// per-owner, not per-parent.
	if _, err := svc.Mkdir("photos", nil, "bob"); err != nil {
		t.Fatalf("mkdir for other owner: %v", err)
	}
}

func TestMkdir_EmptyName(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Mkdir("  ", nil, "alice"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

// mkTree creates a chain root -> d1 -> d2 -> ... -> dN and returns the IDs.
func mkTree(t *testing.T, svc *Service, owner string, depth int) []string {
	t.Helper()
	var ids []string
	var parent *string
	for i := 0; i < depth; i++ {
		f, err := svc.Mkdir(fmt.Sprintf("d%d", i), parent, owner)
		if err != nil {
			t.Fatalf("mkdir d%d: %v", i, err)
		}
		ids = append(ids, f.ID)
		parent = &f.ID
	}
	return ids
}

func TestMove_IntoOwnSubtree(t *testing.T) {
	svc, _ := newTestService(t)
	ids := mkTree(t, svc, "alice", 10)

	// Moving d0 under any of its descendants must fail, at every depth.
	for _, target := range ids[1:] {
		if _, err := svc.Move(ids[0], &target, "alice"); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument moving under %s, got %v", target, err)
		}
	}
	// Moving d0 onto itself fails too.
	if _, err := svc.Move(ids[0], &ids[0], "alice"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for self-move, got %v", err)
	}
}

func TestMove_DeepChainWithinBound(t *testing.T) {
	svc, _ := newTestService(t)
	ids := mkTree(t, svc, "alice", maxTreeDepth-2)

	// A sibling folder can absorb the deepest node.
	side, err := svc.Mkdir("side", nil, "alice")
	if err != nil {
		t.Fatalf("mkdir side: %v", err)
	}
	last := ids[len(ids)-1]
	if _, err := svc.Move(last, &side.ID, "alice"); err != nil {
		t.Fatalf("legal move failed: %v", err)
	}
	// And the deepest node still rejects its own ancestor.
	if _, err := svc.Move(ids[0], &last, "alice"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestMove_NameCollisionAtDestination(t *testing.T) {
	svc, _ := newTestService(t)
	a, _ := svc.Mkdir("a", nil, "alice")
	b, _ := svc.Mkdir("b", nil, "alice")
	if _, err := svc.Mkdir("dup", &a.ID, "alice"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dup2, err := svc.Mkdir("dup", &b.ID, "alice")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := svc.Move(dup2.ID, &a.ID, "alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMove_OwnershipRequired(t *testing.T) {
	svc, _ := newTestService(t)
	a, _ := svc.Mkdir("a", nil, "alice")
	b, _ := svc.Mkdir("b", nil, "bob")
	if _, err := svc.Move(a.ID, &b.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign entry, got %v", err)
	}
}

func TestMove_ToRoot(t *testing.T) {
	svc, _ := newTestService(t)
	a, _ := svc.Mkdir("a", nil, "alice")
	nested, _ := svc.Mkdir("nested", &a.ID, "alice")
	moved, err := svc.Move(nested.ID, nil, "alice")
	if err != nil {
		t.Fatalf("move to root: %v", err)
	}
	if moved.ParentID != nil {
		t.Fatal("expected nil parent after move to root")
	}
}

func TestRename_Collision(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Mkdir("a", nil, "alice")
	b, _ := svc.Mkdir("b", nil, "alice")
	if _, err := svc.Rename(b.ID, "a", "alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := svc.Rename(b.ID, "c", "alice"); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestBreadcrumbs(t *testing.T) {
	svc, _ := newTestService(t)
	ids := mkTree(t, svc, "alice", 3)

	trail, err := svc.Breadcrumbs(ids[2], "alice")
	if err != nil {
		t.Fatalf("breadcrumbs: %v", err)
	}
	want := []string{rootLabel, "d0", "d1", "d2"}
	if len(trail) != len(want) {
		t.Fatalf("expected %d crumbs, got %d", len(want), len(trail))
	}
	for i, name := range want {
		if trail[i].Name != name {
			t.Fatalf("crumb %d: expected %s, got %s", i, name, trail[i].Name)
		}
	}
	if trail[0].ID != nil {
		t.Fatal("synthetic root must have nil ID")
	}
}

func TestBreadcrumbs_DepthBound(t *testing.T) {
	svc, store := newTestService(t)
	// Two folders pointing at each other: a corrupt parent chain.
	a := uuid.New().String()
	b := uuid.New().String()
	owner := "alice"
	store.entries[a] = &Entry{ID: a, Name: "a", IsFolder: true, OwnerID: &owner, ParentID: &b}
	store.entries[b] = &Entry{ID: b, Name: "b", IsFolder: true, OwnerID: &owner, ParentID: &a}

	if _, err := svc.Breadcrumbs(a, owner); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on corrupt chain, got %v", err)
	}
}

func TestUploadLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	e, err := svc.CreatePendingUpload("clip.mp4", "video/mp4", 1000, nil, str("alice"), true)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if e.Status != StatusPending || e.FileKey == "" {
		t.Fatalf("unexpected pending entry: %+v", e)
	}

	acked, err := svc.AckUpload("shard-1", e.ID, "clip.mp4", "video/mp4", 1024)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if acked.Status != StatusCompleted || acked.ShardID == nil || *acked.ShardID != "shard-1" {
		t.Fatalf("unexpected acked entry: %+v", acked)
	}

	// A second ack must fail: the entry is no longer pending.
	if _, err := svc.AckUpload("shard-1", e.ID, "clip.mp4", "video/mp4", 1024); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on double ack, got %v", err)
	}
}

func TestEligibleWork(t *testing.T) {
	svc, store := newTestService(t)

	e, _ := svc.CreatePendingUpload("clip.mp4", "video/mp4", 10, nil, str("alice"), false)
	svc.AckUpload("shard-1", e.ID, "clip.mp4", "video/mp4", 10)

	doc, _ := svc.CreatePendingUpload("doc.pdf", "application/pdf", 10, nil, str("alice"), false)
	svc.AckUpload("shard-1", doc.ID, "doc.pdf", "application/pdf", 10)

	// Replica of the eligible file is itself never eligible.
	replica := &Entry{ID: uuid.New().String(), Name: "clip.mp4", MimeType: "video/mp4",
		Status: StatusCompleted, ReplicationParent: &e.ID, CreatedAt: time.Now()}
	store.entries[replica.ID] = replica

	work, err := svc.FindEligibleWork(10)
	if err != nil {
		t.Fatalf("find work: %v", err)
	}
	if len(work) != 1 || work[0].ID != e.ID {
		t.Fatalf("expected exactly the video, got %+v", work)
	}

	if err := svc.ClaimWork(e.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := svc.ClaimWork(e.ID); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on double claim, got %v", err)
	}

	work, _ = svc.FindEligibleWork(10)
	if len(work) != 0 {
		t.Fatalf("claimed entry still eligible: %+v", work)
	}

	if err := svc.ReleaseWork(e.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	work, _ = svc.FindEligibleWork(10)
	if len(work) != 1 {
		t.Fatalf("released entry should be eligible again, got %+v", work)
	}
}

func TestMarkTranscode(t *testing.T) {
	svc, store := newTestService(t)
	e, _ := svc.CreatePendingUpload("clip.mp4", "video/mp4", 10, nil, str("alice"), false)
	svc.AckUpload("s1", e.ID, "clip.mp4", "video/mp4", 10)

	if err := svc.MarkTranscode(e.ID, TranscodeFinished); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, _ := store.GetEntry(e.ID)
	if got.TranscodeStatus == nil || *got.TranscodeStatus != TranscodeFinished {
		t.Fatalf("expected finished, got %+v", got.TranscodeStatus)
	}

	if err := svc.MarkTranscode(e.ID, TranscodeNone); err != nil {
		t.Fatalf("mark none: %v", err)
	}
	got, _ = store.GetEntry(e.ID)
	if got.TranscodeStatus != nil {
		t.Fatal("expected cleared status")
	}

	if err := svc.MarkTranscode(e.ID, "weird"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestResolveReadableLocation_Failover(t *testing.T) {
	store := newFakeStore()
	health := pickyHealth{}
	svc := NewService(store, health)

	orig := &Entry{ID: uuid.New().String(), Name: "clip.mp4", Status: StatusCompleted, ShardID: str("s1"), FileKey: "files/orig"}
	rep := &Entry{ID: uuid.New().String(), Name: "clip.mp4", Status: StatusCompleted, ShardID: str("s2"),
		FileKey: "files/rep", ReplicationParent: &orig.ID}
	store.entries[orig.ID] = orig
	store.entries[rep.ID] = rep

	// Original shard healthy: picks the original.
	health["s1"] = true
	loc, err := svc.ResolveReadableLocation(orig)
	if err != nil || loc.ID != orig.ID {
		t.Fatalf("expected original, got %v %v", loc, err)
	}

	// Original down, replica up: fails over.
	health["s1"] = false
	health["s2"] = true
	loc, err = svc.ResolveReadableLocation(orig)
	if err != nil || loc.ID != rep.ID {
		t.Fatalf("expected replica, got %v %v", loc, err)
	}

	// Everything down: Unavailable.
	health["s2"] = false
	if _, err := svc.ResolveReadableLocation(orig); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAttachPreviewAndMeta(t *testing.T) {
	svc, store := newTestService(t)
	e, _ := svc.CreatePendingUpload("clip.mp4", "video/mp4", 10, nil, str("alice"), false)
	svc.AckUpload("s1", e.ID, "clip.mp4", "video/mp4", 10)

	if _, err := svc.AttachPreview(e.ID, "previews/x.mp4", "4K", "video/mp4"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for bad quality, got %v", err)
	}
	p, err := svc.AttachPreview(e.ID, "previews/x.mp4", "720", "video/mp4")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if p.Quality != "720" {
		t.Fatalf("unexpected preview: %+v", p)
	}
	previews, _ := svc.Previews(e.ID)
	if len(previews) != 1 {
		t.Fatalf("expected 1 preview, got %d", len(previews))
	}

	if err := svc.UpdateMeta(e.ID, 1920, 1080, "LEHV6n", "thumbs/x.jpg"); err != nil {
		t.Fatalf("meta: %v", err)
	}
	got, _ := store.GetEntry(e.ID)
	if got.Width != 1920 || got.PreviewKey != "thumbs/x.jpg" {
		t.Fatalf("meta not applied: %+v", got)
	}
	if err := svc.UpdateMeta(e.ID, 0, 10, "x", "y"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestListChildren_AnonymousSeesOnlyPublic(t *testing.T) {
	svc, store := newTestService(t)
	folder, _ := svc.Mkdir("shared", nil, "alice")

	pub := &Entry{ID: uuid.New().String(), Name: "pub.png", ParentID: &folder.ID, OwnerID: str("alice"), Status: StatusCompleted}
	priv := &Entry{ID: uuid.New().String(), Name: "priv.png", ParentID: &folder.ID, OwnerID: str("alice"), IsPrivate: true, Status: StatusCompleted}
	store.entries[pub.ID] = pub
	store.entries[priv.ID] = priv

	anon, err := svc.ListChildren(folder.ID, nil, 1, 30)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(anon) != 1 || anon[0].Name != "pub.png" {
		t.Fatalf("anonymous listing wrong: %+v", anon)
	}

	mine, _ := svc.ListChildren(folder.ID, str("alice"), 1, 30)
	if len(mine) != 2 {
		t.Fatalf("owner listing wrong: %+v", mine)
	}
}
