package registry

import (
	"crypto/hmac"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Kind identifies what a shard is for.
type Kind string

const (
	KindStoreLocal     Kind = "store-local"
	KindStoreRemote    Kind = "store-remote"
	KindFileProcessing Kind = "file-processing"
	KindS3Compatible   Kind = "s3-compatible"
)

// StoreKinds are the shard kinds that can receive uploads.
var StoreKinds = []Kind{KindStoreLocal, KindStoreRemote, KindS3Compatible}

// MinUploadFreeKiB is the default free-space floor for upload placement (1 GiB).
const MinUploadFreeKiB int64 = 1 * 1024 * 1024

var (
	// ErrNotFound is returned when a shard ID is not registered.
	ErrNotFound = errors.New("shard not found")
	// ErrUnauthorized is returned when a shard secret does not match.
	ErrUnauthorized = errors.New("invalid shard credentials")
	// ErrNoHealthyShard is returned when no shard can serve a request.
	ErrNoHealthyShard = errors.New("no healthy shard available")
)

// Shard describes a storage or processing node. The Secret is shared with the
// shard at pairing time and never serialized to clients.
type Shard struct {
	ID            string
	Domain        string
	Kind          Kind
	Secret        string
	Paired        bool
	IsUp          bool
	LastHeartbeat time.Time

	// Capacity metrics, space in KiB. Updated by ping-info.
	SpaceTotal  int64
	SpaceFree   int64
	MemoryTotal int64
	MemoryFree  int64
	CPUUse      float64
	BwIn        int64
	BwOut       int64

	NodeName string
	Lat      *float64
	Lng      *float64
}

// Metrics is a partial capacity report from a heartbeat. Nil fields were not
// reported and must leave the stored value unchanged.
type Metrics struct {
	SpaceTotal  *int64   `json:"space_total"`
	SpaceFree   *int64   `json:"space_free"`
	MemoryTotal *int64   `json:"memory_total"`
	MemoryFree  *int64   `json:"memory_free"`
	CPUUse      *float64 `json:"cpu_use"`
	BwIn        *int64   `json:"bw_in"`
	BwOut       *int64   `json:"bw_out"`
	NodeName    *string  `json:"node_name"`
}

// Registry is an in-memory registry of shards keyed by ID. Selection reads
// snapshots; heartbeats are never blocked by an in-flight selection.
type Registry struct {
	mu        sync.RWMutex
	shards    map[string]*Shard
	staleness time.Duration
}

// New creates a Registry. staleness is the window after which a shard with no
// heartbeat is excluded from candidates even if IsUp was last reported true.
func New(staleness time.Duration) *Registry {
	return &Registry{
		shards:    make(map[string]*Shard),
		staleness: staleness,
	}
}

// Load replaces the registry contents, typically from persistence at boot.
func (r *Registry) Load(shards []*Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards = make(map[string]*Shard, len(shards))
	for _, s := range shards {
		cp := *s
		r.shards[s.ID] = &cp
	}
}

// Register adds or replaces a single shard.
func (r *Registry) Register(s *Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.shards[s.ID] = &cp
}

// Get returns a copy of the shard, or ErrNotFound.
func (r *Registry) Get(id string) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	if !ok {
		return Shard{}, ErrNotFound
	}
	return *s, nil
}

// Authenticate checks a shard ID and secret pair in constant time. The shard
// must also be paired. Returns a copy of the shard on success.
func (r *Registry) Authenticate(id, secret string) (Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	if !ok || !hmac.Equal([]byte(s.Secret), []byte(secret)) || !s.Paired {
		return Shard{}, ErrUnauthorized
	}
	return *s, nil
}

// RecordHeartbeat marks a shard up and applies any reported metrics. Fields
// the shard did not report keep their previous value. Idempotent under
// repetition.
func (r *Registry) RecordHeartbeat(id string, m *Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	if !ok {
		return ErrNotFound
	}
	s.IsUp = true
	s.LastHeartbeat = time.Now()
	if m == nil {
		return nil
	}
	if m.SpaceTotal != nil {
		s.SpaceTotal = *m.SpaceTotal
	}
	if m.SpaceFree != nil {
		s.SpaceFree = *m.SpaceFree
	}
	if m.MemoryTotal != nil {
		s.MemoryTotal = *m.MemoryTotal
	}
	if m.MemoryFree != nil {
		s.MemoryFree = *m.MemoryFree
	}
	if m.CPUUse != nil {
		s.CPUUse = *m.CPUUse
	}
	if m.BwIn != nil {
		s.BwIn = *m.BwIn
	}
	if m.BwOut != nil {
		s.BwOut = *m.BwOut
	}
	if m.NodeName != nil {
		s.NodeName = *m.NodeName
	}
	return nil
}

// MarkDown marks a shard unreachable without touching its metrics.
func (r *Registry) MarkDown(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shards[id]; ok {
		s.IsUp = false
	}
}

// Healthy reports whether a shard is up, paired, and fresh enough to serve
// reads.
func (r *Registry) Healthy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return ok && r.healthyLocked(s, time.Now())
}

func (r *Registry) healthyLocked(s *Shard, now time.Time) bool {
	return s.Paired && s.IsUp && now.Sub(s.LastHeartbeat) <= r.staleness
}

// candidateCap bounds fan-out of a placement query.
const candidateCap = 6

// FindCandidates returns up to candidateCap healthy shards of the given kinds
// with more than minFreeKiB of free space, ordered by heartbeat staleness
// ascending, then free space descending. Returned shards are copies.
func (r *Registry) FindCandidates(kinds []Kind, minFreeKiB int64) []Shard {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	r.mu.RLock()
	now := time.Now()
	var out []Shard
	for _, s := range r.shards {
		if !want[s.Kind] || !r.healthyLocked(s, now) || s.SpaceFree <= minFreeKiB {
			continue
		}
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			// Most recent heartbeat is the least stale.
			return out[i].LastHeartbeat.After(out[j].LastHeartbeat)
		}
		return out[i].SpaceFree > out[j].SpaceFree
	})
	if len(out) > candidateCap {
		out = out[:candidateCap]
	}
	return out
}

// SelectOne picks uniformly at random among candidates. Random rather than
// most-free so consecutive uploads spread across shards instead of piling
// onto whichever reported the most space last. Returns ErrNoHealthyShard if
// there are no candidates.
func (r *Registry) SelectOne(kinds []Kind, minFreeKiB int64) (Shard, error) {
	candidates := r.FindCandidates(kinds, minFreeKiB)
	if len(candidates) == 0 {
		return Shard{}, ErrNoHealthyShard
	}
	return candidates[rand.IntN(len(candidates))], nil
}

// Stats summarizes registry state for the health endpoint.
type Stats struct {
	ShardsUp    int   `json:"shards_up"`
	ShardsTotal int   `json:"shards_total"`
	SpaceTotal  int64 `json:"space_total"`
	SpaceFree   int64 `json:"space_free"`
}

// Snapshot returns summary statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var st Stats
	now := time.Now()
	for _, s := range r.shards {
		st.ShardsTotal++
		if r.healthyLocked(s, now) {
			st.ShardsUp++
		}
		st.SpaceTotal += s.SpaceTotal
		st.SpaceFree += s.SpaceFree
	}
	return st
}
