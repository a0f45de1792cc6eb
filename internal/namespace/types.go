// Package namespace implements the hierarchical file/folder graph: alias
// resolution, mkdir/move/rename with cycle-safe reparenting, upload
// acknowledgement, transcode status, previews, and replica-aware read
// location resolution.
package namespace

import (
	"errors"
	"strings"
	"time"
)

// Entry statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Transcode statuses. An empty TranscodeStatus pointer means the entry has
// never been picked up for processing.
const (
	TranscodePending  = "pending"
	TranscodeFinished = "finished"
	TranscodeInvalid  = "invalid-file"
	// TranscodeNone clears the status when a worker reports there is nothing
	// to do for the file.
	TranscodeNone = "none"
)

// Preview qualities.
var validQualities = map[string]bool{"480": true, "720": true, "1080": true}

var (
	// ErrNotFound covers both absent entries and private entries the
	// requester cannot see, so a probe cannot distinguish the two.
	ErrNotFound = errors.New("entry not found")
	// ErrAlreadyExists is returned on a name collision under the same
	// (owner, parent) scope, and by ClaimWork for an already-claimed entry.
	ErrAlreadyExists = errors.New("entry already exists")
	// ErrInvalidArgument is returned for malformed input, including a move
	// that would create a cycle.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable is returned when neither the original nor any replica
	// lives on a healthy shard.
	ErrUnavailable = errors.New("no reachable copy")
)

// Entry is a file or folder node. An entry with ReplicationParent set is a
// leaf mirror of another entry's bytes on a different shard; it is never a
// parent of namespace children.
type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID  *string `json:"owner_id"`
	ParentID *string `json:"parent_id"`

	Name      string `json:"name"`
	IsFolder  bool   `json:"is_folder"`
	IsPrivate bool   `json:"is_private"`

	MimeType string `json:"mime_type,omitempty"`
	FileType string `json:"file_type,omitempty"`
	Size     int64  `json:"size"`

	FileKey         string `json:"file_key,omitempty"`
	PreviewKey      string `json:"preview_key,omitempty"`
	PreviewBlurHash string `json:"preview_blur_hash,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`

	ShardID           *string `json:"shard_id"`
	ReplicationParent *string `json:"replication_parent,omitempty"`

	Status             string     `json:"status"`
	TranscodeStatus    *string    `json:"transcode_status"`
	TranscodeStartedAt *time.Time `json:"transcode_started_at,omitempty"`
}

// Preview is a processed variant (thumbnail or transcoded rendition) of an
// entry, stored under its own key on the entry's shard.
type Preview struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entry_id"`
	PreviewKey string    `json:"preview_key"`
	MimeType   string    `json:"mime_type"`
	Quality    string    `json:"quality"`
	CreatedAt  time.Time `json:"created_at"`
}

// Breadcrumb is one step of a folder's ancestor chain.
type Breadcrumb struct {
	ID   *string `json:"id"` // nil for the synthetic root
	Name string  `json:"name"`
}

// Previewable reports whether a mime type is worth sending to a processing
// worker. This is the single definition of eligible media; push-based
// discovery and worker pulls both go through it.
func Previewable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/")
}

// Eligible reports whether an entry is ready for processing work: a
// completed, previewable original with no transcode status yet.
func Eligible(e *Entry) bool {
	return !e.IsFolder &&
		e.Status == StatusCompleted &&
		e.ReplicationParent == nil &&
		e.TranscodeStatus == nil &&
		Previewable(e.MimeType)
}

// IsTerminalTranscode reports whether a worker-reported status ends the job.
func IsTerminalTranscode(status string) bool {
	return status == TranscodeFinished || status == TranscodeInvalid || status == TranscodeNone
}
