package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/registry"
	"github.com/flotillahq/flotilla/internal/shortid"
)

// shardView is the client-safe projection of a shard. The secret never
// leaves the coordinator.
type shardView struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Kind      registry.Kind `json:"kind"`
	SpaceFree int64         `json:"space_free"`
	NodeName  string        `json:"node_name,omitempty"`
	Lat       *float64      `json:"lat,omitempty"`
	Lng       *float64      `json:"lng,omitempty"`
}

func viewOf(s registry.Shard) shardView {
	return shardView{
		ID:        s.ID,
		Domain:    s.Domain,
		Kind:      s.Kind,
		SpaceFree: s.SpaceFree,
		NodeName:  s.NodeName,
		Lat:       s.Lat,
		Lng:       s.Lng,
	}
}

// handleUploadServers handles GET /api/uploads/servers — list every shard
// currently able to receive an upload.
func (s *Server) handleUploadServers(w http.ResponseWriter, r *http.Request) {
	candidates := s.reg.FindCandidates(registry.StoreKinds, registry.MinUploadFreeKiB)
	views := make([]shardView, len(candidates))
	for i, c := range candidates {
		views[i] = viewOf(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

// handleUploadTarget handles GET /api/uploads/target — pick one shard for
// the next upload, with the remaining candidates as fallbacks.
func (s *Server) handleUploadTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.reg.SelectOne(registry.StoreKinds, registry.MinUploadFreeKiB)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var alternates []shardView
	for _, c := range s.reg.FindCandidates(registry.StoreKinds, registry.MinUploadFreeKiB) {
		if c.ID != target.ID {
			alternates = append(alternates, viewOf(c))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target":     viewOf(target),
		"alternates": alternates,
	})
}

type createUploadRequest struct {
	Name      string  `json:"name"`
	MimeType  string  `json:"mime_type"`
	Size      int64   `json:"size"`
	ParentID  *string `json:"parent_id"`
	IsPrivate bool    `json:"is_private"`
}

// handleCreateUpload handles POST /api/uploads — register a pending entry
// before the client sends bytes to the selected shard.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.CreatePendingUpload(req.Name, req.MimeType, req.Size, req.ParentID, requesterID(r), req.IsPrivate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"file": e, "file_key": e.FileKey}
	if id, perr := uuid.Parse(e.ID); perr == nil {
		resp["alias"] = shortid.Encode(id)
	}
	writeJSON(w, http.StatusCreated, resp)
}
