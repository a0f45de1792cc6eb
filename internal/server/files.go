package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/shortid"
	"github.com/flotillahq/flotilla/internal/signing"
)

// defaultViewTTL is the presigned URL lifetime for private objects.
const defaultViewTTL = time.Hour

// handleResolve handles GET /api/files/{alias} — alias or UUID lookup with
// the requester's visibility.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	e, err := s.ns.ResolveAlias(r.PathValue("alias"), requesterID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"file": e}
	if id, perr := uuid.Parse(e.ID); perr == nil {
		resp["alias"] = shortid.Encode(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBreadcrumbs handles GET /api/files/{id}/breadcrumbs.
func (s *Server) handleBreadcrumbs(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	trail, err := s.ns.Breadcrumbs(r.PathValue("id"), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breadcrumbs": trail})
}

// handleListChildren handles GET /api/files/{id}/children with page/per_page
// query parameters.
func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	entries, err := s.ns.ListChildren(r.PathValue("id"), requesterID(r), page, perPage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []namespace.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

// handleListRoot handles GET /api/files — the requester's root listing.
func (s *Server) handleListRoot(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	entries, err := s.ns.ListRoot(owner, page, perPage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []namespace.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

type mkdirRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
}

// handleMkdir handles POST /api/folders.
func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req mkdirRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.Mkdir(req.Name, req.ParentID, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"folder": e})
}

type moveRequest struct {
	FileID      string  `json:"file_id"`
	NewParentID *string `json:"new_parent_id"`
}

// handleMove handles POST /api/files/move.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.Move(req.FileID, req.NewParentID, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": e})
}

type renameRequest struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
}

// handleRename handles POST /api/files/rename.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.Rename(req.FileID, req.Name, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": e})
}

// viewURLs is the set of direct links for one file on its serving shard.
type viewURLs struct {
	URL       string            `json:"url"`
	Thumbnail string            `json:"thumbnail,omitempty"`
	Previews  map[string]string `json:"previews,omitempty"`
}

// handleViewURLs handles POST /api/files/{id}/view-urls — direct links for
// the entry and its renditions on whichever shard can currently serve them.
func (s *Server) handleViewURLs(w http.ResponseWriter, r *http.Request) {
	e, err := s.ns.Get(r.PathValue("id"), requesterID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if e.IsFolder {
		writeError(w, http.StatusBadRequest, "folders have no view urls")
		return
	}
	urls, err := s.buildViewURLs(e, defaultViewTTL, e.IsPrivate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

// buildViewURLs resolves a readable location for the entry and builds links
// against that shard: presigned with the given TTL when signed, stable
// unsigned otherwise. Share resolution forces signed links so a private
// object stays unreachable once its share lapses.
func (s *Server) buildViewURLs(e *namespace.Entry, ttl time.Duration, signed bool) (*viewURLs, error) {
	loc, err := s.ns.ResolveReadableLocation(e)
	if err != nil {
		return nil, err
	}
	shard, err := s.reg.Get(*loc.ShardID)
	if err != nil {
		return nil, err
	}

	link := func(key string) string {
		if signed {
			return signing.BuildSignedURL(shard.Domain, key, shard.Secret, ttl)
		}
		return signing.BuildPublicURL(shard.Domain, key)
	}

	out := &viewURLs{URL: link(loc.FileKey)}
	if e.PreviewKey != "" {
		out.Thumbnail = link(e.PreviewKey)
	}
	previews, err := s.ns.Previews(e.ID)
	if err != nil {
		return nil, err
	}
	if len(previews) > 0 {
		out.Previews = make(map[string]string, len(previews))
		for _, p := range previews {
			out.Previews[p.Quality] = link(p.PreviewKey)
		}
	}
	return out, nil
}
