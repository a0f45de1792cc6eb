package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/crypto"
	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/storage"
)

type createShareRequest struct {
	ExpiresInSeconds *int64 `json:"expires_in_seconds"`
	Name             string `json:"name"`
	Password         string `json:"password"`
}

// handleCreateShare handles POST /api/files/{id}/share. One revocable share
// per (entry, owner); sharing again refreshes the expiry. The response also
// carries a self-contained token for shard-side verification.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req createShareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.Get(r.PathValue("id"), &owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if e.OwnerID == nil || *e.OwnerID != owner {
		writeDomainError(w, namespace.ErrNotFound)
		return
	}

	shareType := storage.ShareTypeFile
	if e.IsFolder {
		shareType = storage.ShareTypeFolder
	}
	share := &storage.Share{
		ID:        uuid.New().String(),
		EntryID:   e.ID,
		OwnerID:   owner,
		ShareType: shareType,
		Name:      strings.TrimSpace(req.Name),
	}
	var ttl *time.Duration
	if req.ExpiresInSeconds != nil {
		if *req.ExpiresInSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "expires_in_seconds must be positive")
			return
		}
		d := time.Duration(*req.ExpiresInSeconds) * time.Second
		ttl = &d
		exp := time.Now().Add(d)
		share.ExpiresAt = &exp
	}
	if req.Password != "" {
		share.PasswordHash = crypto.HashPassword(req.Password)
	}

	if err := s.db.UpsertShare(share); err != nil {
		writeDomainError(w, err)
		return
	}
	token := s.tokens.Create(e.ID, ttl)
	writeJSON(w, http.StatusCreated, map[string]any{
		"share":     share,
		"url":       "/s/" + share.ID,
		"token":     token,
		"token_url": "/s/" + token,
	})
}

// handleListShares handles GET /api/shares — the requester's shares.
func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	shares, err := s.db.ListSharesForOwner(owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if shares == nil {
		shares = []storage.Share{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

// handleDeleteShare handles DELETE /api/shares/{id}.
func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteShare(r.PathValue("id"), owner); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleResolveShare handles GET /s/{shareId} — the public entry point for
// both share forms. A token (it contains a dot) is self-verifying; anything
// else is a database share ID.
func (s *Server) handleResolveShare(w http.ResponseWriter, r *http.Request) {
	shareID := r.PathValue("shareId")
	if strings.Contains(shareID, ".") {
		s.resolveTokenShare(w, r, shareID)
		return
	}

	share, err := s.db.GetShare(shareID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if share.IsExpired() {
		writeError(w, http.StatusGone, "share expired")
		return
	}
	if len(share.PasswordHash) > 0 {
		if !crypto.VerifyPassword(r.Header.Get("X-Share-Password"), share.PasswordHash) {
			writeError(w, http.StatusUnauthorized, "password required")
			return
		}
	}

	e, err := s.db.GetEntry(share.EntryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"share_name": share.Name, "file": e}
	if e.IsFolder {
		children, err := s.db.ListChildren(e.ID, &share.OwnerID, 100, 0)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if children == nil {
			children = []namespace.Entry{}
		}
		resp["children"] = children
	} else {
		urls, err := s.buildViewURLs(e, shareViewTTL(share.ExpiresAt), true)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp["urls"] = urls
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveTokenShare serves a self-contained share token. The presigned TTL
// is capped at the token's remaining life.
func (s *Server) resolveTokenShare(w http.ResponseWriter, r *http.Request, token string) {
	targetID, err := s.tokens.Verify(token)
	if err != nil {
		// Invalid and expired both read as absent; tokens are unlisted URLs.
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	e, err := s.db.GetEntry(targetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if e.IsFolder {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	exp, _ := s.tokens.ExpiresAt(token)
	urls, err := s.buildViewURLs(e, shareViewTTL(exp), true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": e, "urls": urls})
}

// shareViewTTL caps the presigned window at the share's remaining life, in
// one-hour windows otherwise. A link must never outlive its share.
func shareViewTTL(expiresAt *time.Time) time.Duration {
	ttl := defaultViewTTL
	if expiresAt != nil {
		if remaining := time.Until(*expiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}
