package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/registry"
	"github.com/flotillahq/flotilla/internal/signing"
)

// handlePing handles GET /coordinator/v1/ping — a bare liveness beacon.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	if err := s.reg.RecordHeartbeat(shard.ID, nil); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePingInfo handles POST /coordinator/v1/ping-info — a heartbeat with
// capacity metrics. Fields the shard omits keep their previous values.
func (s *Server) handlePingInfo(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	var m registry.Metrics
	if !decodeBody(w, r, &m) {
		return
	}
	if err := s.reg.RecordHeartbeat(shard.ID, &m); err != nil {
		writeDomainError(w, err)
		return
	}
	// Persist best effort; the in-memory registry stays authoritative.
	if cur, err := s.reg.Get(shard.ID); err == nil {
		if err := s.db.SaveShardState(&cur); err != nil {
			log.Printf("[server] persist shard state for %s: %v", shard.ID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ackRequest struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// handleAck handles POST /coordinator/v1/ack — the shard confirms an upload
// landed. A newly completed media file goes straight to the dispatcher.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	var req ackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.ns.AckUpload(shard.ID, req.FileID, req.Name, req.MimeType, req.Size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if namespace.Eligible(e) {
		s.disp.Dispatch(*e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": e})
}

// handleFindFileWork handles GET /coordinator/v1/find-file-work — the HTTP
// pull mirror of the WebSocket request-work message.
func (s *Server) handleFindFileWork(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))
	if max < 1 {
		max = 5
	}
	entries, err := s.disp.RequestWork(shard.ID, max)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []namespace.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

type markFileRequest struct {
	FileID string `json:"fileId"`
	Status string `json:"status"`
}

// handleMarkFile handles POST /coordinator/v1/mark-file — a worker reports
// processing progress or completion.
func (s *Server) handleMarkFile(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	var req markFileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.disp.MarkFile(shard.ID, req.FileID, req.Status); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ackPreviewRequest struct {
	FileID     string `json:"fileId"`
	PreviewKey string `json:"previewKey"`
	Quality    string `json:"quality"`
	MimeType   string `json:"mimeType"`
}

// handleAckPreview handles POST /coordinator/v1/ack-preview — a worker
// registers a processed rendition.
func (s *Server) handleAckPreview(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	var req ackPreviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.ns.AttachPreview(req.FileID, req.PreviewKey, req.Quality, req.MimeType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"preview": p})
}

type ackMetaRequest struct {
	FileID   string `json:"fileId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	BlurHash string `json:"blurHash"`
	ThumbKey string `json:"thumbKey"`
}

// handleAckMeta handles POST /coordinator/v1/ack-meta — worker-measured
// media dimensions and thumbnail.
func (s *Server) handleAckMeta(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	var req ackMetaRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ns.UpdateMeta(req.FileID, req.Width, req.Height, req.BlurHash, req.ThumbKey); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidateToken handles GET /coordinator/v1/validate-token — a shard
// asks whether a share token it received grants access. The answer carries
// no detail on why a token failed.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request, shard registry.Shard) {
	targetID, err := s.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		expired := errors.Is(err, signing.ErrExpiredToken)
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "expired": expired})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "targetId": targetID})
}
