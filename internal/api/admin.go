package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nugget/agrifarm/internal/knowledge"
	"github.com/nugget/agrifarm/internal/users"
)

// maxUploadBytes bounds a knowledge document upload.
const maxUploadBytes = 10 << 20

func (s *Server) knowledgeReady(w http.ResponseWriter) bool {
	if s.deps.Knowledge == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "knowledge base not configured")
		return false
	}
	return true
}

// knowledgeChanged drops router caches built from the old chunks.
func (s *Server) knowledgeChanged() {
	if s.deps.Router != nil {
		s.deps.Router.KnowledgeChanged()
	}
}

func (s *Server) handleKnowledgeUpload(w http.ResponseWriter, r *http.Request, u *users.User) {
	if !s.knowledgeReady(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "file exceeds 10MB")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	doc, err := s.deps.Knowledge.Ingest(r.Context(), u.ID, header.Filename, content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.knowledgeChanged()
	s.logger.Info("knowledge document uploaded",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"chunks", doc.ChunkCount,
		"user_id", u.ID,
	)
	s.respond(w, http.StatusCreated, doc)
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if !s.knowledgeReady(w) {
		return
	}
	docs, err := s.deps.Knowledge.Store().Documents(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":     len(docs),
		"documents": docs,
	})
}

func (s *Server) handleDocumentReprocess(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if !s.knowledgeReady(w) {
		return
	}
	doc, err := s.deps.Knowledge.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.knowledgeChanged()
	s.respond(w, http.StatusOK, doc)
}

type assignTechnicianRequest struct {
	TechnicianID string `json:"technicianId"`
}

func (s *Server) handleInstallationAssign(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if !s.installationsReady(w) {
		return
	}
	var body assignTechnicianRequest
	if err := decodeBody(r, &body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.TechnicianID == "" {
		s.errorResponse(w, http.StatusBadRequest, "technicianId is required")
		return
	}
	req, err := s.deps.Installations.Assign(r.Context(), r.PathValue("id"), body.TechnicianID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

func (s *Server) handleAdminInstallationCancel(w http.ResponseWriter, r *http.Request, _ *users.User) {
	if !s.installationsReady(w) {
		return
	}
	req, err := s.deps.Installations.CancelByAdmin(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, req)
}

func (s *Server) handleUserActivate(w http.ResponseWriter, r *http.Request, _ *users.User) {
	s.setUserActive(w, r, true)
}

func (s *Server) handleUserDeactivate(w http.ResponseWriter, r *http.Request, admin *users.User) {
	if r.PathValue("id") == admin.ID {
		s.errorResponse(w, http.StatusBadRequest, "cannot deactivate your own account")
		return
	}
	s.setUserActive(w, r, false)
}

func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request, active bool) {
	u, err := s.deps.Users.SetActive(r.Context(), r.PathValue("id"), active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("user activation changed", "user_id", u.ID, "active", active)
	s.respond(w, http.StatusOK, u)
}
