package api

import (
	"net/http"

	"github.com/nugget/agrifarm/internal/chat"
	"github.com/nugget/agrifarm/internal/users"
)

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, u *users.User) {
	var req chat.SendMessageInput
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.deps.Chat.SendMessage(r.Context(), u.ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, res)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request, u *users.User) {
	page, err := s.deps.Chat.Conversations(r.Context(), u.ID,
		parseIntParam(r, "page", 1), parseIntParam(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, page)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request, u *users.User) {
	conv, err := s.deps.Chat.Conversation(r.Context(), u.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, conv)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request, u *users.User) {
	if err := s.deps.Chat.Delete(r.Context(), u.ID, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request, u *users.User) {
	page, err := s.deps.Chat.Messages(r.Context(), u.ID, r.PathValue("id"),
		parseIntParam(r, "page", 1), parseIntParam(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, page)
}
