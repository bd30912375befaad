package server

import (
	"encoding/json"
	"net/http"
)

type commentRequest struct {
	User    int64  `json:"user"`
	Content string `json:"content"`
}

// handleCreateComment handles POST /storage/{storage}/{file}/comments.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.engine.CreateComment(r.Context(), r.PathValue("storage"), file, req.User, req.Content)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// handleChangeComment handles PUT /storage/{storage}/{file}/comments/{comment}.
func (s *Server) handleChangeComment(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	comment, ok2 := fileParam(r, "comment")
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.ChangeComment(r.Context(), r.PathValue("storage"), file, comment, req.Content); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// handleDeleteComment handles DELETE /storage/{storage}/{file}/comments/{comment}.
func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	comment, ok2 := fileParam(r, "comment")
	if !ok || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.engine.DeleteComment(r.Context(), r.PathValue("storage"), file, comment); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
