package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ssd-technologies/nimbus/internal/notify"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

type storageRequest struct {
	ID    string `json:"id"`
	Quota *int64 `json:"quota"`
}

// handleListStorages handles GET /storage.
func (s *Server) handleListStorages(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListStorages(r.Context())
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Storage{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateStorage handles POST /storage. Omitting the quota means
// unlimited, omitting the id picks a random one.
func (s *Server) handleCreateStorage(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	quota := int64(-1)
	if req.Quota != nil {
		quota = *req.Quota
	}
	st, err := s.engine.CreateStorage(r.Context(), req.ID, quota)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// handleGetStorage handles GET /storage/{storage}. A websocket upgrade
// request turns into a change monitor on that storage.
func (s *Server) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	if notify.IsMonitorRequest(r) {
		notify.HandleMonitor(s.hub, s.storageRev)(w, r)
		return
	}
	st, err := s.engine.GetStorage(r.Context(), r.PathValue("storage"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) storageRev(ctx context.Context, id string) (int64, error) {
	st, err := s.engine.GetStorage(ctx, id)
	if err != nil {
		return 0, err
	}
	return st.Rev, nil
}

// handleChangeStorage handles PUT /storage/{storage}.
func (s *Server) handleChangeStorage(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Quota == nil {
		writeError(w, http.StatusBadRequest, "quota is required")
		return
	}
	st, err := s.engine.ChangeStorage(r.Context(), r.PathValue("storage"), *req.Quota)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeleteStorage handles DELETE /storage/{storage}.
func (s *Server) handleDeleteStorage(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteStorage(r.Context(), r.PathValue("storage")); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
