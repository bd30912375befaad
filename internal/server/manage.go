package server

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/scheduler"
	"github.com/ssd-technologies/nimbus/internal/webshot"
)

// handleWebshot handles GET /webshot?url=.
func (s *Server) handleWebshot(w http.ResponseWriter, r *http.Request) {
	if s.shots == nil {
		writeError(w, http.StatusNotFound, "webshot service disabled")
		return
	}
	if s.limited(w, r) {
		return
	}
	item, err := s.shots.Get(r.Context(), r.URL.Query().Get("url"))
	if errors.Is(err, webshot.ErrInvalidURL) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Warn("webshot failed", zap.String("url", r.URL.Query().Get("url")), zap.Error(err))
		writeError(w, http.StatusBadGateway, "screenshot failed")
		return
	}
	maxAge := "max-age=" + strconv.Itoa(int(s.shots.MaxAge().Seconds()))
	serveFile(w, r, item.Path, webshot.Mimetype, maxAge)
}

// --- Manage ---

// handleListTasks handles GET /manage/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.sched.Tasks()
	list := make([]scheduler.Info, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, t.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workers": s.sched.Workers(),
		"tasks":   list,
	})
}

// handleAbortTask handles DELETE /manage/tasks/{id}. Abort is cooperative:
// a running task stops at its next cancellation check.
func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	t := s.sched.Find(r.PathValue("id"))
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	t.Abort()
	s.log.Info("task aborted", zap.String("task", t.ID()), zap.String("description", t.Description()))
	writeJSON(w, http.StatusOK, t.Info())
}

// handleMonitors handles GET /manage/monitors.
func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    s.hub.Count(),
		"storages": s.hub.Storages(),
	})
}
