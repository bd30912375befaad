package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ssd-technologies/nimbus/internal/artifact"
	"github.com/ssd-technologies/nimbus/internal/media"
)

// serveFile streams a derived file with range support.
func serveFile(w http.ResponseWriter, r *http.Request, path, mimetype, cacheControl string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Cache-Control", cacheControl)
	http.ServeContent(w, r, "", time.Time{}, f)
}

// artifactCache resolves the cache for kind or answers 404.
func (s *Server) artifactCache(w http.ResponseWriter, kind string) (*artifact.Cache, bool) {
	c, ok := s.artifacts.Get(kind)
	if !ok {
		writeError(w, http.StatusNotFound, kind+" service disabled")
	}
	return c, ok
}

// --- Preview ---

// handlePreview handles GET /preview/{storage}/{file}?rev=N. The preview is
// built synchronously. A request for another rev is redirected to the
// current one so browsers cache each revision under its own URL.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	c, ok := s.artifactCache(w, media.KindPreview)
	if !ok {
		return
	}
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	a, err := c.Get(r.Context(), r.PathValue("storage"), file)
	if errors.Is(err, artifact.ErrUnsupported) {
		writeError(w, http.StatusNotFound, "no preview for this file")
		return
	}
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if a.Failed {
		w.Header().Set("Cache-Control", s.maxAge)
		writeErrorKeepCache(w, http.StatusNotFound, "preview failed")
		return
	}
	if revParam(r) != a.Rev {
		http.Redirect(w, r, r.URL.Path+"?rev="+strconv.FormatInt(a.Rev, 10), http.StatusTemporaryRedirect)
		return
	}
	serveFile(w, r, a.Path, a.Mimetype, s.maxAge)
}

// writeErrorKeepCache is writeError without overriding Cache-Control.
func writeErrorKeepCache(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// --- Audio and video ---

var transcodeMimetypes = map[string]string{
	media.KindMP3:  "audio/mpeg",
	media.KindOGG:  "audio/ogg",
	media.KindMP4:  "video/mp4",
	media.KindWebM: "video/webm",
}

// handleAudio handles GET /audio/{storage}/{file}?format=.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveTranscode(w, r, media.KindMP3, media.KindOGG)
}

// handleAudioInfo handles GET /audio/{storage}/{file}/info.
func (s *Server) handleAudioInfo(w http.ResponseWriter, r *http.Request) {
	s.transcodeInfo(w, r, media.KindMP3, media.KindOGG)
}

// handleVideo handles GET /video/{storage}/{file}?format=.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	s.serveTranscode(w, r, media.KindMP4, media.KindWebM)
}

// handleVideoInfo handles GET /video/{storage}/{file}/info.
func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	s.transcodeInfo(w, r, media.KindMP4, media.KindWebM)
}

// serveTranscode streams a ready transcode. Transcodes are never built on
// the request path; a missing one is scheduled and answered with 404.
func (s *Server) serveTranscode(w http.ResponseWriter, r *http.Request, fallback, open string) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	format := media.SelectFormat(r.URL.Query().Get("format"), r.UserAgent(), fallback, open)
	if format != fallback && format != open {
		writeError(w, http.StatusBadRequest, "unsupported format")
		return
	}
	c, ok := s.artifactCache(w, format)
	if !ok {
		return
	}
	storageID := r.PathValue("storage")
	state, err := c.Status(r.Context(), storageID, file)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if state != artifact.Ready {
		writeError(w, http.StatusNotFound, format+" is "+state.String())
		return
	}
	serveFile(w, r, c.Path(storageID, file), transcodeMimetypes[format], s.maxAge)
}

type transcodeStatus struct {
	Storage string                    `json:"storage"`
	File    int64                     `json:"file"`
	Support string                    `json:"support"`
	Status  map[string]artifact.State `json:"status"`
}

// transcodeInfo reports the state of both formats, scheduling the missing
// ones.
func (s *Server) transcodeInfo(w http.ResponseWriter, r *http.Request, fallback, open string) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	storageID := r.PathValue("storage")
	info := transcodeStatus{
		Storage: storageID,
		File:    file,
		Support: media.SelectFormat("", r.UserAgent(), fallback, open),
		Status:  make(map[string]artifact.State, 2),
	}
	for _, kind := range []string{fallback, open} {
		c, ok := s.artifacts.Get(kind)
		if !ok {
			continue
		}
		state, err := c.Status(r.Context(), storageID, file)
		if err != nil {
			s.writeStorageError(w, r, err)
			return
		}
		info.Status[kind] = state
	}
	writeJSON(w, http.StatusOK, info)
}

// --- PDF ---

// handlePDFInfo handles GET /pdf/{storage}/{file}/info. A ready document
// returns its page list, otherwise only the build status.
func (s *Server) handlePDFInfo(w http.ResponseWriter, r *http.Request) {
	c, ok := s.artifactCache(w, media.KindPDF)
	if !ok {
		return
	}
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	storageID := r.PathValue("storage")
	state, err := c.Status(r.Context(), storageID, file)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if state != artifact.Ready {
		writeJSON(w, http.StatusOK, map[string]any{
			"storage": storageID,
			"file":    file,
			"status":  state,
		})
		return
	}

	data, err := os.ReadFile(filepath.Join(c.Path(storageID, file), media.PDFInfoFile))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	var info struct {
		media.PDFInfo
		Status artifact.State `json:"status"`
	}
	if err := json.Unmarshal(data, &info.PDFInfo); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	info.Status = state
	writeJSON(w, http.StatusOK, info)
}

// handlePDFPage handles GET /pdf/{storage}/{file}/pages/{page}.
func (s *Server) handlePDFPage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.artifactCache(w, media.KindPDF)
	if !ok {
		return
	}
	file, ok := fileParam(r, "file")
	page, ok2 := fileParam(r, "page")
	if !ok || !ok2 || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	storageID := r.PathValue("storage")
	state, err := c.Status(r.Context(), storageID, file)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if state != artifact.Ready {
		writeError(w, http.StatusNotFound, "pdf is "+state.String())
		return
	}
	path := filepath.Join(c.Path(storageID, file), media.PDFPages, strconv.FormatInt(page, 10))
	serveFile(w, r, path, "image/jpeg", s.maxAge)
}
