package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/nimbus/internal/storage"
)

const maxDefineSize = 1 << 20 // 1 MB of JSON

// fileRequest is the define document of a create or change call.
type fileRequest struct {
	storage.FileDefine
	Mimetype string `json:"mimetype"`
}

// upload is a parsed create or change body. Content, when set, is a spooled
// temp file the engine moves into the tree.
type upload struct {
	define   fileRequest
	content  string
	filename string
	mimetype string
}

func (u *upload) cleanup() {
	if u.content != "" {
		os.Remove(u.content)
	}
}

// readUpload accepts either a JSON define document or a multipart body with
// a "define" field and a "file" part.
func (s *Server) readUpload(r *http.Request) (*upload, error) {
	u := &upload{}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "multipart/form-data" {
		if r.ContentLength == 0 {
			return u, nil
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxDefineSize)).Decode(&u.define); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return u, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return u, nil
		}
		if err != nil {
			u.cleanup()
			return nil, fmt.Errorf("read multipart body: %w", err)
		}
		switch part.FormName() {
		case "define":
			if err := json.NewDecoder(io.LimitReader(part, maxDefineSize)).Decode(&u.define); err != nil {
				u.cleanup()
				return nil, fmt.Errorf("invalid define field: %w", err)
			}
		case "file":
			if u.content != "" {
				u.cleanup()
				return nil, errors.New("only one file part is allowed")
			}
			if u.content, err = s.spool(part); err != nil {
				return nil, err
			}
			u.filename = part.FileName()
			u.mimetype = part.Header.Get("Content-Type")
		}
		part.Close()
	}
}

// spool copies an upload part into the temp dir.
func (s *Server) spool(r io.Reader) (string, error) {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(s.tempDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("spool upload: %w", err)
	}
	return f.Name(), nil
}

// mimetypeFor picks the define mimetype, then the part header, then the
// file name extension.
func (u *upload) mimetypeFor(name string) string {
	if u.define.Mimetype != "" {
		return u.define.Mimetype
	}
	if u.mimetype != "" && u.mimetype != "application/octet-stream" {
		return u.mimetype
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		t, _, _ = strings.Cut(t, ";")
		return t
	}
	return "application/octet-stream"
}

// handleCreateFile handles POST /storage/{storage}/{parent}.
func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	parent, ok := fileParam(r, "file")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid parent id")
		return
	}
	u, err := s.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer u.cleanup()

	name := u.filename
	if u.define.Name != nil {
		name = *u.define.Name
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	storageID := r.PathValue("storage")
	id, err := s.engine.CreateFile(r.Context(), storageID, parent, name, u.mimetypeFor(name), u.content, u.define.FileDefine)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	u.content = "" // moved into the tree

	info, err := s.engine.GetFileInfo(r.Context(), storageID, id, 0)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// handleGetFile handles GET /storage/{storage}/{file}?depth=N.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		depth = d
	}
	info, err := s.engine.GetFileInfo(r.Context(), r.PathValue("storage"), file, depth)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleChangeFile handles PUT /storage/{storage}/{file}.
func (s *Server) handleChangeFile(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	u, err := s.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer u.cleanup()

	storageID := r.PathValue("storage")
	if err := s.engine.ChangeFile(r.Context(), storageID, file, u.content, u.define.FileDefine); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	u.content = ""

	info, err := s.engine.GetFileInfo(r.Context(), storageID, file, 0)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDeleteFile handles DELETE /storage/{storage}/{file}.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	if err := s.engine.DeleteFile(r.Context(), r.PathValue("storage"), file); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// contentETag identifies one revision of a file's content.
func contentETag(storage string, file, rev int64) string {
	return fmt.Sprintf("%q", storage+":"+strconv.FormatInt(file, 10)+":"+strconv.FormatInt(rev, 10))
}

// handleContent handles GET /storage/{storage}/{file}/content. The response
// is cacheable for max-age only when the request pins the current rev.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	file, ok := fileParam(r, "file")
	if !ok || file == 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	src, err := s.engine.FileSource(r.Context(), r.PathValue("storage"), file)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	if src.Mimetype == storage.DirectoryMimetype {
		writeError(w, http.StatusBadRequest, "directories have no content")
		return
	}

	q := r.URL.Query()
	_, nocache := q["nocache"]
	h := w.Header()
	if _, ok := q["attachment"]; ok {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": src.Name}))
	}
	etag := contentETag(src.Storage, src.File, src.Rev)
	if !nocache {
		h.Set("ETag", etag)
	}
	if revParam(r) == src.Rev {
		h.Set("Cache-Control", s.maxAge)
	} else {
		h.Set("Cache-Control", "no-cache, must-revalidate")
	}

	if !nocache && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	f, err := os.Open(src.Path)
	if err != nil {
		s.writeStorageError(w, r, fmt.Errorf("open content: %w", err))
		return
	}
	defer f.Close()
	h.Set("Content-Type", src.Mimetype)
	http.ServeContent(w, r, "", time.Time{}, f)
}
