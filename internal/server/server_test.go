package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/nimbus/internal/artifact"
	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/media"
	"github.com/ssd-technologies/nimbus/internal/notify"
	"github.com/ssd-technologies/nimbus/internal/scheduler"
	"github.com/ssd-technologies/nimbus/internal/storage"
	"github.com/ssd-technologies/nimbus/internal/webshot"
)

// --- Test builders ---

// copyBuilder derives an artifact by copying the source. Sources whose
// mimetype contains "broken" fail to build.
type copyBuilder struct {
	kind     string
	prefix   string
	mimetype string
}

func (b copyBuilder) Kind() string { return b.kind }

func (b copyBuilder) Accepts(mimetype string) bool { return strings.HasPrefix(mimetype, b.prefix) }

func (b copyBuilder) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	if strings.Contains(src.Mimetype, "broken") {
		return "", errors.New("converter exited with status 1")
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", err
	}
	return b.mimetype, os.WriteFile(dest, append([]byte(b.kind+":"), data...), 0o644)
}

// pdfBuilder lays out one rendered page and an info document.
type pdfBuilder struct{}

func (pdfBuilder) Kind() string                 { return media.KindPDF }
func (pdfBuilder) Accepts(mimetype string) bool { return mimetype == "application/pdf" }

func (pdfBuilder) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Join(dest, media.PDFPages), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dest, media.PDFPages, "0"), []byte("page0"), 0o644); err != nil {
		return "", err
	}
	info, _ := json.Marshal(media.PDFInfo{
		Storage: src.Storage,
		File:    src.File,
		Rev:     src.Rev,
		Metas:   map[string]string{"creator": "test"},
		Pages:   []media.Page{{Position: 0, Width: 595, Height: 842}},
	})
	return "application/json", os.WriteFile(filepath.Join(dest, media.PDFInfoFile), info, 0o644)
}

// --- Fixture ---

type testServer struct {
	*Server
	engine  *storage.Engine
	hub     *notify.Hub
	sched   *scheduler.Scheduler
	tempDir string
}

type setupOptions struct {
	webshot *webshot.Service
	rate    int
}

func setupTestServer(t *testing.T) *testServer {
	return setupTestServerWith(t, setupOptions{})
}

func setupTestServerWith(t *testing.T, opts setupOptions) *testServer {
	t.Helper()
	dir := t.TempDir()
	bus := storage.NewBus()
	hub := notify.NewHub(16)
	engine, err := storage.Open(filepath.Join(dir, "files"), storage.Options{Bus: bus, Notifier: hub})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	records, err := artifact.OpenRecords(filepath.Join(dir, "artifacts.db"))
	if err != nil {
		t.Fatalf("OpenRecords: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	sched := scheduler.New(2)
	t.Cleanup(sched.Close)

	cacheOpts := artifact.Options{BasePath: filepath.Join(dir, "artifacts"), Priority: scheduler.Normal, Timeout: 5 * time.Second}
	set := artifact.NewSet(
		artifact.New(copyBuilder{kind: media.KindPreview, prefix: "text/", mimetype: "image/png"}, engine, records, sched, cacheOpts),
		artifact.New(copyBuilder{kind: media.KindMP3, prefix: "audio/", mimetype: "audio/mpeg"}, engine, records, sched, cacheOpts),
		artifact.New(copyBuilder{kind: media.KindOGG, prefix: "audio/", mimetype: "audio/ogg"}, engine, records, sched, cacheOpts),
		artifact.New(pdfBuilder{}, engine, records, sched, cacheOpts),
	)
	set.Subscribe(bus)

	tempDir := filepath.Join(dir, "tmp")
	srv := New(Options{
		Engine:        engine,
		Hub:           hub,
		Scheduler:     sched,
		Artifacts:     set,
		Webshot:       opts.webshot,
		TempDir:       tempDir,
		CacheDuration: time.Hour,
		WebshotRate:   opts.rate,
	})
	return &testServer{Server: srv, engine: engine, hub: hub, sched: sched, tempDir: tempDir}
}

// do sends a request with an optional JSON body.
func do(t *testing.T, srv http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v; body = %s", err, rec.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, want, rec.Body.String())
	}
}

func createStorage(t *testing.T, srv http.Handler, id string, quota int64) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/storage", map[string]any{"id": id, "quota": quota})
	expectStatus(t, rec, http.StatusCreated)
}

// uploadFile posts a multipart upload and returns the created file.
func uploadFile(t *testing.T, srv http.Handler, path, filename, mimetype, content string) (*httptest.ResponseRecorder, storage.FileInfo) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	define, _ := json.Marshal(map[string]any{"name": filename, "mimetype": mimetype})
	if err := writer.WriteField("define", string(define)); err != nil {
		t.Fatalf("write define field: %v", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte(content))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var info storage.FileInfo
	if rec.Code == http.StatusCreated {
		json.Unmarshal(rec.Body.Bytes(), &info)
	}
	return rec, info
}

// --- Health and storages ---

func TestServer_HealthEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/health", nil)
	expectStatus(t, rec, http.StatusOK)
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" || body["service"] != "nimbus" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestServer_StorageLifecycle(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", 100)

	rec := do(t, srv, http.MethodPost, "/storage", map[string]any{"id": "alpha", "quota": 1})
	expectStatus(t, rec, http.StatusConflict)

	rec = do(t, srv, http.MethodPost, "/storage", map[string]any{"id": "bad id!"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = do(t, srv, http.MethodGet, "/storage", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]storage.Storage](t, rec); len(list) != 1 || list[0].ID != "alpha" {
		t.Fatalf("expected [alpha], got %+v", list)
	}

	rec = do(t, srv, http.MethodPut, "/storage/alpha", map[string]any{"quota": 500})
	expectStatus(t, rec, http.StatusOK)
	if st := decode[storage.Storage](t, rec); st.Quota != 500 {
		t.Fatalf("expected quota 500, got %d", st.Quota)
	}

	rec = do(t, srv, http.MethodDelete, "/storage/alpha", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = do(t, srv, http.MethodGet, "/storage/alpha", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_CreateStorageWithoutBody(t *testing.T) {
	srv := setupTestServer(t)
	rec := do(t, srv, http.MethodPost, "/storage", nil)
	expectStatus(t, rec, http.StatusCreated)
	st := decode[storage.Storage](t, rec)
	if st.ID == "" || st.Quota != -1 {
		t.Fatalf("expected random id and unlimited quota, got %+v", st)
	}
}

// --- Files ---

func TestServer_UploadAndContent(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)

	rec, info := uploadFile(t, srv, "/storage/alpha/0", "notes.txt", "", "hello")
	expectStatus(t, rec, http.StatusCreated)
	if info.Size != 5 || info.Name != "notes.txt" {
		t.Fatalf("unexpected file info: %+v", info)
	}
	if info.Mimetype != "text/plain" {
		t.Fatalf("expected mimetype from extension, got %s", info.Mimetype)
	}

	base := "/storage/alpha/" + itoa(info.ID) + "/content"
	rec = do(t, srv, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "hello" {
		t.Fatalf("expected content hello, got %q", rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag != `"alpha:`+itoa(info.ID)+`:0"` {
		t.Fatalf("unexpected etag %s", etag)
	}
	if cc := rec.Header().Get("Cache-Control"); strings.HasPrefix(cc, "max-age") {
		t.Fatalf("expected no max-age without rev, got %s", cc)
	}

	rec = do(t, srv, http.MethodGet, base+"?rev=0", nil)
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=3600" {
		t.Fatalf("expected max-age for pinned rev, got %q", cc)
	}

	rec = do(t, srv, http.MethodGet, base+"?rev=0", nil, "If-None-Match", etag)
	expectStatus(t, rec, http.StatusNotModified)
	if rec.Header().Get("Cache-Control") != "max-age=3600" {
		t.Fatal("expected max-age on 304 for pinned rev")
	}

	rec = do(t, srv, http.MethodGet, base+"?nocache", nil, "If-None-Match", etag)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("ETag") != "" {
		t.Fatal("expected no etag with nocache")
	}

	rec = do(t, srv, http.MethodGet, base+"?attachment", nil)
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=notes.txt` {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestServer_QuotaExceededRemovesSpool(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "small", 3)

	rec, _ := uploadFile(t, srv, "/storage/small/0", "big.bin", "application/octet-stream", "too large")
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)

	entries, _ := os.ReadDir(srv.tempDir)
	if len(entries) != 0 {
		t.Fatalf("expected spool dir empty, got %d entries", len(entries))
	}
}

func TestServer_FileTreeOperations(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)

	rec := do(t, srv, http.MethodPost, "/storage/alpha/0", map[string]any{
		"name":     "docs",
		"mimetype": storage.DirectoryMimetype,
		"meta":     map[string]string{"color": "blue"},
	})
	expectStatus(t, rec, http.StatusCreated)
	dir := decode[storage.FileInfo](t, rec)
	if dir.Meta["color"] != "blue" {
		t.Fatalf("expected meta on create, got %v", dir.Meta)
	}

	rec = do(t, srv, http.MethodPost, "/storage/alpha/"+itoa(dir.ID), map[string]any{"name": "a.txt", "mimetype": "text/plain"})
	expectStatus(t, rec, http.StatusCreated)
	child := decode[storage.FileInfo](t, rec)

	rec = do(t, srv, http.MethodGet, "/storage/alpha/0?depth=2", nil)
	expectStatus(t, rec, http.StatusOK)
	root := decode[storage.FileInfo](t, rec)
	if len(root.Children) != 1 || len(root.Children[0].Children) != 1 {
		t.Fatalf("expected nested tree, got %+v", root)
	}

	rec = do(t, srv, http.MethodPut, "/storage/alpha/"+itoa(child.ID), map[string]any{"name": "b.txt", "parent_id": 0})
	expectStatus(t, rec, http.StatusOK)
	moved := decode[storage.FileInfo](t, rec)
	if moved.Name != "b.txt" || moved.ParentID != 0 {
		t.Fatalf("expected renamed and moved file, got %+v", moved)
	}

	rec = do(t, srv, http.MethodPut, "/storage/alpha/"+itoa(dir.ID), map[string]any{"parent_id": dir.ID})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = do(t, srv, http.MethodGet, "/storage/alpha/0?depth=x", nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = do(t, srv, http.MethodDelete, "/storage/alpha/"+itoa(dir.ID), nil)
	expectStatus(t, rec, http.StatusOK)
	rec = do(t, srv, http.MethodGet, "/storage/alpha/"+itoa(dir.ID), nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = do(t, srv, http.MethodPost, "/storage/alpha/999", map[string]any{"name": "orphan"})
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_ReplaceContentWithMultipart(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, info := uploadFile(t, srv, "/storage/alpha/0", "a.txt", "text/plain", "one")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("file", "a.txt")
	part.Write([]byte("second"))
	writer.Close()
	req := httptest.NewRequest(http.MethodPut, "/storage/alpha/"+itoa(info.ID), &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)

	changed := decode[storage.FileInfo](t, rec)
	if changed.Rev != info.Rev+1 || changed.Size != 6 {
		t.Fatalf("expected rev bump and new size, got %+v", changed)
	}
	rec = do(t, srv, http.MethodGet, "/storage/alpha/"+itoa(info.ID)+"/content", nil)
	if rec.Body.String() != "second" {
		t.Fatalf("expected replaced content, got %q", rec.Body.String())
	}
}

func TestServer_Comments(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, info := uploadFile(t, srv, "/storage/alpha/0", "a.txt", "text/plain", "x")
	base := "/storage/alpha/" + itoa(info.ID) + "/comments"

	rec := do(t, srv, http.MethodPost, base, map[string]any{"user": 4, "content": "nice"})
	expectStatus(t, rec, http.StatusCreated)
	id := decode[map[string]int64](t, rec)["id"]

	rec = do(t, srv, http.MethodPut, base+"/"+itoa(id), map[string]any{"content": "nicer"})
	expectStatus(t, rec, http.StatusOK)

	rec = do(t, srv, http.MethodGet, "/storage/alpha/"+itoa(info.ID), nil)
	got := decode[storage.FileInfo](t, rec)
	if len(got.Comments) != 1 || got.Comments[0].Content != "nicer" {
		t.Fatalf("expected edited comment, got %+v", got.Comments)
	}

	rec = do(t, srv, http.MethodDelete, base+"/"+itoa(id), nil)
	expectStatus(t, rec, http.StatusOK)
	rec = do(t, srv, http.MethodDelete, base+"/"+itoa(id), nil)
	expectStatus(t, rec, http.StatusNotFound)
}

// --- Derived media ---

func TestServer_PreviewRedirectsToCurrentRev(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, info := uploadFile(t, srv, "/storage/alpha/0", "a.txt", "text/plain", "body")
	path := "/preview/alpha/" + itoa(info.ID)

	rec := do(t, srv, http.MethodGet, path, nil)
	expectStatus(t, rec, http.StatusTemporaryRedirect)
	if loc := rec.Header().Get("Location"); loc != path+"?rev=0" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	rec = do(t, srv, http.MethodGet, path+"?rev=0", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "preview:body" || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected preview %q (%s)", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
}

func TestServer_PreviewFailuresAndUnsupported(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, broken := uploadFile(t, srv, "/storage/alpha/0", "a.txt", "text/broken", "x")
	_, zip := uploadFile(t, srv, "/storage/alpha/0", "a.zip", "application/zip", "PK")

	rec := do(t, srv, http.MethodGet, "/preview/alpha/"+itoa(broken.ID)+"?rev=0", nil)
	expectStatus(t, rec, http.StatusNotFound)
	if rec.Header().Get("Cache-Control") != "max-age=3600" {
		t.Fatal("expected failed previews to be cacheable")
	}

	rec = do(t, srv, http.MethodGet, "/preview/alpha/"+itoa(zip.ID), nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = do(t, srv, http.MethodGet, "/preview/alpha/12345", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

// transcodeReply mirrors transcodeStatus with states as plain strings.
type transcodeReply struct {
	Support string            `json:"support"`
	Status  map[string]string `json:"status"`
}

func waitReady(t *testing.T, srv http.Handler, path, kind string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, srv, http.MethodGet, path, nil)
		var info transcodeReply
		json.Unmarshal(rec.Body.Bytes(), &info)
		if info.Status[kind] == artifact.Ready.String() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never became ready", kind)
}

func TestServer_AudioTranscodes(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, info := uploadFile(t, srv, "/storage/alpha/0", "song.wav", "audio/wav", "RIFF")
	base := "/audio/alpha/" + itoa(info.ID)

	rec := do(t, srv, http.MethodGet, base+"/info", nil, "User-Agent", "Mozilla/5.0 Firefox/120.0")
	expectStatus(t, rec, http.StatusOK)
	status := decode[transcodeReply](t, rec)
	if status.Support != media.KindOGG {
		t.Fatalf("expected ogg support for firefox, got %s", status.Support)
	}
	if _, ok := status.Status[media.KindMP3]; !ok {
		t.Fatalf("expected mp3 status, got %v", status.Status)
	}

	waitReady(t, srv, base+"/info", media.KindMP3)
	waitReady(t, srv, base+"/info", media.KindOGG)

	rec = do(t, srv, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Content-Type") != "audio/mpeg" || rec.Body.String() != "mp3:RIFF" {
		t.Fatalf("unexpected mp3 response %q (%s)", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	rec = do(t, srv, http.MethodGet, base, nil, "User-Agent", "Opera/9.80")
	if rec.Header().Get("Content-Type") != "audio/ogg" {
		t.Fatalf("expected ogg for opera, got %s", rec.Header().Get("Content-Type"))
	}
	rec = do(t, srv, http.MethodGet, base+"?format=flac", nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = do(t, srv, http.MethodGet, "/video/alpha/"+itoa(info.ID), nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_PDFInfoAndPages(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	_, info := uploadFile(t, srv, "/storage/alpha/0", "doc.pdf", "application/pdf", "%PDF")
	base := "/pdf/alpha/" + itoa(info.ID)

	var body map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, srv, http.MethodGet, base+"/info", nil)
		expectStatus(t, rec, http.StatusOK)
		body = decode[map[string]any](t, rec)
		if body["status"] == "ready" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body["status"] != "ready" {
		t.Fatalf("pdf never became ready: %v", body)
	}
	if pages, _ := body["pages"].([]any); len(pages) != 1 {
		t.Fatalf("expected 1 page, got %v", body["pages"])
	}

	rec := do(t, srv, http.MethodGet, base+"/pages/0", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "page0" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected page response %q", rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, base+"/pages/5", nil)
	expectStatus(t, rec, http.StatusNotFound)

	_, txt := uploadFile(t, srv, "/storage/alpha/0", "a.txt", "text/plain", "x")
	rec = do(t, srv, http.MethodGet, "/pdf/alpha/"+itoa(txt.ID)+"/info", nil)
	if got := decode[map[string]any](t, rec)["status"]; got != "invalid" {
		t.Fatalf("expected invalid status for text, got %v", got)
	}
}

// --- Webshot ---

func TestServer_WebshotDisabled(t *testing.T) {
	srv := setupTestServer(t)
	rec := do(t, srv, http.MethodGet, "/webshot?url=https://example.com/", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_WebshotRateLimited(t *testing.T) {
	browser := command.Func(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		for _, a := range args {
			if out, ok := strings.CutPrefix(a, "--screenshot="); ok {
				return nil, os.WriteFile(out, []byte("png"), 0o644)
			}
		}
		return nil, errors.New("no output argument")
	})
	cfg := config.Default().Webshot
	svc, err := webshot.New(t.TempDir(), browser, cfg)
	if err != nil {
		t.Fatalf("webshot.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	srv := setupTestServerWith(t, setupOptions{webshot: svc, rate: 2})

	rec := do(t, srv, http.MethodGet, "/webshot?url=https://example.com/", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Content-Type") != webshot.Mimetype || rec.Body.String() != "png" {
		t.Fatalf("unexpected webshot response %q", rec.Body.String())
	}
	rec = do(t, srv, http.MethodGet, "/webshot?url=ftp://example.com/", nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = do(t, srv, http.MethodGet, "/webshot?url=https://example.com/", nil)
	expectStatus(t, rec, http.StatusTooManyRequests)

	rec = do(t, srv, http.MethodGet, "/webshot?url=https://example.com/", nil, "X-Forwarded-For", "203.0.113.9")
	expectStatus(t, rec, http.StatusOK)
}

// --- Manage and monitors ---

func TestServer_ManageTasks(t *testing.T) {
	srv := setupTestServer(t)
	started := make(chan struct{})
	task := scheduler.NewTask("test", "wait for abort", scheduler.High, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	srv.sched.Start(task)
	<-started

	rec := do(t, srv, http.MethodGet, "/manage/tasks", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Workers int              `json:"workers"`
		Tasks   []scheduler.Info `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if list.Workers != 2 || len(list.Tasks) != 1 || list.Tasks[0].ID != task.ID() {
		t.Fatalf("unexpected task list: %+v", list)
	}

	rec = do(t, srv, http.MethodDelete, "/manage/tasks/"+task.ID(), nil)
	expectStatus(t, rec, http.StatusOK)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected aborted task to finish")
	}

	rec = do(t, srv, http.MethodDelete, "/manage/tasks/unknown", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestServer_MonitorReceivesChanges(t *testing.T) {
	srv := setupTestServer(t)
	createStorage(t, srv, "alpha", -1)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/storage/alpha"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected status 101, got %d", resp.StatusCode)
	}

	read := func() notify.Notification {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var n notify.Notification
		if err := conn.ReadJSON(&n); err != nil {
			t.Fatalf("read notification: %v", err)
		}
		return n
	}
	if n := read(); n.Action != notify.ActionOpen || n.Rev == nil || *n.Rev != 0 {
		t.Fatalf("expected open at rev 0, got %+v", n)
	}

	rec := do(t, srv, http.MethodGet, "/manage/monitors", nil)
	monitors := decode[map[string]any](t, rec)
	if monitors["count"] != float64(1) {
		t.Fatalf("expected 1 monitor, got %v", monitors)
	}

	do(t, srv, http.MethodPost, "/storage/alpha/0", map[string]any{"name": "d", "mimetype": storage.DirectoryMimetype})
	if n := read(); n.Action != notify.ActionChanged || *n.Rev != 1 {
		t.Fatalf("expected changed at rev 1, got %+v", n)
	}

	do(t, srv, http.MethodDelete, "/storage/alpha", nil)
	if n := read(); n.Action != notify.ActionDeleted {
		t.Fatalf("expected deleted, got %+v", n)
	}
}

func TestServer_MonitorUnknownStorage(t *testing.T) {
	srv := setupTestServer(t)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/storage/missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestGetIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	if ip := getIP(req); ip != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %s", ip)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if ip := getIP(req); ip != "198.51.100.7" {
		t.Fatalf("expected first forwarded ip, got %s", ip)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
