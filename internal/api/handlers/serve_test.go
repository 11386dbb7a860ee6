package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/service"
	"github.com/arturkryukov/notestore/internal/storage/paths"
	"github.com/arturkryukov/notestore/internal/storage/recordindex"
)

// fakeSource — подменный источник записей для тестов раздачи.
type fakeSource struct {
	records map[string]*model.FileRecord
}

func (f *fakeSource) Lookup(_ context.Context, filename string, ft model.Filetype) (*model.FileRecord, error) {
	rec, ok := f.records[filename+"."+string(ft)]
	if !ok {
		return nil, recordindex.ErrNotFound
	}
	return rec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newServeRouter собирает chi router с маршрутами раздачи.
func newServeRouter(t *testing.T, source *fakeSource) (*chi.Mux, *paths.Resolver) {
	t.Helper()

	resolver, err := paths.New(t.TempDir(), "https://notes.example.com", 2)
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	records := service.NewRecords(source, 16, time.Minute, testLogger())
	h := NewServeHandler(records, resolver, testLogger())

	r := chi.NewRouter()
	r.Get("/css/*", h.ServeBucket("css"))
	r.Get("/files/*", h.ServeBucket("files"))
	r.Get("/{filename}", h.ServeNote)
	return r, resolver
}

// writeRecordFile кладёт содержимое записи на диск по её адресному пути.
func writeRecordFile(t *testing.T, resolver *paths.Resolver, rec *model.FileRecord, data []byte) {
	t.Helper()

	fullPath := resolver.FilePath(rec.Filename, rec.Filetype)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(fullPath, data, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestServeNote(t *testing.T) {
	rec := &model.FileRecord{
		ID: 1, Filename: "mynote42", Filetype: model.FiletypeHTML,
		Updated: time.Now().Add(-time.Hour),
	}
	source := &fakeSource{records: map[string]*model.FileRecord{"mynote42.html": rec}}
	router, resolver := newServeRouter(t, source)
	writeRecordFile(t, resolver, rec, []byte("<html>note</html>"))

	req := httptest.NewRequest(http.MethodGet, "/mynote42", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("неожиданный Content-Type: %s", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != cacheControlMutable {
		t.Errorf("неожиданный Cache-Control: %s", cc)
	}
	if w.Body.String() != "<html>note</html>" {
		t.Error("тело ответа не совпадает с содержимым файла")
	}
}

func TestServeNote_NotFound(t *testing.T) {
	router, _ := newServeRouter(t, &fakeSource{records: map[string]*model.FileRecord{}})

	req := httptest.NewRequest(http.MethodGet, "/missing1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404, получен %d", w.Code)
	}
}

func TestServeNote_ExpiredHidden(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	rec := &model.FileRecord{
		ID: 2, Filename: "oldnote1", Filetype: model.FiletypeHTML, Expires: &past,
	}
	source := &fakeSource{records: map[string]*model.FileRecord{"oldnote1.html": rec}}
	router, resolver := newServeRouter(t, source)
	writeRecordFile(t, resolver, rec, []byte("stale"))

	req := httptest.NewRequest(http.MethodGet, "/oldnote1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("истёкшая запись должна отдавать 404, получен %d", w.Code)
	}
}

func TestServeNote_FileMissingOnDisk(t *testing.T) {
	rec := &model.FileRecord{ID: 3, Filename: "phantom1", Filetype: model.FiletypeHTML}
	source := &fakeSource{records: map[string]*model.FileRecord{"phantom1.html": rec}}
	router, _ := newServeRouter(t, source)

	req := httptest.NewRequest(http.MethodGet, "/phantom1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("рассинхронизация индекса и диска должна отдавать 404, получен %d", w.Code)
	}
}

func TestServeBucket_Asset(t *testing.T) {
	rec := &model.FileRecord{
		ID: 4, Filename: "aaaaaaaaaaaaaaaaaaaa", Filetype: model.FiletypePNG,
		Updated: time.Now().Add(-time.Hour),
	}
	source := &fakeSource{records: map[string]*model.FileRecord{"aaaaaaaaaaaaaaaaaaaa.png": rec}}
	router, resolver := newServeRouter(t, source)
	writeRecordFile(t, resolver, rec, []byte("png bytes"))

	req := httptest.NewRequest(http.MethodGet, "/files/aa/aaaaaaaaaaaaaaaaaaaa.png", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("неожиданный Content-Type: %s", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != cacheControlImmutable {
		t.Errorf("неожиданный Cache-Control: %s", cc)
	}
}

func TestServeBucket_WrongBucket(t *testing.T) {
	// png принадлежит bucket'у files, запрос через /css — 404
	rec := &model.FileRecord{ID: 5, Filename: "aaaaaaaaaaaaaaaaaaaa", Filetype: model.FiletypePNG}
	source := &fakeSource{records: map[string]*model.FileRecord{"aaaaaaaaaaaaaaaaaaaa.png": rec}}
	router, _ := newServeRouter(t, source)

	req := httptest.NewRequest(http.MethodGet, "/css/aa/aaaaaaaaaaaaaaaaaaaa.png", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("ожидался статус 404, получен %d", w.Code)
	}
}

func TestServeBucket_BadExtension(t *testing.T) {
	router, _ := newServeRouter(t, &fakeSource{records: map[string]*model.FileRecord{}})

	for _, p := range []string{"/files/aa/file.exe", "/files/aa/noext", "/css/aa/.css"} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: ожидался статус 404, получен %d", p, w.Code)
		}
	}
}
