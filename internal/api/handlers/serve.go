// serve.go — публичная раздача файлов по их адресным путям.
// Горячий путь: запись берётся из кэша записей, содержимое — с диска.
// Истёкшие по сроку хранения записи не раздаются.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/notestore/internal/api/errors"
	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/service"
	"github.com/arturkryukov/notestore/internal/storage/paths"
	"github.com/arturkryukov/notestore/internal/storage/recordindex"
)

// Cache-Control для edge-кэша: документы и legacy-стили перезаписываемы,
// ассеты адресуются содержимым и неизменны.
const (
	cacheControlMutable   = "public, max-age=300"
	cacheControlImmutable = "public, max-age=31536000, immutable"
)

// ServeHandler — обработчик публичной раздачи файлов.
type ServeHandler struct {
	records *service.Records
	paths   *paths.Resolver
	logger  *slog.Logger
}

// NewServeHandler создаёт обработчик раздачи.
func NewServeHandler(records *service.Records, resolver *paths.Resolver, logger *slog.Logger) *ServeHandler {
	return &ServeHandler{
		records: records,
		paths:   resolver,
		logger:  logger.With(slog.String("component", "serve_handler")),
	}
}

// ServeNote обрабатывает GET /{filename} — страница документа.
func (h *ServeHandler) ServeNote(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	rec, err := h.records.Lookup(r.Context(), filename, model.FiletypeHTML)
	if err != nil {
		h.writeNotFoundOrError(w, err, filename)
		return
	}

	h.serveFromDisk(w, r, rec, cacheControlMutable)
}

// ServeBucket возвращает обработчик GET /{bucket}/* — раздача стилей
// и ассетов по шардированным путям. Имя и тип файла извлекаются из
// последнего сегмента, принадлежность bucket'у проверяется.
func (h *ServeHandler) ServeBucket(bucket string) http.HandlerFunc {
	cacheControl := cacheControlImmutable
	if bucket == "css" {
		// Legacy-режим стилей перезаписывает файл с тем же именем
		cacheControl = cacheControlMutable
	}

	return func(w http.ResponseWriter, r *http.Request) {
		base := path.Base(r.URL.Path)
		ext := path.Ext(base)
		filename := strings.TrimSuffix(base, ext)
		if filename == "" || ext == "" {
			apierrors.NotFound(w, "Файл не найден")
			return
		}

		ft, err := model.ParseFiletype(strings.TrimPrefix(ext, "."))
		if err != nil || paths.Bucket(ft) != bucket {
			apierrors.NotFound(w, "Файл не найден")
			return
		}

		rec, err := h.records.Lookup(r.Context(), filename, ft)
		if err != nil {
			h.writeNotFoundOrError(w, err, filename)
			return
		}

		h.serveFromDisk(w, r, rec, cacheControl)
	}
}

// serveFromDisk отдаёт содержимое записи с диска.
// ServeContent обеспечивает Range и If-Modified-Since.
func (h *ServeHandler) serveFromDisk(w http.ResponseWriter, r *http.Request, rec *model.FileRecord, cacheControl string) {
	fullPath := h.paths.FilePath(rec.Filename, rec.Filetype)

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Запись есть, файла нет: рассинхронизация диска и индекса
			h.logger.Error("Файл записи отсутствует на диске",
				slog.String("filename", rec.Filename),
				slog.String("path", fullPath),
			)
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", rec.Filetype.ContentType())
	w.Header().Set("Cache-Control", cacheControl)
	http.ServeContent(w, r, "", rec.Updated, f)
}

// writeNotFoundOrError транслирует ошибку поиска записи в HTTP-ответ.
func (h *ServeHandler) writeNotFoundOrError(w http.ResponseWriter, err error, filename string) {
	if errors.Is(err, recordindex.ErrNotFound) {
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	h.logger.Error("Ошибка поиска записи",
		slog.String("filename", filename),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "Ошибка поиска записи")
}
