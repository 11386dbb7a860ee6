// files.go — HTTP handlers операций загрузки и удаления файлов.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/notestore/internal/api/errors"
	"github.com/arturkryukov/notestore/internal/api/middleware"
	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/service"
	"github.com/arturkryukov/notestore/internal/storage/filestore"
)

// multipartMemoryLimit — буфер парсинга multipart form в памяти.
const multipartMemoryLimit = 32 << 20

// FilesHandler — обработчик аутентифицированных файловых endpoints.
type FilesHandler struct {
	engine      *filestore.Engine
	records     *service.Records
	maxFileSize int64
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	engine *filestore.Engine,
	records *service.Records,
	maxFileSize int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		engine:      engine,
		records:     records,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// uploadResponse — тело ответа на успешную загрузку.
type uploadResponse struct {
	Filename     string     `json:"filename"`
	Filetype     string     `json:"filetype"`
	URL          string     `json:"url"`
	ContentHash  string     `json:"content_hash"`
	Bytes        int64      `json:"bytes"`
	Encrypted    bool       `json:"encrypted"`
	Deduplicated bool       `json:"deduplicated"`
	Expires      *time.Time `json:"expires,omitempty"`
}

// Upload обрабатывает POST /api/v1/files.
// Multipart form: file (обязательно), filetype (обязательно),
// filename (опционально, только документы), encrypted ("true"),
// expires (RFC3339, опционально).
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Отсутствует идентификатор аккаунта в токене")
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	if header.Size > h.maxFileSize {
		apierrors.FileTooLarge(w, fmt.Sprintf("Файл превышает лимит %d байт", h.maxFileSize))
		return
	}

	// Лимит проверяется и по фактически прочитанным байтам:
	// header.Size приходит от клиента
	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения загружаемого файла")
		return
	}
	if int64(len(data)) > h.maxFileSize {
		apierrors.FileTooLarge(w, fmt.Sprintf("Файл превышает лимит %d байт", h.maxFileSize))
		return
	}

	filetype := r.FormValue("filetype")
	if filetype == "" {
		apierrors.ValidationError(w, "Поле 'filetype' обязательно")
		return
	}

	opts := filestore.PersistOptions{
		Encrypted: r.FormValue("encrypted") == "true",
	}
	if expiresStr := r.FormValue("expires"); expiresStr != "" {
		expires, err := time.Parse(time.RFC3339, expiresStr)
		if err != nil {
			apierrors.ValidationError(w, "Поле 'expires' должно быть в формате RFC3339")
			return
		}
		opts.Expires = &expires
	}

	// Идентичность определяется хэшем содержимого, не именем части
	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	op := h.engine.NewOperation()
	if err := op.ResolveIdentity(r.Context(), filestore.ResolveParams{
		Filetype:        filetype,
		OwnerID:         owner,
		Filename:        r.FormValue("filename"),
		ContentHash:     contentHash,
		CreateIfMissing: true,
	}); err != nil {
		writeStoreError(w, err)
		return
	}

	rec, err := op.Persist(r.Context(), data, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Раздача не должна отдавать устаревшие атрибуты перезаписанной записи
	h.records.Invalidate(rec.Filename, rec.Filetype)

	resp := uploadResponse{
		Filename:     rec.Filename,
		Filetype:     string(rec.Filetype),
		URL:          op.DisplayURL(),
		ContentHash:  rec.ContentHash,
		Bytes:        rec.Bytes,
		Encrypted:    rec.Encrypted,
		Deduplicated: op.Deduplicated(),
		Expires:      rec.Expires,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// DeleteNote обрабатывает DELETE /api/v1/notes/{filename}.
// Удалять документы может только их владелец.
func (h *FilesHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Отсутствует идентификатор аккаунта в токене")
		return
	}

	filename := chi.URLParam(r, "filename")
	if filename == "" {
		apierrors.ValidationError(w, "Отсутствует имя документа")
		return
	}

	if err := h.engine.Remove(r.Context(), owner, string(model.FiletypeHTML), filename); err != nil {
		writeStoreError(w, err)
		return
	}

	h.records.Invalidate(filename, model.FiletypeHTML)

	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError транслирует классифицированную ошибку движка в HTTP-ответ.
func writeStoreError(w http.ResponseWriter, err error) {
	var se *filestore.StoreError
	if errors.As(err, &se) {
		apierrors.WriteError(w, se.StatusCode, se.Code, se.Message)
		return
	}
	apierrors.InternalError(w, "Внутренняя ошибка хранилища")
}
