// Пакет filestore — движок хранения файлов: разрешение идентичности
// (дедупликация по категориям), физическая запись, инвалидация
// edge-кэша и upsert записи индекса.
//
// Порядок персистентности фиксирован: сначала файл на диске, затем
// инвалидация кэша, затем строка индекса. Запись индекса без успешно
// записанного файла невозможна; осиротевший файл без записи —
// допустимое последствие сбоя, восстанавливается при повторной
// загрузке того же содержимого.
package filestore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/notestore/internal/api/errors"
	"github.com/arturkryukov/notestore/internal/cdn"
	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/idgen"
	"github.com/arturkryukov/notestore/internal/storage/paths"
)

// maxNameAttempts — предел повторной генерации случайного имени
// при коллизии. Исчерпание — ошибка записи, не тихая перезапись.
const maxNameAttempts = 3

// Prometheus метрики движка.
var (
	// operationsTotal — количество операций хранилища по результату.
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ns_store_operations_total",
			Help: "Общее количество операций File Store Engine",
		},
		[]string{"operation", "result"},
	)

	// dedupHitsTotal — количество дедуплицированных загрузок ассетов.
	dedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_store_dedup_hits_total",
		Help: "Общее количество загрузок, разрешённых в существующий ассет",
	})
)

// StoreError — классифицированная ошибка операции хранилища.
type StoreError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RecordMapper — срез Row Mapper, используемый движком.
// Реализуется rowmapper.Mapper; в тестах подменяется in-memory фейком.
type RecordMapper interface {
	Load(ctx context.Context, filter map[string]any) error
	Found() bool
	Value(column string) any
	Row() map[string]any
	Set(fields map[string]any) error
	Save(ctx context.Context) (bool, error)
	Reset()
}

// MapperFactory создаёт маппер на одну логическую операцию.
type MapperFactory func() RecordMapper

// RowDeleter — удаление строки индекса по ключу адресации.
// Реализуется recordindex.Index.
type RowDeleter interface {
	DeleteByName(ctx context.Context, filename string, ft model.Filetype) (bool, error)
}

// Engine — движок хранения файлов. Потокобезопасен: всё состояние
// запроса живёт в Operation.
type Engine struct {
	newMapper MapperFactory
	deleter   RowDeleter
	paths     *paths.Resolver
	purger    cdn.Purger
	cssSalt   string
	logger    *slog.Logger
}

// New создаёт движок хранения.
func New(
	newMapper MapperFactory,
	deleter RowDeleter,
	resolver *paths.Resolver,
	purger cdn.Purger,
	cssSalt string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		newMapper: newMapper,
		deleter:   deleter,
		paths:     resolver,
		purger:    purger,
		cssSalt:   cssSalt,
		logger:    logger.With(slog.String("component", "filestore")),
	}
}

// ResolveParams — параметры разрешения идентичности.
type ResolveParams struct {
	// Filetype — заявленный тип файла, проверяется по whitelist
	Filetype string
	// OwnerID — идентификатор загружающего аккаунта (sub из JWT)
	OwnerID uuid.UUID
	// Filename — имя, предложенное клиентом (только документы, опционально)
	Filename string
	// ContentHash — SHA-256 hex содержимого; пусто допустимо только
	// для legacy-режима стилей
	ContentHash string
	// CreateIfMissing — разрешено ли создание новой идентичности
	CreateIfMissing bool
}

// PersistOptions — атрибуты записи при сохранении.
type PersistOptions struct {
	// Encrypted — содержимое зашифровано на стороне браузера
	Encrypted bool
	// Expires — срок хранения; nil — бессрочно
	Expires *time.Time
}

// Operation — состояние одной операции хранения.
// Конечный автомат: uninitialized → resolved → persisted.
// Не потокобезопасен, создаётся на один запрос.
type Operation struct {
	engine *Engine
	mapper RecordMapper

	resolved bool
	// deduplicated — идентичность разрешилась в существующий ассет,
	// Persist ничего не пишет
	deduplicated bool

	owner    uuid.UUID
	filetype model.Filetype
	filename string
	hash     string

	// cssPrefix — детерминированный префикс стилей, вычисляется
	// один раз на операцию
	cssPrefix string
}

// NewOperation создаёт операцию хранения.
func (e *Engine) NewOperation() *Operation {
	return &Operation{
		engine: e,
		mapper: e.newMapper(),
	}
}

// Filename возвращает разрешённое имя файла.
func (op *Operation) Filename() string { return op.filename }

// DisplayURL возвращает публичный URL отображения разрешённой идентичности.
func (op *Operation) DisplayURL() string {
	return op.engine.paths.DisplayURL(op.filename, op.filetype)
}

// Deduplicated сообщает, была ли операция разрешена в существующий ассет.
func (op *Operation) Deduplicated() bool { return op.deduplicated }

// ResolveIdentity разрешает идентичность запроса по правилам категории.
// Ошибки разрешения прерывают операцию целиком, частичное состояние
// не возникает. Повторный вызов на разрешённой операции — no-op.
func (op *Operation) ResolveIdentity(ctx context.Context, params ResolveParams) error {
	if op.resolved {
		return nil
	}

	ft, err := model.ParseFiletype(params.Filetype)
	if err != nil {
		return &StoreError{
			StatusCode: 415,
			Code:       apierrors.CodeUnsupportedMediaType,
			Message:    fmt.Sprintf("Тип файла %q вне whitelist", params.Filetype),
		}
	}
	op.filetype = ft
	op.owner = params.OwnerID
	op.hash = params.ContentHash

	// Формат хэша проверяется до любого I/O. Пустой хэш допустим
	// только для legacy-режима стилей (одночанковый CSS).
	if op.hash == "" && ft.Category() != model.CategoryStylesheet {
		return invalidRequest("content-hash обязателен")
	}
	if op.hash != "" && !validContentHash(op.hash) {
		return invalidRequest(fmt.Sprintf("некорректный формат content-hash: %q", op.hash))
	}

	switch ft.Category() {
	case model.CategoryDocument:
		err = op.resolveDocument(ctx, params)
	case model.CategoryStylesheet:
		err = op.resolveStylesheet(ctx)
	default:
		err = op.resolveAsset(ctx, params)
	}
	if err != nil {
		return err
	}

	op.resolved = true
	return nil
}

// resolveDocument разрешает идентичность документа: имя привязано
// к владельцу, коллизия с чужой записью при createIfMissing ведёт
// к генерации нового имени.
func (op *Operation) resolveDocument(ctx context.Context, params ResolveParams) error {
	filename := params.Filename
	if filename != "" {
		var err error
		filename, err = normalizeDocumentName(filename, op.filetype)
		if err != nil {
			return err
		}
	} else {
		var err error
		filename, err = op.engine.randomName(idgen.ShortLength)
		if err != nil {
			return err
		}
	}

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		if err := op.mapper.Load(ctx, map[string]any{
			"filename": filename,
			"filetype": string(op.filetype),
		}); err != nil {
			return writeFailure("ошибка поиска записи индекса", err)
		}

		if !op.mapper.Found() || op.ownedByCaller() {
			break
		}

		// Имя занято другим владельцем
		if !params.CreateIfMissing {
			return ownershipConflict(filename)
		}
		var err error
		filename, err = op.engine.randomName(idgen.ShortLength)
		if err != nil {
			return err
		}
	}

	// Повторная проверка: свежесгенерированное имя могло столкнуться
	// с чужой записью на последней итерации
	if op.mapper.Found() && !op.ownedByCaller() {
		return ownershipConflict(filename)
	}
	if !op.mapper.Found() && !params.CreateIfMissing {
		return notFound(filename, op.filetype)
	}

	op.filename = filename
	return nil
}

// resolveStylesheet разрешает идентичность таблицы стилей:
// детерминированный префикс от identity владельца, опциональный
// суффикс из фрагмента хэша позволяет держать несколько
// одновременно действующих чанков.
func (op *Operation) resolveStylesheet(ctx context.Context) error {
	prefix := op.stylesheetPrefix()

	filename := prefix
	if op.hash != "" {
		filename = prefix + op.hash[:8]
	}

	if err := op.mapper.Load(ctx, map[string]any{
		"filename": filename,
		"filetype": string(op.filetype),
	}); err != nil {
		return writeFailure("ошибка поиска записи индекса", err)
	}

	// Legacy-именование: одночанковая запись живёт под голым префиксом.
	// Совпадение хэша переиспользует её вместо чеканки нового чанка.
	if !op.mapper.Found() && filename != prefix {
		if err := op.mapper.Load(ctx, map[string]any{
			"filename": prefix,
			"filetype": string(op.filetype),
		}); err != nil {
			return writeFailure("ошибка поиска записи индекса", err)
		}
		if op.mapper.Found() && op.mapper.Value("content_hash") == op.hash {
			op.filename = prefix
			return nil
		}
		if op.mapper.Found() {
			// Голый префикс занят другим содержимым — возвращаемся
			// к адресу нового чанка
			if err := op.mapper.Load(ctx, map[string]any{
				"filename": filename,
				"filetype": string(op.filetype),
			}); err != nil {
				return writeFailure("ошибка поиска записи индекса", err)
			}
		}
	}

	op.filename = filename
	return nil
}

// resolveAsset разрешает идентичность общего ассета: идентичность —
// только (тип, хэш содержимого), совпадение даёт полную дедупликацию.
func (op *Operation) resolveAsset(ctx context.Context, params ResolveParams) error {
	if err := op.mapper.Load(ctx, map[string]any{
		"filetype":     string(op.filetype),
		"content_hash": op.hash,
	}); err != nil {
		return writeFailure("ошибка поиска записи индекса", err)
	}

	if op.mapper.Found() {
		filename, _ := op.mapper.Value("filename").(string)
		op.filename = filename
		op.deduplicated = true
		dedupHitsTotal.Inc()
		return nil
	}

	if !params.CreateIfMissing {
		return notFound(op.hash, op.filetype)
	}

	// Имя не участвует в идентичности, но обязано быть свободным
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		filename, err := op.engine.randomName(idgen.LongLength)
		if err != nil {
			return err
		}
		if err := op.mapper.Load(ctx, map[string]any{
			"filename": filename,
			"filetype": string(op.filetype),
		}); err != nil {
			return writeFailure("ошибка поиска записи индекса", err)
		}
		if !op.mapper.Found() {
			op.filename = filename
			return nil
		}
	}

	return writeFailure(
		fmt.Sprintf("не удалось подобрать свободное имя за %d попыток", maxNameAttempts), nil)
}

// Persist записывает содержимое на диск, инвалидирует edge-кэш и
// выполняет upsert записи индекса. Для дедуплицированных ассетов —
// короткое замыкание: существующая запись возвращается без записи.
func (op *Operation) Persist(ctx context.Context, data []byte, opts PersistOptions) (*model.FileRecord, error) {
	if !op.resolved {
		return nil, &StoreError{
			StatusCode: 500,
			Code:       apierrors.CodeStoreInit,
			Message:    "Persist вызван до разрешения идентичности",
		}
	}

	if op.deduplicated {
		rec, err := model.RecordFromRow(op.mapper.Row())
		if err != nil {
			return nil, writeFailure("ошибка чтения существующей записи", err)
		}
		operationsTotal.WithLabelValues("persist", "dedup").Inc()
		return rec, nil
	}

	// 1. Директория шарда
	folder := op.engine.paths.Folder(op.filename, op.filetype)
	if err := os.MkdirAll(folder, 0o750); err != nil {
		operationsTotal.WithLabelValues("persist", "error").Inc()
		return nil, writeFailure(fmt.Sprintf("ошибка создания директории %s", folder), err)
	}

	// 2. Физическая запись; прежнее содержимое по этому пути замещается
	fullPath := op.engine.paths.FilePath(op.filename, op.filetype)
	if err := writeFileAtomic(fullPath, data); err != nil {
		operationsTotal.WithLabelValues("persist", "error").Inc()
		return nil, writeFailure(fmt.Sprintf("ошибка записи файла %s", fullPath), err)
	}

	// 3. Инвалидация edge-кэша — best effort, отказ не прерывает запись
	op.engine.purge(ctx,
		op.engine.paths.DisplayURL(op.filename, op.filetype),
		op.engine.paths.FileURL(op.filename, op.filetype),
	)

	// 4. Upsert записи индекса — строго после успешной записи файла
	now := time.Now().UTC()
	if !op.mapper.Found() {
		if err := op.mapper.Set(map[string]any{
			"owner_id": op.owner,
			"filename": op.filename,
			"filetype": string(op.filetype),
			"created":  now,
		}); err != nil {
			return nil, writeFailure("ошибка заполнения записи", err)
		}
	}

	fields := map[string]any{
		"content_hash": op.hash,
		"bytes":        int64(len(data)),
		"encrypted":    opts.Encrypted,
		"updated":      now,
	}
	if opts.Expires != nil {
		fields["expires"] = opts.Expires.UTC()
	} else {
		fields["expires"] = nil
	}
	if err := op.mapper.Set(fields); err != nil {
		return nil, writeFailure("ошибка заполнения записи", err)
	}

	affected, err := op.mapper.Save(ctx)
	if err != nil {
		operationsTotal.WithLabelValues("persist", "error").Inc()
		return nil, writeFailure("ошибка сохранения записи индекса", err)
	}
	if !affected {
		operationsTotal.WithLabelValues("persist", "error").Inc()
		return nil, writeFailure("сохранение записи индекса не затронуло строк", nil)
	}

	rec, err := model.RecordFromRow(op.mapper.Row())
	if err != nil {
		return nil, writeFailure("ошибка чтения сохранённой записи", err)
	}

	operationsTotal.WithLabelValues("persist", "success").Inc()
	op.engine.logger.Info("Файл сохранён",
		slog.String("filename", op.filename),
		slog.String("filetype", string(op.filetype)),
		slog.Int("bytes", len(data)),
		slog.String("content_hash", op.hash),
	)
	return rec, nil
}

// Remove удаляет документ владельца: проверка принадлежности,
// best-effort удаление файла, инвалидация display URL, удаление
// строки индекса по точному (filetype, filename).
func (e *Engine) Remove(ctx context.Context, owner uuid.UUID, filetype, filename string) error {
	ft, err := model.ParseFiletype(filetype)
	if err != nil {
		return &StoreError{
			StatusCode: 415,
			Code:       apierrors.CodeUnsupportedMediaType,
			Message:    fmt.Sprintf("Тип файла %q вне whitelist", filetype),
		}
	}
	if ft.Category() != model.CategoryDocument {
		return invalidRequest("удаление поддерживается только для документов")
	}

	filename, serr := normalizeDocumentName(filename, ft)
	if serr != nil {
		return serr
	}

	m := e.newMapper()
	if err := m.Load(ctx, map[string]any{
		"filename": filename,
		"filetype": string(ft),
	}); err != nil {
		return writeFailure("ошибка поиска записи индекса", err)
	}
	if !m.Found() {
		return notFound(filename, ft)
	}
	if !ownerEquals(m.Value("owner_id"), owner) {
		return ownershipConflict(filename)
	}

	// Файл удаляется best effort: отсутствие — не ошибка, прочие
	// сбои логируются, индекс авторитетен
	fullPath := e.paths.FilePath(filename, ft)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		e.logger.Error("Ошибка удаления файла",
			slog.String("path", fullPath),
			slog.String("error", err.Error()),
		)
	}

	e.purge(ctx, e.paths.DisplayURL(filename, ft))

	affected, err := e.deleter.DeleteByName(ctx, filename, ft)
	if err != nil {
		operationsTotal.WithLabelValues("remove", "error").Inc()
		return writeFailure("ошибка удаления записи индекса", err)
	}
	if !affected {
		// Запись исчезла между Load и Delete — конкурентное удаление
		e.logger.Warn("Запись индекса уже удалена",
			slog.String("filename", filename),
			slog.String("filetype", string(ft)),
		)
	}

	operationsTotal.WithLabelValues("remove", "success").Inc()
	e.logger.Info("Документ удалён",
		slog.String("filename", filename),
		slog.String("owner_id", owner.String()),
	)
	return nil
}

// --- Внутренние помощники ---

// stylesheetPrefix возвращает детерминированный префикс стилей,
// вычисленный один раз на операцию.
func (op *Operation) stylesheetPrefix() string {
	if op.cssPrefix == "" {
		op.cssPrefix = idgen.Deterministic(op.engine.cssSalt, op.owner.String())
	}
	return op.cssPrefix
}

// ownedByCaller проверяет принадлежность загруженной записи владельцу операции.
func (op *Operation) ownedByCaller() bool {
	return ownerEquals(op.mapper.Value("owner_id"), op.owner)
}

// ownerEquals сравнивает значение owner_id из строки маппера с UUID
// владельца. Значение может быть uuid.UUID (задано движком),
// [16]byte (скан pgx) или string.
func ownerEquals(val any, owner uuid.UUID) bool {
	switch v := val.(type) {
	case uuid.UUID:
		return v == owner
	case [16]byte:
		return uuid.UUID(v) == owner
	case string:
		parsed, err := uuid.Parse(v)
		return err == nil && parsed == owner
	default:
		return false
	}
}

// randomName генерирует случайное имя, оборачивая ошибку генератора.
func (e *Engine) randomName(length int) (string, error) {
	name, err := idgen.Random(length)
	if err != nil {
		return "", writeFailure("ошибка генерации имени файла", err)
	}
	return name, nil
}

// purge инвалидирует URL в edge-кэше. Отказ логируется и не эскалируется.
func (e *Engine) purge(ctx context.Context, urls ...string) {
	if err := e.purger.Purge(ctx, urls); err != nil {
		e.logger.Error("Ошибка инвалидации edge-кэша",
			slog.Any("urls", urls),
			slog.String("error", err.Error()),
		)
	}
}

// writeFileAtomic записывает данные через временный файл с fsync
// и атомарным rename. При ошибке временный файл удаляется.
func writeFileAtomic(fullPath string, data []byte) error {
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// normalizeDocumentName нормализует имя документа: срезает legacy-суффикс
// расширения, требует строчные латинские буквы и цифры.
func normalizeDocumentName(filename string, ft model.Filetype) (string, error) {
	suffix := "." + string(ft)
	if len(filename) > len(suffix) && filename[len(filename)-len(suffix):] == suffix {
		filename = filename[:len(filename)-len(suffix)]
	}

	if filename == "" {
		return "", invalidRequest("пустое имя файла")
	}
	for _, r := range filename {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "", invalidRequest(fmt.Sprintf("недопустимое имя файла: %q", filename))
		}
	}
	return filename, nil
}

// validContentHash проверяет формат SHA-256 hex (64 строчных hex-символа).
func validContentHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// --- Конструкторы классифицированных ошибок ---

func invalidRequest(message string) *StoreError {
	return &StoreError{
		StatusCode: 400,
		Code:       apierrors.CodeValidationError,
		Message:    message,
	}
}

func ownershipConflict(filename string) *StoreError {
	return &StoreError{
		StatusCode: 409,
		Code:       apierrors.CodeOwnershipConflict,
		Message:    fmt.Sprintf("Имя %q занято другим владельцем", filename),
	}
}

func notFound(key string, ft model.Filetype) *StoreError {
	return &StoreError{
		StatusCode: 404,
		Code:       apierrors.CodeNotFound,
		Message:    fmt.Sprintf("Запись %s.%s не найдена", key, ft),
	}
}

func writeFailure(message string, err error) *StoreError {
	if err != nil {
		message = fmt.Sprintf("%s: %s", message, err.Error())
	}
	return &StoreError{
		StatusCode: 500,
		Code:       apierrors.CodeWriteFailure,
		Message:    message,
	}
}
