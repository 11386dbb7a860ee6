// records.go — сервис чтения записей индекса с LRU-кэшем.
//
// Горячий путь раздачи файлов не должен ходить в базу на каждый запрос:
// записи кэшируются в expirable LRU с TTL (NS_CACHE_TTL). Истёкшие
// по сроку хранения записи не отдаются независимо от состояния кэша —
// ленивая проверка expires закрывает окно между истечением и
// ближайшим проходом Sweeper.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/storage/recordindex"
)

// Prometheus метрики кэша записей
var (
	// recordsCacheHitsTotal — количество попаданий в кэш записей.
	recordsCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_records_cache_hits_total",
		Help: "Общее количество попаданий в кэш записей",
	})

	// recordsCacheMissesTotal — количество промахов кэша записей.
	recordsCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_records_cache_misses_total",
		Help: "Общее количество промахов кэша записей",
	})
)

// RecordSource — источник записей индекса.
// Реализуется recordindex.Index.
type RecordSource interface {
	Lookup(ctx context.Context, filename string, ft model.Filetype) (*model.FileRecord, error)
}

// Records — сервис чтения записей с кэшем.
type Records struct {
	source RecordSource
	cache  *expirable.LRU[string, *model.FileRecord]
	logger *slog.Logger
}

// NewRecords создаёт сервис чтения записей.
// size — ёмкость LRU, ttl — срок жизни закэшированной записи.
func NewRecords(source RecordSource, size int, ttl time.Duration, logger *slog.Logger) *Records {
	return &Records{
		source: source,
		cache:  expirable.NewLRU[string, *model.FileRecord](size, nil, ttl),
		logger: logger.With(slog.String("component", "records")),
	}
}

// cacheKey — ключ кэша: полное адресное имя записи.
func cacheKey(filename string, ft model.Filetype) string {
	return filename + "." + string(ft)
}

// Lookup возвращает запись по (filename, filetype).
// Истёкшая по сроку хранения запись эквивалентна отсутствующей:
// возвращается recordindex.ErrNotFound, элемент кэша вытесняется.
func (r *Records) Lookup(ctx context.Context, filename string, ft model.Filetype) (*model.FileRecord, error) {
	key := cacheKey(filename, ft)
	now := time.Now().UTC()

	if rec, ok := r.cache.Get(key); ok {
		recordsCacheHitsTotal.Inc()
		if rec.IsExpired(now) {
			r.cache.Remove(key)
			return nil, recordindex.ErrNotFound
		}
		return rec, nil
	}

	recordsCacheMissesTotal.Inc()

	rec, err := r.source.Lookup(ctx, filename, ft)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(now) {
		return nil, recordindex.ErrNotFound
	}

	r.cache.Add(key, rec)
	r.logger.Debug("Запись закэширована",
		slog.String("filename", filename),
		slog.String("filetype", string(ft)),
	)
	return rec, nil
}

// Invalidate вытесняет запись из кэша. Вызывается после перезаписи
// или удаления, чтобы раздача не отдавала устаревшие атрибуты.
func (r *Records) Invalidate(filename string, ft model.Filetype) {
	r.cache.Remove(cacheKey(filename, ft))
}
