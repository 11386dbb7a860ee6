// sweeper.go — сервис фоновой очистки записей с истёкшим сроком хранения.
//
// Sweeper периодически выбирает из индекса записи с expires в прошлом
// и для каждой: удаляет файл с диска (best effort), инвалидирует
// display URL в edge-кэше и удаляет строку индекса. Индекс авторитетен:
// запись удаляется по id, захваченному при выборке, поэтому гонка
// с конкурентной перезаписью имени не задевает новую запись.
//
// Запускается как горутина с периодическим тикером (NS_SWEEP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/notestore/internal/cdn"
	"github.com/arturkryukov/notestore/internal/domain/model"
	"github.com/arturkryukov/notestore/internal/storage/paths"
)

// Prometheus метрики Sweeper
var (
	// sweeperRunsTotal — количество запусков очистки.
	sweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_sweeper_runs_total",
		Help: "Общее количество запусков очистки истёкших записей",
	})

	// sweeperSweptTotal — количество удалённых истёкших записей.
	sweeperSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_sweeper_swept_total",
		Help: "Общее количество удалённых истёкших записей",
	})

	// sweeperErrorsTotal — количество ошибок при обработке записей.
	sweeperErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ns_sweeper_errors_total",
		Help: "Общее количество ошибок очистки",
	})

	// sweeperDurationSeconds — длительность выполнения очистки.
	sweeperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ns_sweeper_duration_seconds",
		Help:    "Длительность выполнения очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ExpiredIndex — операции индекса, нужные Sweeper.
// Реализуется recordindex.Index.
type ExpiredIndex interface {
	Expired(ctx context.Context, now time.Time) ([]*model.FileRecord, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// CacheInvalidator — вытеснение записи из кэша чтения.
// Реализуется Records.
type CacheInvalidator interface {
	Invalidate(filename string, ft model.Filetype)
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// SweptCount — количество удалённых записей
	SweptCount int
	// Errors — количество ошибок при обработке записей
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Sweeper — сервис фоновой очистки истёкших записей.
type Sweeper struct {
	index    ExpiredIndex
	paths    *paths.Resolver
	purger   cdn.Purger
	cache    CacheInvalidator
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewSweeper создаёт сервис очистки.
func NewSweeper(
	index ExpiredIndex,
	resolver *paths.Resolver,
	purger cdn.Purger,
	cache CacheInvalidator,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		index:    index,
		paths:    resolver,
		purger:   purger,
		cache:    cache,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину очистки с периодическим тикером.
// Вызывается один раз при старте приложения.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sweepCtx)

	s.logger.Info("Sweeper запущен",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс очистки.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Sweeper остановлен")
}

// run — основной цикл фоновой горутины.
func (s *Sweeper) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
// Ошибка обработки одной записи не прерывает цикл.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	s.logger.Debug("Очистка начата")

	records, err := s.index.Expired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Ошибка выборки истёкших записей",
			slog.String("error", err.Error()),
		)
		sweeperErrorsTotal.Inc()
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	for _, rec := range records {
		if err := s.sweep(ctx, rec); err != nil {
			s.logger.Error("Ошибка удаления истёкшей записи",
				slog.Int64("id", rec.ID),
				slog.String("filename", rec.Filename),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.SweptCount++
	}

	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	sweeperRunsTotal.Inc()
	sweeperSweptTotal.Add(float64(result.SweptCount))
	sweeperErrorsTotal.Add(float64(result.Errors))
	sweeperDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Очистка завершена",
		slog.Int("swept", result.SweptCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// sweep удаляет одну истёкшую запись: файл, edge-кэш, строка индекса.
func (s *Sweeper) sweep(ctx context.Context, rec *model.FileRecord) error {
	ft := rec.Filetype

	// Файл удаляется best effort: отсутствие на диске — не ошибка
	fullPath := s.paths.FilePath(rec.Filename, ft)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Инвалидация edge-кэша — best effort
	if err := s.purger.Purge(ctx, []string{s.paths.DisplayURL(rec.Filename, ft)}); err != nil {
		s.logger.Error("Ошибка инвалидации edge-кэша",
			slog.String("filename", rec.Filename),
			slog.String("error", err.Error()),
		)
	}

	// Строка удаляется по id, захваченному при выборке
	affected, err := s.index.Delete(ctx, rec.ID)
	if err != nil {
		return err
	}
	s.cache.Invalidate(rec.Filename, ft)
	if !affected {
		s.logger.Warn("Истёкшая запись уже удалена",
			slog.Int64("id", rec.ID),
			slog.String("filename", rec.Filename),
		)
		return nil
	}

	s.logger.Debug("Истёкшая запись удалена",
		slog.Int64("id", rec.ID),
		slog.String("filename", rec.Filename),
		slog.String("filetype", string(ft)),
	)
	return nil
}
