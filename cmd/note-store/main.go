// Точка входа note-store — сервиса хранения пользовательских файлов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/arturkryukov/notestore/internal/api/handlers"
	"github.com/arturkryukov/notestore/internal/api/middleware"
	"github.com/arturkryukov/notestore/internal/cdn"
	"github.com/arturkryukov/notestore/internal/config"
	"github.com/arturkryukov/notestore/internal/database"
	"github.com/arturkryukov/notestore/internal/server"
	"github.com/arturkryukov/notestore/internal/service"
	"github.com/arturkryukov/notestore/internal/storage/filestore"
	"github.com/arturkryukov/notestore/internal/storage/paths"
	"github.com/arturkryukov/notestore/internal/storage/recordindex"
	"github.com/arturkryukov/notestore/internal/storage/rowmapper"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("note-store запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("base_url", cfg.BaseURL),
		slog.String("data_dir", cfg.DataDir),
	)

	// --- Инициализация компонентов ---

	ctx := context.Background()

	// 1. Миграции схемы PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Пул подключений PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 3. Схема таблицы files для Row Mapper — читается один раз на старте
	schema, err := rowmapper.Describe(ctx, pool, "files")
	if err != nil {
		logger.Error("Ошибка чтения схемы таблицы files", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Схема таблицы прочитана",
		slog.String("table", schema.Table),
		slog.Int("columns", len(schema.Columns)),
	)

	// 4. Разрешение адресных путей и директория данных
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error("Ошибка создания директории данных", slog.String("error", err.Error()))
		os.Exit(1)
	}
	resolver, err := paths.New(cfg.DataDir, cfg.BaseURL, cfg.ShardPrefixLen)
	if err != nil {
		logger.Error("Ошибка инициализации путей", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Инвалидация edge-кэша
	var purger cdn.Purger = cdn.Noop{}
	if cfg.CDNPurgeURL != "" {
		client, err := cdn.New(cfg.CDNPurgeURL, cfg.CDNToken, cfg.CDNCACert, cfg.CDNTimeout, logger)
		if err != nil {
			logger.Error("Ошибка инициализации CDN-клиента", slog.String("error", err.Error()))
			os.Exit(1)
		}
		purger = client
		logger.Info("Инвалидация edge-кэша включена", slog.String("purge_url", cfg.CDNPurgeURL))
	} else {
		logger.Info("NS_CDN_PURGE_URL не задан, инвалидация edge-кэша отключена")
	}

	// 6. Индекс записей и движок хранения
	index := recordindex.New(pool)
	newMapper := func() filestore.RecordMapper {
		return rowmapper.New(pool, schema)
	}
	engine := filestore.New(newMapper, index, resolver, purger, cfg.CSSSalt, logger)

	// 7. Кэш записей для раздачи
	records := service.NewRecords(index, cfg.CacheSize, cfg.CacheTTL, logger)

	// 8. Фоновая очистка истёкших записей
	sweeper := service.NewSweeper(index, resolver, purger, records, cfg.SweepInterval, logger)
	sweeper.Start(ctx)

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		ClientTimeout:   10 * time.Second,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))

	// 10. Handlers
	filesHandler := handlers.NewFilesHandler(engine, records, cfg.MaxFileSize, logger)
	serveHandler := handlers.NewServeHandler(records, resolver, logger)
	healthHandler := handlers.NewHealthHandler(cfg.DataDir, database.NewReadinessChecker(pool))

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.Handlers{
		Files:  filesHandler,
		Serve:  serveHandler,
		Health: healthHandler,
		Auth:   jwtAuth,
	})

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")
	sweeper.Stop()

	logger.Info("note-store остановлен")
}
