package rowmapper

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/notestore/internal/config"
	"github.com/arturkryukov/notestore/internal/database"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool; контейнер и пул закрываются через t.Cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("notestore_test"),
		postgres.WithUsername("notestore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("NS_DB_HOST", host)
	os.Setenv("NS_DB_PORT", port.Port())
	os.Setenv("NS_DB_NAME", "notestore_test")
	os.Setenv("NS_DB_USER", "notestore")
	os.Setenv("NS_DB_PASSWORD", "test-password")
	os.Setenv("NS_DB_SSL_MODE", "disable")
	os.Setenv("NS_BASE_URL", "https://notes.example.com")
	os.Setenv("NS_DATA_DIR", t.TempDir())
	os.Setenv("NS_CSS_SALT", "integration-salt")
	os.Setenv("NS_JWKS_URL", "http://localhost:8080/jwks.json")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// TestIntegration_DescribeLoadSave проверяет полный цикл Row Mapper
// против реального PostgreSQL: чтение схемы, insert, load, update.
func TestIntegration_DescribeLoadSave(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	schema, err := Describe(ctx, pool, "files")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	for _, col := range []string{"id", "owner_id", "filename", "filetype", "content_hash", "bytes", "encrypted", "created", "updated", "expires"} {
		if !schema.Has(col) {
			t.Errorf("Схема не содержит колонку %s", col)
		}
	}

	owner := uuid.New()
	now := time.Now().UTC()

	// Insert через Save на пустой строке
	m := New(pool, schema)
	if err := m.Set(map[string]any{
		"owner_id":     owner,
		"filename":     "roundtrip",
		"filetype":     "html",
		"content_hash": "abc123",
		"bytes":        int64(42),
		"encrypted":    true,
		"created":      now,
		"updated":      now,
	}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	affected, err := m.Save(ctx)
	if err != nil {
		t.Fatalf("Save (insert): %v", err)
	}
	if !affected {
		t.Fatal("Save (insert) не затронул строк")
	}
	if m.Value("id") == nil {
		t.Fatal("id не присвоен после insert")
	}

	// Load по ключу адресации
	m2 := New(pool, schema)
	if err := m2.Load(ctx, map[string]any{
		"filename": "roundtrip",
		"filetype": "html",
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m2.Found() {
		t.Fatal("Запись не найдена после insert")
	}
	if hash, _ := m2.Value("content_hash").(string); hash != "abc123" {
		t.Errorf("content_hash = %q, хотели abc123", hash)
	}
	if bytes, _ := m2.Value("bytes").(int64); bytes != 42 {
		t.Errorf("bytes = %d, хотели 42", bytes)
	}
	if encrypted, _ := m2.Value("encrypted").(bool); !encrypted {
		t.Error("encrypted потерян")
	}
	if m2.Value("expires") != nil {
		t.Errorf("expires должен быть NULL, получено %v", m2.Value("expires"))
	}

	// Update через Save на найденной строке
	if err := m2.Set(map[string]any{
		"content_hash": "def456",
		"bytes":        int64(100),
		"updated":      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Set (update): %v", err)
	}
	affected, err = m2.Save(ctx)
	if err != nil {
		t.Fatalf("Save (update): %v", err)
	}
	if !affected {
		t.Fatal("Save (update) не затронул строк")
	}

	m3 := New(pool, schema)
	if err := m3.Load(ctx, map[string]any{
		"filename": "roundtrip",
		"filetype": "html",
	}); err != nil {
		t.Fatalf("Повторный Load: %v", err)
	}
	if hash, _ := m3.Value("content_hash").(string); hash != "def456" {
		t.Errorf("content_hash после update = %q, хотели def456", hash)
	}
	if bytes, _ := m3.Value("bytes").(int64); bytes != 100 {
		t.Errorf("bytes после update = %d, хотели 100", bytes)
	}
}

// TestIntegration_LoadMissing проверяет, что промах Load оставляет
// строку в NULL-состоянии без ошибки.
func TestIntegration_LoadMissing(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	schema, err := Describe(ctx, pool, "files")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	m := New(pool, schema)
	if err := m.Load(ctx, map[string]any{
		"filename": "nosuchfile",
		"filetype": "html",
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Found() {
		t.Error("Найдена несуществующая запись")
	}
}

// TestIntegration_UniqueAddress проверяет ограничение уникальности
// (filename, filetype) на уровне схемы.
func TestIntegration_UniqueAddress(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	schema, err := Describe(ctx, pool, "files")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	now := time.Now().UTC()
	insert := func() (bool, error) {
		m := New(pool, schema)
		if err := m.Set(map[string]any{
			"filename": "unique1",
			"filetype": "css",
			"created":  now,
			"updated":  now,
		}); err != nil {
			t.Fatalf("Set: %v", err)
		}
		return m.Save(ctx)
	}

	if _, err := insert(); err != nil {
		t.Fatalf("Первый insert: %v", err)
	}
	if _, err := insert(); err == nil {
		t.Error("Повторный insert того же адреса должен нарушать UNIQUE")
	}
}
