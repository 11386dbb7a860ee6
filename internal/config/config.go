// Пакет config — загрузка и валидация конфигурации note-store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации note-store.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Базовый публичный URL сайта (например, https://notes.example.com)
	BaseURL string
	// Путь к корневой директории хранения файлов
	DataDir string
	// Длина префикса шардирования имён файлов (0 — без шардирования)
	ShardPrefixLen int
	// Максимальный размер загружаемого файла в байтах
	MaxFileSize int64
	// Соль для детерминированных имён стилей
	CSSSalt string

	// Параметры PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Интервал запуска sweeper'а истёкших записей
	SweepInterval time.Duration
	// Размер LRU-кэша записей индекса
	CacheSize int
	// TTL записей LRU-кэша
	CacheTTL time.Duration

	// URL endpoint инвалидации edge-кэша (пусто — инвалидация выключена)
	CDNPurgeURL string
	// Bearer-токен для endpoint инвалидации
	CDNToken string
	// Путь к CA-сертификату для TLS endpoint инвалидации (опционально)
	CDNCACert string
	// Таймаут запросов инвалидации
	CDNTimeout time.Duration

	// URL JWKS endpoint для валидации JWT
	JWKSUrl string
	// Путь к CA-сертификату для TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// Путь к TLS сертификату (опционально, вместе с TLSKey)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// NS_PORT — порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("NS_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("NS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("NS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// NS_BASE_URL — обязательный
	cfg.BaseURL, err = getEnvRequired("NS_BASE_URL")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("NS_BASE_URL: значение %q должно начинаться с http:// или https://", cfg.BaseURL)
	}

	// NS_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("NS_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// NS_SHARD_PREFIX_LEN — длина префикса шардирования (по умолчанию 2)
	shardLen, err := getEnvInt("NS_SHARD_PREFIX_LEN", 2)
	if err != nil {
		return nil, fmt.Errorf("NS_SHARD_PREFIX_LEN: %w", err)
	}
	if shardLen < 0 || shardLen > 4 {
		return nil, fmt.Errorf("NS_SHARD_PREFIX_LEN: значение %d вне допустимого диапазона 0-4", shardLen)
	}
	cfg.ShardPrefixLen = shardLen

	// NS_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 16 MiB)
	maxFileSize, err := getEnvInt64("NS_MAX_FILE_SIZE", 16<<20)
	if err != nil {
		return nil, fmt.Errorf("NS_MAX_FILE_SIZE: %w", err)
	}
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("NS_MAX_FILE_SIZE: значение должно быть положительным")
	}
	cfg.MaxFileSize = maxFileSize

	// NS_CSS_SALT — обязательный, соль детерминированных имён стилей
	cfg.CSSSalt, err = getEnvRequired("NS_CSS_SALT")
	if err != nil {
		return nil, err
	}

	// NS_DB_* — параметры PostgreSQL
	cfg.DBHost, err = getEnvRequired("NS_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("NS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("NS_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("NS_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("NS_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("NS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("NS_DB_SSL_MODE", "disable")

	// NS_SWEEP_INTERVAL — интервал sweeper'а (по умолчанию 1m)
	cfg.SweepInterval, err = getEnvDuration("NS_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NS_SWEEP_INTERVAL: %w", err)
	}

	// NS_CACHE_SIZE — размер LRU-кэша записей (по умолчанию 1024)
	cfg.CacheSize, err = getEnvInt("NS_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("NS_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("NS_CACHE_SIZE: значение должно быть положительным")
	}

	// NS_CACHE_TTL — TTL записей кэша (по умолчанию 1m)
	cfg.CacheTTL, err = getEnvDuration("NS_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NS_CACHE_TTL: %w", err)
	}

	// NS_CDN_* — endpoint инвалидации edge-кэша (опционально)
	cfg.CDNPurgeURL = getEnvDefault("NS_CDN_PURGE_URL", "")
	cfg.CDNToken = getEnvDefault("NS_CDN_TOKEN", "")
	cfg.CDNCACert = getEnvDefault("NS_CDN_CA_CERT", "")
	cfg.CDNTimeout, err = getEnvDuration("NS_CDN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_CDN_TIMEOUT: %w", err)
	}

	// NS_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("NS_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// NS_JWKS_CA_CERT — CA-сертификат JWKS endpoint (опционально)
	cfg.JWKSCACert = getEnvDefault("NS_JWKS_CA_CERT", "")

	// NS_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 5m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("NS_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("NS_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// NS_JWT_LEEWAY — допустимое отклонение времени JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("NS_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_JWT_LEEWAY: %w", err)
	}

	// NS_TLS_CERT / NS_TLS_KEY — опциональная пара
	cfg.TLSCert = getEnvDefault("NS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("NS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("NS_TLS_CERT и NS_TLS_KEY должны быть заданы вместе")
	}

	// NS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("NS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("NS_LOG_LEVEL: %w", err)
	}

	// NS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("NS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("NS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// NS_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("NS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("NS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1m, 1h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
