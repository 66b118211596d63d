// Пакет config — загрузка и валидация конфигурации Metadata Module
// из переменных окружения (префикс MM_).
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

// Имена bucket'ов по умолчанию. Каждое имя переопределяется
// независимой переменной окружения.
const (
	// DefaultStoreBucket — основной bucket объектов/директорий.
	DefaultStoreBucket = "metadata"
	// DefaultDeleteLogBucket — упорядоченный delete log.
	DefaultDeleteLogBucket = "metadata_delete_log"
	// DefaultFastDeleteBucket — неупорядоченная быстрая очередь удаления.
	DefaultFastDeleteBucket = "metadata_fastdelete_queue"
	// DefaultUploadsBucket — bucket финализации multipart upload'ов.
	DefaultUploadsBucket = "metadata_uploads"
	// DirectoryCountsBucket — bucket счётчиков директорий.
	// Поддерживается внешним SQL-триггером, имя фиксировано.
	DirectoryCountsBucket = "metadata_directory_counts"
)

// Config содержит все параметры конфигурации Metadata Module.
type Config struct {
	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Хранилище метаданных (PostgreSQL) ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Пользователь
	DBUser string
	// Пароль
	DBPassword string
	// Режим SSL (disable, require, verify-full, ...)
	DBSSLMode string
	// Таймаут установки подключения
	ConnectTimeout time.Duration

	// --- Bucket'ы ---

	// Основной bucket объектов/директорий
	StoreBucket string
	// Bucket упорядоченного delete log
	DeleteLogBucket string
	// Bucket быстрой очереди удаления
	FastDeleteBucket string
	// Bucket финализации upload'ов
	UploadsBucket string

	// --- Режим работы ---

	// Read-only клиент: провижининг bucket'ов и установка триггера
	// пропускаются, сессии хранилища принудительно read-only
	ReadOnly bool

	// --- Retry подключения ---

	// Начальная задержка перед повтором инициализации (по умолчанию 1s)
	RetryInitial time.Duration
	// Максимальная задержка между повторами (по умолчанию 300s)
	RetryMax time.Duration

	// --- HTTP-сервер health/metrics (опциональный) ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- Мониторинг зависимостей (topologymetrics) ---

	// Имя группы в метриках topologymetrics (MM_DEPHEALTH_GROUP)
	DephealthGroup string
	// Интервал проверки зависимостей (MM_DEPHEALTH_CHECK_INTERVAL)
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Логирование ---

	// MM_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("MM_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("MM_LOG_LEVEL: %w", err)
	}

	// MM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("MM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("MM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Хранилище метаданных ---

	// MM_DB_HOST — хост PostgreSQL (обязательная)
	cfg.DBHost, err = getEnvRequired("MM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// MM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("MM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("MM_DB_PORT: %w", err)
	}

	// MM_DB_NAME — имя базы данных (по умолчанию metadata)
	cfg.DBName = getEnvDefault("MM_DB_NAME", "metadata")

	// MM_DB_USER — пользователь (обязательная)
	cfg.DBUser, err = getEnvRequired("MM_DB_USER")
	if err != nil {
		return nil, err
	}

	// MM_DB_PASSWORD — пароль (обязательная)
	cfg.DBPassword, err = getEnvRequired("MM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// MM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("MM_DB_SSL_MODE", "disable")

	// MM_CONNECT_TIMEOUT — таймаут установки подключения (по умолчанию 30s)
	cfg.ConnectTimeout, err = getEnvDuration("MM_CONNECT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_CONNECT_TIMEOUT: %w", err)
	}

	// --- Bucket'ы ---

	// MM_STORE_BUCKET — основной bucket (по умолчанию metadata)
	cfg.StoreBucket = getEnvDefault("MM_STORE_BUCKET", DefaultStoreBucket)

	// MM_DELETE_LOG_BUCKET — delete log (по умолчанию metadata_delete_log)
	cfg.DeleteLogBucket = getEnvDefault("MM_DELETE_LOG_BUCKET", DefaultDeleteLogBucket)

	// MM_FASTDELETE_BUCKET — быстрая очередь (по умолчанию metadata_fastdelete_queue)
	cfg.FastDeleteBucket = getEnvDefault("MM_FASTDELETE_BUCKET", DefaultFastDeleteBucket)

	// MM_UPLOADS_BUCKET — bucket upload'ов (по умолчанию metadata_uploads)
	cfg.UploadsBucket = getEnvDefault("MM_UPLOADS_BUCKET", DefaultUploadsBucket)

	// --- Режим работы ---

	// MM_READ_ONLY — read-only клиент (по умолчанию false)
	cfg.ReadOnly, err = getEnvBool("MM_READ_ONLY", false)
	if err != nil {
		return nil, fmt.Errorf("MM_READ_ONLY: %w", err)
	}

	// --- Retry подключения ---

	// MM_RETRY_INITIAL — начальная задержка (по умолчанию 1s)
	cfg.RetryInitial, err = getEnvDuration("MM_RETRY_INITIAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_RETRY_INITIAL: %w", err)
	}

	// MM_RETRY_MAX — максимальная задержка (по умолчанию 300s)
	cfg.RetryMax, err = getEnvDuration("MM_RETRY_MAX", 300*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_RETRY_MAX: %w", err)
	}
	if cfg.RetryInitial <= 0 || cfg.RetryMax < cfg.RetryInitial {
		return nil, fmt.Errorf("MM_RETRY_MAX: должно быть >= MM_RETRY_INITIAL (> 0)")
	}

	// --- HTTP-сервер ---

	// MM_PORT — порт HTTP-сервера health/metrics (по умолчанию 8040)
	cfg.Port, err = getEnvInt("MM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("MM_PORT: %w", err)
	}

	// MM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("MM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// MM_DEPHEALTH_GROUP — имя группы в метриках topologymetrics (по умолчанию "metadata-module")
	cfg.DephealthGroup = getEnvDefault("MM_DEPHEALTH_GROUP", "metadata-module")

	// MM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("MM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("MM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (cfg *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
	)
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
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
