// Пакет pgstore — реализация storeclient.Store поверх PostgreSQL.
//
// KV-поверх-реляционной раскладка: все записи лежат в таблице entries
// с ключом (bucket, key), значением jsonb и колонкой etag для
// compare-and-swap; дескрипторы bucket'ов — в таблице buckets.
// Собственная мета-схема применяется через golang-migrate из embedded FS.
//
// Post-write хуки выполняются внутри транзакции записи: ошибка хука
// откатывает запись целиком.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client — клиент PostgreSQL-хранилища метаданных.
type Client struct {
	pool   *pgxpool.Pool
	db     *sql.DB // stdlib-адаптер пула (dephealth, внешние проверки)
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.RWMutex
	buckets map[string]*storeclient.Bucket // локальный реестр post-write хуков
}

// Connect создаёт пул подключений, проверяет доступность и применяет
// миграции мета-схемы (для read-only клиента миграции пропускаются,
// сессии принудительно read-only).
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	if cfg.ReadOnly {
		poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	if !cfg.ReadOnly {
		if err := migrateSchema(cfg, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("Подключение к хранилищу метаданных установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Bool("read_only", cfg.ReadOnly),
	)

	return &Client{
		pool:    pool,
		db:      stdlib.OpenDBFromPool(pool),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "pgstore")),
		buckets: make(map[string]*storeclient.Bucket),
	}, nil
}

// Dial — адаптер Connect под сигнатуру metadata.Dialer.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storeclient.Store, error) {
	return Connect(ctx, cfg, logger)
}

// migrateSchema применяет SQL-миграции мета-схемы из embedded FS.
func migrateSchema(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL := fmt.Sprintf(
		"pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
	)

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции мета-схемы применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// PutBucket идемпотентно создаёт/обновляет дескриптор bucket'а.
// Post-write хуки регистрируются в локальном реестре всегда — в том
// числе при безвредном конфликте версий: хуки должны действовать
// независимо от того, кто из конкурентных инициализаторов применил схему.
func (c *Client) PutBucket(ctx context.Context, b *storeclient.Bucket) error {
	cp := *b
	c.mu.Lock()
	c.buckets[b.Name] = &cp
	c.mu.Unlock()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapError(err, b.Name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после commit — no-op

	var have int
	err = tx.QueryRow(ctx,
		`SELECT version FROM buckets WHERE name = $1 FOR UPDATE`, b.Name,
	).Scan(&have)
	switch {
	case err == nil:
		if have >= b.Version {
			return &storeclient.BucketVersionError{Bucket: b.Name, Have: have, Want: b.Version}
		}
	case isNoRows(err):
		// Bucket ещё не создан.
	default:
		return mapError(err, b.Name)
	}

	indexJSON, err := json.Marshal(b.Index)
	if err != nil {
		return fmt.Errorf("сериализация схемы bucket %s: %w", b.Name, err)
	}
	optionsJSON, err := json.Marshal(b.Options)
	if err != nil {
		return fmt.Errorf("сериализация опций bucket %s: %w", b.Name, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO buckets (name, version, index_schema, options)
		     VALUES ($1, $2, $3, $4)
		ON CONFLICT (name)
		  DO UPDATE SET version = EXCLUDED.version,
		                index_schema = EXCLUDED.index_schema,
		                options = EXCLUDED.options,
		                updated_at = now()`,
		b.Name, b.Version, indexJSON, optionsJSON,
	)
	if err != nil {
		return mapError(err, b.Name)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(err, b.Name)
	}

	c.logger.Debug("Bucket применён",
		slog.String("bucket", b.Name),
		slog.Int("version", b.Version),
	)
	return nil
}

// SQL выполняет сырой SQL-текст одним statement'ом.
// override=true снимает read-only ограничение сессии на время
// транзакции (SET LOCAL) — для schema-maintenance statement'ов.
func (c *Client) SQL(ctx context.Context, text string, override bool) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapError(err, "")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if override {
		if _, err := tx.Exec(ctx, `SET LOCAL transaction_read_only = off`); err != nil {
			return mapError(err, "")
		}
	}
	if _, err := tx.Exec(ctx, text); err != nil {
		return mapError(err, "")
	}
	return mapError(tx.Commit(ctx), "")
}

// Ping проверяет живость подключения.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close закрывает пул подключений.
func (c *Client) Close() error {
	err := c.db.Close()
	c.pool.Close()
	return err
}

// StdDB возвращает stdlib-адаптер пула для внешних проверок
// (dephealth pgcheck работает через *sql.DB).
func (c *Client) StdDB() *sql.DB {
	return c.db
}

// bucketHooks возвращает post-write хуки bucket'а (или nil).
func (c *Client) bucketHooks(bucket string) []storeclient.PostWriteHook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.buckets[bucket]; ok {
		return b.PostWrite
	}
	return nil
}
