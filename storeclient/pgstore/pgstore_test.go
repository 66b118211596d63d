package pgstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// setupStore запускает PostgreSQL контейнер, применяет миграции
// мета-схемы и возвращает подключённый клиент.
func setupStore(t *testing.T) *Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("metadata_test"),
		postgres.WithUsername("metadata"),
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

	t.Setenv("MM_DB_HOST", host)
	t.Setenv("MM_DB_PORT", port.Port())
	t.Setenv("MM_DB_NAME", "metadata_test")
	t.Setenv("MM_DB_USER", "metadata")
	t.Setenv("MM_DB_PASSWORD", "test-password")
	t.Setenv("MM_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	client, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения к PostgreSQL: %v", err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("Ошибка закрытия клиента: %v", err)
		}
	})
	return client
}

// TestIntegrationPutBucket проверяет идемпотентный провижининг bucket'а.
func TestIntegrationPutBucket(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	b := &storeclient.Bucket{
		Name:    "it_bucket",
		Version: 2,
		Index: map[string]storeclient.IndexType{
			"dirname": storeclient.IndexString,
		},
		Options: storeclient.BucketOptions{NoReindex: true},
	}

	if err := client.PutBucket(ctx, b); err != nil {
		t.Fatalf("PutBucket: неожиданная ошибка: %v", err)
	}

	// Повтор с той же версией — безвредный конфликт.
	err := client.PutBucket(ctx, b)
	var versionErr *storeclient.BucketVersionError
	if !errors.As(err, &versionErr) {
		t.Fatalf("повторный PutBucket: ожидалась *BucketVersionError, получено %v", err)
	}
	if versionErr.Have != 2 || versionErr.Want != 2 {
		t.Errorf("Have/Want: ожидалось 2/2, получено %d/%d", versionErr.Have, versionErr.Want)
	}

	// Более новая версия применяется.
	b.Version = 3
	if err := client.PutBucket(ctx, b); err != nil {
		t.Fatalf("обновление схемы: неожиданная ошибка: %v", err)
	}
}

// TestIntegrationRecordCAS проверяет put/get/delete с compare-and-swap.
func TestIntegrationRecordCAS(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	etag, err := client.PutRecord(ctx, "it", "/a/stor/x", []byte(`{"v":1}`), &storeclient.PutOptions{Etag: "v1"})
	if err != nil {
		t.Fatalf("PutRecord: неожиданная ошибка: %v", err)
	}
	if etag != "v1" {
		t.Errorf("etag: ожидалось v1, получено %q", etag)
	}

	rec, err := client.GetRecord(ctx, "it", "/a/stor/x")
	if err != nil {
		t.Fatalf("GetRecord: неожиданная ошибка: %v", err)
	}
	if rec.Etag != "v1" || rec.Mtime == 0 {
		t.Errorf("запись: etag=%q mtime=%d", rec.Etag, rec.Mtime)
	}

	// CAS с устаревшим etag.
	_, err = client.PutRecord(ctx, "it", "/a/stor/x", []byte(`{"v":2}`), &storeclient.PutOptions{ExpectedEtag: "чужой"})
	var conflict *storeclient.EtagConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("ожидалась *EtagConflictError, получено %v", err)
	}
	if conflict.Actual != "v1" {
		t.Errorf("Actual: ожидалось v1, получено %q", conflict.Actual)
	}

	// CAS с верным etag.
	if _, err := client.PutRecord(ctx, "it", "/a/stor/x", []byte(`{"v":2}`), &storeclient.PutOptions{Etag: "v2", ExpectedEtag: "v1"}); err != nil {
		t.Fatalf("CAS: неожиданная ошибка: %v", err)
	}

	// Удаление с CAS и ErrNotFound после.
	if err := client.DeleteRecord(ctx, "it", "/a/stor/x", &storeclient.DeleteOptions{ExpectedEtag: "v2"}); err != nil {
		t.Fatalf("DeleteRecord: неожиданная ошибка: %v", err)
	}
	if _, err := client.GetRecord(ctx, "it", "/a/stor/x"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Errorf("после удаления: ожидалась ErrNotFound, получено %v", err)
	}
	if err := client.DeleteRecord(ctx, "it", "/a/stor/x", nil); !errors.Is(err, storeclient.ErrNotFound) {
		t.Errorf("повторное удаление: ожидалась ErrNotFound, получено %v", err)
	}
}

// TestIntegrationPostWriteHookRollback проверяет, что ошибка хука
// откатывает запись вместе со staging-записями хука.
func TestIntegrationPostWriteHookRollback(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	hookErr := errors.New("хук сломан")
	hook := func(ctx context.Context, pw *storeclient.PostWriteContext) error {
		if err := pw.Tx.PutRecord(ctx, "it_log", pw.Key, []byte(`{}`)); err != nil {
			return err
		}
		return hookErr
	}
	if err := client.PutBucket(ctx, &storeclient.Bucket{
		Name:      "it_hooked",
		Version:   1,
		PostWrite: []storeclient.PostWriteHook{hook},
	}); err != nil {
		t.Fatalf("PutBucket: %v", err)
	}

	if _, err := client.PutRecord(ctx, "it_hooked", "/a/stor/y", []byte(`{}`), nil); !errors.Is(err, hookErr) {
		t.Fatalf("ожидалась ошибка хука, получено %v", err)
	}

	if _, err := client.GetRecord(ctx, "it_hooked", "/a/stor/y"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Error("запись должна быть откачена вместе с ошибкой хука")
	}
	if _, err := client.GetRecord(ctx, "it_log", "/a/stor/y"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Error("запись хука должна быть откачена")
	}
}

// TestIntegrationBatch проверяет атомарность пакетной записи.
func TestIntegrationBatch(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	requests := []storeclient.BatchRequest{
		{Op: storeclient.BatchPut, Bucket: "it", Key: "a", Value: []byte(`{"n":1}`)},
		{Op: storeclient.BatchPut, Bucket: "it", Key: "b", Value: []byte(`{"n":2}`), Options: &storeclient.PutOptions{ExpectedEtag: "нет"}},
	}

	var conflict *storeclient.EtagConflictError
	if err := client.Batch(ctx, requests); !errors.As(err, &conflict) {
		t.Fatalf("ожидалась *EtagConflictError, получено %v", err)
	}
	if _, err := client.GetRecord(ctx, "it", "a"); !errors.Is(err, storeclient.ErrNotFound) {
		t.Error("частично применённый пакет должен быть откачен")
	}

	requests[1].Options = nil
	if err := client.Batch(ctx, requests); err != nil {
		t.Fatalf("Batch: неожиданная ошибка: %v", err)
	}
	if _, err := client.GetRecord(ctx, "it", "a"); err != nil {
		t.Errorf("запись a: неожиданная ошибка: %v", err)
	}
	if _, err := client.GetRecord(ctx, "it", "b"); err != nil {
		t.Errorf("запись b: неожиданная ошибка: %v", err)
	}
}

// TestIntegrationQuery проверяет фильтрованный запрос с сортировкой
// и пагинацией.
func TestIntegrationQuery(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	records := map[string]string{
		"/q/stor/a": `{"type":"object","name":"a"}`,
		"/q/stor/b": `{"type":"object","name":"b"}`,
		"/q/stor/d": `{"type":"directory","name":"d"}`,
	}
	for k, v := range records {
		if _, err := client.PutRecord(ctx, "it_query", k, []byte(v), nil); err != nil {
			t.Fatalf("PutRecord(%s): %v", k, err)
		}
	}

	out, err := client.Query(ctx, "it_query", `value->>'type' = 'object'`, &storeclient.QueryOptions{
		Sort:      "name",
		SortOrder: "desc",
	})
	if err != nil {
		t.Fatalf("Query: неожиданная ошибка: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(out))
	}
	if out[0].Key != "/q/stor/b" {
		t.Errorf("сортировка desc: ожидался /q/stor/b первым, получено %q", out[0].Key)
	}

	out, err = client.Query(ctx, "it_query", "", &storeclient.QueryOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Query: неожиданная ошибка: %v", err)
	}
	if len(out) != 1 || out[0].Key != "/q/stor/b" {
		t.Errorf("limit/offset: ожидалась /q/stor/b, получено %v", out)
	}

	// Недопустимый атрибут сортировки отклоняется до запроса.
	if _, err := client.Query(ctx, "it_query", "", &storeclient.QueryOptions{Sort: "name; DROP TABLE entries"}); err == nil {
		t.Error("недопустимый атрибут сортировки должен отклоняться")
	}
}

// TestIntegrationSQLOverride проверяет выполнение schema-maintenance
// statement'а со снятием read-only ограничения сессии.
func TestIntegrationSQLOverride(t *testing.T) {
	client := setupStore(t)
	ctx := context.Background()

	stmt := `CREATE TABLE IF NOT EXISTS it_sql_probe (id INT PRIMARY KEY)`
	if err := client.SQL(ctx, stmt, true); err != nil {
		t.Fatalf("SQL: неожиданная ошибка: %v", err)
	}

	// Повтор идемпотентен.
	if err := client.SQL(ctx, stmt, true); err != nil {
		t.Fatalf("повторный SQL: неожиданная ошибка: %v", err)
	}
}
