package metadata

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
	"github.com/bigkaa/goartstore/metadata-module/storeclient/teststore"
)

// TestProvisionIdempotent проверяет, что повторная инициализация поверх
// уже применённых схем безвредна и не мутирует их.
func TestProvisionIdempotent(t *testing.T) {
	st := teststore.New(testLogger())
	newReadyClient(t, testConfig(), st)

	if st.SchemaMutations != 5 {
		t.Fatalf("SchemaMutations после первой инициализации: ожидалось 5, получено %d", st.SchemaMutations)
	}

	// Второй клиент на том же хранилище: все PutBucket вернут
	// безвредный конфликт версий.
	newReadyClient(t, testConfig(), st)

	if st.PutBucketCalls != 10 {
		t.Errorf("PutBucketCalls: ожидалось 10, получено %d", st.PutBucketCalls)
	}
	if st.SchemaMutations != 5 {
		t.Errorf("SchemaMutations: повторная инициализация не должна мутировать схемы, получено %d", st.SchemaMutations)
	}
}

// TestProvisionBucketVersions проверяет версии схем реестра:
// основной bucket несёт версию 2 с подавленной переиндексацией.
func TestProvisionBucketVersions(t *testing.T) {
	st := teststore.New(testLogger())
	cfg := testConfig()
	newReadyClient(t, cfg, st)

	main := st.Bucket(cfg.StoreBucket)
	if main == nil {
		t.Fatal("основной bucket не зарегистрирован")
	}
	if main.Version != 2 {
		t.Errorf("версия основного bucket'а: ожидалось 2, получено %d", main.Version)
	}
	if !main.Options.NoReindex {
		t.Error("основной bucket должен подавлять переиндексацию")
	}
	if main.Index["dirname"] != storeclient.IndexString {
		t.Error("основной bucket должен индексировать dirname")
	}

	counts := st.Bucket(config.DirectoryCountsBucket)
	if counts == nil {
		t.Fatal("bucket счётчиков директорий не зарегистрирован")
	}
	if counts.Index["entries"] != storeclient.IndexNumber {
		t.Error("bucket счётчиков должен индексировать entries как число")
	}
}

// newStalledClient создаёт клиент, чей цикл инициализации не мешает
// прямым вызовам провижинера: dial вечно падает, повтор — через час.
func newStalledClient(t *testing.T) *Client {
	t.Helper()

	cfg := testConfig()
	cfg.RetryInitial = time.Hour
	cfg.RetryMax = time.Hour

	c := New(cfg, func(_ context.Context, _ *config.Config, _ *slog.Logger) (storeclient.Store, error) {
		return nil, errors.New("хранилище недоступно")
	}, testLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestProvisionBenignConflict проверяет классификацию конфликта версий
// как безвредного: Have >= Want.
func TestProvisionBenignConflict(t *testing.T) {
	st := teststore.New(testLogger())
	st.BeforePutBucket = func(b *storeclient.Bucket) error {
		return &storeclient.BucketVersionError{Bucket: b.Name, Have: b.Version + 1, Want: b.Version}
	}

	c := newStalledClient(t)
	if err := c.provisionBuckets(context.Background(), st); err != nil {
		t.Errorf("конфликт версий Have >= Want должен быть безвредным, получено %v", err)
	}
}

// TestProvisionFatalCauses проверяет, что прочие причины фатальны
// и агрегат содержит имя bucket'а.
func TestProvisionFatalCauses(t *testing.T) {
	st := teststore.New(testLogger())
	cfg := testConfig()
	st.BeforePutBucket = func(b *storeclient.Bucket) error {
		if b.Name != cfg.StoreBucket {
			return nil
		}
		return &storeclient.StoreError{
			Code:    storeclient.CodeDeadlock,
			Bucket:  b.Name,
			Message: "deadlock detected",
		}
	}

	c := newStalledClient(t)
	err := c.provisionBuckets(context.Background(), st)
	if err == nil {
		t.Fatal("ожидался агрегат фатальных ошибок")
	}
	if !strings.Contains(err.Error(), cfg.StoreBucket) {
		t.Errorf("агрегат должен содержать имя bucket'а, получено %q", err.Error())
	}

	var storeErr *storeclient.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != storeclient.CodeDeadlock {
		t.Errorf("агрегат должен сохранять исходную причину, получено %v", err)
	}
}

// TestProvisionMixedCauses проверяет независимую классификацию
// вложенных причин агрегированной ошибки.
func TestProvisionMixedCauses(t *testing.T) {
	st := teststore.New(testLogger())
	cfg := testConfig()

	benign := &storeclient.BucketVersionError{Bucket: cfg.StoreBucket, Have: 2, Want: 2}
	fatal := &storeclient.StoreError{Code: storeclient.CodeConcurrentUpdate, Bucket: cfg.StoreBucket, Message: "tuple concurrently updated"}

	st.BeforePutBucket = func(b *storeclient.Bucket) error {
		if b.Name != cfg.StoreBucket {
			return nil
		}
		return errors.Join(benign, fatal)
	}

	c := newStalledClient(t)
	err := c.provisionBuckets(context.Background(), st)
	if err == nil {
		t.Fatal("фатальная вложенная причина должна пережить классификацию")
	}

	var versionErr *storeclient.BucketVersionError
	if errors.As(err, &versionErr) {
		t.Error("безвредная вложенная причина не должна попадать в агрегат")
	}
	var storeErr *storeclient.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != storeclient.CodeConcurrentUpdate {
		t.Errorf("ожидалась причина concurrent_update, получено %v", err)
	}
}

// TestFlattenErrors проверяет рекурсивное раскрытие агрегатов.
func TestFlattenErrors(t *testing.T) {
	e1 := errors.New("один")
	e2 := errors.New("два")
	e3 := errors.New("три")

	got := flattenErrors(errors.Join(errors.Join(e1, e2), e3))
	if len(got) != 3 {
		t.Fatalf("ожидалось 3 причины, получено %d", len(got))
	}

	if flattenErrors(nil) != nil {
		t.Error("flattenErrors(nil) должен вернуть nil")
	}
	if got := flattenErrors(e1); len(got) != 1 || got[0] != e1 {
		t.Error("одиночная ошибка должна вернуться как есть")
	}
}
