// buckets.go — статический реестр bucket'ов и идемпотентный провижинер.
//
// Пять bucket'ов провижинятся параллельно при каждой инициализации
// полноценного (не read-only) клиента. Конкурентные инициализаторы
// ожидаемы: безвредным считается только конфликт «установлена равная
// или более новая версия схемы». Остальные причины — deadlock,
// конкурентное обновление, дубликаты ключей/колонок — почти наверняка
// сойдутся при повторе, но надёжно отличить транзиентную конкуренцию
// от реальной проблемы нельзя, поэтому они фатальны для попытки:
// Connection Manager повторит всю последовательность с backoff.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// Версии схем bucket'ов.
const (
	// storeBucketVersion — версия схемы основного bucket'а.
	// Переиндексация через границу версий подавлена: изменение схемы
	// основного bucket'а требует явного решения о переиндексации.
	storeBucketVersion = 2
	// auxBucketVersion — версия схем остальных bucket'ов.
	auxBucketVersion = 1
)

// bucketRegistry возвращает реестр bucket'ов с учётом переопределённых
// имён из конфигурации. Delete-log router регистрируется post-write
// хуком основного bucket'а.
func (c *Client) bucketRegistry() []*storeclient.Bucket {
	return []*storeclient.Bucket{
		{
			Name:    c.cfg.StoreBucket,
			Version: storeBucketVersion,
			Index: map[string]storeclient.IndexType{
				"dirname":  storeclient.IndexString,
				"name":     storeclient.IndexString,
				"owner":    storeclient.IndexString,
				"objectId": storeclient.IndexString,
				"type":     storeclient.IndexString,
			},
			Options:   storeclient.BucketOptions{NoReindex: true},
			PostWrite: []storeclient.PostWriteHook{c.deleteLogHook},
		},
		{
			Name:    c.cfg.UploadsBucket,
			Version: auxBucketVersion,
			Index: map[string]storeclient.IndexType{
				"finalizingType": storeclient.IndexString,
				"uploadId":       storeclient.IndexString,
			},
		},
		{
			Name:    c.cfg.DeleteLogBucket,
			Version: auxBucketVersion,
			Index: map[string]storeclient.IndexType{
				"objectId": storeclient.IndexString,
			},
		},
		{
			Name:    c.cfg.FastDeleteBucket,
			Version: auxBucketVersion,
		},
		{
			Name:    config.DirectoryCountsBucket,
			Version: auxBucketVersion,
			Index: map[string]storeclient.IndexType{
				"entries": storeclient.IndexNumber,
			},
		},
	}
}

// provisionBuckets идемпотентно создаёт/обновляет все bucket'ы реестра
// параллельно. Возвращает агрегат фатальных ошибок (или nil).
func (c *Client) provisionBuckets(ctx context.Context, st storeclient.Store) error {
	buckets := c.bucketRegistry()
	results := make([]error, len(buckets))

	var wg sync.WaitGroup
	for i, b := range buckets {
		wg.Add(1)
		go func(i int, b *storeclient.Bucket) {
			defer wg.Done()
			results[i] = c.provisionBucket(ctx, st, b)
		}(i, b)
	}
	wg.Wait()

	var fatal []error
	for _, err := range results {
		if err != nil {
			fatal = append(fatal, err)
		}
	}
	if len(fatal) > 0 {
		return errors.Join(fatal...)
	}
	return nil
}

// provisionBucket создаёт/обновляет один bucket и классифицирует результат.
// Ошибка хранилища может прийти вложенной в агрегат: каждая вложенная
// причина классифицируется независимо; оставшиеся фатальные причины
// заново агрегируются вместе с именем bucket'а и опциями.
func (c *Client) provisionBucket(ctx context.Context, st storeclient.Store, b *storeclient.Bucket) error {
	err := st.PutBucket(ctx, b)
	if err == nil {
		c.logger.Debug("Bucket применён",
			slog.String("bucket", b.Name),
			slog.Int("version", b.Version),
		)
		return nil
	}

	fatal := c.classifyProvisionCauses(err, b)
	if len(fatal) == 0 {
		return nil
	}
	return fmt.Errorf("провижининг bucket %s (версия %d, noReindex=%v): %w",
		b.Name, b.Version, b.Options.NoReindex, errors.Join(fatal...))
}

// classifyProvisionCauses раскрывает ошибку (включая агрегаты) и
// возвращает фатальные причины. Безвредна только причина
// «bucket уже имеет равную или более новую версию» — она логируется
// и игнорируется.
func (c *Client) classifyProvisionCauses(err error, b *storeclient.Bucket) []error {
	var fatal []error
	for _, cause := range flattenErrors(err) {
		var versionErr *storeclient.BucketVersionError
		if errors.As(cause, &versionErr) && versionErr.Have >= versionErr.Want {
			c.logger.Info("Bucket уже актуален",
				slog.String("bucket", b.Name),
				slog.Int("have", versionErr.Have),
				slog.Int("want", versionErr.Want),
			)
			continue
		}
		fatal = append(fatal, cause)
	}
	return fatal
}

// flattenErrors рекурсивно раскрывает агрегированные ошибки
// (errors.Join и совместимые) в плоский список причин.
func flattenErrors(err error) []error {
	if err == nil {
		return nil
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range multi.Unwrap() {
			out = append(out, flattenErrors(e)...)
		}
		return out
	}
	return []error{err}
}
