// Пакет teststore — in-memory реализация storeclient.Store для тестов.
// Повторяет семантику хранилища: compare-and-swap по etag, версии схем
// bucket'ов, post-write хуки внутри «транзакции», атомарный batch.
// Ошибки программируются через поля-хуки (BeforePut и т.п.), вызовы
// считаются в счётчиках.
package teststore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// Store — in-memory хранилище метаданных.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*storeclient.Bucket
	data    map[string]map[string]*storeclient.RawRecord

	closed bool
	notify chan error

	// --- Программируемые сбои (вызываются до выполнения операции; nil — пропуск) ---

	// BeforePut вызывается перед каждой записью.
	BeforePut func(bucket, key string) error
	// BeforeDelete вызывается перед каждым удалением.
	BeforeDelete func(bucket, key string) error
	// BeforeBatch вызывается перед пакетной записью.
	BeforeBatch func(requests []storeclient.BatchRequest) error
	// BeforeSQL вызывается перед выполнением SQL.
	BeforeSQL func(text string, override bool) error
	// BeforePutBucket вызывается перед созданием/обновлением bucket'а.
	BeforePutBucket func(b *storeclient.Bucket) error

	// --- Счётчики вызовов ---

	// PutCalls — количество вызовов PutRecord (сетевых попыток записи).
	PutCalls int
	// DeleteCalls — количество вызовов DeleteRecord.
	DeleteCalls int
	// BatchCalls — количество вызовов Batch.
	BatchCalls int
	// SQLCalls — количество вызовов SQL.
	SQLCalls int
	// QueryCalls — количество вызовов Query.
	QueryCalls int
	// PutBucketCalls — количество вызовов PutBucket.
	PutBucketCalls int
	// SchemaMutations — количество фактических изменений схем bucket'ов.
	SchemaMutations int

	// SQLStatements — тексты выполненных SQL statement'ов.
	SQLStatements []string

	logger *slog.Logger
}

// New создаёт пустое in-memory хранилище.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		buckets: make(map[string]*storeclient.Bucket),
		data:    make(map[string]map[string]*storeclient.RawRecord),
		notify:  make(chan error, 8),
		logger:  logger,
	}
}

// txHandle — транзакционный handle для post-write хуков.
// Записи попадают в staging-карту и становятся видимыми только
// при фиксации вызвавшей операции.
type txHandle struct {
	store   *Store
	staging map[string]map[string]*storeclient.RawRecord
}

// PutRecord реализует storeclient.Tx.
func (tx *txHandle) PutRecord(_ context.Context, bucket, key string, value []byte) error {
	rows, ok := tx.staging[bucket]
	if !ok {
		rows = make(map[string]*storeclient.RawRecord)
		tx.staging[bucket] = rows
	}
	sum := md5.Sum(value)
	rows[key] = &storeclient.RawRecord{
		Key:   key,
		Value: append([]byte(nil), value...),
		Etag:  hex.EncodeToString(sum[:]),
		Mtime: time.Now().UnixMilli(),
	}
	return nil
}

// PutRecord записывает значение с проверкой CAS и выполнением post-write хуков.
func (s *Store) PutRecord(ctx context.Context, bucket, key string, value []byte, opts *storeclient.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls++

	if s.BeforePut != nil {
		if err := s.BeforePut(bucket, key); err != nil {
			return "", err
		}
	}

	if opts == nil {
		opts = &storeclient.PutOptions{}
	}

	rows, ok := s.data[bucket]
	if !ok {
		rows = make(map[string]*storeclient.RawRecord)
		s.data[bucket] = rows
	}

	existing := rows[key]
	if opts.ExpectedEtag != "" {
		actual := ""
		if existing != nil {
			actual = existing.Etag
		}
		if actual != opts.ExpectedEtag {
			return "", &storeclient.EtagConflictError{
				Bucket:   bucket,
				Key:      key,
				Expected: opts.ExpectedEtag,
				Actual:   actual,
			}
		}
	}

	etag := opts.Etag
	if etag == "" {
		sum := md5.Sum(value)
		etag = hex.EncodeToString(sum[:])
	}

	rec := &storeclient.RawRecord{
		Key:   key,
		Value: append([]byte(nil), value...),
		Etag:  etag,
		Mtime: time.Now().UnixMilli(),
	}

	// Хуки выполняются в staging: ошибка хука откатывает запись целиком.
	tx := &txHandle{store: s, staging: make(map[string]map[string]*storeclient.RawRecord)}
	if err := s.runPostWriteLocked(ctx, tx, bucket, key, rec.Value, opts.Headers); err != nil {
		return "", err
	}

	rows[key] = rec
	s.commitStagingLocked(tx)
	return etag, nil
}

// GetRecord возвращает запись или storeclient.ErrNotFound.
func (s *Store) GetRecord(_ context.Context, bucket, key string) (*storeclient.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[bucket][key]
	if !ok {
		return nil, storeclient.ErrNotFound
	}
	cp := *rec
	cp.Value = append([]byte(nil), rec.Value...)
	return &cp, nil
}

// DeleteRecord удаляет запись с проверкой CAS и выполнением post-write хуков.
func (s *Store) DeleteRecord(ctx context.Context, bucket, key string, opts *storeclient.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++

	if s.BeforeDelete != nil {
		if err := s.BeforeDelete(bucket, key); err != nil {
			return err
		}
	}

	if opts == nil {
		opts = &storeclient.DeleteOptions{}
	}

	existing, ok := s.data[bucket][key]
	if !ok {
		return storeclient.ErrNotFound
	}
	if opts.ExpectedEtag != "" && existing.Etag != opts.ExpectedEtag {
		return &storeclient.EtagConflictError{
			Bucket:   bucket,
			Key:      key,
			Expected: opts.ExpectedEtag,
			Actual:   existing.Etag,
		}
	}

	tx := &txHandle{store: s, staging: make(map[string]map[string]*storeclient.RawRecord)}
	if err := s.runPostWriteLocked(ctx, tx, bucket, key, nil, opts.Headers); err != nil {
		return err
	}

	delete(s.data[bucket], key)
	s.commitStagingLocked(tx)
	return nil
}

// PutBucket идемпотентно создаёт/обновляет bucket.
// Post-write хуки регистрируются всегда, в том числе при безвредном
// конфликте версий: клиенту нужны действующие хуки независимо от того,
// кто из конкурентных инициализаторов применил схему.
func (s *Store) PutBucket(_ context.Context, b *storeclient.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutBucketCalls++

	if s.BeforePutBucket != nil {
		if err := s.BeforePutBucket(b); err != nil {
			return err
		}
	}

	existing, ok := s.buckets[b.Name]
	if ok && existing.Version >= b.Version {
		// Сохраняем актуальные хуки, версию схемы не трогаем.
		existing.PostWrite = b.PostWrite
		return &storeclient.BucketVersionError{
			Bucket: b.Name,
			Have:   existing.Version,
			Want:   b.Version,
		}
	}

	cp := *b
	s.buckets[b.Name] = &cp
	s.SchemaMutations++
	if _, ok := s.data[b.Name]; !ok {
		s.data[b.Name] = make(map[string]*storeclient.RawRecord)
	}
	return nil
}

// SQL выполняет (записывает) SQL statement.
func (s *Store) SQL(_ context.Context, text string, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SQLCalls++

	if s.BeforeSQL != nil {
		if err := s.BeforeSQL(text, override); err != nil {
			return err
		}
	}
	s.SQLStatements = append(s.SQLStatements, text)
	return nil
}

// Batch атомарно выполняет набор put/delete запросов.
func (s *Store) Batch(ctx context.Context, requests []storeclient.BatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchCalls++

	if s.BeforeBatch != nil {
		if err := s.BeforeBatch(requests); err != nil {
			return err
		}
	}

	// Применяем на снимке: любая ошибка оставляет хранилище нетронутым.
	snapshot := s.snapshotLocked()
	tx := &txHandle{store: s, staging: make(map[string]map[string]*storeclient.RawRecord)}

	for i := range requests {
		req := &requests[i]
		opts := req.Options
		if opts == nil {
			opts = &storeclient.PutOptions{}
		}

		rows, ok := s.data[req.Bucket]
		if !ok {
			rows = make(map[string]*storeclient.RawRecord)
			s.data[req.Bucket] = rows
		}

		var err error
		switch req.Op {
		case storeclient.BatchPut:
			err = s.batchPutLocked(ctx, tx, rows, req, opts)
		case storeclient.BatchDelete:
			err = s.batchDeleteLocked(ctx, tx, rows, req, opts)
		default:
			err = &storeclient.StoreError{
				Code:    storeclient.CodeInternal,
				Bucket:  req.Bucket,
				Message: "неизвестная операция batch: " + string(req.Op),
			}
		}
		if err != nil {
			s.data = snapshot
			return err
		}
	}

	s.commitStagingLocked(tx)
	return nil
}

func (s *Store) batchPutLocked(ctx context.Context, tx *txHandle, rows map[string]*storeclient.RawRecord, req *storeclient.BatchRequest, opts *storeclient.PutOptions) error {
	existing := rows[req.Key]
	if opts.ExpectedEtag != "" {
		actual := ""
		if existing != nil {
			actual = existing.Etag
		}
		if actual != opts.ExpectedEtag {
			return &storeclient.EtagConflictError{
				Bucket:   req.Bucket,
				Key:      req.Key,
				Expected: opts.ExpectedEtag,
				Actual:   actual,
			}
		}
	}

	etag := opts.Etag
	if etag == "" {
		sum := md5.Sum(req.Value)
		etag = hex.EncodeToString(sum[:])
	}
	if err := s.runPostWriteLocked(ctx, tx, req.Bucket, req.Key, req.Value, opts.Headers); err != nil {
		return err
	}
	rows[req.Key] = &storeclient.RawRecord{
		Key:   req.Key,
		Value: append([]byte(nil), req.Value...),
		Etag:  etag,
		Mtime: time.Now().UnixMilli(),
	}
	return nil
}

func (s *Store) batchDeleteLocked(ctx context.Context, tx *txHandle, rows map[string]*storeclient.RawRecord, req *storeclient.BatchRequest, opts *storeclient.PutOptions) error {
	existing, ok := rows[req.Key]
	if !ok {
		return storeclient.ErrNotFound
	}
	if opts.ExpectedEtag != "" && existing.Etag != opts.ExpectedEtag {
		return &storeclient.EtagConflictError{
			Bucket:   req.Bucket,
			Key:      req.Key,
			Expected: opts.ExpectedEtag,
			Actual:   existing.Etag,
		}
	}
	if err := s.runPostWriteLocked(ctx, tx, req.Bucket, req.Key, nil, opts.Headers); err != nil {
		return err
	}
	delete(rows, req.Key)
	return nil
}

// Query возвращает записи bucket'а. Фильтр применяется только как
// сравнение "attr = value" по JSON-полям верхнего уровня; пустой
// фильтр возвращает все записи. Пагинация — по Limit/Offset.
func (s *Store) Query(_ context.Context, bucket, filter string, opts *storeclient.QueryOptions) ([]*storeclient.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCalls++

	if opts == nil {
		opts = &storeclient.QueryOptions{}
	}

	var out []*storeclient.RawRecord
	for _, rec := range s.data[bucket] {
		if filter != "" && !matchFilter(rec.Value, filter) {
			continue
		}
		cp := *rec
		cp.Value = append([]byte(nil), rec.Value...)
		out = append(out, &cp)
	}

	sortRecords(out, opts.Sort, opts.SortOrder)

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Ping сообщает о живости хранилища.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &storeclient.StoreError{Code: storeclient.CodeInternal, Message: "хранилище закрыто"}
	}
	return nil
}

// Close закрывает хранилище.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	return nil
}

// Notifications реализует storeclient.Notifier.
func (s *Store) Notifications() <-chan error {
	return s.notify
}

// Notify эмулирует асинхронную ошибку соединения.
func (s *Store) Notify(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.notify <- err
}

// Bucket возвращает зарегистрированный дескриптор bucket'а (или nil).
func (s *Store) Bucket(name string) *storeclient.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[name]
}

// Records возвращает копию всех записей bucket'а (для проверок в тестах).
func (s *Store) Records(bucket string) map[string]*storeclient.RawRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*storeclient.RawRecord, len(s.data[bucket]))
	for k, rec := range s.data[bucket] {
		cp := *rec
		cp.Value = append([]byte(nil), rec.Value...)
		out[k] = &cp
	}
	return out
}

// --- внутреннее ---

// runPostWriteLocked выполняет post-write хуки bucket'а.
func (s *Store) runPostWriteLocked(ctx context.Context, tx *txHandle, bucket, key string, value []byte, headers map[string]string) error {
	b, ok := s.buckets[bucket]
	if !ok || len(b.PostWrite) == 0 {
		return nil
	}
	pw := &storeclient.PostWriteContext{
		Logger:  s.logger,
		Bucket:  bucket,
		Key:     key,
		Value:   value,
		Headers: headers,
		Tx:      tx,
	}
	for _, hook := range b.PostWrite {
		if err := hook(ctx, pw); err != nil {
			return err
		}
	}
	return nil
}

// commitStagingLocked переносит staging-записи хуков в основные данные.
func (s *Store) commitStagingLocked(tx *txHandle) {
	for bucket, rows := range tx.staging {
		dst, ok := s.data[bucket]
		if !ok {
			dst = make(map[string]*storeclient.RawRecord)
			s.data[bucket] = dst
		}
		for k, rec := range rows {
			dst[k] = rec
		}
	}
}

// snapshotLocked делает глубокую копию данных для отката batch.
func (s *Store) snapshotLocked() map[string]map[string]*storeclient.RawRecord {
	snapshot := make(map[string]map[string]*storeclient.RawRecord, len(s.data))
	for bucket, rows := range s.data {
		cp := make(map[string]*storeclient.RawRecord, len(rows))
		for k, rec := range rows {
			r := *rec
			r.Value = append([]byte(nil), rec.Value...)
			cp[k] = &r
		}
		snapshot[bucket] = cp
	}
	return snapshot
}
