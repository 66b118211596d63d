// Пакет storeclient — контракт клиента реплицируемого KV/SQL-хранилища
// метаданных. Metadata Module работает с хранилищем только через этот
// интерфейс: put/get/delete записи по (bucket, key) с поддержкой
// compare-and-swap по etag, выполнение сырого SQL, атомарная пакетная
// запись, фильтрованные запросы, проверка живости.
//
// Протокол самого хранилища и его транзакционный движок — внешние
// коллабораторы. В репозитории есть две реализации:
//   - pgstore — PostgreSQL (pgx)
//   - teststore — in-memory для тестов
package storeclient

import (
	"context"
	"log/slog"
)

// IndexType — тип индексируемого атрибута bucket'а.
type IndexType string

const (
	// IndexString — строковый атрибут.
	IndexString IndexType = "string"
	// IndexNumber — числовой атрибут.
	IndexNumber IndexType = "number"
)

// Bucket — дескриптор именованного namespace хранилища.
// Версия схемы монотонна: PutBucket никогда не откатывает версию.
type Bucket struct {
	// Name — имя bucket'а
	Name string
	// Version — версия схемы (только растёт)
	Version int
	// Index — индексируемые атрибуты: имя → тип
	Index map[string]IndexType
	// PostWrite — хуки, выполняемые хранилищем внутри транзакции
	// записи сразу после успешного put/delete
	PostWrite []PostWriteHook
	// Options — опции создания bucket'а
	Options BucketOptions
}

// BucketOptions — опции создания/обновления bucket'а.
type BucketOptions struct {
	// NoReindex — подавить переиндексацию при смене версии схемы.
	// Решение о переиндексации принимается явно, вне провижининга.
	NoReindex bool
}

// Tx — открытый транзакционный handle, доступный post-write хукам.
// Запись через Tx попадает в ту же транзакцию, что и вызвавшая хук
// операция: ошибка хука откатывает всю запись целиком.
type Tx interface {
	// PutRecord вставляет запись в рамках открытой транзакции.
	PutRecord(ctx context.Context, bucket, key string, value []byte) error
}

// PostWriteContext — контекст вызова post-write хука.
type PostWriteContext struct {
	// Logger — логгер запроса
	Logger *slog.Logger
	// Bucket — bucket, в который выполнена запись
	Bucket string
	// Key — ключ записи
	Key string
	// Value — новое значение записи; nil при удалении
	Value []byte
	// Headers — заголовки операции (маршрутные подсказки вызывающего)
	Headers map[string]string
	// Tx — открытый транзакционный handle
	Tx Tx
}

// PostWriteHook — хук, выполняемый после записи в bucket.
// Должен вернуть nil (успех) или ошибку (откат записи).
type PostWriteHook func(ctx context.Context, pw *PostWriteContext) error

// PutOptions — опции записи.
type PutOptions struct {
	// Etag — версия новой записи (колонка CAS хранилища)
	Etag string
	// ExpectedEtag — ожидаемая текущая версия. При несовпадении
	// хранилище возвращает *EtagConflictError, запись не выполняется.
	// Пустая строка — безусловная (blind) запись.
	ExpectedEtag string
	// Headers — заголовки, передаваемые post-write хукам
	Headers map[string]string
}

// DeleteOptions — опции удаления.
type DeleteOptions struct {
	// ExpectedEtag — ожидаемая текущая версия (см. PutOptions)
	ExpectedEtag string
	// Headers — заголовки, передаваемые post-write хукам
	Headers map[string]string
}

// RawRecord — запись хранилища вместе с его служебными метаданными.
type RawRecord struct {
	// Key — ключ записи
	Key string
	// Value — сериализованное значение
	Value []byte
	// Etag — текущая версия записи
	Etag string
	// Mtime — время изменения, миллисекунды Unix-эпохи
	Mtime int64
}

// BatchOp — тип операции пакетной записи.
type BatchOp string

const (
	// BatchPut — запись.
	BatchPut BatchOp = "put"
	// BatchDelete — удаление.
	BatchDelete BatchOp = "delete"
)

// BatchRequest — одна операция атомарной пакетной записи.
type BatchRequest struct {
	// Op — put или delete
	Op BatchOp
	// Bucket — целевой bucket
	Bucket string
	// Key — ключ записи
	Key string
	// Value — значение (только для put)
	Value []byte
	// Options — опции записи (etag, заголовки)
	Options *PutOptions
}

// QueryOptions — пагинация, сортировка и подсказки запроса.
type QueryOptions struct {
	// Limit — максимум записей в ответе (0 — без ограничения)
	Limit int
	// Offset — смещение
	Offset int
	// Sort — имя индексированного атрибута для сортировки
	Sort string
	// SortOrder — asc (по умолчанию) или desc
	SortOrder string
	// HashKey — подсказка партиционирования (hash hint);
	// реализация вправе её игнорировать
	HashKey string
}

// Store — клиент хранилища метаданных.
// Все операции неблокирующие по отношению к планировщику: ожидание
// сети выполняется через context, отмены на уровне операции нет —
// вызывающие полагаются на таймауты соединения.
type Store interface {
	// PutRecord записывает значение по (bucket, key).
	// Возвращает etag записанной версии.
	PutRecord(ctx context.Context, bucket, key string, value []byte, opts *PutOptions) (string, error)

	// GetRecord возвращает запись по (bucket, key) или ErrNotFound.
	// Чтение всегда сквозное, без кэширования.
	GetRecord(ctx context.Context, bucket, key string) (*RawRecord, error)

	// DeleteRecord удаляет запись по (bucket, key) или возвращает ErrNotFound.
	DeleteRecord(ctx context.Context, bucket, key string, opts *DeleteOptions) error

	// PutBucket идемпотентно создаёт/обновляет bucket.
	// Если bucket уже имеет равную или более новую версию схемы —
	// возвращает *BucketVersionError, схема не изменяется.
	PutBucket(ctx context.Context, b *Bucket) error

	// SQL выполняет сырой SQL-текст одним statement'ом.
	// override=true снимает read-only ограничение сессии на время
	// выполнения (для schema-maintenance statements).
	SQL(ctx context.Context, text string, override bool) error

	// Batch атомарно выполняет набор put/delete запросов:
	// либо все записи становятся durable вместе, либо ни одна.
	Batch(ctx context.Context, requests []BatchRequest) error

	// Query выполняет фильтрованный запрос по bucket'у.
	// Filter — выражение фильтра в синтаксисе хранилища; передаётся
	// как есть, без трансформации.
	Query(ctx context.Context, bucket, filter string, opts *QueryOptions) ([]*RawRecord, error)

	// Ping проверяет живость подключения.
	Ping(ctx context.Context) error

	// Close закрывает подключение.
	Close() error
}

// Notifier — опциональная способность хранилища сообщать об
// асинхронных ошибках соединения (вне контекста конкретной операции).
type Notifier interface {
	// Notifications возвращает канал асинхронных ошибок.
	Notifications() <-chan error
}
