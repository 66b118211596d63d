// Пакет model — доменные модели Metadata Module.
// ObjectMetadata — версионируемая запись объекта/директории/ссылки
// в основном bucket'е хранилища метаданных.
package model

import "encoding/json"

// EntryType — тип записи метаданных.
type EntryType string

const (
	// TypeObject — объект с содержимым на Storage Element'ах.
	TypeObject EntryType = "object"
	// TypeDirectory — директория (запись без содержимого).
	TypeDirectory EntryType = "directory"
	// TypeLink — ссылка на существующий объект (snaplink).
	// При создании переписывается в object с заполненным CreatedFrom.
	TypeLink EntryType = "link"
)

// StorageElementRef — ссылка на физическую реплику содержимого объекта.
// ElementID — обязательный идентификатор Storage Element.
type StorageElementRef struct {
	// ElementID — UUID Storage Element, хранящего реплику
	ElementID string `json:"elementId"`
	// Zone — зона размещения (опционально)
	Zone string `json:"zone,omitempty"`
	// URL — адрес Storage Element (опционально)
	URL string `json:"url,omitempty"`
}

// ObjectMetadata — запись объекта или директории в основном bucket'е.
// Записи версионируются через Etag: перезапись и удаление не уничтожают
// прошлые версии физически — вытесненное содержимое фиксируется
// в delete log для асинхронного GC.
type ObjectMetadata struct {
	// Key — полный путь записи (первичный ключ в bucket'е)
	Key string `json:"key"`
	// Dirname — родительская директория. Корневая директория
	// хранения (/<owner>/stor) является dirname самой себя.
	Dirname string `json:"dirname"`
	// Name — последний компонент пути
	Name string `json:"name"`
	// Owner — владелец записи
	Owner string `json:"owner"`
	// Creator — создатель записи (по умолчанию совпадает с Owner)
	Creator string `json:"creator"`
	// Type — тип записи: object, directory или link
	Type EntryType `json:"type"`
	// ObjectID — UUID содержимого. Общий у snaplink'ов на один объект.
	ObjectID string `json:"objectId,omitempty"`
	// ContentLength — размер содержимого в байтах
	ContentLength int64 `json:"contentLength,omitempty"`
	// ContentMD5 — MD5 содержимого (base64)
	ContentMD5 string `json:"contentMD5,omitempty"`
	// ContentType — MIME-тип содержимого
	ContentType string `json:"contentType,omitempty"`
	// Etag — версия записи для compare-and-swap. По умолчанию — ObjectID.
	Etag string `json:"etag"`
	// StorageElements — реплики содержимого (для object — непустой список)
	StorageElements []StorageElementRef `json:"storageElements,omitempty"`
	// Mtime — время изменения, миллисекунды Unix-эпохи
	Mtime int64 `json:"mtime"`
	// Headers — произвольные заголовки записи (опционально)
	Headers map[string]string `json:"headers,omitempty"`
	// Roles — набор ролей доступа (опционально)
	Roles []string `json:"roles,omitempty"`
	// UploadID — ссылка на multipart upload (только для directory)
	UploadID string `json:"uploadId,omitempty"`
	// CreatedFrom — путь источника, если запись создана как snaplink
	CreatedFrom string `json:"createdFrom,omitempty"`
}

// FinalizingType — тип финализации multipart upload.
type FinalizingType string

const (
	// FinalizingCommit — upload фиксируется как объект.
	FinalizingCommit FinalizingType = "commit"
	// FinalizingAbort — upload отменяется.
	FinalizingAbort FinalizingType = "abort"
)

// UploadFinalizing — запись финализации multipart upload
// в bucket'е uploads. Ключ — UploadID.
type UploadFinalizing struct {
	// UploadID — UUID multipart upload
	UploadID string `json:"uploadId"`
	// FinalizingType — commit или abort
	FinalizingType FinalizingType `json:"finalizingType"`
	// Owner — владелец upload
	Owner string `json:"owner"`
	// ObjectPath — путь целевого объекта
	ObjectPath string `json:"objectPath"`
	// ObjectID — UUID содержимого целевого объекта
	ObjectID string `json:"objectId,omitempty"`
	// RequestID — идентификатор запроса финализации (трассировка)
	RequestID string `json:"requestId"`
	// Etag — версия записи. По умолчанию — UploadID.
	Etag string `json:"etag"`
	// Mtime — время изменения, миллисекунды Unix-эпохи
	Mtime int64 `json:"mtime"`
}

// DeleteLogEntry — запись вытесненного содержимого для асинхронного GC.
// Ключ в упорядоченном delete log — "<objectId>:<mtime>", в быстрой
// очереди (snaplinks отключены) — "<objectId>".
type DeleteLogEntry struct {
	// ObjectID — UUID вытесненного содержимого
	ObjectID string `json:"objectId"`
	// Snapshot — сериализованная предыдущая запись метаданных
	Snapshot json.RawMessage `json:"snapshot"`
	// Checksum — hex MD5 сериализованной предыдущей записи
	Checksum string `json:"checksum"`
	// Mtime — время фиксации, миллисекунды Unix-эпохи
	Mtime int64 `json:"mtime"`
}

// DirectoryCount — агрегат количества записей в директории.
// Поддерживается транзакционно внешним SQL-триггером,
// Metadata Module читает его как есть.
type DirectoryCount struct {
	// Directory — путь директории (ключ в bucket'е счётчиков)
	Directory string `json:"directory"`
	// Entries — количество записей в директории
	Entries int64 `json:"entries"`
}
