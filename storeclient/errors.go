// errors.go — типизированные ошибки контракта хранилища.
// Классификация нужна провижинеру bucket'ов и retry-политике CRUD:
// конфликты (etag, уникальный атрибут) отличимы от фатальных причин.
package storeclient

import (
	"errors"
	"fmt"
)

// Ошибки-сентинелы контракта хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
)

// Коды причин *StoreError. Соответствуют причинам, ожидаемым
// при конкурентных инициализаторах (SQLSTATE-классы PostgreSQL).
const (
	// CodeDeadlock — deadlock между транзакциями (40P01).
	CodeDeadlock = "deadlock"
	// CodeConcurrentUpdate — конкурентное обновление кортежа (40001).
	CodeConcurrentUpdate = "concurrent_update"
	// CodeDuplicateKey — дубликат ключа (42P07 и родственные DDL-классы).
	CodeDuplicateKey = "duplicate_key"
	// CodeDuplicateColumn — колонка уже существует (42701).
	CodeDuplicateColumn = "duplicate_column"
	// CodeInternal — прочие ошибки хранилища.
	CodeInternal = "internal"
)

// EtagConflictError — compare-and-swap по etag не прошёл.
type EtagConflictError struct {
	// Bucket — bucket записи
	Bucket string
	// Key — ключ записи
	Key string
	// Expected — ожидаемый etag
	Expected string
	// Actual — фактический etag (пустой, если записи нет)
	Actual string
}

func (e *EtagConflictError) Error() string {
	return fmt.Sprintf("конфликт etag %s/%s: ожидался %q, фактический %q",
		e.Bucket, e.Key, e.Expected, e.Actual)
}

// UniqueAttributeError — нарушение уникальности индексированного атрибута.
type UniqueAttributeError struct {
	// Bucket — bucket записи
	Bucket string
	// Attribute — имя атрибута (если известно)
	Attribute string
}

func (e *UniqueAttributeError) Error() string {
	return fmt.Sprintf("нарушение уникальности атрибута %q в bucket %s",
		e.Attribute, e.Bucket)
}

// BucketVersionError — bucket уже имеет равную или более новую версию
// схемы. Единственная причина, которую провижинер считает безвредной.
type BucketVersionError struct {
	// Bucket — имя bucket'а
	Bucket string
	// Have — установленная версия схемы
	Have int
	// Want — запрошенная версия схемы
	Want int
}

func (e *BucketVersionError) Error() string {
	return fmt.Sprintf("bucket %s уже имеет версию %d (запрошена %d)",
		e.Bucket, e.Have, e.Want)
}

// StoreError — прочая классифицированная ошибка хранилища.
type StoreError struct {
	// Code — код причины (Code*-константы)
	Code string
	// Bucket — bucket, если применимо
	Bucket string
	// Message — описание
	Message string
	// Cause — исходная ошибка драйвера
	Cause error
}

func (e *StoreError) Error() string {
	if e.Bucket != "" {
		return fmt.Sprintf("ошибка хранилища [%s] bucket %s: %s", e.Code, e.Bucket, e.Message)
	}
	return fmt.Sprintf("ошибка хранилища [%s]: %s", e.Code, e.Message)
}

// Unwrap возвращает исходную ошибку драйвера.
func (e *StoreError) Unwrap() error { return e.Cause }

// IsConflict сообщает, является ли ошибка конфликтом записи
// (etag или уникальный атрибут) — единственные причины, при которых
// CRUD-движок повторяет безусловную запись.
func IsConflict(err error) bool {
	var etagErr *EtagConflictError
	var uniqErr *UniqueAttributeError
	return errors.As(err, &etagErr) || errors.As(err, &uniqErr)
}
