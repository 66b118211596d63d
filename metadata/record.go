// record.go — построение канонической записи метаданных из опций вызова.
//
// Правила:
//   - owner и type обязательны; creator по умолчанию — owner
//   - dirname выводится из ключа; корневая директория хранения
//     (/<owner>/stor) является dirname самой себя
//   - object требует contentMD5, contentType, objectId и непустой
//     список Storage Element'ов; etag по умолчанию — objectId
//   - link копирует контент-поля из записи-источника, принудительно
//     становится object и фиксирует путь источника в createdFrom
//   - directory может нести ссылку на multipart upload
package metadata

import (
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/domain/model"
)

// rootDirPattern — канонический шаблон корневой директории хранения.
var rootDirPattern = regexp.MustCompile(`^/[^/]+/stor$`)

// Options — параметры построения записи метаданных.
type Options struct {
	// Key — полный путь записи (обязательный)
	Key string
	// Owner — владелец (обязательный)
	Owner string
	// Creator — создатель (по умолчанию Owner)
	Creator string
	// Type — тип записи (обязательный)
	Type model.EntryType

	// --- object ---

	// ContentLength — размер содержимого в байтах
	ContentLength int64
	// ContentMD5 — MD5 содержимого
	ContentMD5 string
	// ContentType — MIME-тип содержимого
	ContentType string
	// ObjectID — UUID содержимого
	ObjectID string
	// Etag — версия записи (по умолчанию ObjectID)
	Etag string
	// StorageElements — реплики содержимого (непустой список)
	StorageElements []model.StorageElementRef

	// --- link ---

	// Link — запись-источник snaplink'а; её Key фиксируется
	// в CreatedFrom новой записи
	Link *model.ObjectMetadata

	// --- directory ---

	// UploadID — ссылка на multipart upload (опционально)
	UploadID string

	// --- общие ---

	// Headers — произвольные заголовки записи (опционально)
	Headers map[string]string
	// Roles — набор ролей доступа (опционально)
	Roles []string
}

// OptionsError — ошибка валидации опций записи.
type OptionsError struct {
	// Field — имя некорректного поля
	Field string
	// Message — описание
	Message string
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("некорректные опции записи: %s: %s", e.Field, e.Message)
}

// CreateMetadata строит каноническую запись метаданных из опций.
// Mtime назначается в момент вызова.
func CreateMetadata(opts *Options) (*model.ObjectMetadata, error) {
	if opts == nil {
		return nil, &OptionsError{Field: "options", Message: "опции не заданы"}
	}
	if opts.Key == "" {
		return nil, &OptionsError{Field: "key", Message: "ключ не задан"}
	}
	if opts.Owner == "" {
		return nil, &OptionsError{Field: "owner", Message: "владелец не задан"}
	}

	creator := opts.Creator
	if creator == "" {
		creator = opts.Owner
	}

	md := &model.ObjectMetadata{
		Key:     opts.Key,
		Dirname: dirname(opts.Key),
		Name:    path.Base(opts.Key),
		Owner:   opts.Owner,
		Creator: creator,
		Type:    opts.Type,
		Mtime:   time.Now().UnixMilli(),
		Headers: opts.Headers,
		Roles:   opts.Roles,
	}

	switch opts.Type {
	case model.TypeObject:
		if err := fillObject(md, opts); err != nil {
			return nil, err
		}

	case model.TypeLink:
		if opts.Link == nil {
			return nil, &OptionsError{Field: "link", Message: "запись-источник не задана"}
		}
		// Snaplink переписывается в object: два пути разделяют
		// содержимое без дублирования хранения.
		src := opts.Link
		md.Type = model.TypeObject
		md.ObjectID = src.ObjectID
		md.ContentLength = src.ContentLength
		md.ContentMD5 = src.ContentMD5
		md.ContentType = src.ContentType
		md.Etag = src.Etag
		md.StorageElements = append([]model.StorageElementRef(nil), src.StorageElements...)
		md.CreatedFrom = src.Key

	case model.TypeDirectory:
		md.UploadID = opts.UploadID

	default:
		return nil, &OptionsError{
			Field:   "type",
			Message: fmt.Sprintf("недопустимый тип %q, допустимые: object, directory, link", opts.Type),
		}
	}

	return md, nil
}

// fillObject заполняет и валидирует контент-поля записи типа object.
func fillObject(md *model.ObjectMetadata, opts *Options) error {
	if opts.ObjectID == "" {
		return &OptionsError{Field: "objectId", Message: "идентификатор содержимого не задан"}
	}
	if opts.ContentMD5 == "" {
		return &OptionsError{Field: "contentMD5", Message: "контрольная сумма не задана"}
	}
	if opts.ContentType == "" {
		return &OptionsError{Field: "contentType", Message: "MIME-тип не задан"}
	}
	if opts.ContentLength < 0 {
		return &OptionsError{Field: "contentLength", Message: "размер не может быть отрицательным"}
	}
	if len(opts.StorageElements) == 0 {
		return &OptionsError{Field: "storageElements", Message: "список реплик пуст"}
	}
	for i, se := range opts.StorageElements {
		if se.ElementID == "" {
			return &OptionsError{
				Field:   "storageElements",
				Message: fmt.Sprintf("реплика %d без идентификатора Storage Element", i),
			}
		}
	}

	md.ObjectID = opts.ObjectID
	md.ContentLength = opts.ContentLength
	md.ContentMD5 = opts.ContentMD5
	md.ContentType = opts.ContentType
	md.StorageElements = append([]model.StorageElementRef(nil), opts.StorageElements...)

	md.Etag = opts.Etag
	if md.Etag == "" {
		md.Etag = opts.ObjectID
	}
	return nil
}

// dirname возвращает родительскую директорию ключа.
// Путь, совпадающий с шаблоном корневой директории хранения,
// является dirname самого себя.
func dirname(key string) string {
	if rootDirPattern.MatchString(key) {
		return key
	}
	return path.Dir(key)
}
