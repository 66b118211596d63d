// crud.go — CRUD-движок записей метаданных.
//
// Политика повторов при конфликте (etag или уникальный атрибут):
//   - явный ожидаемый etag: конфликт отдаётся сразу — вызывающий просил
//     точную версию, слепой повтор молча затёр бы чужое состояние;
//   - без явного etag: идентичная запись повторяется до 3 попыток
//     суммарно, затем конфликт отдаётся вызывающему.
//
// Повтор не перечитывает текущее значение: цикл гарантирует сходимость
// какой-то записи, но не сохранение намерения каждого писателя —
// последний успешный писатель побеждает.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/domain/model"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// maxWriteAttempts — суммарное число сетевых попыток безусловной записи.
const maxWriteAttempts = 3

// Заголовки операций, передаваемые post-write хукам хранилища.
const (
	// headerRequestID — идентификатор запроса (трассировка).
	headerRequestID = "request-id"
	// headerPrevRecord — сериализованный снимок предыдущей записи.
	headerPrevRecord = "prev-record"
	// headerSnaplinksDisabled — у вызывающего отключён учёт snaplink'ов.
	headerSnaplinksDisabled = "snaplinks-disabled"
)

// ensureRequestID возвращает переданный идентификатор запроса
// или генерирует новый UUID, если вызывающий его не передал.
func ensureRequestID(requestID string) string {
	if requestID == "" {
		return uuid.NewString()
	}
	return requestID
}

// PutMetadata строит каноническую запись из opts и пишет её в основной
// bucket. prev — снимок предыдущей записи ключа; его отсутствие
// допустимо только для создания новой директории upload'а (взаимно
// исключимо с маркером upload). Возвращает записанную запись.
func (c *Client) PutMetadata(ctx context.Context, requestID string, opts *Options, prev *model.ObjectMetadata, expectedEtag string) (md *model.ObjectMetadata, err error) {
	start := time.Now()
	defer func() { observeOp("put_metadata", start, err) }()

	st, err := c.conn()
	if err != nil {
		return nil, err
	}
	requestID = ensureRequestID(requestID)
	if prev == nil && opts != nil && opts.UploadID == "" {
		return nil, &OptionsError{
			Field:   "previous",
			Message: "запись без снимка предыдущей версии допустима только при создании upload",
		}
	}
	if prev != nil && opts != nil && opts.UploadID != "" {
		return nil, &OptionsError{
			Field:   "uploadId",
			Message: "маркер upload взаимно исключим со снимком предыдущей записи",
		}
	}

	md, err = CreateMetadata(opts)
	if err != nil {
		return nil, err
	}

	value, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("сериализация записи %s: %w", md.Key, err)
	}

	headers := map[string]string{headerRequestID: requestID}
	if prev != nil {
		prevJSON, merr := json.Marshal(prev)
		if merr != nil {
			return nil, fmt.Errorf("сериализация снимка предыдущей записи %s: %w", md.Key, merr)
		}
		headers[headerPrevRecord] = string(prevJSON)
	}

	putOpts := &storeclient.PutOptions{
		Etag:         md.Etag,
		ExpectedEtag: expectedEtag,
		Headers:      headers,
	}

	err = c.writeWithRetry(requestID, "put_metadata", md.Key, expectedEtag != "", func() error {
		_, werr := st.PutRecord(ctx, c.cfg.StoreBucket, md.Key, value, putOpts)
		return werr
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// GetMetadata возвращает запись основного bucket'а вместе со служебными
// метаданными хранилища. Чтение сквозное, кэширование отключено:
// согласованность важнее устаревших попаданий. Отсутствие записи —
// storeclient.ErrNotFound.
func (c *Client) GetMetadata(ctx context.Context, requestID, key string) (md *model.ObjectMetadata, raw *storeclient.RawRecord, err error) {
	start := time.Now()
	defer func() { observeOp("get_metadata", start, err) }()

	st, err := c.conn()
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("Чтение записи",
		slog.String("request_id", requestID),
		slog.String("key", key),
	)

	raw, err = st.GetRecord(ctx, c.cfg.StoreBucket, key)
	if err != nil {
		return nil, nil, err
	}

	md = &model.ObjectMetadata{}
	if err = json.Unmarshal(raw.Value, md); err != nil {
		return nil, nil, fmt.Errorf("десериализация записи %s: %w", key, err)
	}
	return md, raw, nil
}

// DelMetadata удаляет запись основного bucket'а. prev — обязательный
// снимок удаляемой записи; вместе с snapLinksDisabled он служит
// маршрутной подсказкой Delete-Log Router'а.
func (c *Client) DelMetadata(ctx context.Context, requestID, key string, prev *model.ObjectMetadata, expectedEtag string, snapLinksDisabled bool) (err error) {
	start := time.Now()
	defer func() { observeOp("del_metadata", start, err) }()

	st, err := c.conn()
	if err != nil {
		return err
	}
	requestID = ensureRequestID(requestID)
	if prev == nil {
		return &OptionsError{Field: "previous", Message: "снимок удаляемой записи не задан"}
	}

	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("сериализация снимка удаляемой записи %s: %w", key, err)
	}

	headers := map[string]string{
		headerRequestID:  requestID,
		headerPrevRecord: string(prevJSON),
	}
	if snapLinksDisabled {
		headers[headerSnaplinksDisabled] = "true"
	}

	delOpts := &storeclient.DeleteOptions{
		ExpectedEtag: expectedEtag,
		Headers:      headers,
	}

	return c.writeWithRetry(requestID, "del_metadata", key, expectedEtag != "", func() error {
		return st.DeleteRecord(ctx, c.cfg.StoreBucket, key, delOpts)
	})
}

// PutFinalizingMetadata пишет запись финализации multipart upload
// в bucket uploads. Используется только для abort-финализации;
// commit идёт через CommitMPU. Политика повторов — как у PutMetadata.
func (c *Client) PutFinalizingMetadata(ctx context.Context, requestID string, rec *model.UploadFinalizing, expectedEtag string) (out *model.UploadFinalizing, err error) {
	start := time.Now()
	defer func() { observeOp("put_finalizing", start, err) }()

	st, err := c.conn()
	if err != nil {
		return nil, err
	}
	requestID = ensureRequestID(requestID)
	if rec == nil || rec.UploadID == "" {
		return nil, &OptionsError{Field: "uploadId", Message: "идентификатор upload не задан"}
	}
	if rec.FinalizingType != model.FinalizingCommit && rec.FinalizingType != model.FinalizingAbort {
		return nil, &OptionsError{
			Field:   "finalizingType",
			Message: fmt.Sprintf("недопустимый тип финализации %q", rec.FinalizingType),
		}
	}

	cp := *rec
	cp.RequestID = requestID
	cp.Mtime = time.Now().UnixMilli()
	if cp.Etag == "" {
		cp.Etag = cp.UploadID
	}

	value, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("сериализация записи финализации %s: %w", cp.UploadID, err)
	}

	putOpts := &storeclient.PutOptions{
		Etag:         cp.Etag,
		ExpectedEtag: expectedEtag,
		Headers:      map[string]string{headerRequestID: requestID},
	}

	err = c.writeWithRetry(requestID, "put_finalizing", cp.UploadID, expectedEtag != "", func() error {
		_, werr := st.PutRecord(ctx, c.cfg.UploadsBucket, cp.UploadID, value, putOpts)
		return werr
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetFinalizingMetadata возвращает запись финализации upload'а.
func (c *Client) GetFinalizingMetadata(ctx context.Context, requestID, uploadID string) (rec *model.UploadFinalizing, raw *storeclient.RawRecord, err error) {
	start := time.Now()
	defer func() { observeOp("get_finalizing", start, err) }()

	st, err := c.conn()
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("Чтение записи финализации",
		slog.String("request_id", requestID),
		slog.String("upload_id", uploadID),
	)

	raw, err = st.GetRecord(ctx, c.cfg.UploadsBucket, uploadID)
	if err != nil {
		return nil, nil, err
	}

	rec = &model.UploadFinalizing{}
	if err = json.Unmarshal(raw.Value, rec); err != nil {
		return nil, nil, fmt.Errorf("десериализация записи финализации %s: %w", uploadID, err)
	}
	return rec, raw, nil
}

// GetDirectoryCount возвращает количество записей в директории.
// Агрегат поддерживается внешним SQL-триггером; отсутствие строки
// означает пустую директорию.
func (c *Client) GetDirectoryCount(ctx context.Context, requestID, directory string) (count int64, err error) {
	start := time.Now()
	defer func() { observeOp("get_directory_count", start, err) }()

	st, err := c.conn()
	if err != nil {
		return 0, err
	}
	c.logger.Debug("Чтение счётчика директории",
		slog.String("request_id", requestID),
		slog.String("directory", directory),
	)

	raw, err := st.GetRecord(ctx, config.DirectoryCountsBucket, directory)
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	dc := &model.DirectoryCount{}
	if err = json.Unmarshal(raw.Value, dc); err != nil {
		return 0, fmt.Errorf("десериализация счётчика директории %s: %w", directory, err)
	}
	return dc.Entries, nil
}

// writeWithRetry выполняет запись с политикой повторов при конфликте.
func (c *Client) writeWithRetry(requestID, op, key string, explicitEtag bool, write func() error) error {
	for attempt := 1; ; attempt++ {
		err := write()
		if err == nil {
			return nil
		}
		if !storeclient.IsConflict(err) {
			return err
		}
		if explicitEtag || attempt >= maxWriteAttempts {
			return err
		}

		conflictRetriesTotal.Inc()
		c.logger.Warn("Конфликт записи, повтор",
			slog.String("request_id", requestID),
			slog.String("operation", op),
			slog.String("key", key),
			slog.Int("attempt", attempt),
		)
	}
}
