// mpu.go — Multipart Commit Coordinator: атомарная фиксация upload'а.
//
// Финализация commit'ом пишет ровно две записи — финальный объект
// в основной bucket и запись финализации в bucket uploads — одной
// атомарной пакетной записью: либо обе становятся durable вместе,
// либо ни одна. Это делает финализацию crash-safe без отдельного
// двухфазного протокола.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/domain/model"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// CommitRequestError — некорректный набор запросов CommitMPU.
// Ошибка программирования вызывающего: отдаётся синхронно,
// без единого сетевого вызова, и никогда не повторяется.
type CommitRequestError struct {
	// Message — описание нарушения
	Message string
}

func (e *CommitRequestError) Error() string {
	return "некорректный набор запросов commitMPU: " + e.Message
}

// CommitMPU атомарно выполняет ровно два подготовленных запроса записи:
// один в основной bucket, один в bucket uploads.
func (c *Client) CommitMPU(ctx context.Context, requestID string, requests []storeclient.BatchRequest) (err error) {
	start := time.Now()
	defer func() { observeOp("commit_mpu", start, err) }()

	if err := c.validateCommitRequests(requests); err != nil {
		return err
	}

	st, err := c.conn()
	if err != nil {
		return err
	}
	c.logger.Info("Атомарная фиксация upload",
		slog.String("request_id", ensureRequestID(requestID)),
	)

	if err := st.Batch(ctx, requests); err != nil {
		return fmt.Errorf("атомарная фиксация upload: %w", err)
	}
	return nil
}

// validateCommitRequests проверяет предусловия CommitMPU.
func (c *Client) validateCommitRequests(requests []storeclient.BatchRequest) error {
	if len(requests) != 2 {
		return &CommitRequestError{
			Message: fmt.Sprintf("ожидалось ровно 2 запроса, получено %d", len(requests)),
		}
	}

	mainWrites, uploadWrites := 0, 0
	for i := range requests {
		req := &requests[i]
		if req.Op != storeclient.BatchPut {
			return &CommitRequestError{
				Message: fmt.Sprintf("запрос %d: допустима только операция put, получена %q", i, req.Op),
			}
		}
		switch req.Bucket {
		case c.cfg.StoreBucket:
			mainWrites++
		case c.cfg.UploadsBucket:
			uploadWrites++
		default:
			return &CommitRequestError{
				Message: fmt.Sprintf("запрос %d: недопустимый bucket %q", i, req.Bucket),
			}
		}
	}
	if mainWrites != 1 || uploadWrites != 1 {
		return &CommitRequestError{
			Message: fmt.Sprintf("ожидалась ровно одна запись в основной bucket и одна в uploads, получено %d и %d",
				mainWrites, uploadWrites),
		}
	}
	return nil
}

// BuildCommitRequests готовит пару запросов для CommitMPU из финального
// объекта и записи финализации. Mtime и etag по умолчанию назначаются
// здесь, как при одиночных записях.
func (c *Client) BuildCommitRequests(md *model.ObjectMetadata, fin *model.UploadFinalizing) ([]storeclient.BatchRequest, error) {
	if md == nil || fin == nil {
		return nil, &CommitRequestError{Message: "запись объекта и запись финализации обязательны"}
	}

	now := time.Now().UnixMilli()

	mdCp := *md
	if mdCp.Mtime == 0 {
		mdCp.Mtime = now
	}
	if mdCp.Etag == "" {
		mdCp.Etag = mdCp.ObjectID
	}
	mdValue, err := json.Marshal(&mdCp)
	if err != nil {
		return nil, fmt.Errorf("сериализация финального объекта %s: %w", mdCp.Key, err)
	}

	finCp := *fin
	if finCp.Mtime == 0 {
		finCp.Mtime = now
	}
	if finCp.Etag == "" {
		finCp.Etag = finCp.UploadID
	}
	finValue, err := json.Marshal(&finCp)
	if err != nil {
		return nil, fmt.Errorf("сериализация записи финализации %s: %w", finCp.UploadID, err)
	}

	return []storeclient.BatchRequest{
		{
			Op:      storeclient.BatchPut,
			Bucket:  c.cfg.StoreBucket,
			Key:     mdCp.Key,
			Value:   mdValue,
			Options: &storeclient.PutOptions{Etag: mdCp.Etag},
		},
		{
			Op:      storeclient.BatchPut,
			Bucket:  c.cfg.UploadsBucket,
			Key:     finCp.UploadID,
			Value:   finValue,
			Options: &storeclient.PutOptions{Etag: finCp.Etag},
		},
	}, nil
}
