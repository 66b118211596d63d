// deletelog.go — Delete-Log Router: post-write хук основного bucket'а.
//
// Хук вызывается хранилищем синхронно, внутри транзакции успешной
// записи/удаления, и фиксирует вытесненное содержимое для внешнего GC.
// Это единственная точка синхронизации, гарантирующая, что каждая
// освобождающая содержимое перезапись или удаление записана ровно
// один раз. Ошибка хука откатывает вызвавшую запись: вызывающий узнаёт
// о сбое журналирования и может детерминированно повторить.
package metadata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/domain/model"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// deleteLogHook маршрутизирует снимок вытесненной записи в упорядоченный
// delete log (учёт snaplink'ов включён) или в быструю очередь удаления
// (отключён). No-op, если предыдущей записи нет или содержимое не
// сменилось (перезапись метаданных того же objectId — освобождать нечего).
func (c *Client) deleteLogHook(ctx context.Context, pw *storeclient.PostWriteContext) error {
	prevJSON, ok := pw.Headers[headerPrevRecord]
	if !ok || prevJSON == "" {
		return nil
	}

	prev := &model.ObjectMetadata{}
	if err := json.Unmarshal([]byte(prevJSON), prev); err != nil {
		return fmt.Errorf("delete log: десериализация снимка предыдущей записи %s: %w", pw.Key, err)
	}
	if prev.ObjectID == "" {
		// Директории не занимают содержимого — освобождать нечего.
		return nil
	}

	newObjectID := ""
	if len(pw.Value) > 0 {
		var next struct {
			ObjectID string `json:"objectId"`
		}
		if err := json.Unmarshal(pw.Value, &next); err != nil {
			return fmt.Errorf("delete log: десериализация новой записи %s: %w", pw.Key, err)
		}
		newObjectID = next.ObjectID
	}
	if prev.ObjectID == newObjectID {
		return nil
	}

	now := time.Now().UnixMilli()
	sum := md5.Sum([]byte(prevJSON))

	entry := &model.DeleteLogEntry{
		ObjectID: prev.ObjectID,
		Snapshot: json.RawMessage(prevJSON),
		Checksum: hex.EncodeToString(sum[:]),
		Mtime:    now,
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("delete log: сериализация записи %s: %w", prev.ObjectID, err)
	}

	// Упорядоченный log хранит историю по objectId (ключ с меткой
	// времени фиксации); быстрая очередь — последнюю запись (ключ —
	// только objectId).
	bucket := c.cfg.DeleteLogBucket
	key := fmt.Sprintf("%s:%d", prev.ObjectID, now)
	queue := "delete_log"
	if pw.Headers[headerSnaplinksDisabled] == "true" {
		bucket = c.cfg.FastDeleteBucket
		key = prev.ObjectID
		queue = "fastdelete_queue"
	}

	if err := pw.Tx.PutRecord(ctx, bucket, key, value); err != nil {
		return fmt.Errorf("delete log: запись %s в %s: %w", key, bucket, err)
	}

	deleteLogRecordsTotal.WithLabelValues(queue).Inc()
	if pw.Logger != nil {
		pw.Logger.Debug("Вытесненное содержимое зафиксировано",
			slog.String("request_id", pw.Headers[headerRequestID]),
			slog.String("object_id", prev.ObjectID),
			slog.String("queue", queue),
		)
	}
	return nil
}
