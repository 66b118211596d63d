package metadata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/domain/model"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
	"github.com/bigkaa/goartstore/metadata-module/storeclient/teststore"
)

// singleRecord возвращает единственную запись bucket'а или падает.
func singleRecord(t *testing.T, st *teststore.Store, bucket string) *storeclient.RawRecord {
	t.Helper()
	recs := st.Records(bucket)
	if len(recs) != 1 {
		t.Fatalf("bucket %s: ожидалась ровно 1 запись, получено %d", bucket, len(recs))
	}
	for _, rec := range recs {
		return rec
	}
	return nil
}

// TestDeleteLogOnContentChange проверяет, что перезапись со сменой
// содержимого фиксирует вытесненный снимок в упорядоченном delete log.
func TestDeleteLogOnContentChange(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)

	prev, _ := CreateMetadata(objectOptions())
	opts := objectOptions()
	opts.ObjectID = "22222222-2222-2222-2222-222222222222"

	putObject(t, c, opts, prev)

	rec := singleRecord(t, st, config.DefaultDeleteLogBucket)

	entry := &model.DeleteLogEntry{}
	if err := json.Unmarshal(rec.Value, entry); err != nil {
		t.Fatalf("десериализация записи delete log: %v", err)
	}
	if entry.ObjectID != prev.ObjectID {
		t.Errorf("ObjectID: ожидалось %q, получено %q", prev.ObjectID, entry.ObjectID)
	}

	// Ключ упорядоченного log — objectId с меткой времени фиксации.
	wantKey := fmt.Sprintf("%s:%d", prev.ObjectID, entry.Mtime)
	if rec.Key != wantKey {
		t.Errorf("ключ: ожидалось %q, получено %q", wantKey, rec.Key)
	}

	// Контрольная сумма — MD5 сериализованного снимка.
	sum := md5.Sum(entry.Snapshot)
	if entry.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum: не совпадает с MD5 снимка")
	}

	// Снимок — предыдущая запись целиком.
	snapshot := &model.ObjectMetadata{}
	if err := json.Unmarshal(entry.Snapshot, snapshot); err != nil {
		t.Fatalf("десериализация снимка: %v", err)
	}
	if snapshot.ObjectID != prev.ObjectID || snapshot.Key != prev.Key {
		t.Error("снимок должен содержать вытесненную запись целиком")
	}

	if len(st.Records(config.DefaultFastDeleteBucket)) != 0 {
		t.Error("быстрая очередь должна остаться пустой")
	}
}

// TestDeleteLogSkipsSameObject проверяет, что перезапись метаданных
// того же содержимого не порождает записей delete log.
func TestDeleteLogSkipsSameObject(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)

	prev, _ := CreateMetadata(objectOptions())
	putObject(t, c, objectOptions(), prev) // тот же objectId

	if n := len(st.Records(config.DefaultDeleteLogBucket)); n != 0 {
		t.Errorf("delete log: ожидалось 0 записей, получено %d", n)
	}
	if n := len(st.Records(config.DefaultFastDeleteBucket)); n != 0 {
		t.Errorf("быстрая очередь: ожидалось 0 записей, получено %d", n)
	}
}

// TestDeleteLogSkipsDirectories проверяет, что вытеснение директории
// не фиксируется: директории не занимают содержимого.
func TestDeleteLogSkipsDirectories(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)

	ctx := context.Background()
	dir, err := c.PutMetadata(ctx, "req-1", &Options{
		Key:      "/alice/stor/uploads/u1",
		Owner:    "alice",
		Type:     model.TypeDirectory,
		UploadID: "u1",
	}, nil, "")
	if err != nil {
		t.Fatalf("PutMetadata: неожиданная ошибка: %v", err)
	}

	if err := c.DelMetadata(ctx, "req-1", dir.Key, dir, "", false); err != nil {
		t.Fatalf("DelMetadata: неожиданная ошибка: %v", err)
	}

	if n := len(st.Records(config.DefaultDeleteLogBucket)); n != 0 {
		t.Errorf("delete log: ожидалось 0 записей, получено %d", n)
	}
}

// TestDeleteLogFastQueueRouting проверяет маршрутизацию в быструю
// очередь удаления при отключённом учёте snaplink'ов.
func TestDeleteLogFastQueueRouting(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)
	ctx := context.Background()

	prev, _ := CreateMetadata(objectOptions())
	written := putObject(t, c, objectOptions(), prev)

	if err := c.DelMetadata(ctx, "req-1", written.Key, written, "", true); err != nil {
		t.Fatalf("DelMetadata: неожиданная ошибка: %v", err)
	}

	rec := singleRecord(t, st, config.DefaultFastDeleteBucket)

	// Ключ быстрой очереди — только objectId: очередь хранит
	// последнюю запись, не историю.
	if rec.Key != written.ObjectID {
		t.Errorf("ключ: ожидалось %q, получено %q", written.ObjectID, rec.Key)
	}
	if n := len(st.Records(config.DefaultDeleteLogBucket)); n != 0 {
		t.Errorf("упорядоченный delete log должен остаться пустым, получено %d записей", n)
	}
}

// TestDeleteLogOrderedOnDelete проверяет маршрутизацию удаления
// в упорядоченный delete log при включённом учёте snaplink'ов.
func TestDeleteLogOrderedOnDelete(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)
	ctx := context.Background()

	prev, _ := CreateMetadata(objectOptions())
	written := putObject(t, c, objectOptions(), prev)

	if err := c.DelMetadata(ctx, "req-1", written.Key, written, "", false); err != nil {
		t.Fatalf("DelMetadata: неожиданная ошибка: %v", err)
	}

	singleRecord(t, st, config.DefaultDeleteLogBucket)
	if n := len(st.Records(config.DefaultFastDeleteBucket)); n != 0 {
		t.Errorf("быстрая очередь должна остаться пустой, получено %d записей", n)
	}
}

// TestDeleteLogFailureRollsBackWrite проверяет, что ошибка хука
// откатывает вызвавшую запись целиком.
func TestDeleteLogFailureRollsBackWrite(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)
	ctx := context.Background()

	// Невалидный снимок предыдущей записи ломает хук внутри транзакции.
	_, err := st.PutRecord(ctx, c.cfg.StoreBucket, "/alice/stor/x", []byte(`{"objectId":"new"}`), &storeclient.PutOptions{
		Headers: map[string]string{headerPrevRecord: "{сломанный json"},
	})
	if err == nil {
		t.Fatal("ожидалась ошибка хука")
	}

	if _, ok := st.Records(c.cfg.StoreBucket)["/alice/stor/x"]; ok {
		t.Error("запись должна быть откачена вместе с ошибкой хука")
	}
	if n := len(st.Records(config.DefaultDeleteLogBucket)); n != 0 {
		t.Errorf("delete log должен остаться пустым, получено %d записей", n)
	}
}
