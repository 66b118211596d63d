package metadata

import (
	"context"
	"testing"

	"github.com/bigkaa/goartstore/metadata-module/domain/model"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
	"github.com/bigkaa/goartstore/metadata-module/storeclient/teststore"
)

// TestSearchPassthrough проверяет, что поиск уходит в хранилище как есть:
// фильтр, сортировка и пагинация без трансформации на стороне клиента.
func TestSearchPassthrough(t *testing.T) {
	st := teststore.New(testLogger())
	c := newReadyClient(t, testConfig(), st)
	ctx := context.Background()

	// Три записи одной директории: две object, одна directory.
	prev, _ := CreateMetadata(objectOptions())
	for i, key := range []string{"/alice/stor/docs/a.txt", "/alice/stor/docs/b.txt"} {
		opts := objectOptions()
		opts.Key = key
		opts.ObjectID = prev.ObjectID[:len(prev.ObjectID)-1] + string(rune('1'+i))
		putObject(t, c, opts, prev)
	}
	if _, err := c.PutMetadata(ctx, "req-1", &Options{
		Key:      "/alice/stor/docs/sub",
		Owner:    "alice",
		Type:     model.TypeDirectory,
		UploadID: "u1",
	}, nil, ""); err != nil {
		t.Fatalf("PutMetadata: неожиданная ошибка: %v", err)
	}

	recs, err := c.Search(ctx, "req-1", "type=directory", nil)
	if err != nil {
		t.Fatalf("Search: неожиданная ошибка: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("type=directory: ожидалась 1 запись, получено %d", len(recs))
	}
	if recs[0].Key != "/alice/stor/docs/sub" {
		t.Errorf("ключ: ожидалось /alice/stor/docs/sub, получено %q", recs[0].Key)
	}

	// Сортировка по ключу и пагинация.
	recs, err = c.Search(ctx, "req-1", "type=object", &storeclient.QueryOptions{
		Sort:  "key",
		Limit: 1,
	})
	if err != nil {
		t.Fatalf("Search: неожиданная ошибка: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("limit=1: ожидалась 1 запись, получено %d", len(recs))
	}
	if recs[0].Key != "/alice/stor/docs/a.txt" {
		t.Errorf("сортировка по key: ожидалось a.txt первым, получено %q", recs[0].Key)
	}

	// Пустой фильтр — все записи bucket'а.
	recs, err = c.Search(ctx, "req-1", "", nil)
	if err != nil {
		t.Fatalf("Search: неожиданная ошибка: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("пустой фильтр: ожидалось 3 записи, получено %d", len(recs))
	}

	if st.QueryCalls != 3 {
		t.Errorf("QueryCalls: ожидалось 3, получено %d", st.QueryCalls)
	}
}
