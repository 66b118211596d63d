// search.go — тонкий read-only passthrough к запросной способности
// хранилища. Без повторов и трансформации: фильтр, пагинация,
// сортировка и hash-подсказка уходят в хранилище как есть.
package metadata

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// Search выполняет фильтрованный запрос по основному bucket'у.
func (c *Client) Search(ctx context.Context, requestID, filter string, opts *storeclient.QueryOptions) (recs []*storeclient.RawRecord, err error) {
	start := time.Now()
	defer func() { observeOp("search", start, err) }()

	st, err := c.conn()
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Поиск по фильтру",
		slog.String("request_id", requestID),
		slog.String("filter", filter),
	)

	return st.Query(ctx, c.cfg.StoreBucket, filter, opts)
}
