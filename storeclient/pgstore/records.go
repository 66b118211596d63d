// records.go — операции над записями: put/get/delete, атомарный batch,
// фильтрованные запросы. Каждая запись выполняется в транзакции вместе
// с post-write хуками целевого bucket'а.
package pgstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// pgTx — транзакционный handle для post-write хуков.
type pgTx struct {
	tx pgx.Tx
}

// PutRecord реализует storeclient.Tx: запись хука попадает в ту же
// транзакцию, что и вызвавшая операция.
func (t *pgTx) PutRecord(ctx context.Context, bucket, key string, value []byte) error {
	sum := md5.Sum(value)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO entries (bucket, key, value, etag, mtime)
		     VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, key)
		  DO UPDATE SET value = EXCLUDED.value,
		                etag = EXCLUDED.etag,
		                mtime = EXCLUDED.mtime`,
		bucket, key, value, hex.EncodeToString(sum[:]), time.Now().UnixMilli(),
	)
	return mapError(err, bucket)
}

// PutRecord записывает значение по (bucket, key) с проверкой CAS
// и выполнением post-write хуков. Возвращает etag записанной версии.
func (c *Client) PutRecord(ctx context.Context, bucket, key string, value []byte, opts *storeclient.PutOptions) (string, error) {
	if opts == nil {
		opts = &storeclient.PutOptions{}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return "", mapError(err, bucket)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	etag, err := c.putInTx(ctx, tx, bucket, key, value, opts)
	if err != nil {
		return "", err
	}
	if err := c.runPostWrite(ctx, tx, bucket, key, value, opts.Headers); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", mapError(err, bucket)
	}
	return etag, nil
}

// putInTx выполняет запись внутри открытой транзакции.
func (c *Client) putInTx(ctx context.Context, tx pgx.Tx, bucket, key string, value []byte, opts *storeclient.PutOptions) (string, error) {
	etag := opts.Etag
	if etag == "" {
		sum := md5.Sum(value)
		etag = hex.EncodeToString(sum[:])
	}
	mtime := time.Now().UnixMilli()

	if opts.ExpectedEtag != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE entries SET value = $1, etag = $2, mtime = $3
			 WHERE bucket = $4 AND key = $5 AND etag = $6`,
			value, etag, mtime, bucket, key, opts.ExpectedEtag,
		)
		if err != nil {
			return "", mapError(err, bucket)
		}
		if tag.RowsAffected() == 0 {
			return "", c.etagConflict(ctx, tx, bucket, key, opts.ExpectedEtag)
		}
		return etag, nil
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO entries (bucket, key, value, etag, mtime)
		     VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, key)
		  DO UPDATE SET value = EXCLUDED.value,
		                etag = EXCLUDED.etag,
		                mtime = EXCLUDED.mtime`,
		bucket, key, value, etag, mtime,
	)
	if err != nil {
		return "", mapError(err, bucket)
	}
	return etag, nil
}

// etagConflict строит *EtagConflictError с фактическим etag записи.
func (c *Client) etagConflict(ctx context.Context, tx pgx.Tx, bucket, key, expected string) error {
	actual := ""
	err := tx.QueryRow(ctx,
		`SELECT etag FROM entries WHERE bucket = $1 AND key = $2`, bucket, key,
	).Scan(&actual)
	if err != nil && !isNoRows(err) {
		return mapError(err, bucket)
	}
	return &storeclient.EtagConflictError{
		Bucket:   bucket,
		Key:      key,
		Expected: expected,
		Actual:   actual,
	}
}

// GetRecord возвращает запись по (bucket, key) или storeclient.ErrNotFound.
// Чтение сквозное: кэширования нет ни на одном уровне.
func (c *Client) GetRecord(ctx context.Context, bucket, key string) (*storeclient.RawRecord, error) {
	rec := &storeclient.RawRecord{Key: key}
	err := c.pool.QueryRow(ctx,
		`SELECT value, etag, mtime FROM entries WHERE bucket = $1 AND key = $2`,
		bucket, key,
	).Scan(&rec.Value, &rec.Etag, &rec.Mtime)
	if err != nil {
		if isNoRows(err) {
			return nil, storeclient.ErrNotFound
		}
		return nil, mapError(err, bucket)
	}
	return rec, nil
}

// DeleteRecord удаляет запись по (bucket, key) с проверкой CAS
// и выполнением post-write хуков.
func (c *Client) DeleteRecord(ctx context.Context, bucket, key string, opts *storeclient.DeleteOptions) error {
	if opts == nil {
		opts = &storeclient.DeleteOptions{}
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapError(err, bucket)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := c.deleteInTx(ctx, tx, bucket, key, opts); err != nil {
		return err
	}
	if err := c.runPostWrite(ctx, tx, bucket, key, nil, opts.Headers); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx), bucket)
}

// deleteInTx выполняет удаление внутри открытой транзакции.
func (c *Client) deleteInTx(ctx context.Context, tx pgx.Tx, bucket, key string, opts *storeclient.DeleteOptions) error {
	if opts.ExpectedEtag != "" {
		tag, err := tx.Exec(ctx,
			`DELETE FROM entries WHERE bucket = $1 AND key = $2 AND etag = $3`,
			bucket, key, opts.ExpectedEtag,
		)
		if err != nil {
			return mapError(err, bucket)
		}
		if tag.RowsAffected() == 0 {
			return c.etagConflict(ctx, tx, bucket, key, opts.ExpectedEtag)
		}
		return nil
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM entries WHERE bucket = $1 AND key = $2`, bucket, key,
	)
	if err != nil {
		return mapError(err, bucket)
	}
	if tag.RowsAffected() == 0 {
		return storeclient.ErrNotFound
	}
	return nil
}

// Batch атомарно выполняет набор put/delete запросов в одной транзакции,
// включая post-write хуки каждого затронутого bucket'а.
func (c *Client) Batch(ctx context.Context, requests []storeclient.BatchRequest) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapError(err, "")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for i := range requests {
		req := &requests[i]
		opts := req.Options
		if opts == nil {
			opts = &storeclient.PutOptions{}
		}

		switch req.Op {
		case storeclient.BatchPut:
			if _, err := c.putInTx(ctx, tx, req.Bucket, req.Key, req.Value, opts); err != nil {
				return err
			}
			if err := c.runPostWrite(ctx, tx, req.Bucket, req.Key, req.Value, opts.Headers); err != nil {
				return err
			}
		case storeclient.BatchDelete:
			delOpts := &storeclient.DeleteOptions{ExpectedEtag: opts.ExpectedEtag, Headers: opts.Headers}
			if err := c.deleteInTx(ctx, tx, req.Bucket, req.Key, delOpts); err != nil {
				return err
			}
			if err := c.runPostWrite(ctx, tx, req.Bucket, req.Key, nil, opts.Headers); err != nil {
				return err
			}
		default:
			return &storeclient.StoreError{
				Code:    storeclient.CodeInternal,
				Bucket:  req.Bucket,
				Message: "неизвестная операция batch: " + string(req.Op),
			}
		}
	}

	return mapError(tx.Commit(ctx), "")
}

// sortAttrPattern — допустимые имена атрибутов сортировки.
var sortAttrPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Query выполняет фильтрованный запрос по bucket'у.
// Фильтр — SQL-выражение над колонкой value (jsonb), передаётся как
// есть: это внутренняя доверенная граница, без трансформации.
// HashKey-подсказка для PostgreSQL не используется.
func (c *Client) Query(ctx context.Context, bucket, filter string, opts *storeclient.QueryOptions) ([]*storeclient.RawRecord, error) {
	if opts == nil {
		opts = &storeclient.QueryOptions{}
	}

	var sb strings.Builder
	sb.WriteString(`SELECT key, value, etag, mtime FROM entries WHERE bucket = $1`)
	if filter != "" {
		sb.WriteString(" AND (")
		sb.WriteString(filter)
		sb.WriteString(")")
	}

	if opts.Sort != "" {
		if !sortAttrPattern.MatchString(opts.Sort) {
			return nil, &storeclient.StoreError{
				Code:    storeclient.CodeInternal,
				Bucket:  bucket,
				Message: fmt.Sprintf("недопустимый атрибут сортировки %q", opts.Sort),
			}
		}
		fmt.Fprintf(&sb, " ORDER BY value->>'%s'", opts.Sort)
		if strings.EqualFold(opts.SortOrder, "desc") {
			sb.WriteString(" DESC")
		}
	} else {
		sb.WriteString(" ORDER BY key")
	}

	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
	}

	rows, err := c.pool.Query(ctx, sb.String(), bucket)
	if err != nil {
		return nil, mapError(err, bucket)
	}
	defer rows.Close()

	var out []*storeclient.RawRecord
	for rows.Next() {
		rec := &storeclient.RawRecord{}
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Etag, &rec.Mtime); err != nil {
			return nil, mapError(err, bucket)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, bucket)
	}
	return out, nil
}

// runPostWrite выполняет post-write хуки bucket'а внутри транзакции.
func (c *Client) runPostWrite(ctx context.Context, tx pgx.Tx, bucket, key string, value []byte, headers map[string]string) error {
	hooks := c.bucketHooks(bucket)
	if len(hooks) == 0 {
		return nil
	}

	pw := &storeclient.PostWriteContext{
		Logger:  c.logger,
		Bucket:  bucket,
		Key:     key,
		Value:   value,
		Headers: headers,
		Tx:      &pgTx{tx: tx},
	}
	for _, hook := range hooks {
		if err := hook(ctx, pw); err != nil {
			return err
		}
	}
	return nil
}
