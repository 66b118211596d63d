// errors.go — маппинг ошибок PostgreSQL в типизированные ошибки
// контракта хранилища. Классы SQLSTATE, ожидаемые при конкурентных
// инициализаторах, получают собственные коды.
package pgstore

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// mapError переводит ошибку драйвера в типизированную ошибку контракта.
func mapError(err error, bucket string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &storeclient.UniqueAttributeError{
				Bucket:    bucket,
				Attribute: pgErr.ConstraintName,
			}
		case "40P01": // deadlock_detected
			return &storeclient.StoreError{
				Code:    storeclient.CodeDeadlock,
				Bucket:  bucket,
				Message: pgErr.Message,
				Cause:   err,
			}
		case "40001": // serialization_failure (конкурентное обновление кортежа)
			return &storeclient.StoreError{
				Code:    storeclient.CodeConcurrentUpdate,
				Bucket:  bucket,
				Message: pgErr.Message,
				Cause:   err,
			}
		case "42701": // duplicate_column
			return &storeclient.StoreError{
				Code:    storeclient.CodeDuplicateColumn,
				Bucket:  bucket,
				Message: pgErr.Message,
				Cause:   err,
			}
		case "42P07", "42710": // duplicate_table, duplicate_object
			return &storeclient.StoreError{
				Code:    storeclient.CodeDuplicateKey,
				Bucket:  bucket,
				Message: pgErr.Message,
				Cause:   err,
			}
		}
		return &storeclient.StoreError{
			Code:    storeclient.CodeInternal,
			Bucket:  bucket,
			Message: pgErr.Message,
			Cause:   err,
		}
	}

	return err
}

// isNoRows сообщает, означает ли ошибка отсутствие строк.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
