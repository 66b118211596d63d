// trigger.go — установка внешнего SQL-триггера счётчиков директорий.
//
// Два статических SQL-определения (versioned-upgrade процедура и
// функция триггера) склеиваются и выполняются одним statement'ом
// с явным снятием read-only ограничения сессии: это schema-maintenance
// statement, а не чтение данных.
//
// Идемпотентность делегирована монотонной versioned-upgrade процедуре
// внутри SQL-текста: вызов при установленной равной или более новой
// версии — no-op. Клиент гарантирует только выполнение statement'а
// и передачу результата.
package metadata

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bigkaa/goartstore/metadata-module/config"
	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// Определения поставляются внешне и встраиваются в бинарник как есть.
var (
	//go:embed sql/directory_counts_update.sql
	directoryCountsUpdateSQL string

	//go:embed sql/directory_counts_function.sql
	directoryCountsFunctionSQL string
)

// renderTriggerSQL подставляет имена bucket'ов из действующей
// конфигурации: MM_STORE_BUCKET переопределяем, функция триггера
// обязана фильтровать именно его. Функция устанавливается через
// CREATE OR REPLACE, поэтому переустановка после смены имени
// перенацеливает триггер.
func renderTriggerSQL(cfg *config.Config) string {
	stmt := directoryCountsUpdateSQL + "\n" + directoryCountsFunctionSQL
	return strings.NewReplacer(
		"{{store_bucket}}", cfg.StoreBucket,
		"{{counts_bucket}}", config.DirectoryCountsBucket,
	).Replace(stmt)
}

// installTrigger выполняет установку триггера счётчиков директорий.
func (c *Client) installTrigger(ctx context.Context, st storeclient.Store) error {
	if err := st.SQL(ctx, renderTriggerSQL(c.cfg), true); err != nil {
		return fmt.Errorf("установка триггера счётчиков директорий: %w", err)
	}

	c.logger.Debug("Триггер счётчиков директорий установлен")
	return nil
}
