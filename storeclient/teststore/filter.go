// filter.go — упрощённый разбор фильтра и сортировка для teststore.
// Поддерживается только форма "attr=value" по JSON-полям верхнего
// уровня — достаточно для тестов passthrough-запросов.
package teststore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bigkaa/goartstore/metadata-module/storeclient"
)

// matchFilter проверяет запись против фильтра "attr=value".
// Нераспознанный фильтр не отбрасывает записи.
func matchFilter(value []byte, filter string) bool {
	attr, want, ok := strings.Cut(filter, "=")
	if !ok {
		return true
	}
	attr = strings.TrimSpace(attr)
	want = strings.TrimSpace(want)

	return fieldString(value, attr) == want
}

// fieldString извлекает строковое представление JSON-поля верхнего уровня.
func fieldString(value []byte, attr string) string {
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return ""
	}
	v, ok := fields[attr]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sortRecords сортирует записи по JSON-полю sortAttr (пустой — по ключу).
func sortRecords(recs []*storeclient.RawRecord, sortAttr, order string) {
	desc := strings.EqualFold(order, "desc")
	sort.Slice(recs, func(i, j int) bool {
		var a, b string
		if sortAttr == "" {
			a, b = recs[i].Key, recs[j].Key
		} else {
			a = fieldString(recs[i].Value, sortAttr)
			b = fieldString(recs[j].Value, sortAttr)
		}
		if desc {
			return a > b
		}
		return a < b
	})
}
