package store

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"korela/internal/dsl"
)

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// condValues нормализует значение условия в список строк (для in — весь список).
func condValues(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, it := range t {
			out = append(out, toStr(it))
		}
		return out
	case []string:
		return t
	case string:
		// допускаем CSV: "a,b,c"
		var out []string
		for _, p := range strings.Split(t, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{toStr(v)}
	}
}

// compareTyped сравнивает значение записи с условием с учётом типа поля.
// Равенство и in работают для всего через строковые представления;
// gt/gte/lt/lte — только для чисел и дат.
func compareTyped(fieldType string, got interface{}, op string, want string) bool {
	switch op {
	case "eq":
		return strings.EqualFold(toStr(got), want)
	case "ne":
		return !strings.EqualFold(toStr(got), want)
	}

	switch fieldType {
	case "int", "float":
		parse := func(s string) (float64, bool) {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			return f, err == nil
		}
		var gv float64
		switch x := got.(type) {
		case float64:
			gv = x
		case int, int32, int64:
			gv = float64(reflect.ValueOf(x).Int())
		case string:
			f, ok := parse(x)
			if !ok {
				return false
			}
			gv = f
		default:
			return false
		}
		wv, ok := parse(want)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return gv > wv
		case "gte":
			return gv >= wv
		case "lt":
			return gv < wv
		case "lte":
			return gv <= wv
		}
		return false

	case "date", "datetime":
		layout := "2006-01-02"
		if fieldType == "datetime" {
			layout = time.RFC3339
		}
		gs, ok := got.(string)
		if !ok {
			return false
		}
		gd, err := time.Parse(layout, gs)
		if err != nil {
			return false
		}
		wd, err := time.Parse(layout, strings.TrimSpace(want))
		if err != nil {
			return false
		}
		switch op {
		case "gt":
			return gd.After(wd)
		case "gte":
			return !gd.Before(wd)
		case "lt":
			return gd.Before(wd)
		case "lte":
			return !gd.After(wd)
		}
		return false
	}

	return false
}

// matches проверяет запись против всех условий (AND).
func matches(m *dsl.Model, rec *Record, conds []Cond) bool {
	for _, c := range conds {
		ft := "string"
		if f := m.GetField(c.Field); f != nil {
			ft = f.Type
		} else if c.Field != "id" {
			// неизвестное поле — не матчится
			return false
		}

		var got interface{}
		if c.Field == "id" {
			got = rec.ID
		} else {
			got = rec.Data[c.Field]
		}

		switch c.Op {
		case "in":
			vals := condValues(c.Value)
			hit := false
			gs := toStr(got)
			for _, w := range vals {
				if strings.EqualFold(gs, w) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		default:
			if !compareTyped(ft, got, c.Op, toStr(c.Value)) {
				return false
			}
		}
	}
	return true
}

func isNull(v interface{}, ok bool) bool { return !ok || v == nil }

// cmpByKey — сравнение двух записей по одному ключу; null уходит в конец.
func cmpByKey(a, b *Record, key string, desc bool) int {
	var va, vb interface{}
	oka, okb := true, true
	if key == "id" {
		va, vb = a.ID, b.ID
	} else {
		va, oka = a.Data[key]
		vb, okb = b.Data[key]
	}

	na, nb := isNull(va, oka), isNull(vb, okb)
	if na && nb {
		return 0
	}
	if na != nb {
		if na {
			return +1
		}
		return -1
	}

	sa, sb := toStr(va), toStr(vb)
	rel := 0
	if sa < sb {
		rel = -1
	} else if sa > sb {
		rel = +1
	}
	if desc {
		rel = -rel
	}
	return rel
}

// sortRecords — стабильная мультисортировка; без ключей сортируем по id
// (ULID упорядочен по времени, так пагинация детерминирована).
func sortRecords(records []*Record, keys []SortKey) {
	if len(keys) == 0 {
		keys = []SortKey{{Field: "id"}}
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range keys {
			if k.Field == "" {
				continue
			}
			if c := cmpByKey(records[i], records[j], k.Field, k.Desc); c != 0 {
				return c < 0
			}
		}
		return false
	})
}
