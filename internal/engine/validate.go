package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"korela/internal/dsl"
	"korela/internal/store"
)

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`) // YYYY-MM-DD
)

// validateData валидирует и НОРМАЛИЗУЕТ obj под схему модели.
// excludeID — id текущей записи при обновлении (исключаем из unique-поиска).
func (d *Dispatcher) validateData(ctx context.Context, m *dsl.Model, obj map[string]interface{}, excludeID string) []FieldError {
	var errs []FieldError

	// 1) required
	for _, f := range m.Fields {
		if f.Options != nil && strings.EqualFold(f.Options["required"], "true") {
			if _, ok := obj[f.Name]; !ok {
				errs = append(errs, ferr(ErrRequired, f.Name, "Field '"+f.Name+"' is required"))
			}
		}
	}

	// 2) неизвестные поля — ругаемся с именем нарушителя
	for name := range obj {
		if !m.HasField(name) {
			errs = append(errs, ferr(ErrUnknownField, name, "Field '"+name+"' is not declared on model '"+m.Key()+"'"))
		}
	}

	// 3) строгая типизация и нормализация значений
	for name, val := range obj {
		f := m.GetField(name)
		if f == nil {
			continue
		}
		norm, err := d.coerceValue(ctx, m, *f, val)
		if err != nil {
			errs = append(errs, ferr(ErrTypeMismatch, name, "Field '"+name+"' "+err.Error()))
			continue
		}
		obj[name] = norm
	}

	// 4) enum (строгое соответствие одному из значений либо справочнику)
	for _, f := range m.Fields {
		v, ok := obj[f.Name]
		if !ok {
			continue
		}
		if len(f.Enum) > 0 {
			s := fmt.Sprintf("%v", v)
			found := false
			for _, ev := range f.Enum {
				if s == ev {
					found = true
					break
				}
			}
			if !found {
				errs = append(errs, ferr(ErrEnumInvalid, f.Name, "Invalid value for '"+f.Name+"'"))
			}
		}
		if cat := f.Options["catalog"]; cat != "" {
			dir, ok := d.catalogs[cat]
			if !ok || !dir.HasCode(fmt.Sprintf("%v", v)) {
				errs = append(errs, ferr(ErrEnumInvalid, f.Name, "Value for '"+f.Name+"' is not in catalog '"+cat+"'"))
			}
		}
	}

	// 5) unique (конфликт целостности)
	for _, f := range m.Fields {
		if f.Options == nil || !strings.EqualFold(f.Options["unique"], "true") {
			continue
		}
		if v, ok := obj[f.Name]; ok {
			if d.violatesUnique(ctx, m, []string{f.Name}, []interface{}{v}, excludeID) {
				errs = append(errs, ferr(ErrUniqueViolation, f.Name, "Field '"+f.Name+"' must be unique"))
			}
		}
	}

	// 5.1) составные unique из constraints
	for _, set := range m.Constraints.Unique {
		if len(set) == 0 {
			continue
		}
		vals := make([]interface{}, len(set))
		allPresent := true
		for i, fname := range set {
			v, ok := obj[fname]
			if !ok {
				allPresent = false
				break
			}
			vals[i] = v
		}
		if !allPresent {
			continue
		}
		if d.violatesUnique(ctx, m, set, vals, excludeID) {
			errs = append(errs, ferr(ErrUniqueViolation, set[0],
				fmt.Sprintf("Fields %v must be unique together", set)))
		}
	}

	// 6) ref — существование ссылок (single и array)
	for _, f := range m.Fields {
		kind, target := refKind(f)
		if kind == "" {
			continue
		}
		v, ok := obj[f.Name]
		if !ok {
			continue
		}
		tgt, okT := d.registry.ResolveTarget(m, target)
		if !okT {
			errs = append(errs, ferr(ErrRefNotFound, f.Name, "Unknown target model '"+target+"'"))
			continue
		}
		switch kind {
		case "ref":
			s, _ := v.(string)
			if s == "" || !d.refExists(ctx, tgt, s) {
				errs = append(errs, ferr(ErrRefNotFound, f.Name, "Referenced '"+tgt.Key()+"' not found"))
			}
		case "array_ref":
			ids, err := stringSlice(v)
			if err != nil {
				errs = append(errs, ferr(ErrTypeMismatch, f.Name, "Field '"+f.Name+"' must be an array of ids"))
				continue
			}
			for _, s := range ids {
				if s == "" || !d.refExists(ctx, tgt, s) {
					errs = append(errs, ferr(ErrRefNotFound, f.Name, "Referenced '"+tgt.Key()+"' not found"))
					break
				}
			}
		}
	}

	return errs
}

func refKind(f dsl.Field) (kind, target string) {
	if strings.EqualFold(f.Type, "ref") && f.RefTarget != "" {
		return "ref", f.RefTarget
	}
	if strings.EqualFold(f.Type, "array") && strings.EqualFold(f.ElemType, "ref") && f.RefTarget != "" {
		return "array_ref", f.RefTarget
	}
	return "", ""
}

func stringSlice(v interface{}) ([]string, error) {
	switch arr := v.(type) {
	case []string:
		return arr, nil
	case []interface{}:
		out := make([]string, 0, len(arr))
		for _, it := range arr {
			s, ok := it.(string)
			if !ok {
				return nil, errors.New("not a string array")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New("not an array")
	}
}

func (d *Dispatcher) refExists(ctx context.Context, m *dsl.Model, id string) bool {
	ok, err := d.store.Exists(ctx, m, id)
	return err == nil && ok
}

func (d *Dispatcher) violatesUnique(ctx context.Context, m *dsl.Model, fields []string, values []interface{}, excludeID string) bool {
	conds := make([]store.Cond, len(fields))
	for i := range fields {
		conds[i] = store.Cond{Field: fields[i], Op: "eq", Value: values[i]}
	}
	recs, _, err := d.store.Find(ctx, m, store.Query{Conds: conds})
	if err != nil {
		return false
	}
	for _, rec := range recs {
		if rec.ID != excludeID {
			return true
		}
	}
	return false
}

// coerceValue приводит значение к типу поля либо возвращает ошибку.
func (d *Dispatcher) coerceValue(ctx context.Context, m *dsl.Model, f dsl.Field, v interface{}) (interface{}, error) {
	switch f.Type {
	case "string":
		return toStringStrict(v)
	case "int":
		return toIntStrict(v)
	case "float":
		return toFloatStrict(v)
	case "bool":
		return toBoolStrict(v)
	case "date":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if !dateRe.MatchString(s) {
			return nil, errors.New("must match YYYY-MM-DD")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, errors.New("invalid date")
		}
		return s, nil
	case "datetime":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, errors.New("must be RFC3339 datetime")
		}
		return s, nil
	case "json":
		// произвольная структура — пропускаем как есть
		return v, nil
	case "enum", "ref":
		// членство в enum и существование ссылки проверяются отдельными блоками
		return toStringStrict(v)
	case "array":
		arr, ok := v.([]interface{})
		if !ok {
			if s, isStr := v.(string); isStr {
				// позволим CSV для простоты: "a,b,c"
				parts := strings.Split(s, ",")
				arr = make([]interface{}, 0, len(parts))
				for _, p := range parts {
					arr = append(arr, strings.TrimSpace(p))
				}
			} else {
				return nil, errors.New("must be array")
			}
		}
		elemField := dsl.Field{
			Type:      f.ElemType,
			Enum:      f.Enum,
			RefTarget: f.RefTarget,
		}
		out := make([]interface{}, 0, len(arr))
		for i, ev := range arr {
			norm, err := d.coerceValue(ctx, m, elemField, ev)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %v", i, err)
			}
			out = append(out, norm)
		}
		return out, nil
	default:
		// неизвестный тип — оставим как есть
		return v, nil
	}
}

func toStringStrict(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", errors.New("must be string")
}

func toIntStrict(v interface{}) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON-числа приходят как float64 — проверяем целостность
		if t != float64(int64(t)) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.New("must be float")
		}
		return f, nil
	default:
		return 0, errors.New("must be float")
	}
}

func toBoolStrict(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		default:
			return false, errors.New("must be boolean")
		}
	default:
		return false, errors.New("must be boolean")
	}
}

// applyDefaults подставляет default= для отсутствующих полей (на create).
func (d *Dispatcher) applyDefaults(ctx context.Context, m *dsl.Model, obj map[string]interface{}) {
	for _, f := range m.Fields {
		if f.Options == nil {
			continue
		}
		def, ok := f.Options["default"]
		if !ok {
			continue
		}
		if _, exists := obj[f.Name]; exists {
			continue
		}
		// дефолт приходит строкой — coerceValue сам ругнётся, если не влезет
		if v, err := d.coerceValue(ctx, m, f, def); err == nil {
			obj[f.Name] = v
		}
	}
}

// checkReadonlyAndSystem — защита системных и readonly-полей.
// "version" и "id" допускаются в payload как служебные подсказки,
// но из данных вычищаются, чтобы не попасть в хранилище.
func checkReadonlyAndSystem(m *dsl.Model, obj map[string]interface{}) (errs []FieldError) {
	for _, k := range []string{"id", "version", "created_at", "updated_at"} {
		if _, ok := obj[k]; ok {
			if k == "id" || k == "version" {
				delete(obj, k)
				continue
			}
			errs = append(errs, ferr(ErrReadOnly, k, "Field '"+k+"' is read-only"))
		}
	}
	for _, f := range m.Fields {
		if f.Options != nil && strings.EqualFold(f.Options["readonly"], "true") {
			if _, ok := obj[f.Name]; ok {
				errs = append(errs, ferr(ErrReadOnly, f.Name, "Field '"+f.Name+"' is read-only"))
			}
		}
	}
	return
}
