package dsl

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	modelRe            = regexp.MustCompile(`^model\s+(\w+):\s*(.*)$`)
	fieldRe            = regexp.MustCompile(`^\s*([\w_]+):\s*([^\s#]+)(.*)$`)
	enumRe             = regexp.MustCompile(`^enum\[(.*)\]$`)
	refRe              = regexp.MustCompile(`^ref\[([A-Za-z0-9_.]+)\]$`)
	arrayRe            = regexp.MustCompile(`^array\[(.+)\]$`)
	moduleRe           = regexp.MustCompile(`^\s*module\s+([A-Za-z0-9_.-]+)\s*$`)
	relationRe         = regexp.MustCompile(`^\s*([\w_]+):\s*(belongs_to|has_many|many_to_many)\[([A-Za-z0-9_.]+)\](.*)$`)
	accessRe           = regexp.MustCompile(`^\s*(create|read|update|delete|count):\s*(.*)$`)
	reUniqueLine       = regexp.MustCompile(`^\s*unique\s*\(\s*([^)]+)\s*\)\s*$`)
	reRelationsStart   = regexp.MustCompile(`^\s*relations\s*:\s*$`)
	reAccessStart      = regexp.MustCompile(`^\s*access\s*:\s*$`)
	reConstraintsStart = regexp.MustCompile(`^\s*constraints\s*:\s*$`)
)

// splitOptionTokens делит "k=v k2='v 2' pattern=^[A-Z0-9 _-]+$" на токены,
// не разрывая по пробелам внутри кавычек/скобок.
func splitOptionTokens(s string) []string {
	var out []string
	var buf []rune
	inSingle, inDouble := false, false
	bracketDepth := 0 // внутри [ ... ] у регэкспа

	flush := func() {
		if len(buf) > 0 {
			out = append(out, string(buf))
			buf = buf[:0]
		}
	}

	for _, r := range s {
		switch r {
		case '\'':
			if !inDouble && bracketDepth == 0 {
				inSingle = !inSingle
			}
			buf = append(buf, r)
		case '"':
			if !inSingle && bracketDepth == 0 {
				inDouble = !inDouble
			}
			buf = append(buf, r)
		case '[':
			if !inSingle && !inDouble {
				bracketDepth++
			}
			buf = append(buf, r)
		case ']':
			if !inSingle && !inDouble && bracketDepth > 0 {
				bracketDepth--
			}
			buf = append(buf, r)
		default:
			// разделитель — пробел, и только вне кавычек и [...]
			if (r == ' ' || r == '\t') && !inSingle && !inDouble && bracketDepth == 0 {
				flush()
				continue
			}
			buf = append(buf, r)
		}
	}
	flush()
	return out
}

// parseOptions разбирает хвост строки поля в карту опций.
// Флаг без значения превращается в "true".
func parseOptions(raw string) map[string]string {
	opts := map[string]string{}
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if strings.HasPrefix(strings.ToLower(raw), "options:") {
		raw = strings.TrimSpace(raw[len("options:"):])
	}
	raw = strings.ReplaceAll(raw, ",", " ")

	for _, tok := range splitOptionTokens(raw) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !strings.Contains(tok, "=") {
			opts[strings.ToLower(tok)] = "true"
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		k := strings.ToLower(strings.TrimSpace(kv[0]))
		v := strings.TrimSpace(kv[1])
		if len(v) >= 2 {
			if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
				v = v[1 : len(v)-1]
			}
		}
		if k != "" {
			opts[k] = v
		}
	}
	return opts
}

// блоки внутри модели
const (
	blockNone        = ""
	blockRelations   = "relations"
	blockAccess      = "access"
	blockConstraints = "constraints"
)

// LoadModels читает один .dsl-файл и возвращает список моделей.
func LoadModels(path string) ([]*Model, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var models []*Model
	var current *Model
	currentModule := ""
	block := blockNone

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// module ...
		if m := moduleRe.FindStringSubmatch(line); m != nil {
			currentModule = m[1]
			block = blockNone
			continue
		}

		// model <Name>: [опции]
		if m := modelRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				models = append(models, current)
			}
			current = &Model{Name: m[1], Module: currentModule, Origin: path}
			if opts := parseOptions(m[2]); opts["table"] != "" {
				current.TableName = opts["table"]
			}
			block = blockNone
			continue
		}
		if current == nil {
			// игнорируем всё вне модели
			continue
		}

		// заголовки блоков
		switch {
		case reRelationsStart.MatchString(line):
			block = blockRelations
			continue
		case reAccessStart.MatchString(line):
			block = blockAccess
			continue
		case reConstraintsStart.MatchString(line):
			block = blockConstraints
			continue
		}

		switch block {
		case blockRelations:
			if m := relationRe.FindStringSubmatch(line); m != nil {
				rel := Relation{Name: m[1], Kind: m[2], Target: m[3]}
				if opts := parseOptions(m[4]); opts["field"] != "" {
					rel.Field = opts["field"]
				}
				current.Relations = append(current.Relations, rel)
				continue
			}
			// строка не похожа на связь — блок закончился, разберём её ниже
			block = blockNone

		case blockAccess:
			if m := accessRe.FindStringSubmatch(line); m != nil {
				roles := splitList(m[2])
				if current.Access == nil {
					current.Access = map[string][]string{}
				}
				current.Access[strings.ToLower(m[1])] = roles
				continue
			}
			block = blockNone

		case blockConstraints:
			if m := reUniqueLine.FindStringSubmatch(line); m != nil {
				set := splitList(m[1])
				if len(set) > 0 {
					current.Constraints.Unique = append(current.Constraints.Unique, set)
				}
				continue
			}
			block = blockNone
		}

		// обычное поле
		if m := fieldRe.FindStringSubmatch(line); m != nil {
			f := parseField(m[1], m[2], m[3])
			current.Fields = append(current.Fields, f)
			continue
		}
	}

	if current != nil {
		models = append(models, current)
	}
	return models, scanner.Err()
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseField(name, rawType, tail string) Field {
	// склейка оборванных типов со скобками: "enum[a, b]" режется пробелом
	for _, pre := range []string{"enum[", "array[", "ref["} {
		if strings.HasPrefix(rawType, pre) && !strings.Contains(rawType, "]") {
			if idx := strings.Index(tail, "]"); idx >= 0 {
				rawType = rawType + tail[:idx+1]
				tail = tail[idx+1:]
			}
		}
	}

	f := Field{Name: name, Type: rawType, Options: parseOptions(tail)}

	if mm := enumRe.FindStringSubmatch(rawType); mm != nil {
		f.Type = "enum"
		f.Enum = splitEnumValues(mm[1])
	} else if mm := refRe.FindStringSubmatch(rawType); mm != nil {
		f.Type = "ref"
		f.RefTarget = strings.TrimSpace(mm[1])
	} else if mm := arrayRe.FindStringSubmatch(rawType); mm != nil {
		f.Type = "array"
		elem := strings.TrimSpace(mm[1])
		f.ElemType = elem
		if em := enumRe.FindStringSubmatch(elem); em != nil {
			f.ElemType = "enum"
			f.Enum = splitEnumValues(em[1])
		}
		if rm := refRe.FindStringSubmatch(elem); rm != nil {
			f.ElemType = "ref"
			f.RefTarget = strings.TrimSpace(rm[1])
		}
	}

	// ui=table|form|detail — поверхности, где поле показывается
	if ui, ok := f.Options["ui"]; ok {
		for _, s := range strings.Split(ui, "|") {
			s = strings.TrimSpace(s)
			if s != "" {
				f.Visibility = append(f.Visibility, strings.ToLower(s))
			}
		}
		delete(f.Options, "ui")
	}

	return f
}

func splitEnumValues(inside string) []string {
	var out []string
	for _, p := range strings.Split(strings.TrimSpace(inside), ",") {
		s := strings.Trim(strings.TrimSpace(p), `"'`)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadAll обходит каталог с .dsl-файлами и регистрирует все модели.
// Повторные прогоны по тем же файлам идут через skipIfExists — первый
// зарегистрированный вариант остаётся авторитетным.
func LoadAll(root string, reg *Registry, skipIfExists bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".dsl") {
			return nil
		}

		models, err := LoadModels(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, m := range models {
			if m.Module == "" {
				return fmt.Errorf("model %q in %s has no module — add `module <name>` at the top", m.Name, path)
			}
			if err := reg.Register(m, skipIfExists); err != nil {
				return fmt.Errorf("register %s (file: %s): %w", m.Key(), path, err)
			}
		}
		return nil
	})
}
