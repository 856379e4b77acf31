package dsl

import "strings"

// Виды связей между моделями
const (
	BelongsTo  = "belongs_to"
	HasMany    = "has_many"
	ManyToMany = "many_to_many"
)

// Model описывает структуру одной модели из DSL
type Model struct {
	Name        string
	Module      string // пространство имён: "system", "cms" и т.п.
	TableName   string // имя таблицы в хранилище; пусто = выводится из Name
	Fields      []Field
	Relations   []Relation
	Access      map[string][]string // операция -> список ролей; пусто = разрешено всем
	Constraints Constraints
	Origin      string // кто зарегистрировал модель: "core" либо имя плагина/файла
}

// Field описывает поле модели
type Field struct {
	Name       string
	Type       string            // string, int, float, bool, date, datetime, json, enum, ref, array
	Enum       []string          // значения enum, если поле типа enum
	ElemType   string            // тип элемента для array
	RefTarget  string            // целевая модель для ref
	Options    map[string]string // required, unique, default, readonly, catalog и прочие опции
	Visibility []string          // ui-поверхности: table, form, detail; пусто = нигде не показываем
}

// Relation — направленная именованная связь с другой моделью
type Relation struct {
	Name   string
	Kind   string // belongs_to | has_many | many_to_many
	Target string // "module.Name" либо просто имя модели
	Field  string // fk: для belongs_to — поле этой модели, для has_many — поле целевой
}

type Constraints struct {
	Unique [][]string
}

// Key возвращает ключ реестра: "module.name" либо просто "name" без модуля.
// Всегда в нижнем регистре.
func (m *Model) Key() string {
	if m.Module != "" {
		return strings.ToLower(m.Module + "." + m.Name)
	}
	return strings.ToLower(m.Name)
}

// Table — имя таблицы: явное из DSL либо множественное от имени модели.
func (m *Model) Table() string {
	if m.TableName != "" {
		return strings.ToLower(m.TableName)
	}
	n := strings.ToLower(m.Name)
	if strings.HasSuffix(n, "s") {
		return n
	}
	return n + "s"
}

func (m *Model) GetField(name string) *Field {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i]
		}
	}
	return nil
}

func (m *Model) HasField(name string) bool { return m.GetField(name) != nil }

func (m *Model) GetRelation(name string) *Relation {
	for i := range m.Relations {
		if m.Relations[i].Name == name {
			return &m.Relations[i]
		}
	}
	return nil
}

// PrimaryKeyField — поле с опцией primary_key, если объявлено (не более одного).
func (m *Model) PrimaryKeyField() *Field {
	for i := range m.Fields {
		if f := &m.Fields[i]; f.Options != nil && strings.EqualFold(f.Options["primary_key"], "true") {
			return f
		}
	}
	return nil
}

// VisibleOn — true, если поле показывается хотя бы на одной из поверхностей.
// Поле без объявленной видимости не попадает ни под один фильтр.
func (f *Field) VisibleOn(surfaces []string) bool {
	for _, want := range surfaces {
		for _, have := range f.Visibility {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// Allowed проверяет операцию против access-карты модели.
// Пустой список ролей у операции = операция открыта всем.
func (m *Model) Allowed(operation string, roles []string) bool {
	if len(m.Access) == 0 {
		return true
	}
	need, ok := m.Access[strings.ToLower(operation)]
	if !ok || len(need) == 0 {
		return true
	}
	for _, r := range roles {
		for _, n := range need {
			if strings.EqualFold(r, n) {
				return true
			}
		}
	}
	return false
}
