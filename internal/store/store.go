package store

import (
	"context"
	"errors"
	"time"

	"korela/internal/dsl"
)

// ErrNotFound — записи нет либо она мягко удалена.
var ErrNotFound = errors.New("record not found")

// Record — единица хранения. Данные модели лежат в Data, служебные
// поля живут рядом и наружу отдаются «плоско».
type Record struct {
	ID        string                 `json:"id"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Deleted   bool                   `json:"-"`
	Data      map[string]interface{} `json:"data"`
}

// Flatten отдаёт запись одним уровнем: служебные поля + данные.
// Пользовательское поле не может перетереть служебное.
func (r *Record) Flatten() map[string]interface{} {
	out := map[string]interface{}{
		"id":         r.ID,
		"version":    r.Version,
		"created_at": r.CreatedAt.Format(time.RFC3339),
		"updated_at": r.UpdatedAt.Format(time.RFC3339),
	}
	for k, v := range r.Data {
		if _, clash := out[k]; clash {
			out["data."+k] = v
			continue
		}
		out[k] = v
	}
	return out
}

// Cond — одно условие фильтра: field op value.
type Cond struct {
	Field string
	Op    string // eq, ne, in, gt, gte, lt, lte
	Value interface{}
}

type SortKey struct {
	Field string
	Desc  bool
}

// Query — параметры выборки. Limit=0 означает «без лимита».
type Query struct {
	Conds  []Cond
	Sort   []SortKey
	Limit  int
	Offset int
}

// Store — примитивы хранилища, в которые транслируются операции
// диспетчера. Связи many_to_many ведёт само хранилище (Link/Unlink/Links);
// belongs_to и has_many диспетчер выражает через обычные поля-fk.
type Store interface {
	Insert(ctx context.Context, m *dsl.Model, data map[string]interface{}) (*Record, error)
	Get(ctx context.Context, m *dsl.Model, id string) (*Record, error)
	Find(ctx context.Context, m *dsl.Model, q Query) ([]*Record, int, error)
	Update(ctx context.Context, m *dsl.Model, id string, patch map[string]interface{}) (*Record, error)
	Delete(ctx context.Context, m *dsl.Model, id string) (*Record, error)
	Count(ctx context.Context, m *dsl.Model, conds []Cond) (int, error)
	Exists(ctx context.Context, m *dsl.Model, id string) (bool, error)

	Link(ctx context.Context, m *dsl.Model, relation, parentID, targetID string) error
	Unlink(ctx context.Context, m *dsl.Model, relation, parentID, targetID string) error
	Links(ctx context.Context, m *dsl.Model, relation, parentID string) ([]string, error)
}
