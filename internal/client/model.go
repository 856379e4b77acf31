package client

import (
	"context"
	"fmt"
	"sync"

	"korela/internal/engine"
)

// ModelClient — типизированная ручка одной модели: каждый метод — это
// тонкая трансляция в вызов Executor с зафиксированным именем модели.
// Ручки связей кэшируются по паре (parentId, relationName).
type ModelClient struct {
	exec *Executor
	name string

	mu        sync.Mutex
	relations map[string]*RelationClient
}

func (c *ModelClient) Name() string { return c.name }

// FindByID — одиночное чтение: id едет в data, это часть контракта read.
func (c *ModelClient) FindByID(ctx context.Context, id string, include ...string) (map[string]interface{}, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpRead,
		Data:      map[string]interface{}{"id": id},
		Include:   include,
	})
	if err != nil {
		return nil, err
	}
	return res.Entity()
}

func (c *ModelClient) FindMany(ctx context.Context, filter map[string]interface{}, include []string, p *engine.Pagination) ([]map[string]interface{}, *engine.PaginationMeta, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:      c.name,
		Operation:  engine.OpRead,
		Filter:     filter,
		Include:    include,
		Pagination: p,
	})
	if err != nil {
		return nil, nil, err
	}
	items, err := res.Entities()
	if err != nil {
		return nil, nil, err
	}
	return items, res.Meta(), nil
}

func (c *ModelClient) Create(ctx context.Context, data map[string]interface{}, include ...string) (map[string]interface{}, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpCreate,
		Data:      data,
		Include:   include,
	})
	if err != nil {
		return nil, err
	}
	return res.Entity()
}

func (c *ModelClient) Update(ctx context.Context, id string, data map[string]interface{}, include ...string) (map[string]interface{}, error) {
	patch := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		patch[k] = v
	}
	patch["id"] = id
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpUpdate,
		Data:      patch,
		Include:   include,
	})
	if err != nil {
		return nil, err
	}
	return res.Entity()
}

func (c *ModelClient) Delete(ctx context.Context, id string) (map[string]interface{}, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpDelete,
		Data:      map[string]interface{}{"id": id},
	})
	if err != nil {
		return nil, err
	}
	return res.Entity()
}

func (c *ModelClient) Count(ctx context.Context, filter map[string]interface{}) (int, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpCount,
		Filter:    filter,
	})
	if err != nil {
		return 0, err
	}
	return res.Int()
}

// GetMetadata — схема модели через зарезервированный фильтр.
func (c *ModelClient) GetMetadata(ctx context.Context) (*engine.Metadata, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.name,
		Operation: engine.OpRead,
		Filter:    map[string]interface{}{engine.MetadataFilterKey: true},
	})
	if err != nil {
		return nil, err
	}
	return res.Metadata()
}

// GetFields возвращает поля модели. Без аргументов — все; с поверхностями —
// только те, чья видимость пересекается с запрошенными. Поле без
// объявленной видимости под фильтр не попадает никогда.
func (c *ModelClient) GetFields(ctx context.Context, visibility ...string) ([]engine.MetaField, error) {
	md, err := c.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if len(visibility) == 0 {
		return md.Fields, nil
	}
	var out []engine.MetaField
	for _, f := range md.Fields {
		if intersects(f.Visibility, visibility) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (c *ModelClient) GetField(ctx context.Context, name string) (*engine.MetaField, error) {
	md, err := c.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}
	for i := range md.Fields {
		if md.Fields[i].Name == name {
			return &md.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("model %s has no field %q", c.name, name)
}

// Relation — ручка связи, привязанная к конкретной родительской записи.
// Повторный вызов с той же парой отдаёт тот же объект, живущий столько же,
// сколько сам клиент.
func (c *ModelClient) Relation(parentID, relationName string) *RelationClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := parentID + "|" + relationName
	if r, ok := c.relations[key]; ok {
		return r
	}
	if c.relations == nil {
		c.relations = make(map[string]*RelationClient)
	}
	r := &RelationClient{exec: c.exec, model: c.name, parentID: parentID, relation: relationName}
	c.relations[key] = r
	return r
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
