package client

import (
	"context"

	"korela/internal/engine"
)

// RelationClient — узкая ручка одной связи (parentId, relationName):
// выборка, создание с привязкой, connect/disconnect. Полная поверхность
// родительской модели отсюда недоступна.
type RelationClient struct {
	exec     *Executor
	model    string
	parentID string
	relation string
}

func (c *RelationClient) params() *engine.RelationParams {
	return &engine.RelationParams{ParentID: c.parentID, RelationName: c.relation}
}

func (c *RelationClient) FindMany(ctx context.Context, filter map[string]interface{}) ([]map[string]interface{}, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.model,
		Operation: engine.OpRead,
		Filter:    filter,
		Relation:  c.params(),
	})
	if err != nil {
		return nil, err
	}
	return res.Entities()
}

// Create создаёт запись целевой модели и сразу привязывает её к родителю.
func (c *RelationClient) Create(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
	res, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.model,
		Operation: engine.OpCreate,
		Data:      data,
		Relation:  c.params(),
	})
	if err != nil {
		return nil, err
	}
	return res.Entity()
}

// Connect привязывает существующую запись: update + data{id}.
func (c *RelationClient) Connect(ctx context.Context, targetID string) error {
	_, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.model,
		Operation: engine.OpUpdate,
		Data:      map[string]interface{}{"id": targetID},
		Relation:  c.params(),
	})
	return err
}

// Disconnect развязывает связь, не трогая целевую запись.
func (c *RelationClient) Disconnect(ctx context.Context, targetID string) error {
	_, err := c.exec.ExecuteOperation(ctx, engine.Request{
		Model:     c.model,
		Operation: engine.OpDelete,
		Data:      map[string]interface{}{"id": targetID},
		Relation:  c.params(),
	})
	return err
}
