package client

import (
	"context"
	"errors"
	"sync"

	"korela/internal/engine"
)

// Процессный кэш прокси-ручек: одна ручка на имя модели. Прокси не держит
// живой ссылки на Executor — он резолвится заново на каждом вызове, поэтому
// подмена executor'а (например, в тестах) не инвалидирует кэш.
var (
	proxyMu     sync.RWMutex
	defaultExec *Executor
	proxies     = map[string]*Proxy{}
)

// ErrNoExecutor — прокси дернули до SetDefault.
var ErrNoExecutor = errors.New("dsl client: no default executor configured")

// SetDefault назначает executor, который будут использовать все прокси.
func SetDefault(e *Executor) {
	proxyMu.Lock()
	defaultExec = e
	proxyMu.Unlock()
}

// Default возвращает текущий executor (nil, если не назначен).
func Default() *Executor {
	proxyMu.RLock()
	defer proxyMu.RUnlock()
	return defaultExec
}

// Model возвращает прокси-ручку модели; повторные вызовы с одним именем
// отдают тот же объект.
func Model(name string) *Proxy {
	proxyMu.Lock()
	defer proxyMu.Unlock()
	if p, ok := proxies[name]; ok {
		return p
	}
	p := &Proxy{name: name}
	proxies[name] = p
	return p
}

// Proxy повторяет операционную поверхность ModelClient, лениво получая
// executor на каждом вызове.
type Proxy struct {
	name string
}

func (p *Proxy) client() (*ModelClient, error) {
	e := Default()
	if e == nil {
		return nil, ErrNoExecutor
	}
	return e.GetModel(p.name), nil
}

func (p *Proxy) FindByID(ctx context.Context, id string, include ...string) (map[string]interface{}, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.FindByID(ctx, id, include...)
}

func (p *Proxy) FindMany(ctx context.Context, filter map[string]interface{}, include []string, pg *engine.Pagination) ([]map[string]interface{}, *engine.PaginationMeta, error) {
	c, err := p.client()
	if err != nil {
		return nil, nil, err
	}
	return c.FindMany(ctx, filter, include, pg)
}

func (p *Proxy) Create(ctx context.Context, data map[string]interface{}, include ...string) (map[string]interface{}, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, data, include...)
}

func (p *Proxy) Update(ctx context.Context, id string, data map[string]interface{}, include ...string) (map[string]interface{}, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.Update(ctx, id, data, include...)
}

func (p *Proxy) Delete(ctx context.Context, id string) (map[string]interface{}, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.Delete(ctx, id)
}

func (p *Proxy) Count(ctx context.Context, filter map[string]interface{}) (int, error) {
	c, err := p.client()
	if err != nil {
		return 0, err
	}
	return c.Count(ctx, filter)
}

func (p *Proxy) GetMetadata(ctx context.Context) (*engine.Metadata, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.GetMetadata(ctx)
}

func (p *Proxy) GetFields(ctx context.Context, visibility ...string) ([]engine.MetaField, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.GetFields(ctx, visibility...)
}

func (p *Proxy) GetField(ctx context.Context, name string) (*engine.MetaField, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.GetField(ctx, name)
}

func (p *Proxy) Relation(parentID, relationName string) (*RelationClient, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}
	return c.Relation(parentID, relationName), nil
}
