package dsl

import (
	"fmt"
	"strings"
	"sync"
)

// LookupPolicy — поведение поиска по «голому» имени, когда оно есть
// в нескольких модулях сразу.
type LookupPolicy int

const (
	// RejectAmbiguous: неоднозначное имя не резолвится вообще (дефолт).
	RejectAmbiguous LookupPolicy = iota
	// FirstRegistered: побеждает раньше зарегистрированная модель.
	FirstRegistered
)

// CollisionError — две регистрации претендуют на один ключ в strict-режиме.
type CollisionError struct {
	Key      string
	Existing string // origin уже зарегистрированной модели
	Incoming string // origin новой
}

func (e *CollisionError) Error() string {
	ex, in := e.Existing, e.Incoming
	if ex == "" {
		ex = "core"
	}
	if in == "" {
		in = "core"
	}
	return fmt.Sprintf("model %q already registered by %s, rejected duplicate from %s", e.Key, ex, in)
}

// Registry — таблица всех объявленных моделей. Наполняется один раз на
// старте процесса, дальше только читается.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	order  []string // ключи в порядке регистрации
	policy LookupPolicy
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model), policy: RejectAmbiguous}
}

func NewRegistryWithPolicy(p LookupPolicy) *Registry {
	r := NewRegistry()
	r.policy = p
	return r
}

// Register кладёт модель в реестр под ключом module.name (или name без модуля).
// skipIfExists=true превращает повторную регистрацию в no-op — режим для
// повторных импортов деклараций; в strict-режиме коллизия фатальна.
func (r *Registry) Register(m *Model, skipIfExists bool) error {
	if m == nil || strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("register: model without a name")
	}
	if err := validateModel(m); err != nil {
		return err
	}

	key := m.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.models[key]; ok {
		if skipIfExists {
			return nil // первая регистрация остаётся авторитетной
		}
		return &CollisionError{Key: key, Existing: old.Origin, Incoming: m.Origin}
	}
	r.models[key] = m
	r.order = append(r.order, key)
	return nil
}

// validateModel — инварианты схемы, проверяем на входе в реестр.
func validateModel(m *Model) error {
	pk := 0
	seen := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		nl := strings.ToLower(f.Name)
		if _, dup := seen[nl]; dup {
			return fmt.Errorf("model %q: duplicate field %q", m.Key(), f.Name)
		}
		seen[nl] = struct{}{}
		if f.Options != nil && strings.EqualFold(f.Options["primary_key"], "true") {
			pk++
		}
	}
	if pk > 1 {
		return fmt.Errorf("model %q: more than one primary_key field", m.Key())
	}
	relSeen := make(map[string]struct{}, len(m.Relations))
	for _, rel := range m.Relations {
		if _, dup := relSeen[rel.Name]; dup {
			return fmt.Errorf("model %q: duplicate relation %q", m.Key(), rel.Name)
		}
		relSeen[rel.Name] = struct{}{}
	}
	return nil
}

// Get ищет модель. С модулем — прямой ключ; без модуля — скан по имени
// с учётом политики неоднозначности.
func (r *Registry) Get(module, name string) (*Model, bool) {
	if strings.TrimSpace(name) == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(module, name)
}

// lookup — под уже взятым RLock.
func (r *Registry) lookup(module, name string) (*Model, bool) {
	nl := strings.ToLower(strings.TrimSpace(name))
	if ml := strings.ToLower(strings.TrimSpace(module)); ml != "" {
		m, ok := r.models[ml+"."+nl]
		return m, ok
	}

	// возможно, имя пришло уже квалифицированным ("cms.Page")
	if strings.Contains(nl, ".") {
		m, ok := r.models[nl]
		return m, ok
	}

	// голое имя без модуля тоже может быть прямым ключом
	if m, ok := r.models[nl]; ok {
		return m, true
	}

	var found *Model
	for _, key := range r.order {
		dot := strings.IndexByte(key, '.')
		if dot <= 0 {
			continue
		}
		if key[dot+1:] != nl {
			continue
		}
		if found == nil {
			found = r.models[key]
			if r.policy == FirstRegistered {
				return found, true
			}
			continue
		}
		// второй матч: имя неоднозначно
		return nil, false
	}
	return found, found != nil
}

func (r *Registry) Has(module, name string) bool {
	_, ok := r.Get(module, name)
	return ok
}

// All — снимок всех моделей в порядке регистрации.
func (r *Registry) All() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.models[key])
	}
	return out
}

func (r *Registry) ByModule(module string) []*Model {
	ml := strings.ToLower(strings.TrimSpace(module))
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Model
	for _, key := range r.order {
		if m := r.models[key]; strings.ToLower(m.Module) == ml {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// ResolveTarget резолвит цель связи: сначала в модуле исходной модели,
// потом по имени среди всех модулей, потом target целиком как ключ реестра.
// Одна и та же функция обслуживает и диспетчер, и поиск циклов, чтобы
// их представления о графе не разъезжались.
func (r *Registry) ResolveTarget(from *Model, target string) (*Model, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	tl := strings.ToLower(target)
	if i := strings.IndexByte(tl, '.'); i > 0 {
		m, ok := r.models[tl]
		return m, ok
	}
	if from != nil && from.Module != "" {
		if m, ok := r.models[strings.ToLower(from.Module)+"."+tl]; ok {
			return m, true
		}
	}
	for _, key := range r.order {
		dot := strings.IndexByte(key, '.')
		if dot > 0 && key[dot+1:] == tl {
			return r.models[key], true
		}
	}
	m, ok := r.models[tl]
	return m, ok
}

// CycleReport — результат обхода графа связей.
type CycleReport struct {
	HasCycles bool
	Cycles    [][]string // каждый цикл — ключи моделей в порядке обхода
}

// CheckForCyclicDependencies обходит модели в глубину по relations[].Target.
// Узел, встреченный повторно в текущей ветке обхода, фиксирует цикл —
// под-путь от него до него же. Неразрешимые цели молча пропускаются
// (их перечислит Lint).
func (r *Registry) CheckForCyclicDependencies() CycleReport {
	r.mu.RLock()
	keys := append([]string(nil), r.order...)
	r.mu.RUnlock()

	visited := make(map[string]bool, len(keys))
	onStack := make(map[string]bool, len(keys))
	var path []string
	var report CycleReport

	var visit func(m *Model)
	visit = func(m *Model) {
		key := m.Key()
		if onStack[key] {
			// нашли обратное ребро: цикл — хвост пути от key
			for i, k := range path {
				if k == key {
					report.Cycles = append(report.Cycles, append([]string(nil), path[i:]...))
					break
				}
			}
			return
		}
		if visited[key] {
			return
		}
		visited[key] = true
		onStack[key] = true
		path = append(path, key)

		for _, rel := range m.Relations {
			if tgt, ok := r.ResolveTarget(m, rel.Target); ok {
				visit(tgt)
			}
		}

		path = path[:len(path)-1]
		onStack[key] = false
	}

	for _, key := range keys {
		r.mu.RLock()
		m := r.models[key]
		r.mu.RUnlock()
		if m != nil && !visited[key] {
			visit(m)
		}
	}

	report.HasCycles = len(report.Cycles) > 0
	return report
}

// Lint возвращает предупреждения по схеме: связи с неразрешимой целью.
// Старт процесса может их просто залогировать.
func (r *Registry) Lint() []string {
	var out []string
	for _, m := range r.All() {
		for _, rel := range m.Relations {
			if _, ok := r.ResolveTarget(m, rel.Target); !ok {
				out = append(out, fmt.Sprintf("%s: relation %q targets unknown model %q", m.Key(), rel.Name, rel.Target))
			}
		}
		for _, f := range m.Fields {
			if f.RefTarget == "" {
				continue
			}
			if _, ok := r.ResolveTarget(m, f.RefTarget); !ok {
				out = append(out, fmt.Sprintf("%s: field %q references unknown model %q", m.Key(), f.Name, f.RefTarget))
			}
		}
	}
	return out
}
