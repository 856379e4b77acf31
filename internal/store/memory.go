package store

import (
	"context"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"korela/internal/dsl"

	"github.com/oklog/ulid/v2"
)

// Memory — in-memory хранилище: карты под RWMutex, ULID-идентификаторы,
// мягкое удаление, инкремент версии на каждой мутации.
// data: ключ модели -> id -> запись; links: ключ модели|связь ->
// id родителя -> множество целевых id.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]map[string]*Record
	links   map[string]map[string]map[string]struct{}
	entropy io.Reader
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Memory{
		data:    make(map[string]map[string]*Record),
		links:   make(map[string]map[string]map[string]struct{}),
		entropy: ulid.Monotonic(src, 0),
	}
}

func (s *Memory) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Memory) Insert(_ context.Context, m *dsl.Model, data map[string]interface{}) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ID:        s.newID(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.Key()
	if s.data[key] == nil {
		s.data[key] = make(map[string]*Record)
	}
	// внутрь кладём копию: ни входная карта, ни возвращаемая запись
	// не должны алиасить хранимое состояние
	s.data[key][rec.ID] = copyRecord(rec)
	return rec, nil
}

func (s *Memory) Get(_ context.Context, m *dsl.Model, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data[m.Key()][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *Memory) Find(_ context.Context, m *dsl.Model, q Query) ([]*Record, int, error) {
	s.mu.RLock()
	all := make([]*Record, 0, len(s.data[m.Key()]))
	for _, rec := range s.data[m.Key()] {
		if !rec.Deleted && matches(m, rec, q.Conds) {
			all = append(all, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	sortRecords(all, q.Sort)
	total := len(all)

	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return all[start:end], total, nil
}

func (s *Memory) Update(_ context.Context, m *dsl.Model, id string, patch map[string]interface{}) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.data[m.Key()][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	for k, v := range patch {
		rec.Data[k] = v
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

func (s *Memory) Delete(_ context.Context, m *dsl.Model, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.data[m.Key()][id]
	if rec == nil || rec.Deleted {
		return nil, ErrNotFound
	}
	rec.Deleted = true
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

func (s *Memory) Count(_ context.Context, m *dsl.Model, conds []Cond) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.data[m.Key()] {
		if !rec.Deleted && matches(m, rec, conds) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) Exists(_ context.Context, m *dsl.Model, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data[m.Key()][id]
	return rec != nil && !rec.Deleted, nil
}

func linkKey(m *dsl.Model, relation string) string { return m.Key() + "|" + relation }

func (s *Memory) Link(_ context.Context, m *dsl.Model, relation, parentID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk := linkKey(m, relation)
	if s.links[lk] == nil {
		s.links[lk] = make(map[string]map[string]struct{})
	}
	if s.links[lk][parentID] == nil {
		s.links[lk][parentID] = make(map[string]struct{})
	}
	s.links[lk][parentID][targetID] = struct{}{}
	return nil
}

func (s *Memory) Unlink(_ context.Context, m *dsl.Model, relation, parentID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.links[linkKey(m, relation)][parentID]; set != nil {
		delete(set, targetID)
	}
	return nil
}

func (s *Memory) Links(_ context.Context, m *dsl.Model, relation, parentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.links[linkKey(m, relation)][parentID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// copyRecord — отдаём наружу копию, чтобы вызывающий код не трогал
// хранимое состояние мимо мьютекса.
func copyRecord(rec *Record) *Record {
	data := make(map[string]interface{}, len(rec.Data))
	for k, v := range rec.Data {
		data[k] = v
	}
	cp := *rec
	cp.Data = data
	return &cp
}
