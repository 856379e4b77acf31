package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"korela/internal/dsl"
	"korela/internal/reference"
	"korela/internal/store"
)

// Виды операций — закрытый список.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpUpdate = "update"
	OpDelete = "delete"
	OpCount  = "count"
)

// MetadataFilterKey — зарезервированное значение фильтра: read с
// {_metadata:true} возвращает схему модели вместо записей.
const MetadataFilterKey = "_metadata"

// Pagination — страница/лимит/сортировка запроса.
type Pagination struct {
	Page    int               `json:"page,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	OrderBy map[string]string `json:"orderBy,omitempty"` // поле -> asc|desc
}

// RelationParams — привязка операции к связи родительской записи.
type RelationParams struct {
	ParentID     interface{} `json:"parentId"`
	RelationName string      `json:"relationName"`
}

// Request — контракт операции, один в один с проводом.
type Request struct {
	Model      string                 `json:"model"`
	Operation  string                 `json:"operation"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Include    []string               `json:"include,omitempty"`
	Pagination *Pagination            `json:"pagination,omitempty"`
	Relation   *RelationParams        `json:"relation,omitempty"`
}

type PaginationMeta struct {
	Total      int  `json:"total"`
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// Result — данные операции плюс мета пагинации, если она запрашивалась.
type Result struct {
	Data interface{}     `json:"data"`
	Meta *PaginationMeta `json:"paginationMeta,omitempty"`
}

// Метаданные модели для self-discovery клиентов.
type MetaField struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Enum       []string          `json:"enum,omitempty"`
	ElemType   string            `json:"elemType,omitempty"`
	Ref        string            `json:"ref,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
	Visibility []string          `json:"visibility,omitempty"`
}

type MetaRelation struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Field  string `json:"field,omitempty"`
}

type Metadata struct {
	Module    string              `json:"module"`
	Name      string              `json:"name"`
	Fields    []MetaField         `json:"fields"`
	Relations []MetaRelation      `json:"relations"`
	Access    map[string][]string `json:"access,omitempty"`
}

// Dispatcher — единственная серверная точка входа типизированных операций.
type Dispatcher struct {
	registry *dsl.Registry
	store    store.Store
	catalogs map[string]reference.Catalog
}

func New(reg *dsl.Registry, st store.Store, catalogs map[string]reference.Catalog) *Dispatcher {
	if catalogs == nil {
		catalogs = map[string]reference.Catalog{}
	}
	return &Dispatcher{registry: reg, store: st, catalogs: catalogs}
}

// Execute выполняет один запрос операции от имени ролей roles.
func (d *Dispatcher) Execute(ctx context.Context, req Request, roles []string) (*Result, error) {
	m, ok := d.registry.Get("", req.Model)
	if !ok {
		return nil, notFound(req.Model, "model '"+req.Model+"'")
	}

	op := strings.ToLower(strings.TrimSpace(req.Operation))
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete, OpCount:
	default:
		return nil, badRequest(m.Key(), op, "unknown operation '"+req.Operation+"'")
	}

	if !m.Allowed(op, roles) {
		return nil, forbidden(m.Key(), op)
	}

	// метаданные: read + {_metadata:true}
	if op == OpRead && isMetadataFilter(req.Filter) {
		return &Result{Data: d.metadata(m)}, nil
	}

	if req.Relation != nil {
		return d.executeRelation(ctx, m, op, req, roles)
	}

	switch op {
	case OpCreate:
		return d.create(ctx, m, req)
	case OpRead:
		return d.read(ctx, m, req)
	case OpUpdate:
		return d.update(ctx, m, req)
	case OpDelete:
		return d.delete(ctx, m, req)
	case OpCount:
		conds, err := d.conds(m, req.Filter)
		if err != nil {
			return nil, err
		}
		n, err := d.store.Count(ctx, m, conds)
		if err != nil {
			return nil, err
		}
		return &Result{Data: n}, nil
	}
	return nil, badRequest(m.Key(), op, "unreachable")
}

func isMetadataFilter(filter map[string]interface{}) bool {
	if filter == nil {
		return false
	}
	v, ok := filter[MetadataFilterKey]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (d *Dispatcher) metadata(m *dsl.Model) Metadata {
	md := Metadata{
		Module:    m.Module,
		Name:      m.Name,
		Fields:    make([]MetaField, 0, len(m.Fields)),
		Relations: make([]MetaRelation, 0, len(m.Relations)),
		Access:    m.Access,
	}
	for _, f := range m.Fields {
		md.Fields = append(md.Fields, MetaField{
			Name:       f.Name,
			Type:       strings.ToLower(f.Type),
			Enum:       append([]string(nil), f.Enum...),
			ElemType:   f.ElemType,
			Ref:        f.RefTarget,
			Options:    f.Options,
			Visibility: append([]string(nil), f.Visibility...),
		})
	}
	for _, rel := range m.Relations {
		md.Relations = append(md.Relations, MetaRelation{
			Name: rel.Name, Kind: rel.Kind, Target: rel.Target, Field: rel.Field,
		})
	}
	return md
}

// conds транслирует wire-фильтр в условия хранилища, проверяя имена полей.
// Значение-объект трактуется как {op: value}, скаляр — как равенство.
func (d *Dispatcher) conds(m *dsl.Model, filter map[string]interface{}) ([]store.Cond, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	var out []store.Cond
	var errs []FieldError

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == MetadataFilterKey {
			continue
		}
		if k != "id" && !m.HasField(k) {
			errs = append(errs, ferr(ErrUnknownField, k, "Filter field '"+k+"' is not declared on model '"+m.Key()+"'"))
			continue
		}
		switch v := filter[k].(type) {
		case map[string]interface{}:
			for op, val := range v {
				opl := strings.ToLower(op)
				switch opl {
				case "eq", "ne", "in", "gt", "gte", "lt", "lte":
					out = append(out, store.Cond{Field: k, Op: opl, Value: val})
				default:
					errs = append(errs, ferr(ErrTypeMismatch, k, "Unknown filter operator '"+op+"'"))
				}
			}
		default:
			out = append(out, store.Cond{Field: k, Op: "eq", Value: v})
		}
	}
	if len(errs) > 0 {
		return nil, validation(m.Key(), OpRead, errs)
	}
	return out, nil
}

// sortKeys — orderBy в ключи сортировки; поля валидируются по схеме.
func (d *Dispatcher) sortKeys(m *dsl.Model, orderBy map[string]string) ([]store.SortKey, error) {
	if len(orderBy) == 0 {
		return nil, nil
	}
	fields := make([]string, 0, len(orderBy))
	for f := range orderBy {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]store.SortKey, 0, len(fields))
	for _, f := range fields {
		if f != "id" && !m.HasField(f) {
			return nil, validation(m.Key(), OpRead, []FieldError{
				ferr(ErrUnknownField, f, "OrderBy field '"+f+"' is not declared on model '"+m.Key()+"'")})
		}
		out = append(out, store.SortKey{Field: f, Desc: strings.EqualFold(orderBy[f], "desc")})
	}
	return out, nil
}

// checkInclude проверяет, что все имена связей объявлены на модели.
func (d *Dispatcher) checkInclude(m *dsl.Model, include []string) error {
	var errs []FieldError
	for _, name := range include {
		if m.GetRelation(name) == nil {
			errs = append(errs, ferr(ErrUnknownRelation, name, "Relation '"+name+"' is not declared on model '"+m.Key()+"'"))
		}
	}
	if len(errs) > 0 {
		return validation(m.Key(), OpRead, errs)
	}
	return nil
}

func (d *Dispatcher) create(ctx context.Context, m *dsl.Model, req Request) (*Result, error) {
	if req.Data == nil {
		return nil, badRequest(m.Key(), OpCreate, "data is required for create")
	}
	if err := d.checkInclude(m, req.Include); err != nil {
		return nil, err
	}
	obj := copyMap(req.Data)
	d.applyDefaults(ctx, m, obj)
	if errs := checkReadonlyAndSystem(m, obj); len(errs) > 0 {
		return nil, validation(m.Key(), OpCreate, errs)
	}
	if errs := d.validateData(ctx, m, obj, ""); len(errs) > 0 {
		return nil, validation(m.Key(), OpCreate, errs)
	}
	rec, err := d.store.Insert(ctx, m, obj)
	if err != nil {
		return nil, err
	}
	out, err := d.withIncludes(ctx, m, rec, req.Include)
	if err != nil {
		return nil, err
	}
	return &Result{Data: out}, nil
}

func (d *Dispatcher) read(ctx context.Context, m *dsl.Model, req Request) (*Result, error) {
	if err := d.checkInclude(m, req.Include); err != nil {
		return nil, err
	}

	// одиночное чтение: id в data (клиентская конвенция) либо в filter
	if id, ok := extractID(req.Data, req.Filter); ok {
		rec, err := d.store.Get(ctx, m, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound(m.Key(), "record '"+id+"'")
		}
		if err != nil {
			return nil, err
		}
		out, err := d.withIncludes(ctx, m, rec, req.Include)
		if err != nil {
			return nil, err
		}
		return &Result{Data: out}, nil
	}

	conds, err := d.conds(m, req.Filter)
	if err != nil {
		return nil, err
	}
	q := store.Query{Conds: conds}
	var meta *PaginationMeta
	if p := req.Pagination; p != nil {
		keys, err := d.sortKeys(m, p.OrderBy)
		if err != nil {
			return nil, err
		}
		q.Sort = keys
		page, limit := normalizePage(p)
		q.Limit = limit
		q.Offset = (page - 1) * limit
		meta = &PaginationMeta{Page: page, Limit: limit}
	}

	recs, total, err := d.store.Find(ctx, m, q)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		out, err := d.withIncludes(ctx, m, rec, req.Include)
		if err != nil {
			return nil, err
		}
		items = append(items, out)
	}

	if meta != nil {
		meta.Total = total
		meta.TotalPages = (total + meta.Limit - 1) / meta.Limit
		meta.HasMore = meta.Page*meta.Limit < total
		return &Result{Data: items, Meta: meta}, nil
	}
	return &Result{Data: items}, nil
}

func (d *Dispatcher) update(ctx context.Context, m *dsl.Model, req Request) (*Result, error) {
	if req.Data == nil {
		return nil, badRequest(m.Key(), OpUpdate, "data is required for update")
	}
	id, ok := extractID(req.Data, req.Filter)
	if !ok {
		return nil, badRequest(m.Key(), OpUpdate, "update requires an id")
	}
	if err := d.checkInclude(m, req.Include); err != nil {
		return nil, err
	}

	patch := copyMap(req.Data)
	delete(patch, "id")
	if errs := checkReadonlyAndSystem(m, patch); len(errs) > 0 {
		return nil, validation(m.Key(), OpUpdate, errs)
	}

	current, err := d.store.Get(ctx, m, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(m.Key(), "record '"+id+"'")
	}
	if err != nil {
		return nil, err
	}

	// merge + validate: required закрывается текущими данными
	merged := copyMap(current.Data)
	for k, v := range patch {
		merged[k] = v
	}
	if errs := d.validateData(ctx, m, merged, id); len(errs) > 0 {
		return nil, validation(m.Key(), OpUpdate, errs)
	}

	// в хранилище уходит только нормализованный patch
	for k := range patch {
		patch[k] = merged[k]
	}
	rec, err := d.store.Update(ctx, m, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(m.Key(), "record '"+id+"'")
	}
	if err != nil {
		return nil, err
	}
	out, err := d.withIncludes(ctx, m, rec, req.Include)
	if err != nil {
		return nil, err
	}
	return &Result{Data: out}, nil
}

func (d *Dispatcher) delete(ctx context.Context, m *dsl.Model, req Request) (*Result, error) {
	id, ok := extractID(req.Data, req.Filter)
	if !ok {
		return nil, badRequest(m.Key(), OpDelete, "delete requires an id")
	}
	rec, err := d.store.Delete(ctx, m, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(m.Key(), "record '"+id+"'")
	}
	if err != nil {
		return nil, err
	}
	return &Result{Data: rec.Flatten()}, nil
}

// withIncludes раскрывает запрошенные связи записи.
func (d *Dispatcher) withIncludes(ctx context.Context, m *dsl.Model, rec *store.Record, include []string) (map[string]interface{}, error) {
	out := rec.Flatten()
	for _, name := range include {
		rel := m.GetRelation(name)
		if rel == nil {
			continue // проверено заранее в checkInclude
		}
		tgt, ok := d.registry.ResolveTarget(m, rel.Target)
		if !ok {
			return nil, badRequest(m.Key(), OpRead, "relation '"+name+"' targets unknown model '"+rel.Target+"'")
		}
		related, err := d.relatedRecords(ctx, m, rel, tgt, rec, store.Query{})
		if err != nil {
			return nil, err
		}
		if rel.Kind == dsl.BelongsTo {
			if len(related) > 0 {
				out[name] = related[0].Flatten()
			} else {
				out[name] = nil
			}
			continue
		}
		items := make([]map[string]interface{}, 0, len(related))
		for _, r := range related {
			items = append(items, r.Flatten())
		}
		out[name] = items
	}
	return out, nil
}

// relatedRecords — записи по связи от конкретного родителя.
func (d *Dispatcher) relatedRecords(ctx context.Context, m *dsl.Model, rel *dsl.Relation, tgt *dsl.Model, parent *store.Record, q store.Query) ([]*store.Record, error) {
	switch rel.Kind {
	case dsl.BelongsTo:
		fk := belongsToFK(rel)
		id, _ := parent.Data[fk].(string)
		if id == "" {
			return nil, nil
		}
		rec, err := d.store.Get(ctx, tgt, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*store.Record{rec}, nil

	case dsl.HasMany:
		fk := hasManyFK(m, rel)
		q.Conds = append(q.Conds, store.Cond{Field: fk, Op: "eq", Value: parent.ID})
		recs, _, err := d.store.Find(ctx, tgt, q)
		return recs, err

	case dsl.ManyToMany:
		ids, err := d.store.Links(ctx, m, rel.Name, parent.ID)
		if err != nil {
			return nil, err
		}
		out := make([]*store.Record, 0, len(ids))
		for _, id := range ids {
			rec, err := d.store.Get(ctx, tgt, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	}
	return nil, badRequest(m.Key(), OpRead, "unknown relation kind '"+rel.Kind+"'")
}

// executeRelation — операции, привязанные к связи родительской записи.
// Пять видов операций закрыты, поэтому линковка ездит на них же:
// update+data{id} = connect, delete+data{id} = disconnect,
// read = выборка по связи, create = создать и привязать.
func (d *Dispatcher) executeRelation(ctx context.Context, m *dsl.Model, op string, req Request, roles []string) (*Result, error) {
	parentID := strings.TrimSpace(fmt.Sprintf("%v", req.Relation.ParentID))
	relName := req.Relation.RelationName
	if parentID == "" || parentID == "<nil>" || relName == "" {
		return nil, badRequest(m.Key(), op, "relation operation requires parentId and relationName")
	}
	rel := m.GetRelation(relName)
	if rel == nil {
		return nil, validation(m.Key(), op, []FieldError{
			ferr(ErrUnknownRelation, relName, "Relation '"+relName+"' is not declared on model '"+m.Key()+"'")})
	}
	tgt, ok := d.registry.ResolveTarget(m, rel.Target)
	if !ok {
		return nil, notFound(m.Key(), "relation target '"+rel.Target+"'")
	}

	parent, err := d.store.Get(ctx, m, parentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(m.Key(), "record '"+parentID+"'")
	}
	if err != nil {
		return nil, err
	}

	switch op {
	case OpRead:
		conds, err := d.conds(tgt, req.Filter)
		if err != nil {
			return nil, err
		}
		q := store.Query{Conds: conds}
		recs, err := d.relatedRecords(ctx, m, rel, tgt, parent, q)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]interface{}, 0, len(recs))
		for _, r := range recs {
			items = append(items, r.Flatten())
		}
		return &Result{Data: items}, nil

	case OpCount:
		recs, err := d.relatedRecords(ctx, m, rel, tgt, parent, store.Query{})
		if err != nil {
			return nil, err
		}
		return &Result{Data: len(recs)}, nil

	case OpCreate:
		if req.Data == nil {
			return nil, badRequest(m.Key(), op, "data is required for create")
		}
		obj := copyMap(req.Data)
		if rel.Kind == dsl.HasMany {
			obj[hasManyFK(m, rel)] = parent.ID
		}
		d.applyDefaults(ctx, tgt, obj)
		if errs := checkReadonlyAndSystem(tgt, obj); len(errs) > 0 {
			return nil, validation(tgt.Key(), op, errs)
		}
		if errs := d.validateData(ctx, tgt, obj, ""); len(errs) > 0 {
			return nil, validation(tgt.Key(), op, errs)
		}
		rec, err := d.store.Insert(ctx, tgt, obj)
		if err != nil {
			return nil, err
		}
		if err := d.link(ctx, m, rel, parent.ID, rec.ID); err != nil {
			return nil, err
		}
		return &Result{Data: rec.Flatten()}, nil

	case OpUpdate: // connect
		targetID, ok := extractID(req.Data, nil)
		if !ok {
			return nil, badRequest(m.Key(), op, "connect requires data.id")
		}
		if exists, err := d.store.Exists(ctx, tgt, targetID); err != nil || !exists {
			return nil, notFound(tgt.Key(), "record '"+targetID+"'")
		}
		if err := d.link(ctx, m, rel, parent.ID, targetID); err != nil {
			return nil, err
		}
		return &Result{Data: map[string]interface{}{"connected": targetID}}, nil

	case OpDelete: // disconnect: только развязываем, целевую запись не трогаем
		targetID, ok := extractID(req.Data, nil)
		if !ok {
			return nil, badRequest(m.Key(), op, "disconnect requires data.id")
		}
		if err := d.unlink(ctx, m, rel, parent.ID, targetID); err != nil {
			return nil, err
		}
		return &Result{Data: map[string]interface{}{"disconnected": targetID}}, nil
	}
	return nil, badRequest(m.Key(), op, "operation '"+op+"' is not supported for relations")
}

func (d *Dispatcher) link(ctx context.Context, m *dsl.Model, rel *dsl.Relation, parentID, targetID string) error {
	switch rel.Kind {
	case dsl.BelongsTo:
		_, err := d.store.Update(ctx, m, parentID, map[string]interface{}{belongsToFK(rel): targetID})
		return err
	case dsl.HasMany:
		tgt, ok := d.registry.ResolveTarget(m, rel.Target)
		if !ok {
			return notFound(m.Key(), "relation target '"+rel.Target+"'")
		}
		_, err := d.store.Update(ctx, tgt, targetID, map[string]interface{}{hasManyFK(m, rel): parentID})
		return err
	case dsl.ManyToMany:
		return d.store.Link(ctx, m, rel.Name, parentID, targetID)
	}
	return badRequest(m.Key(), OpUpdate, "unknown relation kind '"+rel.Kind+"'")
}

func (d *Dispatcher) unlink(ctx context.Context, m *dsl.Model, rel *dsl.Relation, parentID, targetID string) error {
	switch rel.Kind {
	case dsl.BelongsTo:
		_, err := d.store.Update(ctx, m, parentID, map[string]interface{}{belongsToFK(rel): nil})
		return err
	case dsl.HasMany:
		tgt, ok := d.registry.ResolveTarget(m, rel.Target)
		if !ok {
			return notFound(m.Key(), "relation target '"+rel.Target+"'")
		}
		_, err := d.store.Update(ctx, tgt, targetID, map[string]interface{}{hasManyFK(m, rel): nil})
		return err
	case dsl.ManyToMany:
		return d.store.Unlink(ctx, m, rel.Name, parentID, targetID)
	}
	return badRequest(m.Key(), OpDelete, "unknown relation kind '"+rel.Kind+"'")
}

// belongsToFK — поле-fk на родителе: явное из DSL либо "<relation>_id".
func belongsToFK(rel *dsl.Relation) string {
	if rel.Field != "" {
		return rel.Field
	}
	return strings.ToLower(rel.Name) + "_id"
}

// hasManyFK — поле-fk на целевой модели: явное либо "<parent>_id".
func hasManyFK(parent *dsl.Model, rel *dsl.Relation) string {
	if rel.Field != "" {
		return rel.Field
	}
	return strings.ToLower(parent.Name) + "_id"
}

// extractID достаёт id одиночной записи из data либо filter.
func extractID(data, filter map[string]interface{}) (string, bool) {
	for _, src := range []map[string]interface{}{data, filter} {
		if src == nil {
			continue
		}
		if v, ok := src["id"]; ok {
			switch t := v.(type) {
			case string:
				if strings.TrimSpace(t) != "" {
					return t, true
				}
			case float64:
				return fmt.Sprintf("%.0f", t), true
			case int:
				return fmt.Sprintf("%d", t), true
			}
		}
	}
	return "", false
}

func normalizePage(p *Pagination) (page, limit int) {
	page, limit = p.Page, p.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	return page, limit
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
