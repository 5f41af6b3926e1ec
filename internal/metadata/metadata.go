// Package metadata отражает DSL-сущности в структурные метаданные:
// форма идентификатора и ассоциации (ref[...] и array[ref[...]]).
package metadata

import (
	"sort"
	"strings"
	"sync"

	"apisurface/internal/dsl"
)

// Association — ссылка одной сущности на другую, как её видит DSL.
type Association struct {
	Name             string
	TargetType       string // FQN цели
	IsCollection     bool   // array[ref[...]]
	TargetIdentifier []string
}

// EntityMetadata — отражённые метаданные одной сущности
type EntityMetadata struct {
	Type       string
	Identifier []string

	associations map[string]*Association
	order        []string
}

// Association возвращает ассоциацию по имени поля
func (m *EntityMetadata) Association(name string) (*Association, bool) {
	if m == nil {
		return nil, false
	}
	a, ok := m.associations[name]
	return a, ok
}

// Associations — все ассоциации в порядке объявления в DSL
func (m *EntityMetadata) Associations() []*Association {
	out := make([]*Association, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.associations[name])
	}
	return out
}

// HasCompositeKey — идентификатор из нескольких полей
func (m *EntityMetadata) HasCompositeKey() bool {
	return len(m.Identifier) > 1
}

// Resolver строит EntityMetadata лениво и кэширует результат.
// Набор сущностей неизменяем после создания; для перезагрузки DSL создаётся новый Resolver.
type Resolver struct {
	entities map[string]*dsl.Entity

	mu    sync.RWMutex
	cache map[string]*EntityMetadata
}

func NewResolver(entities map[string]*dsl.Entity) *Resolver {
	return &Resolver{
		entities: entities,
		cache:    make(map[string]*EntityMetadata, len(entities)),
	}
}

// Entity возвращает исходную DSL-сущность
func (r *Resolver) Entity(entityType string) (*dsl.Entity, bool) {
	e, ok := r.entities[entityType]
	return e, ok
}

// EntityTypes — все FQN в стабильном порядке
func (r *Resolver) EntityTypes() []string {
	out := make([]string, 0, len(r.entities))
	for fqn := range r.entities {
		out = append(out, fqn)
	}
	sort.Strings(out)
	return out
}

// Metadata возвращает метаданные сущности или false, если тип неизвестен.
func (r *Resolver) Metadata(entityType string) (*EntityMetadata, bool) {
	r.mu.RLock()
	m, ok := r.cache[entityType]
	r.mu.RUnlock()
	if ok {
		return m, true
	}

	e, ok := r.entities[entityType]
	if !ok {
		return nil, false
	}
	m = r.build(e)

	r.mu.Lock()
	r.cache[entityType] = m
	r.mu.Unlock()
	return m, true
}

// ResolveRef приводит RefTarget поля к FQN относительно модуля владельца.
func (r *Resolver) ResolveRef(owner *dsl.Entity, f dsl.Field) (string, bool) {
	return resolveRef(r.entities, owner, f)
}

func (r *Resolver) build(e *dsl.Entity) *EntityMetadata {
	m := &EntityMetadata{
		Type:         e.FQN(),
		Identifier:   e.IdentifierFields(),
		associations: make(map[string]*Association),
	}
	for _, f := range e.Fields {
		if !f.IsRef() && !f.IsRefArray() {
			continue
		}
		target, ok := resolveRef(r.entities, e, f)
		if !ok {
			// неразрешимая ссылка — не ассоциация; SchemaLint сообщит отдельно
			continue
		}
		a := &Association{
			Name:         f.Name,
			TargetType:   target,
			IsCollection: f.IsRefArray(),
		}
		if te, ok := r.entities[target]; ok {
			a.TargetIdentifier = te.IdentifierFields()
		}
		m.associations[f.Name] = a
		m.order = append(m.order, f.Name)
	}
	return m
}

func resolveRef(entities map[string]*dsl.Entity, owner *dsl.Entity, f dsl.Field) (string, bool) {
	if f.RefTarget == "" {
		return "", false
	}
	mod, ent := owner.Module, f.RefTarget
	if m, rest, ok := strings.Cut(ent, "."); ok {
		mod, ent = m, rest
	}
	if fqn, ok := NormalizeEntityName(entities, mod, ent); ok {
		return fqn, true
	}
	// без модуля — ищем уникальное имя по всем модулям
	return NormalizeEntityName(entities, "", ent)
}
