// Package subresource собирает описание подресурсов API: какие ассоциации
// сущности доступны как самостоятельные ресурсы, их цель и разрешённые операции.
package subresource

import (
	"sort"
)

// Action — вид операции над подресурсом
type Action string

const (
	GetSubresource     Action = "get_subresource"
	ListSubresource    Action = "list_subresource"
	UpdateSubresource  Action = "update_subresource"
	AddSubresource     Action = "add_subresource"
	DeleteSubresource  Action = "delete_subresource"
	GetRelationship    Action = "get_relationship"
	UpdateRelationship Action = "update_relationship"
	AddRelationship    Action = "add_relationship"
	DeleteRelationship Action = "delete_relationship"
)

// AllActions — полный фиксированный перечень операций подресурса
var AllActions = []Action{
	GetSubresource,
	ListSubresource,
	UpdateSubresource,
	AddSubresource,
	DeleteSubresource,
	GetRelationship,
	UpdateRelationship,
	AddRelationship,
	DeleteRelationship,
}

// Верхнеуровневые операции ресурса
const (
	ActionGet     = "get"
	ActionGetList = "get_list"
)

// IsSubresourceAction — a входит в AllActions
func IsSubresourceAction(a Action) bool {
	for _, x := range AllActions {
		if x == a {
			return true
		}
	}
	return false
}

// actionsExcept — AllActions без keep
func actionsExcept(keep Action) []Action {
	out := make([]Action, 0, len(AllActions)-1)
	for _, a := range AllActions {
		if a != keep {
			out = append(out, a)
		}
	}
	return out
}

// DefaultExcludedActions — исключения по умолчанию для подресурса из метаданных
func DefaultExcludedActions() []Action {
	return actionsExcept(GetSubresource)
}

// ActionSet — множество операций
type ActionSet map[Action]struct{}

func NewActionSet(actions ...Action) ActionSet {
	s := make(ActionSet, len(actions))
	s.Add(actions...)
	return s
}

func (s ActionSet) Add(actions ...Action) {
	for _, a := range actions {
		s[a] = struct{}{}
	}
}

func (s ActionSet) Remove(actions ...Action) {
	for _, a := range actions {
		delete(s, a)
	}
}

func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Sorted — элементы в стабильном порядке
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s ActionSet) Clone() ActionSet {
	out := make(ActionSet, len(s))
	for a := range s {
		out[a] = struct{}{}
	}
	return out
}

// AccessibleSet — сущности, доступные как самостоятельные ресурсы
type AccessibleSet map[string]struct{}

func NewAccessibleSet(types ...string) AccessibleSet {
	s := make(AccessibleSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

func (s AccessibleSet) Has(entityType string) bool {
	_, ok := s[entityType]
	return ok
}

// Resource — сущность, выставленная в API
type Resource struct {
	EntityType      string
	ExcludedActions ActionSet // имена верхнеуровневых операций и операций подресурсов
	Parent          string
}

func NewResource(entityType string) *Resource {
	return &Resource{EntityType: entityType, ExcludedActions: NewActionSet()}
}

// SubresourcesEnabled — у ресурса не исключены одновременно get_subresource и get_relationship
func (r *Resource) SubresourcesEnabled() bool {
	return !(r.ExcludedActions.Has(GetSubresource) && r.ExcludedActions.Has(GetRelationship))
}

// inheritedExclusions — операции подресурсов, исключённые на уровне ресурса
func (r *Resource) inheritedExclusions() []Action {
	var out []Action
	for _, a := range AllActions {
		if r.ExcludedActions.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// Subresource — описание одной ассоциации-подресурса.
// Цель и кардинальность задаются только при создании.
type Subresource struct {
	targetType        string
	isCollection      bool
	acceptableTargets []string
	excluded          ActionSet
}

func NewSubresource(targetType string, isCollection bool) *Subresource {
	return &Subresource{
		targetType:        targetType,
		isCollection:      isCollection,
		acceptableTargets: []string{targetType},
		excluded:          NewActionSet(),
	}
}

func (s *Subresource) TargetType() string { return s.targetType }

func (s *Subresource) IsCollection() bool { return s.isCollection }

func (s *Subresource) AcceptableTargetTypes() []string {
	return append([]string(nil), s.acceptableTargets...)
}

// ExcludedActions — исключённые операции в стабильном порядке
func (s *Subresource) ExcludedActions() []Action { return s.excluded.Sorted() }

func (s *Subresource) IsExcludedAction(a Action) bool { return s.excluded.Has(a) }

func (s *Subresource) AddExcludedAction(actions ...Action) { s.excluded.Add(actions...) }

func (s *Subresource) RemoveExcludedAction(actions ...Action) { s.excluded.Remove(actions...) }

// AllActionsExcluded — не осталось ни одной разрешённой операции
func (s *Subresource) AllActionsExcluded() bool {
	for _, a := range AllActions {
		if !s.excluded.Has(a) {
			return false
		}
	}
	return true
}

func (s *Subresource) Clone() *Subresource {
	return &Subresource{
		targetType:        s.targetType,
		isCollection:      s.isCollection,
		acceptableTargets: append([]string(nil), s.acceptableTargets...),
		excluded:          s.excluded.Clone(),
	}
}

// EntitySubresources — подресурсы одной сущности по имени ассоциации
type EntitySubresources struct {
	EntityType string
	items      map[string]*Subresource
}

func NewEntitySubresources(entityType string) *EntitySubresources {
	return &EntitySubresources{EntityType: entityType, items: map[string]*Subresource{}}
}

func (e *EntitySubresources) Get(name string) (*Subresource, bool) {
	s, ok := e.items[name]
	return s, ok
}

func (e *EntitySubresources) Add(name string, s *Subresource) { e.items[name] = s }

func (e *EntitySubresources) Remove(name string) { delete(e.items, name) }

func (e *EntitySubresources) Len() int { return len(e.items) }

// Names — имена ассоциаций в стабильном порядке
func (e *EntitySubresources) Names() []string {
	out := make([]string, 0, len(e.items))
	for n := range e.items {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (e *EntitySubresources) Clone() *EntitySubresources {
	out := NewEntitySubresources(e.EntityType)
	for n, s := range e.items {
		out.items[n] = s.Clone()
	}
	return out
}

// Collection — подресурсы всех сущностей
type Collection struct {
	items map[string]*EntitySubresources
}

func NewCollection() *Collection {
	return &Collection{items: map[string]*EntitySubresources{}}
}

func (c *Collection) Get(entityType string) (*EntitySubresources, bool) {
	e, ok := c.items[entityType]
	return e, ok
}

func (c *Collection) Add(e *EntitySubresources) { c.items[e.EntityType] = e }

// GetOrCreate возвращает подресурсы сущности, создавая пустой набор при необходимости
func (c *Collection) GetOrCreate(entityType string) *EntitySubresources {
	if e, ok := c.items[entityType]; ok {
		return e
	}
	e := NewEntitySubresources(entityType)
	c.items[entityType] = e
	return e
}

func (c *Collection) EntityTypes() []string {
	out := make([]string, 0, len(c.items))
	for t := range c.items {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Collection) Clone() *Collection {
	out := NewCollection()
	for t, e := range c.items {
		out.items[t] = e.Clone()
	}
	return out
}
