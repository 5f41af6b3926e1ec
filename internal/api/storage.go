package api

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"apisurface/internal/dsl"
	"apisurface/internal/faults"
	"apisurface/internal/metadata"
	"apisurface/internal/title"
)

type Record struct {
	ID        string                 `json:"id"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Deleted   bool                   `json:"-"`
	Data      map[string]interface{} `json:"data"`
}

// Storage — in-memory хранилище записей. Для сущностей с key(...) ключ записи —
// значения полей ключа через запятую, для остальных — ulid.
type Storage struct {
	mu      sync.RWMutex
	schemas map[string]*dsl.Entity        // FQN ("module.name") -> схема
	data    map[string]map[string]*Record // FQN -> ключ -> запись
	entropy io.Reader
}

func NewStorage(entities map[string]*dsl.Entity) *Storage {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Storage{
		schemas: entities,
		data:    make(map[string]map[string]*Record),
		entropy: ulid.Monotonic(src, 0),
	}
}

// SetSchemas заменяет схемы (admin reload); записи не трогаются.
func (s *Storage) SetSchemas(entities map[string]*dsl.Entity) {
	s.mu.Lock()
	s.schemas = entities
	s.mu.Unlock()
}

func (s *Storage) Schema(entityType string) (*dsl.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.schemas[entityType]
	return e, ok
}

func (s *Storage) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// compositeKey — ключ записи по значениям полей key(...)
func compositeKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = toString(v)
	}
	return strings.Join(parts, ",")
}

// Insert сохраняет запись. Системный id можно передать в obj["id"], иначе он генерируется.
func (s *Storage) Insert(entityType string, obj map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.schemas[entityType]
	if !ok {
		return nil, faults.New(faults.NotFoundError, fmt.Sprintf("entity %q not found", entityType), nil)
	}

	data := make(map[string]any, len(obj))
	for k, v := range obj {
		data[k] = v
	}

	var key string
	if len(e.Constraints.Key) > 0 {
		values := make([]any, 0, len(e.Constraints.Key))
		for _, f := range e.Constraints.Key {
			v, ok := data[f]
			if !ok || v == nil {
				return nil, faults.New(faults.ValidationError, fmt.Sprintf("key field %q is required", f), nil)
			}
			values = append(values, v)
		}
		key = compositeKey(values)
	} else {
		if id, _ := data[dsl.SystemIDField].(string); strings.TrimSpace(id) != "" {
			key = strings.TrimSpace(id)
		} else {
			key = s.newID()
		}
		delete(data, dsl.SystemIDField)
	}

	if s.data[entityType] == nil {
		s.data[entityType] = make(map[string]*Record)
	}
	if prev := s.data[entityType][key]; prev != nil && !prev.Deleted {
		return nil, faults.New(faults.ConflictError, fmt.Sprintf("record %q already exists", key), nil)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:        key,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}
	s.data[entityType][key] = rec
	return rec, nil
}

// Get возвращает живую запись
func (s *Storage) Get(entityType, key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.data[entityType][key]
	if rec == nil || rec.Deleted {
		return nil, false
	}
	return rec, true
}

// List — живые записи в порядке ключей
func (s *Storage) List(entityType string) []*Record {
	s.mu.RLock()
	recMap := s.data[entityType]
	all := make([]*Record, 0, len(recMap))
	for _, r := range recMap {
		if !r.Deleted {
			all = append(all, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// IncomingRef — ссылка на удаляемую запись
type IncomingRef struct {
	Entity string
	Field  string
	Key    string
	Policy string // restrict | set_null | cascade
	Array  bool
}

func refPolicy(e *dsl.Entity, field string) string {
	f, _ := e.Field(field)
	pol := strings.ToLower(strings.TrimSpace(f.Options["on_delete"]))
	if pol == "" {
		pol = "restrict"
	}
	return pol
}

func refersTo(v any, key string) bool {
	switch t := v.(type) {
	case string:
		return t == key
	case []any:
		for _, it := range t {
			if s, _ := it.(string); s == key {
				return true
			}
		}
	case []string:
		for _, s := range t {
			if s == key {
				return true
			}
		}
	}
	return false
}

// FindIncomingRefs ищет живые записи, ссылающиеся на (target, key), по ассоциациям из метаданных.
func (s *Storage) FindIncomingRefs(meta *metadata.Resolver, target, key string) []IncomingRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.incomingLocked(meta, target, key)
}

func (s *Storage) incomingLocked(meta *metadata.Resolver, target, key string) []IncomingRef {
	var out []IncomingRef
	for _, childFQN := range meta.EntityTypes() {
		m, ok := meta.Metadata(childFQN)
		if !ok {
			continue
		}
		child, _ := meta.Entity(childFQN)
		for _, a := range m.Associations() {
			if a.TargetType != target {
				continue
			}
			pol := refPolicy(child, a.Name)
			for childKey, rec := range s.data[childFQN] {
				if rec == nil || rec.Deleted {
					continue
				}
				if refersTo(rec.Data[a.Name], key) {
					out = append(out, IncomingRef{Entity: childFQN, Field: a.Name, Key: childKey, Policy: pol, Array: a.IsCollection})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Delete помечает запись удалённой с учётом on_delete входящих ссылок:
// restrict — ConflictError, set_null — ссылка очищается, cascade — ссылающаяся запись удаляется.
func (s *Storage) Delete(meta *metadata.Resolver, entityType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.data[entityType][key]
	if rec == nil || rec.Deleted {
		return faults.New(faults.NotFoundError, "record not found", nil)
	}

	refs := s.incomingLocked(meta, entityType, key)
	for _, r := range refs {
		if r.Policy == "restrict" {
			return faults.New(faults.ConflictError, fmt.Sprintf("record is referenced by %s.%s", r.Entity, r.Field), nil)
		}
	}

	now := time.Now().UTC()
	for _, r := range refs {
		child := s.data[r.Entity][r.Key]
		switch r.Policy {
		case "set_null":
			if r.Array {
				child.Data[r.Field] = withoutKey(child.Data[r.Field], key)
			} else {
				child.Data[r.Field] = nil
			}
		case "cascade":
			child.Deleted = true
		}
		child.Version++
		child.UpdatedAt = now
	}

	rec.Deleted = true
	rec.UpdatedAt = now
	rec.Version++
	return nil
}

func withoutKey(v any, key string) any {
	switch arr := v.(type) {
	case []any:
		out := make([]any, 0, len(arr))
		for _, it := range arr {
			if s, _ := it.(string); s == key {
				continue
			}
			out = append(out, it)
		}
		return out
	case []string:
		out := make([]string, 0, len(arr))
		for _, s := range arr {
			if s != key {
				out = append(out, s)
			}
		}
		return out
	}
	return v
}

// Titles — источник заголовков для title.Enricher: по одному проходу на тип сущности.
// Заголовок берётся из DisplayField схемы.
func (s *Storage) Titles(ctx context.Context, ids title.IdentifierMap) ([]title.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []title.Row
	for _, entityType := range ids.EntityTypes() {
		schema, ok := s.schemas[entityType]
		if !ok {
			continue
		}
		b := ids[entityType]
		display := schema.DisplayField()

		index := make(map[string]*Record, len(s.data[entityType]))
		for _, rec := range s.data[entityType] {
			if rec.Deleted {
				continue
			}
			values := make([]any, len(b.PropertyPaths))
			for i, p := range b.PropertyPaths {
				values[i] = recordValue(rec, p)
			}
			index[compositeKey(values)] = rec
		}

		for _, id := range b.IDs {
			rec, ok := index[compositeKey(id)]
			if !ok {
				continue
			}
			v := recordValue(rec, display)
			if v == nil {
				continue
			}
			rows = append(rows, title.Row{
				EntityType: entityType,
				ID:         id,
				Title:      toString(v),
			})
		}
	}
	return rows, nil
}

func recordValue(rec *Record, field string) any {
	if field == dsl.SystemIDField {
		if v, ok := rec.Data[field]; ok {
			return v
		}
		return rec.ID
	}
	return rec.Data[field]
}
