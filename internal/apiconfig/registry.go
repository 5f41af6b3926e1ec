package apiconfig

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"apisurface/internal/faults"
	"apisurface/internal/metadata"
)

type versionLayer struct {
	version  *semver.Version
	entities map[string]map[string]any
}

// bag — конфигурация одного типа запроса: базовый слой + переопределения по версиям
type bag struct {
	entities map[string]map[string]any
	versions []versionLayer // по возрастанию версии
}

func newBag(doc map[string]any) (*bag, error) {
	b := &bag{entities: map[string]map[string]any{}}
	for k := range doc {
		if k != "api" {
			return nil, faults.New(faults.ConfigError, fmt.Sprintf("unknown top-level key %q", k), nil)
		}
	}
	api, _ := doc["api"].(map[string]any)
	for k := range api {
		if k != "entities" && k != "versions" {
			return nil, faults.New(faults.ConfigError, fmt.Sprintf("unknown key api.%s", k), nil)
		}
	}

	var err error
	if b.entities, err = entityMaps(api["entities"], "api.entities"); err != nil {
		return nil, err
	}

	versions, _ := api["versions"].(map[string]any)
	for v, body := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			return nil, faults.New(faults.ConfigError, fmt.Sprintf("api.versions: invalid version %q", v), err)
		}
		m, _ := body.(map[string]any)
		ents, err := entityMaps(m["entities"], "api.versions."+v+".entities")
		if err != nil {
			return nil, err
		}
		b.versions = append(b.versions, versionLayer{version: sv, entities: ents})
	}
	sort.Slice(b.versions, func(i, j int) bool {
		return b.versions[i].version.LessThan(b.versions[j].version)
	})
	return b, nil
}

func entityMaps(v any, where string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if v == nil {
		return out, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, faults.New(faults.ConfigError, where+" must be a mapping", nil)
	}
	for name, body := range m {
		switch t := body.(type) {
		case nil:
			out[name] = map[string]any{}
		case map[string]any:
			out[name] = t
		default:
			return nil, faults.New(faults.ConfigError, fmt.Sprintf("%s.%s must be a mapping", where, name), nil)
		}
	}
	return out, nil
}

// layers возвращает слои, применимые к версии v (nil = latest)
func (b *bag) layers(entity string, v *semver.Version) []map[string]any {
	var out []map[string]any
	if m, ok := b.entities[entity]; ok {
		out = append(out, m)
	}
	for _, l := range b.versions {
		if v != nil && l.version.GreaterThan(v) {
			break
		}
		if m, ok := l.entities[entity]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Registry хранит загруженные bag'и по типам запроса.
type Registry struct {
	bags map[RequestType]*bag
}

func NewRegistry() *Registry {
	return &Registry{bags: map[RequestType]*bag{}}
}

// RequestTypes — загруженные типы запросов
func (r *Registry) RequestTypes() []RequestType {
	out := make([]RequestType, 0, len(r.bags))
	for rt := range r.bags {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EntityTypes — сущности, упомянутые в конфигурации rt (включая rest)
func (r *Registry) EntityTypes(rt RequestType) []string {
	seen := map[string]struct{}{}
	for _, b := range r.bagsFor(rt) {
		for name := range b.entities {
			seen[name] = struct{}{}
		}
		for _, l := range b.versions {
			for name := range l.entities {
				seen[name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) bagsFor(rt RequestType) []*bag {
	var out []*bag
	if b, ok := r.bags[RequestTypeREST]; ok {
		out = append(out, b)
	}
	if rt != RequestTypeREST {
		if b, ok := r.bags[rt]; ok {
			out = append(out, b)
		}
	}
	return out
}

// Config собирает запись для сущности. (nil, nil) — сущность не сконфигурирована.
func (r *Registry) Config(entityType, version string, rt RequestType) (*EntityConfig, error) {
	v, err := parseVersion(version)
	if err != nil {
		return nil, err
	}

	var merged map[string]any
	for _, b := range r.bagsFor(rt) {
		for _, layer := range b.layers(entityType, v) {
			if merged == nil {
				merged = map[string]any{}
			}
			merged = mergeValues(merged, cloneValue(layer)).(map[string]any)
		}
	}
	if merged == nil {
		return nil, nil
	}
	return decodeEntity(entityType, merged)
}

func parseVersion(version string) (*semver.Version, error) {
	version = strings.TrimSpace(version)
	if version == "" || strings.EqualFold(version, VersionLatest) {
		return nil, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, faults.New(faults.ValidationError, fmt.Sprintf("invalid API version %q", version), err)
	}
	return v, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

// MetadataSource — источник отражённых метаданных
type MetadataSource interface {
	Metadata(entityType string) (*metadata.EntityMetadata, bool)
}

type cacheKey struct {
	entity      string
	version     string
	requestType RequestType
}

type cached struct {
	cfg *EntityConfig
	err error
}

// Resolver — Registry + дополнение из метаданных + кэш.
// Возвращаемые записи общие для всех вызывающих и не должны изменяться.
type Resolver struct {
	registry *Registry
	meta     MetadataSource

	mu    sync.RWMutex
	cache map[cacheKey]cached
}

func NewResolver(registry *Registry, meta MetadataSource) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Resolver{
		registry: registry,
		meta:     meta,
		cache:    map[cacheKey]cached{},
	}
}

// Registry возвращает исходный реестр
func (r *Resolver) Registry() *Registry { return r.registry }

// Config возвращает ноль или одну запись для (entityType, version, rt).
// Несконфигурированная, но известная метаданным сущность получает пустую дополненную запись.
func (r *Resolver) Config(entityType, version string, rt RequestType) (*EntityConfig, error) {
	key := cacheKey{entity: entityType, version: version, requestType: rt}
	r.mu.RLock()
	c, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return c.cfg, c.err
	}

	cfg, err := r.registry.Config(entityType, version, rt)
	if err == nil {
		cfg = r.complete(entityType, cfg)
	}

	r.mu.Lock()
	r.cache[key] = cached{cfg: cfg, err: err}
	r.mu.Unlock()
	return cfg, err
}

// Reset очищает кэш
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = map[cacheKey]cached{}
	r.mu.Unlock()
}

func (r *Resolver) complete(entityType string, cfg *EntityConfig) *EntityConfig {
	if r.meta == nil {
		return cfg
	}
	m, ok := r.meta.Metadata(entityType)
	if !ok {
		return cfg
	}
	if cfg == nil {
		cfg = &EntityConfig{}
	}
	r.completeWith(cfg, m)
	return cfg
}

func (r *Resolver) completeWith(cfg *EntityConfig, m *metadata.EntityMetadata) {
	// только полный ключ: с частью составного ключа заголовки достались бы чужим записям
	if len(cfg.IdentifierFieldNames) == 0 {
		names := make([]string, 0, len(m.Identifier))
		for _, prop := range m.Identifier {
			name := cfg.FindFieldNameByPropertyPath(prop)
			if name == "" {
				names = nil
				break
			}
			names = append(names, name)
		}
		cfg.IdentifierFieldNames = names
	}
	for name, f := range cfg.Fields {
		if !f.Expand {
			continue
		}
		a, ok := m.Association(cfg.FieldPropertyPath(name))
		if !ok {
			continue
		}
		if f.TargetClass == "" {
			f.TargetClass = a.TargetType
		}
		if f.TargetType == "" {
			f.TargetType = TargetToOne
			if a.IsCollection {
				f.TargetType = TargetToMany
			}
		}
		if f.TargetEntity != nil {
			if tm, ok := r.meta.Metadata(f.TargetClass); ok {
				r.completeWith(f.TargetEntity, tm)
			}
		}
	}
}
