package subresource

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"apisurface/internal/apiconfig"
	"apisurface/internal/metrics"
)

// BuildResources строит выставленные ресурсы и множество доступных сущностей.
// Исключённая конфигурацией сущность не выставляется; доступна та, у которой
// не исключены одновременно get и get_list.
func BuildResources(configs ConfigSource, entityTypes []string, version string, rt apiconfig.RequestType) ([]*Resource, AccessibleSet, error) {
	var (
		resources []*Resource
		errs      []error
	)
	accessible := NewAccessibleSet()
	for _, t := range entityTypes {
		cfg, err := configs.Config(t, version, rt)
		if err != nil {
			errs = append(errs, &EntityError{Entity: t, Err: err})
			continue
		}
		if cfg != nil && cfg.Exclude {
			continue
		}
		res := NewResource(t)
		if cfg != nil {
			res.Parent = cfg.ParentResourceClass
			for name, a := range cfg.Actions {
				if a.Exclude.IsTrue() {
					res.ExcludedActions.Add(Action(name))
				}
			}
		}
		resources = append(resources, res)
		if !(res.ExcludedActions.Has(ActionGet) && res.ExcludedActions.Has(ActionGetList)) {
			accessible[t] = struct{}{}
		}
	}
	return resources, accessible, errors.Join(errs...)
}

// Filter оставляет подресурсы с доступной целью и хотя бы одной разрешённой операцией.
// Вход не изменяется.
func Filter(c *Collection, accessible AccessibleSet) *Collection {
	out := NewCollection()
	for _, t := range c.EntityTypes() {
		e, _ := c.Get(t)
		out.Add(FilterEntity(e, accessible))
	}
	return out
}

func FilterEntity(e *EntitySubresources, accessible AccessibleSet) *EntitySubresources {
	out := NewEntitySubresources(e.EntityType)
	for name, s := range e.items {
		if accessible.Has(s.TargetType()) && !s.AllActionsExcluded() {
			out.Add(name, s.Clone())
		}
	}
	return out
}

// Collect — полная сборка: метаданные, конфигурация, фильтр доступности.
// Коллекция возвращается всегда; ошибки сущностей и конфликты собираются в одну.
func (a *Assembler) Collect(entityTypes []string, version string, rt apiconfig.RequestType) (*Collection, error) {
	resources, accessible, err := BuildResources(a.configs, entityTypes, version, rt)
	errs := []error{err}

	c := NewCollection()
	for _, res := range resources {
		if !res.SubresourcesEnabled() {
			continue
		}
		subs := c.GetOrCreate(res.EntityType)
		if err := a.LoadFromMetadata(res, subs, version, rt); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := a.Assemble(res, subs, version, rt, accessible); err != nil {
			errs = append(errs, err)
		}
	}
	return Filter(c, accessible), errors.Join(errs...)
}

type providerKey struct {
	version     string
	requestType apiconfig.RequestType
}

type built struct {
	collection *Collection
	err        error
}

// Provider кэширует собранные коллекции по (версия, тип запроса).
// Параллельные запросы одного ключа собирают коллекцию один раз.
// Возвращаемые коллекции общие и не должны изменяться.
type Provider struct {
	assembler   *Assembler
	entityTypes func() []string
	metrics     *metrics.Metrics

	group singleflight.Group
	mu    sync.RWMutex
	cache map[providerKey]*built
}

func NewProvider(assembler *Assembler, entityTypes func() []string, m *metrics.Metrics) *Provider {
	return &Provider{
		assembler:   assembler,
		entityTypes: entityTypes,
		metrics:     m,
		cache:       map[providerKey]*built{},
	}
}

// Collection возвращает коллекцию и все ошибки сборки
func (p *Provider) Collection(version string, rt apiconfig.RequestType) (*Collection, error) {
	key := providerKey{version: version, requestType: rt}
	p.mu.RLock()
	b, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return b.collection, b.err
	}

	v, _, _ := p.group.Do(string(rt)+"|"+version, func() (any, error) {
		p.mu.RLock()
		b, ok := p.cache[key]
		p.mu.RUnlock()
		if ok {
			return b, nil
		}
		start := time.Now()
		c, err := p.assembler.Collect(p.entityTypes(), version, rt)
		p.metrics.ObserveCollect(version, string(rt), time.Since(start), countConflicts(err))

		b = &built{collection: c, err: err}
		p.mu.Lock()
		p.cache[key] = b
		p.mu.Unlock()
		return b, nil
	})
	b = v.(*built)
	return b.collection, b.err
}

// Get — подресурсы одной сущности (nil, если их нет) и ошибки, относящиеся к ней.
func (p *Provider) Get(entityType, version string, rt apiconfig.RequestType) (*EntitySubresources, error) {
	c, err := p.Collection(version, rt)
	subs, _ := c.Get(entityType)
	return subs, ErrorsFor(err, entityType)
}

// Reset очищает кэш
func (p *Provider) Reset() {
	p.mu.Lock()
	p.cache = map[providerKey]*built{}
	p.mu.Unlock()
}
