package subresource

import (
	"errors"
	"log/slog"

	"apisurface/internal/apiconfig"
	"apisurface/internal/logging"
	"apisurface/internal/metadata"
)

// ConfigSource — источник записей конфигурации (apiconfig.Resolver)
type ConfigSource interface {
	Config(entityType, version string, rt apiconfig.RequestType) (*apiconfig.EntityConfig, error)
}

// Assembler строит подресурсы сущности из метаданных и конфигурации.
// Не хранит состояния между вызовами.
type Assembler struct {
	configs ConfigSource
	meta    apiconfig.MetadataSource
	logger  *slog.Logger
}

func NewAssembler(configs ConfigSource, meta apiconfig.MetadataSource, logger *slog.Logger) *Assembler {
	return &Assembler{configs: configs, meta: meta, logger: logging.OrNop(logger)}
}

// LoadFromMetadata добавляет подресурс для каждой ассоциации из метаданных,
// поле которой не исключено конфигурацией. Уже существующие описания не трогает.
func (a *Assembler) LoadFromMetadata(res *Resource, subs *EntitySubresources, version string, rt apiconfig.RequestType) error {
	if a.meta == nil {
		return nil
	}
	m, ok := a.meta.Metadata(res.EntityType)
	if !ok {
		return nil
	}
	cfg, err := a.configs.Config(res.EntityType, version, rt)
	if err != nil {
		return &EntityError{Entity: res.EntityType, Err: err}
	}

	inherited := res.inheritedExclusions()
	for _, assoc := range m.Associations() {
		name := cfg.FindFieldNameByPropertyPath(assoc.Name)
		if name == "" {
			continue
		}
		if _, exists := subs.Get(name); exists {
			continue
		}
		s := NewSubresource(assoc.TargetType, assoc.IsCollection)
		s.AddExcludedAction(DefaultExcludedActions()...)
		s.AddExcludedAction(inherited...)
		subs.Add(name, s)
	}
	return nil
}

// Assemble применяет блок subresources конфигурации к описаниям сущности.
// subs может быть nil. Конфликт убирает только свою ассоциацию из набора;
// все конфликты возвращаются одной ошибкой (errors.Join) вместе с обновлённым набором.
func (a *Assembler) Assemble(res *Resource, subs *EntitySubresources, version string, rt apiconfig.RequestType, accessible AccessibleSet) (*EntitySubresources, error) {
	if subs == nil {
		subs = NewEntitySubresources(res.EntityType)
	}
	cfg, err := a.configs.Config(res.EntityType, version, rt)
	if err != nil {
		return subs, &EntityError{Entity: res.EntityType, Err: err}
	}
	if cfg == nil || len(cfg.Subresources) == 0 {
		return subs, nil
	}

	var errs []error
	for _, name := range cfg.SubresourceNames() {
		sc := cfg.Subresources[name]
		if sc.Exclude {
			subs.Remove(name)
			continue
		}

		actions, err := effectiveActions(res.EntityType, name, sc, cfg)
		if err == nil {
			var s *Subresource
			if existing, ok := subs.Get(name); ok {
				s, err = existing, validateExisting(res.EntityType, name, existing, sc)
			} else if s, err = a.create(res, cfg, name, sc, accessible); err == nil {
				subs.Add(name, s)
			}
			if err == nil && accessible.Has(s.TargetType()) {
				applyActions(res, s, actions)
			}
		}
		if err != nil {
			subs.Remove(name)
			a.logger.Warn("subresource rejected",
				slog.String("entity", res.EntityType),
				slog.String("association", name),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return subs, errors.Join(errs...)
}

func (a *Assembler) create(res *Resource, cfg *apiconfig.EntityConfig, name string, sc *apiconfig.SubresourceConfig, accessible AccessibleSet) (*Subresource, error) {
	assoc := a.association(res.EntityType, cfg, name)
	if assoc == nil {
		// виртуальная ассоциация: всё берётся из конфигурации
		if sc.TargetClass == "" {
			return nil, conflict(res.EntityType, name, "the target type must be specified in config")
		}
		s := NewSubresource(sc.TargetClass, sc.IsCollectionValued())
		if !accessible.Has(sc.TargetClass) {
			s.AddExcludedAction(DefaultExcludedActions()...)
		}
		s.AddExcludedAction(res.inheritedExclusions()...)
		return s, nil
	}

	s := NewSubresource(assoc.TargetType, assoc.IsCollection)
	s.AddExcludedAction(DefaultExcludedActions()...)
	s.AddExcludedAction(res.inheritedExclusions()...)
	if err := validateExisting(res.EntityType, name, s, sc); err != nil {
		return nil, err
	}
	return s, nil
}

// association — метаданные ассоциации для имени поля API или nil
func (a *Assembler) association(entityType string, cfg *apiconfig.EntityConfig, name string) *metadata.Association {
	if a.meta == nil {
		return nil
	}
	if f, ok := cfg.Field(name); ok && f.Exclude {
		return nil
	}
	m, ok := a.meta.Metadata(entityType)
	if !ok {
		return nil
	}
	assoc, ok := m.Association(cfg.FieldPropertyPath(name))
	if !ok {
		return nil
	}
	return assoc
}

// validateExisting: конфигурация не может переопределить цель или кардинальность.
func validateExisting(entityType, name string, s *Subresource, sc *apiconfig.SubresourceConfig) error {
	if sc.TargetClass != "" && sc.TargetClass != s.TargetType() {
		return conflict(entityType, name,
			"the target type cannot be overridden by a configuration; existing: %s, from configuration: %s",
			s.TargetType(), sc.TargetClass)
	}
	if (sc.TargetClass != "" || sc.HasTargetType()) && sc.IsCollectionValued() != s.IsCollection() {
		return conflict(entityType, name,
			"the target cardinality cannot be overridden by a configuration; existing: %s, from configuration: %s",
			targetTypeName(s.IsCollection()), targetTypeName(sc.IsCollectionValued()))
	}
	return nil
}

// preAdjusted — операции, чьё «не задано» становится «не исключено»,
// если та же верхнеуровневая операция ресурса не исключена.
var preAdjusted = []Action{UpdateSubresource, AddSubresource, DeleteSubresource}

// effectiveActions — флаги операций подресурса после предварительной корректировки.
// Конфигурация не меняется.
func effectiveActions(entityType, name string, sc *apiconfig.SubresourceConfig, cfg *apiconfig.EntityConfig) (map[Action]apiconfig.OptionalBool, error) {
	out := make(map[Action]apiconfig.OptionalBool, len(sc.Actions))
	for _, an := range sc.ActionNames() {
		act := Action(an)
		if !IsSubresourceAction(act) {
			return nil, conflict(entityType, name, "unknown action %q", an)
		}
		out[act] = sc.Actions[an].Exclude
	}
	for _, act := range preAdjusted {
		flag, ok := out[act]
		if !ok || flag.Set {
			continue
		}
		if !cfg.ActionExcluded(string(act)) {
			out[act] = apiconfig.False()
		}
	}
	return out, nil
}

// applyActions переключает только заданные флаги.
// Операцию, исключённую на уровне ресурса, подресурс вернуть не может.
func applyActions(res *Resource, s *Subresource, actions map[Action]apiconfig.OptionalBool) {
	for act, flag := range actions {
		if !flag.Set {
			continue
		}
		if flag.Value {
			s.AddExcludedAction(act)
		} else if !res.ExcludedActions.Has(act) {
			s.RemoveExcludedAction(act)
		}
	}
}
