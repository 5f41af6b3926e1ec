// Package apiconfig загружает декларативную конфигурацию API (YAML) и отдаёт
// по одной записи EntityConfig на сущность, версию API и тип запроса.
package apiconfig

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// RequestType — вид API-запроса, для которого собирается конфигурация ("rest", "json_api", ...)
type RequestType string

const RequestTypeREST RequestType = "rest"

// VersionLatest — версия по умолчанию: применяются все versions-переопределения
const VersionLatest = "latest"

// Значения target_type
const (
	TargetToOne  = "to-one"
	TargetToMany = "to-many"
)

// OptionalBool различает «не задано» и «задано false».
type OptionalBool struct {
	Value bool
	Set   bool
}

func True() OptionalBool  { return OptionalBool{Value: true, Set: true} }
func False() OptionalBool { return OptionalBool{Value: false, Set: true} }

func (o OptionalBool) IsZero() bool { return !o.Set }

// IsTrue — задано и равно true
func (o OptionalBool) IsTrue() bool { return o.Set && o.Value }

func (o *OptionalBool) UnmarshalYAML(n *yaml.Node) error {
	var v bool
	if err := n.Decode(&v); err != nil {
		return err
	}
	*o = OptionalBool{Value: v, Set: true}
	return nil
}

func (o OptionalBool) MarshalYAML() (any, error) {
	if !o.Set {
		return nil, nil
	}
	return o.Value, nil
}

// EntityConfig — запись конфигурации одной сущности
type EntityConfig struct {
	Exclude              bool                          `yaml:"exclude,omitempty"`
	ParentResourceClass  string                        `yaml:"parent_resource_class,omitempty"`
	IdentifierFieldNames []string                      `yaml:"identifier_field_names,omitempty"`
	MetaProperties       map[string]string             `yaml:"meta_properties,omitempty"` // имя мета-свойства → поле результата
	Fields               map[string]*FieldConfig       `yaml:"fields,omitempty"`
	Actions              map[string]*ActionConfig      `yaml:"actions,omitempty"`
	Subresources         map[string]*SubresourceConfig `yaml:"subresources,omitempty"`
}

// FieldConfig — поле сущности в API
type FieldConfig struct {
	Exclude      bool          `yaml:"exclude,omitempty"`
	PropertyPath string        `yaml:"property_path,omitempty"` // имя в DSL, если поле переименовано
	Expand       bool          `yaml:"expand,omitempty"`        // ассоциация отдаётся inline
	TargetClass  string        `yaml:"target_class,omitempty"`
	TargetType   string        `yaml:"target_type,omitempty"`
	TargetEntity *EntityConfig `yaml:"target_entity,omitempty"`
}

// ActionConfig — настройка одной операции
type ActionConfig struct {
	Exclude OptionalBool `yaml:"exclude,omitempty"`
}

// SubresourceConfig — объявление подресурса в блоке subresources
type SubresourceConfig struct {
	Exclude     bool                     `yaml:"exclude,omitempty"`
	TargetClass string                   `yaml:"target_class,omitempty"`
	TargetType  string                   `yaml:"target_type,omitempty"`
	Actions     map[string]*ActionConfig `yaml:"actions,omitempty"`
}

// HasTargetType — кардинальность задана явно
func (s *SubresourceConfig) HasTargetType() bool { return s.TargetType != "" }

// IsCollectionValued — target_type: to-many
func (s *SubresourceConfig) IsCollectionValued() bool { return s.TargetType == TargetToMany }

// Action возвращает настройку операции подресурса или nil
func (s *SubresourceConfig) Action(name string) *ActionConfig {
	if s == nil {
		return nil
	}
	return s.Actions[name]
}

// ActionNames — имена операций в стабильном порядке
func (s *SubresourceConfig) ActionNames() []string {
	return sortedKeys(s.Actions)
}

// IsCollectionValued — target_type: to-many
func (f *FieldConfig) IsCollectionValued() bool { return f.TargetType == TargetToMany }

// Field возвращает конфигурацию поля
func (c *EntityConfig) Field(name string) (*FieldConfig, bool) {
	if c == nil {
		return nil, false
	}
	f, ok := c.Fields[name]
	return f, ok && f != nil
}

// FieldNames — имена полей в стабильном порядке
func (c *EntityConfig) FieldNames() []string {
	return sortedKeys(c.Fields)
}

// FieldPropertyPath — имя свойства в DSL для поля API
func (c *EntityConfig) FieldPropertyPath(name string) string {
	if f, ok := c.Field(name); ok && f.PropertyPath != "" {
		return f.PropertyPath
	}
	return name
}

// FindFieldNameByPropertyPath — обратное отображение: свойство DSL → поле API.
// Пустая строка, если поле исключено или свойство занято переименованным полем.
func (c *EntityConfig) FindFieldNameByPropertyPath(path string) string {
	if c == nil {
		return path
	}
	for _, name := range c.FieldNames() {
		f := c.Fields[name]
		if f != nil && f.PropertyPath == path {
			if f.Exclude {
				return ""
			}
			return name
		}
	}
	if f, ok := c.Field(path); ok {
		if f.Exclude || (f.PropertyPath != "" && f.PropertyPath != path) {
			return ""
		}
	}
	return path
}

// ExpandedAssociations — поля, которые отдаются inline
func (c *EntityConfig) ExpandedAssociations() map[string]*FieldConfig {
	if c == nil {
		return nil
	}
	var out map[string]*FieldConfig
	for name, f := range c.Fields {
		if f == nil || f.Exclude || !f.Expand {
			continue
		}
		if out == nil {
			out = make(map[string]*FieldConfig)
		}
		out[name] = f
	}
	return out
}

// MetaProperty возвращает поле результата для мета-свойства ("title" и т.п.)
func (c *EntityConfig) MetaProperty(name string) string {
	if c == nil {
		return ""
	}
	return c.MetaProperties[name]
}

// Action возвращает настройку верхнеуровневой операции или nil
func (c *EntityConfig) Action(name string) *ActionConfig {
	if c == nil {
		return nil
	}
	return c.Actions[name]
}

// ActionExcluded — операция явно исключена
func (c *EntityConfig) ActionExcluded(name string) bool {
	a := c.Action(name)
	return a != nil && a.Exclude.IsTrue()
}

// SubresourceNames — имена подресурсов в стабильном порядке
func (c *EntityConfig) SubresourceNames() []string {
	if c == nil {
		return nil
	}
	return sortedKeys(c.Subresources)
}

// normalize заполняет nil-значения в картах (`update_subresource:` без тела)
// и проверяет target_type.
func (c *EntityConfig) normalize(entity string) error {
	for name, a := range c.Actions {
		if a == nil {
			c.Actions[name] = &ActionConfig{}
		}
	}
	for name, f := range c.Fields {
		if f == nil {
			f = &FieldConfig{}
			c.Fields[name] = f
		}
		if err := checkTargetType(f.TargetType); err != nil {
			return fmt.Errorf("entity %q field %q: %w", entity, name, err)
		}
		if f.TargetEntity != nil {
			if err := f.TargetEntity.normalize(entity + "." + name); err != nil {
				return err
			}
		}
	}
	for name, s := range c.Subresources {
		if s == nil {
			s = &SubresourceConfig{}
			c.Subresources[name] = s
		}
		if err := checkTargetType(s.TargetType); err != nil {
			return fmt.Errorf("entity %q subresource %q: %w", entity, name, err)
		}
		for an, a := range s.Actions {
			if a == nil {
				s.Actions[an] = &ActionConfig{}
			}
		}
	}
	return nil
}

func checkTargetType(t string) error {
	switch t {
	case "", TargetToOne, TargetToMany:
		return nil
	default:
		return fmt.Errorf("unknown target_type %q (allowed: %s|%s)", t, TargetToOne, TargetToMany)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
