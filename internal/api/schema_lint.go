// api/schema_lint.go
package api

import (
	"fmt"
	"sort"
	"strings"

	"apisurface/internal/apiconfig"
	"apisurface/internal/dsl"
	"apisurface/internal/metadata"
)

const (
	LevelError   = "error"
	LevelWarning = "warning"
)

type SchemaIssue struct {
	Entity  string `json:"entity"` // FQN: module.Entity
	Field   string `json:"field"`
	Code    string `json:"code"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Blocking — есть хотя бы одна ошибка уровня error
func Blocking(issues []SchemaIssue) bool {
	for _, it := range issues {
		if it.Level == LevelError {
			return true
		}
	}
	return false
}

// SchemaLint проверяет базовые противоречия в DSL и в конфигурации API.
// registry может быть nil.
func SchemaLint(entities map[string]*dsl.Entity, registry *apiconfig.Registry) []SchemaIssue {
	var issues []SchemaIssue
	add := func(entity, field, code, level, msg string) {
		issues = append(issues, SchemaIssue{Entity: entity, Field: field, Code: code, Level: level, Message: msg})
	}

	fqns := make([]string, 0, len(entities))
	for fqn := range entities {
		fqns = append(fqns, fqn)
	}
	sort.Strings(fqns)

	meta := metadata.NewResolver(entities)
	for _, fqn := range fqns {
		e := entities[fqn]
		for _, f := range e.Fields {
			// валидность on_delete
			od := strings.TrimSpace(strings.ToLower(f.Options["on_delete"]))
			switch od {
			case "", "restrict", "set_null", "cascade":
			default:
				add(fqn, f.Name, "on_delete_unknown", LevelError,
					fmt.Sprintf("unknown on_delete policy %q (allowed: restrict|set_null|cascade)", od))
			}

			isRef := strings.EqualFold(f.Type, "ref")
			isRefArray := strings.EqualFold(f.Type, "array") && strings.EqualFold(f.ElemType, "ref")
			if !isRef && !isRefArray {
				continue
			}
			// required ref + set_null — конфликт
			if isRef && f.Options["required"] == "true" && od == "set_null" {
				add(fqn, f.Name, "required_conflicts_on_delete", LevelError,
					"required ref cannot have on_delete=set_null; use restrict (or make field optional)")
			}
			// пустая или неразрешимая цель ссылки
			if strings.TrimSpace(f.RefTarget) == "" {
				add(fqn, f.Name, "ref_target_empty", LevelError, "ref field has empty RefTarget")
				continue
			}
			if _, ok := meta.ResolveRef(e, f); !ok {
				add(fqn, f.Name, "ref_target_unresolved", LevelError,
					fmt.Sprintf("ref target %q does not resolve to a known entity", f.RefTarget))
			}
		}
		for _, k := range e.Constraints.Key {
			if _, ok := e.Field(k); !ok {
				add(fqn, k, "key_field_unknown", LevelError,
					fmt.Sprintf("key(...) names unknown field %q", k))
			}
		}
	}

	if registry == nil {
		return issues
	}
	for _, rt := range registry.RequestTypes() {
		for _, fqn := range registry.EntityTypes(rt) {
			if _, ok := entities[fqn]; !ok {
				add(fqn, "", "config_entity_unknown", LevelWarning,
					fmt.Sprintf("api config (%s) names entity unknown to the DSL", rt))
				continue
			}
			cfg, err := registry.Config(fqn, apiconfig.VersionLatest, rt)
			if err != nil {
				add(fqn, "", "config_invalid", LevelError, err.Error())
				continue
			}
			if cfg == nil {
				continue
			}
			for _, name := range cfg.SubresourceNames() {
				sc := cfg.Subresources[name]
				if sc == nil || sc.TargetClass == "" {
					continue
				}
				if _, ok := entities[sc.TargetClass]; !ok {
					add(fqn, name, "subresource_target_unknown", LevelError,
						fmt.Sprintf("subresource target_class %q is not a known entity", sc.TargetClass))
				}
			}
		}
	}
	return issues
}
