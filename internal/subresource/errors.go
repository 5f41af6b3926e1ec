package subresource

import (
	"errors"
	"fmt"

	"apisurface/internal/apiconfig"
	"apisurface/internal/faults"
)

// ConfigurationConflictError — конфигурация подресурса противоречит метаданным
// или не даёт цели для виртуальной ассоциации.
type ConfigurationConflictError struct {
	Entity      string
	Association string
	Reason      string
}

func (e *ConfigurationConflictError) Error() string {
	return fmt.Sprintf("invalid configuration for %q subresource of %q entity: %s", e.Association, e.Entity, e.Reason)
}

func (e *ConfigurationConflictError) Unwrap() error {
	return faults.New(faults.ConfigError, e.Reason, nil)
}

func conflict(entity, association, format string, args ...any) *ConfigurationConflictError {
	return &ConfigurationConflictError{
		Entity:      entity,
		Association: association,
		Reason:      fmt.Sprintf(format, args...),
	}
}

// EntityError — ошибка получения конфигурации или метаданных сущности
type EntityError struct {
	Entity string
	Err    error
}

func (e *EntityError) Error() string { return fmt.Sprintf("entity %q: %v", e.Entity, e.Err) }

func (e *EntityError) Unwrap() error { return e.Err }

// ErrorsFor оставляет из (возможно, составной) ошибки только относящиеся к entityType.
func ErrorsFor(err error, entityType string) error {
	if err == nil {
		return nil
	}
	var out []error
	for _, e := range flatten(err) {
		var ce *ConfigurationConflictError
		var ee *EntityError
		switch {
		case errors.As(e, &ce):
			if ce.Entity == entityType {
				out = append(out, e)
			}
		case errors.As(e, &ee):
			if ee.Entity == entityType {
				out = append(out, e)
			}
		default:
			out = append(out, e)
		}
	}
	return errors.Join(out...)
}

// Errors — отдельные ошибки сборки в порядке возникновения
func Errors(err error) []error {
	if err == nil {
		return nil
	}
	return flatten(err)
}

// flatten раскрывает вложенные errors.Join
func flatten(err error) []error {
	j, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, e := range j.Unwrap() {
		out = append(out, flatten(e)...)
	}
	return out
}

// countConflicts — число ConfigurationConflictError в err
func countConflicts(err error) int {
	if err == nil {
		return 0
	}
	n := 0
	for _, e := range flatten(err) {
		var ce *ConfigurationConflictError
		if errors.As(e, &ce) {
			n++
		}
	}
	return n
}

func targetTypeName(isCollection bool) string {
	if isCollection {
		return apiconfig.TargetToMany
	}
	return apiconfig.TargetToOne
}
