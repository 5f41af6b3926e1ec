package api

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"apisurface/internal/dsl"
	"apisurface/internal/metadata"
)

type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок полей
const (
	ErrTypeMismatch = "type_mismatch"
	ErrEnumInvalid  = "enum_invalid"
	ErrRefNotFound  = "ref_not_found"
)

// FieldErrors — ошибки полей одной записи
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = e.Message
	}
	return strings.Join(parts, "; ")
}

func ferr(code, field, msg string) FieldError {
	return FieldError{Code: code, Field: field, Message: msg}
}

// validateInput приводит значения data к типам DSL (на месте) и проверяет enum и ссылки.
// Ключи data — свойства DSL; системный id не проверяется.
func validateInput(storage *Storage, meta *metadata.Resolver, schema *dsl.Entity, data map[string]any) error {
	var errs FieldErrors
	for _, f := range schema.Fields {
		v, ok := data[f.Name]
		if !ok || v == nil {
			continue
		}

		if f.IsRef() || f.IsRefArray() {
			target, ok := meta.ResolveRef(schema, f)
			if !ok {
				errs = append(errs, ferr(ErrRefNotFound, f.Name, fmt.Sprintf("field %q: unknown target entity %q", f.Name, f.RefTarget)))
				continue
			}
			ids, err := refIDs(f, v)
			if err != nil {
				errs = append(errs, ferr(ErrTypeMismatch, f.Name, fmt.Sprintf("field %q %v", f.Name, err)))
				continue
			}
			for _, id := range ids {
				if _, ok := storage.Get(target, id); !ok {
					errs = append(errs, ferr(ErrRefNotFound, f.Name, fmt.Sprintf("field %q references non-existent %s %q", f.Name, target, id)))
					break
				}
			}
			continue
		}

		norm, err := coerceValue(f, v)
		if err != nil {
			code := ErrTypeMismatch
			if errors.Is(err, errEnum) {
				code = ErrEnumInvalid
			}
			errs = append(errs, ferr(code, f.Name, fmt.Sprintf("field %q %v", f.Name, err)))
			continue
		}
		data[f.Name] = norm
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func refIDs(f dsl.Field, v any) ([]string, error) {
	if f.IsRef() {
		s, err := toStringStrict(v)
		if err != nil || s == "" {
			return nil, errors.New("must be an id")
		}
		return []string{s}, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.New("must be an array of ids")
	}
	out := make([]string, 0, len(arr))
	for _, it := range arr {
		s, err := toStringStrict(it)
		if err != nil || s == "" {
			return nil, errors.New("must be an array of ids")
		}
		out = append(out, s)
	}
	return out, nil
}

var (
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`) // YYYY-MM-DD
	errEnum = errors.New("value is not allowed")
)

func coerceValue(f dsl.Field, v any) (any, error) {
	switch f.Type {
	case "string":
		return toStringStrict(v)
	case "int":
		return toIntStrict(v)
	case "float", "money":
		return toFloatStrict(v)
	case "bool":
		return toBoolStrict(v)
	case "date":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if !dateRe.MatchString(s) {
			return nil, errors.New("must match YYYY-MM-DD")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, errors.New("invalid date")
		}
		return s, nil
	case "datetime":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, errors.New("must be RFC3339 datetime")
		}
		return s, nil
	case "enum":
		s, err := toStringStrict(v)
		if err != nil {
			return nil, err
		}
		for _, ev := range f.Enum {
			if s == ev {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", errEnum, s)
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return nil, errors.New("must be array")
		}
		elem := dsl.Field{Type: f.ElemType, Enum: f.Enum}
		out := make([]any, 0, len(arr))
		for i, ev := range arr {
			norm, err := coerceValue(elem, ev)
			if err != nil {
				return nil, fmt.Errorf("array element %d: %w", i, err)
			}
			out = append(out, norm)
		}
		return out, nil
	default:
		return v, nil
	}
}

func toStringStrict(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", errors.New("must be string")
}

func toIntStrict(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		// JSON числа приходят как float64
		if t != float64(int64(t)) {
			return 0, errors.New("must be integer")
		}
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, errors.New("must be integer")
		}
		return n, nil
	default:
		return 0, errors.New("must be integer")
	}
}

func toFloatStrict(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, errors.New("must be float")
		}
		return f, nil
	default:
		return 0, errors.New("must be float")
	}
}

func toBoolStrict(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		}
	}
	return false, errors.New("must be boolean")
}
