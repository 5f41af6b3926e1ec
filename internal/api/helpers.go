package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"apisurface/internal/apiconfig"
	"apisurface/internal/dsl"
	"apisurface/internal/faults"
)

// глубина раскрытия ассоциаций inline
const maxExpandDepth = 3

func flatten(rec *Record, schema *dsl.Entity) map[string]interface{} {
	out := map[string]interface{}{
		"version":    rec.Version,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.Format(time.RFC3339),
	}
	// у сущностей с key(...) системного id нет
	if schema == nil || len(schema.Constraints.Key) == 0 {
		out[dsl.SystemIDField] = rec.ID
	}
	for k, v := range rec.Data {
		// мета поля пользователя не даём перетирать служебные, если вдруг совпадут
		if _, clash := out[k]; clash {
			out["data."+k] = v
			continue
		}
		out[k] = v
	}
	return out
}

// renderer превращает записи в представление API: переименования и исключения полей
// из конфигурации, раскрытые ассоциации отдаются inline.
type renderer struct {
	storage *Storage
	configs *apiconfig.Resolver
	version string
	rt      apiconfig.RequestType
	logger  *slog.Logger
}

func (r *renderer) render(entityType string, rec *Record, cfg *apiconfig.EntityConfig, depth int) map[string]any {
	schema, _ := r.storage.Schema(entityType)
	flat := flatten(rec, schema)
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		name := cfg.FindFieldNameByPropertyPath(k)
		if name == "" {
			continue
		}
		out[name] = v
	}
	if depth >= maxExpandDepth {
		return out
	}
	for name, f := range cfg.ExpandedAssociations() {
		v, ok := out[name]
		if !ok || v == nil || f.TargetClass == "" {
			continue
		}
		out[name] = r.expand(f, v, depth+1)
	}
	return out
}

func (r *renderer) targetConfig(f *apiconfig.FieldConfig) *apiconfig.EntityConfig {
	if f.TargetEntity != nil {
		return f.TargetEntity
	}
	cfg, err := r.configs.Config(f.TargetClass, r.version, r.rt)
	if err != nil {
		r.logger.Warn("target config unavailable",
			slog.String("target", f.TargetClass),
			slog.Any("error", err))
		return nil
	}
	return cfg
}

// expand заменяет ключи ссылок записями цели; неразрешимые ключи остаются как есть
func (r *renderer) expand(f *apiconfig.FieldConfig, v any, depth int) any {
	cfg := r.targetConfig(f)
	one := func(item any) any {
		key, ok := item.(string)
		if !ok {
			return item
		}
		rec, ok := r.storage.Get(f.TargetClass, key)
		if !ok {
			return item
		}
		return r.render(f.TargetClass, rec, cfg, depth)
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = one(it)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = one(it)
		}
		return out
	default:
		return one(v)
	}
}

func statusFor(err error) int {
	switch faults.CategoryOf(err) {
	case faults.NotFoundError:
		return http.StatusNotFound
	case faults.ValidationError:
		return http.StatusBadRequest
	case faults.ConflictError:
		return http.StatusConflict
	case faults.TransportError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError — {"error": ..., "details": ...} со статусом по категории ошибки
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	var typed *faults.TypedError
	if errors.As(err, &typed) && typed.Message != "" {
		msg = typed.Message
	}
	body := gin.H{"error": msg, "details": err.Error()}
	var fields FieldErrors
	if errors.As(err, &fields) {
		body["fields"] = fields
	}
	c.JSON(status, body)
}
