package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"apisurface/internal/apiconfig"
	"apisurface/internal/dsl"
	"apisurface/internal/faults"
	"apisurface/internal/logging"
	"apisurface/internal/metrics"
	"apisurface/internal/subresource"
	"apisurface/internal/title"
	"apisurface/internal/tree"
)

// поле заголовка, если в meta_properties сущности title не задан
const defaultTitleField = "_title"

type Options struct {
	Titles       title.Provider // по умолчанию Storage
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer // nil — без /metrics
	Logger       *slog.Logger
	TitleTimeout time.Duration

	// версия и тип запроса, если клиент их не передал
	APIVersion  string
	RequestType apiconfig.RequestType

	// директории для admin reload по умолчанию
	DSLDir       string
	APIConfigDir string
}

type Server struct {
	storage *Storage
	surface atomic.Pointer[Surface]
	opts    Options
	logger  *slog.Logger
}

func NewServer(storage *Storage, surface *Surface, opts Options) *Server {
	if opts.Titles == nil {
		opts.Titles = storage
	}
	if opts.APIVersion == "" {
		opts.APIVersion = apiconfig.VersionLatest
	}
	if opts.RequestType == "" {
		opts.RequestType = apiconfig.RequestTypeREST
	}
	s := &Server{storage: storage, opts: opts, logger: logging.OrNop(opts.Logger)}
	s.surface.Store(surface)
	return s
}

func (s *Server) Storage() *Storage { return s.storage }

func (s *Server) Surface() *Surface { return s.surface.Load() }

// schemaAware — источник заголовков, которому нужны актуальные схемы
type schemaAware interface {
	SetSchemas(map[string]*dsl.Entity)
}

// Swap атомарно заменяет DSL и конфигурацию API
func (s *Server) Swap(surface *Surface) {
	s.storage.SetSchemas(surface.Entities)
	if sa, ok := s.opts.Titles.(schemaAware); ok {
		sa.SetSchemas(surface.Entities)
	}
	s.surface.Store(surface)
}

// scope — разрешённая сущность одного запроса
type scope struct {
	surface *Surface
	fqn     string
	schema  *dsl.Entity
	cfg     *apiconfig.EntityConfig
	version string
	rt      apiconfig.RequestType
}

func (s *Server) requestVersion(c *gin.Context) (string, apiconfig.RequestType) {
	version := strings.TrimSpace(c.Query("version"))
	if version == "" {
		version = strings.TrimSpace(c.GetHeader("X-API-Version"))
	}
	if version == "" {
		version = s.opts.APIVersion
	}
	rt := apiconfig.RequestType(strings.TrimSpace(c.Query("request_type")))
	if rt == "" {
		rt = s.opts.RequestType
	}
	return version, rt
}

// resolve находит сущность и её конфигурацию; при ошибке ответ уже записан.
// action — верхнеуровневая операция, исключение которой даёт 405.
func (s *Server) resolve(c *gin.Context, action subresource.Action) (*scope, bool) {
	surface := s.Surface()
	fqn, ok := surface.Normalize(c.Param("module"), c.Param("entity"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
		return nil, false
	}
	version, rt := s.requestVersion(c)
	cfg, err := surface.Configs.Config(fqn, version, rt)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if cfg == nil {
		cfg = &apiconfig.EntityConfig{}
	}
	if cfg.Exclude {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
		return nil, false
	}
	if action != "" && cfg.ActionExcluded(string(action)) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Action not allowed", "details": string(action)})
		return nil, false
	}
	schema, _ := s.storage.Schema(fqn)
	return &scope{surface: surface, fqn: fqn, schema: schema, cfg: cfg, version: version, rt: rt}, true
}

func (s *Server) renderer(sc *scope) *renderer {
	return &renderer{storage: s.storage, configs: sc.surface.Configs, version: sc.version, rt: sc.rt, logger: s.logger}
}

func wantsTitle(c *gin.Context) bool {
	for _, v := range c.QueryArray("meta") {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), title.MetaProperty) {
				return true
			}
		}
	}
	return false
}

// respond отдаёт данные, дополнив их заголовками при ?meta=title
func (s *Server) respond(c *gin.Context, status int, sc *scope, entityType string, cfg *apiconfig.EntityConfig, data any) {
	if !wantsTitle(c) {
		c.JSON(status, data)
		return
	}
	if cfg.MetaProperty(title.MetaProperty) == "" {
		// общую запись конфигурации не трогаем
		cp := *cfg
		cp.MetaProperties = make(map[string]string, len(cfg.MetaProperties)+1)
		for k, v := range cfg.MetaProperties {
			cp.MetaProperties[k] = v
		}
		cp.MetaProperties[title.MetaProperty] = defaultTitleField
		cfg = &cp
	}

	node := tree.FromValue(data)
	enricher := title.NewEnricher(s.opts.Titles, sc.surface.Configs, s.opts.TitleTimeout, s.opts.Metrics, s.logger)
	rc := title.NewRequestContext(sc.version, sc.rt)
	if err := enricher.Process(c.Request.Context(), rc, node, entityType, cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, node.Interface())
}

// POST /api/:module/:entity
func (s *Server) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, "create")
		if !ok {
			return
		}

		var obj map[string]interface{}
		if err := c.ShouldBindJSON(&obj); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}
		data, err := inputData(sc, obj)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := validateInput(s.storage, sc.surface.Meta, sc.schema, data); err != nil {
			writeError(c, faults.New(faults.ValidationError, "validation failed", err))
			return
		}
		rec, err := s.storage.Insert(sc.fqn, data)
		if err != nil {
			writeError(c, err)
			return
		}
		s.respond(c, http.StatusCreated, sc, sc.fqn, sc.cfg, s.renderer(sc).render(sc.fqn, rec, sc.cfg, 0))
	}
}

// inputData переводит поля API в свойства DSL, подставляет default и проверяет required.
func inputData(sc *scope, obj map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(obj))
	for k, v := range obj {
		prop := sc.cfg.FieldPropertyPath(k)
		if f, ok := sc.cfg.Field(k); ok && f.Exclude {
			return nil, faults.New(faults.ValidationError, fmt.Sprintf("field %q is not writable", k), nil)
		}
		if _, ok := sc.schema.Field(prop); !ok && prop != dsl.SystemIDField {
			return nil, faults.New(faults.ValidationError, fmt.Sprintf("unknown field %q", k), nil)
		}
		data[prop] = v
	}
	for _, f := range sc.schema.Fields {
		if _, ok := data[f.Name]; ok {
			continue
		}
		if def, ok := f.Options["default"]; ok {
			data[f.Name] = def
			continue
		}
		if f.Options["required"] == "true" {
			return nil, faults.New(faults.ValidationError, fmt.Sprintf("field %q is required", f.Name), nil)
		}
	}
	return data, nil
}

// GET /api/:module/:entity
func (s *Server) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, subresource.ActionGetList)
		if !ok {
			return
		}
		q := c.Request.URL.Query()

		// 1) фильтры с операторами
		filtered := filterWithOps(s.storage.List(sc.fqn), sc.schema, q)

		// 2) сортировка/пагинация
		lp := parseListParams(q)
		sortRecordsMultiNulls(filtered, lp.Sort, lp.Nulls)
		pageRecs := page(filtered, lp)

		// 3) ответ — «плоский» + total в заголовке
		r := s.renderer(sc)
		out := make([]any, 0, len(pageRecs))
		for _, rec := range pageRecs {
			out = append(out, r.render(sc.fqn, rec, sc.cfg, 0))
		}
		c.Header("X-Total-Count", strconv.Itoa(len(filtered)))
		s.respond(c, http.StatusOK, sc, sc.fqn, sc.cfg, out)
	}
}

// GET /api/:module/:entity/count
func (s *Server) CountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, subresource.ActionGetList)
		if !ok {
			return
		}
		filtered := filterWithOps(s.storage.List(sc.fqn), sc.schema, c.Request.URL.Query())
		c.JSON(http.StatusOK, gin.H{"total": len(filtered)})
	}
}

// GET /api/:module/:entity/:id
func (s *Server) GetOneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, subresource.ActionGet)
		if !ok {
			return
		}
		rec, ok := s.storage.Get(sc.fqn, c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}
		c.Header("ETag", fmt.Sprintf(`"%d"`, rec.Version))
		s.respond(c, http.StatusOK, sc, sc.fqn, sc.cfg, s.renderer(sc).render(sc.fqn, rec, sc.cfg, 0))
	}
}

// DELETE /api/:module/:entity/:id
func (s *Server) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, "delete")
		if !ok {
			return
		}
		if err := s.storage.Delete(sc.surface.Meta, sc.fqn, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// GET /api/:module/:entity/:id/:association
// Отдаётся, только если подресурс выставлен и get_subresource для него не исключён.
func (s *Server) SubresourceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc, ok := s.resolve(c, "")
		if !ok {
			return
		}
		name := c.Param("association")

		subs, err := sc.surface.Subresources.Get(sc.fqn, sc.version, sc.rt)
		if err != nil {
			s.logger.Warn("subresource collection has errors",
				slog.String("entity", sc.fqn),
				slog.Any("error", err))
		}
		var sub *subresource.Subresource
		if subs != nil {
			sub, _ = subs.Get(name)
		}
		if sub == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subresource not found"})
			return
		}
		if sub.IsExcludedAction(subresource.GetSubresource) {
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Action not allowed", "details": string(subresource.GetSubresource)})
			return
		}

		rec, ok := s.storage.Get(sc.fqn, c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
			return
		}

		target := sub.TargetType()
		tcfg, err := sc.surface.Configs.Config(target, sc.version, sc.rt)
		if err != nil {
			writeError(c, err)
			return
		}
		if tcfg == nil {
			tcfg = &apiconfig.EntityConfig{}
		}

		r := s.renderer(sc)
		value := recordValue(rec, sc.cfg.FieldPropertyPath(name))
		var keys []string
		switch t := value.(type) {
		case string:
			keys = []string{t}
		case []string:
			keys = t
		case []any:
			for _, it := range t {
				if k, ok := it.(string); ok {
					keys = append(keys, k)
				}
			}
		}

		if sub.IsCollection() {
			out := make([]any, 0, len(keys))
			for _, k := range keys {
				if related, ok := s.storage.Get(target, k); ok {
					out = append(out, r.render(target, related, tcfg, 0))
				}
			}
			s.respond(c, http.StatusOK, sc, target, tcfg, out)
			return
		}

		if len(keys) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Related record not found"})
			return
		}
		related, ok := s.storage.Get(target, keys[0])
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Related record not found"})
			return
		}
		s.respond(c, http.StatusOK, sc, target, tcfg, r.render(target, related, tcfg, 0))
	}
}
