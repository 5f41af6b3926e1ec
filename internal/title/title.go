// Package title дополняет результат запроса мета-свойством "title":
// собирает идентификаторы по всему дереву (включая раскрытые ассоциации
// и составные ключи), делает один пакетный запрос заголовков и
// раскладывает их обратно по тем же узлам.
package title

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"apisurface/internal/apiconfig"
	"apisurface/internal/faults"
	"apisurface/internal/logging"
	"apisurface/internal/metrics"
	"apisurface/internal/tree"
)

// OperationName — метка обработки в RequestContext
const OperationName = "loadTitleMetaProperty"

// MetaProperty — имя мета-свойства в meta_properties конфигурации
const MetaProperty = "title"

// Batch — идентификаторы одного типа сущности для пакетного запроса.
// Каждый элемент IDs выровнен с PropertyPaths (один элемент для простого ключа).
type Batch struct {
	PropertyPaths []string
	IDs           [][]any
}

// IdentifierMap — тип сущности → пакет идентификаторов
type IdentifierMap map[string]*Batch

// EntityTypes — типы в стабильном порядке
func (m IdentifierMap) EntityTypes() []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Size — общее число идентификаторов
func (m IdentifierMap) Size() int {
	n := 0
	for _, b := range m {
		n += len(b.IDs)
	}
	return n
}

// Row — найденный заголовок; ID выровнен с PropertyPaths пакета своего типа.
type Row struct {
	EntityType string
	ID         []any
	Title      string
}

// Provider — внешний источник заголовков. Вызывается не более одного раза за запрос.
type Provider interface {
	Titles(ctx context.Context, ids IdentifierMap) ([]Row, error)
}

// ConfigSource разрешает конфигурацию цели раскрытой ассоциации,
// если в поле не задан target_entity с идентификатором.
type ConfigSource interface {
	Config(entityType, version string, rt apiconfig.RequestType) (*apiconfig.EntityConfig, error)
}

// LookupError — отказ пакетного запроса заголовков
type LookupError struct {
	Cause error
}

func (e *LookupError) Error() string { return "title lookup failed: " + e.Cause.Error() }

func (e *LookupError) Unwrap() error {
	return faults.New(faults.TransportError, "title lookup failed", e.Cause)
}

// RequestContext — состояние одного запроса
type RequestContext struct {
	Version     string
	RequestType apiconfig.RequestType

	processed map[string]struct{}
}

func NewRequestContext(version string, rt apiconfig.RequestType) *RequestContext {
	return &RequestContext{Version: version, RequestType: rt, processed: map[string]struct{}{}}
}

func (c *RequestContext) IsProcessed(op string) bool {
	_, ok := c.processed[op]
	return ok
}

func (c *RequestContext) MarkProcessed(op string) {
	c.processed[op] = struct{}{}
}

type Enricher struct {
	provider Provider
	configs  ConfigSource
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEnricher; configs и m могут быть nil, timeout <= 0 — без ограничения.
func NewEnricher(provider Provider, configs ConfigSource, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Enricher {
	return &Enricher{
		provider: provider,
		configs:  configs,
		timeout:  timeout,
		metrics:  m,
		logger:   logging.OrNop(logger),
	}
}

// Process — шаг конвейера обработки запроса. Ничего не делает, если заголовки
// уже загружены, данных нет, сущность не сконфигурирована или title не запрошен.
func (e *Enricher) Process(ctx context.Context, rc *RequestContext, data *tree.Node, entityType string, cfg *apiconfig.EntityConfig) error {
	if rc == nil {
		rc = NewRequestContext(apiconfig.VersionLatest, apiconfig.RequestTypeREST)
	}
	if rc.IsProcessed(OperationName) {
		return nil
	}
	if data.IsEmpty() || cfg == nil {
		return nil
	}
	titleField := cfg.MetaProperty(MetaProperty)
	if titleField == "" {
		return nil
	}
	if cfg.ParentResourceClass != "" {
		entityType = cfg.ParentResourceClass
	}
	if err := e.enrich(ctx, rc, data, entityType, cfg, titleField); err != nil {
		return err
	}
	rc.MarkProcessed(OperationName)
	return nil
}

// Enrich дополняет data заголовками в поле titleField (версия latest, rest).
func (e *Enricher) Enrich(ctx context.Context, data *tree.Node, entityType string, cfg *apiconfig.EntityConfig, titleField string) error {
	rc := NewRequestContext(apiconfig.VersionLatest, apiconfig.RequestTypeREST)
	return e.enrich(ctx, rc, data, entityType, cfg, titleField)
}

func (e *Enricher) enrich(ctx context.Context, rc *RequestContext, data *tree.Node, entityType string, cfg *apiconfig.EntityConfig, titleField string) error {
	w := &walker{enricher: e, rc: rc, ids: IdentifierMap{}, seen: map[string]map[string]struct{}{}}
	root := w.shape(entityType, cfg)
	if root == nil {
		return nil
	}
	records := data.Records()
	w.collect(records, root)
	if len(w.ids) == 0 {
		return nil
	}

	titles, err := e.lookup(ctx, w.ids)
	if err != nil {
		return err
	}
	w.scatter(records, root, titles, titleField)
	return nil
}

func (e *Enricher) lookup(ctx context.Context, ids IdentifierMap) (map[string]string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	size := ids.Size()
	e.logger.Debug("title lookup",
		slog.Int("entity_types", len(ids)),
		slog.Int("identifiers", size))

	start := time.Now()
	rows, err := e.provider.Titles(ctx, ids)
	if err == nil {
		err = ctx.Err()
	}
	e.metrics.ObserveTitleLookup(time.Since(start), size, err)
	if err != nil {
		e.logger.Error("title lookup failed", slog.Any("error", err))
		return nil, &LookupError{Cause: err}
	}

	index := make(map[string]string, len(rows))
	for _, row := range rows {
		b, ok := ids[row.EntityType]
		if !ok || len(row.ID) != len(b.PropertyPaths) {
			continue
		}
		index[entityKey(row.EntityType, b.PropertyPaths, row.ID)] = row.Title
	}
	return index, nil
}

// shape — что известно об узлах одного уровня: тип, поля идентификатора, раскрытые ассоциации
type shape struct {
	entityType string
	idFields   []string
	idPaths    []string
	cfg        *apiconfig.EntityConfig
	assocs     []*assocShape
}

type assocShape struct {
	name   string
	field  *apiconfig.FieldConfig
	target *shape
	done   bool
}

type walker struct {
	enricher *Enricher
	rc       *RequestContext
	ids      IdentifierMap
	// канонические ключи по типам для дедупликации
	seen map[string]map[string]struct{}
}

// shape возвращает nil, если у сущности не сконфигурирован идентификатор.
func (w *walker) shape(entityType string, cfg *apiconfig.EntityConfig) *shape {
	if cfg == nil || len(cfg.IdentifierFieldNames) == 0 {
		return nil
	}
	s := &shape{entityType: entityType, idFields: cfg.IdentifierFieldNames, cfg: cfg}
	for _, f := range cfg.IdentifierFieldNames {
		s.idPaths = append(s.idPaths, cfg.FieldPropertyPath(f))
	}
	expanded := cfg.ExpandedAssociations()
	names := make([]string, 0, len(expanded))
	for name := range expanded {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.assocs = append(s.assocs, &assocShape{name: name, field: expanded[name]})
	}
	return s
}

// targetShape разрешается лениво: конфигурации могут ссылаться друг на друга циклически,
// а глубина обхода ограничена самими данными.
func (w *walker) targetShape(a *assocShape) *shape {
	if a.done {
		return a.target
	}
	a.done = true
	cfg := a.field.TargetEntity
	if (cfg == nil || len(cfg.IdentifierFieldNames) == 0) && w.enricher.configs != nil && a.field.TargetClass != "" {
		resolved, err := w.enricher.configs.Config(a.field.TargetClass, w.rc.Version, w.rc.RequestType)
		if err != nil {
			w.enricher.logger.Warn("target config unavailable",
				slog.String("association", a.name),
				slog.String("target", a.field.TargetClass),
				slog.Any("error", err))
		} else if resolved != nil {
			cfg = resolved
		}
	}
	a.target = w.shape(a.field.TargetClass, cfg)
	return a.target
}

// children — записи раскрытой ассоциации; to-one значение — коллекция из одного элемента
func children(r *tree.Record, a *assocShape) []*tree.Record {
	n, ok := r.Get(a.name)
	if !ok || n.IsEmpty() {
		return nil
	}
	return n.Records()
}

func (w *walker) collect(records []*tree.Record, s *shape) {
	for _, r := range records {
		entityType := s.entityType
		if r.EntityType != "" {
			entityType = r.EntityType
		}
		if id, ok := identifier(r, s.idFields); ok {
			w.add(entityType, s, id)
		}
		for _, a := range s.assocs {
			items := children(r, a)
			if len(items) == 0 {
				continue
			}
			if t := w.targetShape(a); t != nil {
				w.collect(items, t)
			}
		}
	}
}

func (w *walker) add(entityType string, s *shape, id []any) {
	b, ok := w.ids[entityType]
	if !ok {
		b = &Batch{PropertyPaths: s.idPaths}
		w.ids[entityType] = b
		w.seen[entityType] = map[string]struct{}{}
	}
	if len(b.PropertyPaths) != len(id) {
		return
	}
	key := dedupKey(s.idFields, id)
	if _, dup := w.seen[entityType][key]; dup {
		return
	}
	w.seen[entityType][key] = struct{}{}
	b.IDs = append(b.IDs, id)
}

func (w *walker) scatter(records []*tree.Record, s *shape, titles map[string]string, titleField string) {
	for _, r := range records {
		entityType := s.entityType
		if r.EntityType != "" {
			entityType = r.EntityType
		}
		if id, ok := identifier(r, s.idFields); ok {
			if b, ok := w.ids[entityType]; ok && len(b.PropertyPaths) == len(id) {
				if title, ok := titles[entityKey(entityType, b.PropertyPaths, id)]; ok {
					r.SetValue(titleField, title)
				}
			}
		}
		for _, a := range s.assocs {
			items := children(r, a)
			if len(items) == 0 || a.target == nil {
				continue
			}
			w.scatter(items, a.target, titles, titleField)
		}
	}
}

// identifier — значения полей идентификатора; false, если хоть одно отсутствует
func identifier(r *tree.Record, fields []string) ([]any, bool) {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		v, ok := r.Scalar(f)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// dedupKey: простой ключ сравнивается с учётом типа, составной — как "f1=v1,f2=v2".
func dedupKey(fields []string, id []any) string {
	if len(id) == 1 {
		return fmt.Sprintf("%T:%s", id[0], tree.FormatScalar(id[0]))
	}
	parts := make([]string, len(id))
	for i, v := range id {
		parts[i] = fields[i] + "=" + tree.FormatScalar(v)
	}
	return strings.Join(parts, ",")
}

// entityKey — ключ индекса заголовков: "type::v" или "type::p1=v1;p2=v2"
func entityKey(entityType string, paths []string, id []any) string {
	if len(id) == 1 {
		return entityType + "::" + tree.FormatScalar(id[0])
	}
	parts := make([]string, len(id))
	for i, v := range id {
		parts[i] = paths[i] + "=" + tree.FormatScalar(v)
	}
	return entityType + "::" + strings.Join(parts, ";")
}
