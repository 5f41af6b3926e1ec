package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"apisurface/internal/dsl"
	"apisurface/internal/title"
	"apisurface/internal/tree"
)

// TitleStore — источник заголовков из PostgreSQL: один SELECT на тип сущности.
type TitleStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	entities map[string]*dsl.Entity
}

func NewTitleStore(db *sql.DB, entities map[string]*dsl.Entity) *TitleStore {
	return &TitleStore{db: db, entities: entities}
}

// SetSchemas заменяет схемы после admin reload
func (s *TitleStore) SetSchemas(entities map[string]*dsl.Entity) {
	s.mu.Lock()
	s.entities = entities
	s.mu.Unlock()
}

func (s *TitleStore) schema(entityType string) (*dsl.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityType]
	return e, ok
}

// displayExpr — выражение заголовка; для составного ключа без строковых полей — ключ через запятую.
func displayExpr(e *dsl.Entity) string {
	display := e.DisplayField()
	if display == dsl.SystemIDField && len(e.Constraints.Key) > 0 {
		parts := make([]string, len(e.Constraints.Key))
		for i, k := range e.Constraints.Key {
			parts[i] = sqlIdent(k) + "::text"
		}
		return "concat_ws(','," + strings.Join(parts, ",") + ")"
	}
	return sqlIdent(display) + "::text"
}

// titleQuery строит SELECT с row-value IN по текстовым значениям путей.
func titleQuery(e *dsl.Entity, b *title.Batch) (string, []any) {
	cols := make([]string, len(b.PropertyPaths))
	for i, p := range b.PropertyPaths {
		cols[i] = sqlIdent(p) + "::text"
	}

	args := make([]any, 0, len(b.IDs)*len(cols))
	tuples := make([]string, 0, len(b.IDs))
	for _, id := range b.IDs {
		ph := make([]string, len(id))
		for i, v := range id {
			args = append(args, tree.FormatScalar(v))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(ph, ",")+")")
	}

	disp := displayExpr(e)
	q := fmt.Sprintf("select %s, %s from %s where (%s) in (%s) and %s is not null",
		strings.Join(cols, ", "), disp, TableName(e),
		strings.Join(cols, ","), strings.Join(tuples, ","), disp)
	return q, args
}

func textKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = tree.FormatScalar(v)
	}
	return strings.Join(parts, ",")
}

func (s *TitleStore) Titles(ctx context.Context, ids title.IdentifierMap) ([]title.Row, error) {
	var rows []title.Row
	for _, entityType := range ids.EntityTypes() {
		e, ok := s.schema(entityType)
		b := ids[entityType]
		if !ok || len(b.IDs) == 0 || len(b.PropertyPaths) == 0 {
			continue
		}

		// ответ БД приводим к запрошенным значениям
		requested := make(map[string][]any, len(b.IDs))
		for _, id := range b.IDs {
			requested[textKey(id)] = id
		}

		q, args := titleQuery(e, b)
		found, err := s.query(ctx, q, args, len(b.PropertyPaths))
		if err != nil {
			return nil, fmt.Errorf("%s titles: %w", entityType, err)
		}
		for key, t := range found {
			id, ok := requested[key]
			if !ok {
				continue
			}
			rows = append(rows, title.Row{EntityType: entityType, ID: id, Title: t})
		}
	}
	return rows, nil
}

func (s *TitleStore) query(ctx context.Context, q string, args []any, width int) (map[string]string, error) {
	res, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := map[string]string{}
	for res.Next() {
		vals := make([]sql.NullString, width+1)
		dst := make([]any, len(vals))
		for i := range vals {
			dst[i] = &vals[i]
		}
		if err := res.Scan(dst...); err != nil {
			return nil, err
		}
		key := make([]any, width)
		for i := 0; i < width; i++ {
			key[i] = vals[i].String
		}
		out[textKey(key)] = vals[width].String
	}
	return out, res.Err()
}
