package pg

import (
	"fmt"
	"strings"

	"apisurface/internal/dsl"
	"apisurface/internal/metadata"
)

type OnDeletePolicy string

const (
	OnDeleteRestrict OnDeletePolicy = "RESTRICT"
	OnDeleteSetNull  OnDeletePolicy = "SET NULL"
	OnDeleteCascade  OnDeletePolicy = "CASCADE"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

// элементарная плюрализация (достаточно для users, projects, ...)
// при желании затем подключим инфлектор
func plural(s string) string {
	s = strings.ToLower(s)
	if strings.HasSuffix(s, "s") {
		return s
	}
	return s + "s"
}

// schema = module (lower), table = plural(entity) с защитой keyword'ов
func safeSchema(module string) string { return strings.ToLower(module) }

func safeTable(entity string) string {
	t := plural(entity)
	t = strings.ToLower(t)
	if isReserved(t) {
		// помечаем «опасное» имя префиксом
		t = "e_" + t
	}
	return t
}

func fqn(mod, tbl string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(mod), strings.ToLower(tbl))
}

func sqlIdent(s string) string { return `"` + strings.ToLower(s) + `"` }

// TableName — квалифицированное имя таблицы сущности: "module"."entities"
func TableName(e *dsl.Entity) string {
	return sqlIdent(safeSchema(e.Module)) + "." + sqlIdent(safeTable(e.Name))
}

func mapType(f dsl.Field) (string, error) {
	t := strings.ToLower(f.Type)
	switch t {
	case "string":
		// можно расширить до varchar(n) через опции
		return "text", nil
	case "int":
		return "bigint", nil
	case "float":
		return "double precision", nil
	case "money":
		return "numeric(18,2)", nil
	case "bool":
		return "boolean", nil
	case "date":
		return "date", nil
	case "datetime":
		return "timestamp with time zone", nil
	case "enum":
		// пока как text; можно генерить enum types отдельно
		return "text", nil
	case "ref":
		return "text", nil // id целевой записи
	case "array":
		// массив примитивов — маппим в jsonb, чтобы быстро поехать
		return "jsonb", nil
	default:
		return "", fmt.Errorf("unknown type: %s", f.Type)
	}
}

func onDeletePolicy(f dsl.Field) OnDeletePolicy {
	if f.Options == nil {
		return OnDeleteRestrict
	}
	switch strings.ToLower(strings.TrimSpace(f.Options["on_delete"])) {
	case "set_null":
		return OnDeleteSetNull
	case "cascade":
		return OnDeleteCascade
	default:
		return OnDeleteRestrict
	}
}

type fkStmt struct {
	mod, tbl, name, col, refMod, refTbl string
	onDelete                            OnDeletePolicy
}

func (fk fkStmt) sql() string {
	return fmt.Sprintf("alter table %s.%s add constraint %s foreign key (%s) references %s.%s(id) on delete %s;",
		sqlIdent(fk.mod), sqlIdent(fk.tbl), fk.name, sqlIdent(fk.col),
		sqlIdent(fk.refMod), sqlIdent(fk.refTbl), fk.onDelete)
}

// GenerateDDL возвращает карту ключ -> SQL для ApplyDDL. Порядок ключей:
// 000_schemas, 100_table_<schema.table> (таблица и её индексы), 200_fk_<schema.fk> по одному FK.
// Сущность с key(...) получает составной primary key вместо "id".
func GenerateDDL(entities map[string]*dsl.Entity) (map[string]string, error) {
	meta := metadata.NewResolver(entities)
	out := make(map[string]string, len(entities)*2+1)

	var schemas strings.Builder
	seenSchemas := map[string]struct{}{}
	for _, fqnKey := range meta.EntityTypes() {
		e := entities[fqnKey]
		mod, tbl := safeSchema(e.Module), safeTable(e.Name)

		if _, ok := seenSchemas[mod]; !ok {
			fmt.Fprintf(&schemas, "create schema if not exists %s;\n", sqlIdent(mod))
			seenSchemas[mod] = struct{}{}
		}

		table, err := tableDDL(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fqnKey, err)
		}
		out["100_table_"+fqn(mod, tbl)] = table

		fks, err := foreignKeys(meta, e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fqnKey, err)
		}
		for _, fk := range fks {
			out["200_fk_"+fqn(fk.mod, fk.name)] = fk.sql()
		}
	}
	out["000_schemas"] = schemas.String()
	return out, nil
}

// tableDDL — create table и unique-индексы одной сущности
func tableDDL(e *dsl.Entity) (string, error) {
	mod, tbl := safeSchema(e.Module), safeTable(e.Name)
	composite := len(e.Constraints.Key) > 0

	// системные колонки
	var cols []string
	seen := map[string]struct{}{"version": {}, "created_at": {}, "updated_at": {}}
	if !composite {
		cols = append(cols, `"id" text primary key`)
		seen[dsl.SystemIDField] = struct{}{}
	}
	cols = append(cols,
		`"version" bigint not null`,
		`"created_at" timestamp with time zone not null`,
		`"updated_at" timestamp with time zone not null`)

	for _, f := range e.Fields {
		lower := strings.ToLower(f.Name)
		if _, exists := seen[lower]; exists {
			return "", fmt.Errorf("field %q duplicates a system or duplicate column", f.Name)
		}
		seen[lower] = struct{}{}

		typ, err := mapType(f)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.Name, err)
		}
		null := "null"
		if _, ok := f.Options["required"]; ok {
			null = "not null"
		}
		def := ""
		if dv, ok := f.Options["default"]; ok && strings.TrimSpace(dv) != "" {
			def = " default '" + strings.ReplaceAll(dv, "'", "''") + "'"
		}
		cols = append(cols, fmt.Sprintf("%s %s %s%s", sqlIdent(f.Name), typ, null, def))
	}

	if composite {
		keyCols := make([]string, 0, len(e.Constraints.Key))
		for _, k := range e.Constraints.Key {
			if _, ok := e.Field(k); !ok {
				return "", fmt.Errorf("key field %q is not declared", k)
			}
			keyCols = append(keyCols, sqlIdent(k))
		}
		cols = append(cols, fmt.Sprintf("primary key (%s)", strings.Join(keyCols, ", ")))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "create table if not exists %s.%s (\n  %s\n);\n",
		sqlIdent(mod), sqlIdent(tbl), strings.Join(cols, ",\n  "))

	// UNIQUE по полям
	for _, f := range e.Fields {
		if _, ok := f.Options["unique"]; ok {
			fmt.Fprintf(&sb, "create unique index if not exists %s_%s_uq on %s.%s(%s);\n",
				strings.ToLower(e.Name), strings.ToLower(f.Name),
				sqlIdent(mod), sqlIdent(tbl), sqlIdent(f.Name))
		}
	}
	// UNIQUE составные
	for _, set := range e.Constraints.Unique {
		if len(set) == 0 {
			continue
		}
		parts := make([]string, len(set))
		for i, p := range set {
			parts[i] = sqlIdent(p)
		}
		fmt.Fprintf(&sb, "create unique index if not exists %s on %s.%s(%s);\n",
			sqlIdent(strings.ToLower(e.Name+"_"+strings.Join(set, "_")+"_uq")),
			sqlIdent(mod), sqlIdent(tbl), strings.Join(parts, ", "))
	}
	return sb.String(), nil
}

// foreignKeys — FK одиночных ссылок. Ссылка на сущность с составным ключом
// хранится текстом "v1,v2" и внешним ключом не проверяется; массивы ссылок живут в jsonb.
func foreignKeys(meta *metadata.Resolver, e *dsl.Entity) ([]fkStmt, error) {
	var out []fkStmt
	for _, f := range e.Fields {
		if !f.IsRef() {
			continue
		}
		target, ok := meta.ResolveRef(e, f)
		if !ok {
			return nil, fmt.Errorf("%s: unresolved ref target %q", f.Name, f.RefTarget)
		}
		te, _ := meta.Entity(target)
		if len(te.Constraints.Key) > 0 {
			continue
		}
		out = append(out, fkStmt{
			mod:      safeSchema(e.Module),
			tbl:      safeTable(e.Name),
			name:     strings.ToLower(e.Name + "_" + f.Name + "_fk"),
			col:      f.Name,
			refMod:   safeSchema(te.Module),
			refTbl:   safeTable(te.Name),
			onDelete: onDeletePolicy(f),
		})
	}
	return out, nil
}
