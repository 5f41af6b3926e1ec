package api

import (
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"apisurface/internal/dsl"
	"apisurface/internal/tree"
)

// ==== Типы сортировки и параметров листинга ====

type SortKey struct {
	Field string
	Desc  bool
}

type ListParams struct {
	Limit   int
	Offset  int
	Sort    []SortKey
	Filters map[string][]string
	Q       string
	Nulls   string // "last" (default) | "first"
}

// ==== Парсинг query-параметров ====

func parseListParams(q url.Values) ListParams {
	// limit
	limit := 50
	lv := q.Get("_limit")
	if lv == "" {
		lv = q.Get("limit")
	}
	if lv != "" {
		if n, err := strconv.Atoi(lv); err == nil && n >= 0 && n <= 1000 {
			limit = n
		}
	}

	// offset
	offset := 0
	ov := q.Get("_offset")
	if ov == "" {
		ov = q.Get("offset")
	}
	if ov != "" {
		if n, err := strconv.Atoi(ov); err == nil && n >= 0 {
			offset = n
		}
	}

	// sort
	var sortKeys []SortKey
	sv := strings.TrimSpace(q.Get("_sort"))
	if sv == "" {
		sv = strings.TrimSpace(q.Get("sort"))
	}
	if sv != "" {
		parts := strings.Split(sv, ",")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			desc := false
			if strings.HasPrefix(p, "-") {
				desc = true
				p = strings.TrimPrefix(p, "-")
			} else if strings.HasPrefix(p, "+") {
				p = strings.TrimPrefix(p, "+")
			}
			if p != "" {
				sortKeys = append(sortKeys, SortKey{Field: p, Desc: desc})
			}
		}
	}

	// nulls
	nulls := strings.ToLower(strings.TrimSpace(q.Get("nulls")))
	if nulls != "first" && nulls != "last" {
		nulls = "last"
	}

	// фильтры (исключаем служебные ключи)
	filters := make(map[string][]string)
	for key, vals := range q {
		if reservedParams[key] {
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			if strings.TrimSpace(v) != "" {
				clean = append(clean, v)
			}
		}
		if len(clean) > 0 {
			filters[key] = clean
		}
	}

	return ListParams{
		Limit:   limit,
		Offset:  offset,
		Sort:    sortKeys,
		Filters: filters,
		Q:       strings.TrimSpace(q.Get("q")),
		Nulls:   nulls,
	}
}

// ==== Утилита ====

func toString(v any) string { return tree.FormatScalar(v) }

// ==== Сортировка с политикой nulls ====

func isNull(v any, ok bool) bool { return !ok || v == nil }

// сравнение двух записей по одному ключу с учётом nullsPolicy и направления
func cmpByKey(a, b *Record, key string, nullsPolicy string, desc bool) int {
	va := recordValue(a, key)
	vb := recordValue(b, key)
	oka, okb := va != nil, vb != nil

	na := isNull(va, oka)
	nb := isNull(vb, okb)

	// nulls first/last
	if na && nb {
		return 0
	}
	if na != nb {
		if nullsPolicy == "last" {
			if na {
				return +1 // a=null → в конец при asc
			}
			return -1
		}
		// nulls=first
		if na {
			return -1
		}
		return +1
	}

	// оба не null — сравним строково (как и было)
	sa := toString(va)
	sb := toString(vb)
	rel := 0
	if sa < sb {
		rel = -1
	} else if sa > sb {
		rel = +1
	}
	if desc {
		rel = -rel
	}
	return rel
}

// мультисортировка с учётом nullsPolicy
func sortRecordsMultiNulls(records []*Record, keys []SortKey, nullsPolicy string) {
	if len(keys) == 0 {
		return
	}
	type kspec struct {
		name string
		desc bool
	}
	specs := make([]kspec, 0, len(keys))
	for _, k := range keys {
		if k.Field == "" {
			continue
		}
		specs = append(specs, kspec{name: k.Field, desc: k.Desc})
	}

	sort.SliceStable(records, func(i, j int) bool {
		for _, s := range specs {
			if c := cmpByKey(records[i], records[j], s.name, nullsPolicy, s.desc); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// ==== Фильтры с операторами ====

type filterCond struct {
	field string
	op    string // eq, in, gt, gte, lt, lte
	vals  []string
}

// служебные параметры запроса, которые не являются фильтрами
var reservedParams = map[string]bool{
	"q": true, "offset": true, "limit": true, "sort": true, "order": true,
	"_offset": true, "_limit": true, "_sort": true, "_order": true,
	"nulls": true, "meta": true, "version": true, "request_type": true,
}

// parse list conditions from query, like:
//
//	status__in=Draft,Booked
//	amount__gte=1000
//	date__lte=2025-01-31
func buildConds(q url.Values) []filterCond {
	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []filterCond
	for _, key := range keys {
		vals := q[key]
		if reservedParams[key] || len(vals) == 0 {
			continue
		}
		// key can be: field or field__op
		field := key
		op := "eq"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field = key[:i]
			op = key[i+2:]
		}
		v := vals[0]
		if strings.HasPrefix(v, "in:") {
			op = "in"
			v = strings.TrimPrefix(v, "in:")
		}
		var parts []string
		if op == "in" {
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
		} else {
			parts = []string{v}
		}
		if field != "" && len(parts) > 0 {
			out = append(out, filterCond{field: field, op: op, vals: parts})
		}
	}
	return out
}

func fieldTypeOf(schema *dsl.Entity, name string) string {
	if f, ok := schema.Field(name); ok {
		// нормализуем enum к "enum"
		if strings.HasPrefix(f.Type, "enum") || len(f.Enum) > 0 {
			return "enum"
		}
		return f.Type
	}
	if name == dsl.SystemIDField {
		return "string"
	}
	return "" // неизвестное поле
}

func parseNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int, int32, int64:
		return float64(reflect.ValueOf(x).Int()), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func compareTimes(layout string, got any, op, want string) bool {
	wd, err := time.Parse(layout, strings.TrimSpace(want))
	if err != nil {
		return false
	}
	s, ok := got.(string)
	if !ok {
		return false
	}
	gd, err := time.Parse(layout, s)
	if err != nil {
		return false
	}
	switch op {
	case "gt":
		return gd.After(wd)
	case "gte":
		return !gd.Before(wd)
	case "lt":
		return gd.Before(wd)
	case "lte":
		return !gd.After(wd)
	}
	return false
}

func compareByType(ft string, got any, op string, want string) bool {
	// равенство/IN для всего — сравниваем строковые представления
	switch op {
	case "eq":
		return strings.EqualFold(toString(got), want)
	case "in":
		gs := toString(got)
		for _, w := range strings.Split(want, ",") {
			if strings.EqualFold(gs, strings.TrimSpace(w)) {
				return true
			}
		}
		return false
	}

	// сравнения — только для чисел и дат
	switch ft {
	case "int", "float", "money":
		gv, ok := parseNumber(got)
		if !ok {
			return false
		}
		wv, ok := parseNumber(want)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return gv > wv
		case "gte":
			return gv >= wv
		case "lt":
			return gv < wv
		case "lte":
			return gv <= wv
		}
	case "date":
		return compareTimes("2006-01-02", got, op, want)
	case "datetime":
		return compareTimes(time.RFC3339, got, op, want)
	}
	// неизвестный тип/оператор — не совпало
	return false
}

func filterWithOps(all []*Record, schema *dsl.Entity, q url.Values) []*Record {
	conds := buildConds(q)
	needle := strings.ToLower(strings.TrimSpace(q.Get("q")))
	if len(conds) == 0 && needle == "" {
		return all
	}
	out := make([]*Record, 0, len(all))

loopRecs:
	for _, r := range all {
		// 1) операторы по полям
		for _, cnd := range conds {
			ft := fieldTypeOf(schema, cnd.field)
			if ft == "" {
				// неизвестное поле — считаем, что не матчится
				continue loopRecs
			}
			got := recordValue(r, cnd.field)
			switch cnd.op {
			case "eq", "gt", "gte", "lt", "lte":
				if !compareByType(ft, got, cnd.op, cnd.vals[0]) {
					continue loopRecs
				}
			case "in":
				if !compareByType(ft, got, "in", strings.Join(cnd.vals, ",")) {
					continue loopRecs
				}
			default:
				continue loopRecs
			}
		}
		// 2) полнотекстовый q по строковым полям
		if needle != "" {
			found := false
			for _, v := range r.Data {
				if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// page режет отфильтрованный список по limit/offset
func page(records []*Record, lp ListParams) []*Record {
	start := lp.Offset
	if start > len(records) {
		start = len(records)
	}
	end := start + lp.Limit
	if end > len(records) {
		end = len(records)
	}
	return records[start:end]
}
