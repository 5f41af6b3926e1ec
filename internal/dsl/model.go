package dsl

import "strings"

// Entity описывает структуру сущности из DSL
type Entity struct {
	Module      string
	Name        string
	Fields      []Field
	Constraints Constraints
}

// Constraints — блок constraints: внутри entity
type Constraints struct {
	Unique [][]string // unique(a, b)
	Key    []string   // key(a, b) — составной идентификатор вместо системного id
}

// Field описывает поле сущности
type Field struct {
	Name      string
	Type      string            // string, int, date, enum, ref, array и т.д.
	ElemType  string            // для array[...]: тип элемента
	RefTarget string            // для ref[...] и array[ref[...]]: "Entity" или "module.Entity"
	Enum      []string          // значения enum, если поле типа enum
	Options   map[string]string // required, unique, default и прочие опции
}

// SystemIDField — системный идентификатор, есть у каждой сущности без key(...)
const SystemIDField = "id"

// FQN возвращает "module.Entity"
func (e *Entity) FQN() string {
	return e.Module + "." + e.Name
}

// IdentifierFields — поля идентификатора: key(...) или системный id.
func (e *Entity) IdentifierFields() []string {
	if len(e.Constraints.Key) > 0 {
		return append([]string(nil), e.Constraints.Key...)
	}
	return []string{SystemIDField}
}

// Field ищет поле по имени (регистр учитывается)
func (e *Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsRef — одиночная ссылка ref[...]
func (f Field) IsRef() bool {
	return strings.EqualFold(f.Type, "ref") && f.RefTarget != ""
}

// IsRefArray — массив ссылок array[ref[...]]
func (f Field) IsRefArray() bool {
	return strings.EqualFold(f.Type, "array") && strings.EqualFold(f.ElemType, "ref") && f.RefTarget != ""
}

// DisplayField — поле для отображения записи (заголовки, ссылки):
// name/title/email/code, затем первое string-поле, иначе id.
func (e *Entity) DisplayField() string {
	for _, c := range []string{"name", "title", "email", "code"} {
		if _, ok := e.Field(c); ok {
			return c
		}
	}
	for _, f := range e.Fields {
		if f.Type == "string" {
			return f.Name
		}
	}
	return SystemIDField
}
