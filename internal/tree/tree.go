// Package tree — типизированное дерево результата запроса: Scalar, Record, List.
package tree

import (
	"sort"
)

// EntityTypeKey — ключ строки, задающий тип сущности для этой строки
// (разнородные коллекции). При разборе выносится в Record.EntityType.
const EntityTypeKey = "__class__"

type Kind uint8

const (
	KindScalar Kind = iota
	KindRecord
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindList:
		return "list"
	default:
		return "scalar"
	}
}

// Node — узел дерева. Заполнено ровно одно из Value / Record / Items согласно Kind.
type Node struct {
	Kind   Kind
	Value  any
	Record *Record
	Items  []*Node
}

func NewScalar(v any) *Node { return &Node{Kind: KindScalar, Value: v} }

func NewRecordNode(r *Record) *Node { return &Node{Kind: KindRecord, Record: r} }

func NewList(items ...*Node) *Node { return &Node{Kind: KindList, Items: items} }

// IsEmpty — скаляр или пустой контейнер
func (n *Node) IsEmpty() bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindRecord:
		return n.Record == nil || n.Record.Len() == 0
	case KindList:
		return len(n.Items) == 0
	default:
		return true
	}
}

// Records — записи узла: сама запись или записи-элементы списка
func (n *Node) Records() []*Record {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindRecord:
		if n.Record == nil {
			return nil
		}
		return []*Record{n.Record}
	case KindList:
		var out []*Record
		for _, it := range n.Items {
			if it != nil && it.Kind == KindRecord && it.Record != nil {
				out = append(out, it.Record)
			}
		}
		return out
	default:
		return nil
	}
}

// Record — упорядоченный набор полей
type Record struct {
	EntityType string

	keys   []string
	fields map[string]*Node
}

func NewRecord() *Record {
	return &Record{fields: map[string]*Node{}}
}

func (r *Record) Get(name string) (*Node, bool) {
	n, ok := r.fields[name]
	return n, ok
}

// Scalar возвращает значение скалярного поля; nil-значение считается отсутствующим.
func (r *Record) Scalar(name string) (any, bool) {
	n, ok := r.fields[name]
	if !ok || n == nil || n.Kind != KindScalar || n.Value == nil {
		return nil, false
	}
	return n.Value, true
}

func (r *Record) Set(name string, n *Node) {
	if _, ok := r.fields[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.fields[name] = n
}

// SetValue — Set(name, FromValue(v))
func (r *Record) SetValue(name string, v any) { r.Set(name, FromValue(v)) }

func (r *Record) Keys() []string { return append([]string(nil), r.keys...) }

func (r *Record) Len() int { return len(r.keys) }

// FromValue строит дерево из декодированного JSON/YAML-значения.
// Ключи записей упорядочиваются лексикографически.
func FromValue(v any) *Node {
	switch t := v.(type) {
	case *Node:
		return t
	case map[string]any:
		r := NewRecord()
		if cls, ok := t[EntityTypeKey].(string); ok {
			r.EntityType = cls
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			if k != EntityTypeKey {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.Set(k, FromValue(t[k]))
		}
		return NewRecordNode(r)
	case []map[string]any:
		items := make([]*Node, len(t))
		for i, x := range t {
			items[i] = FromValue(x)
		}
		return NewList(items...)
	case []any:
		items := make([]*Node, len(t))
		for i, x := range t {
			items[i] = FromValue(x)
		}
		return NewList(items...)
	default:
		return NewScalar(v)
	}
}

// Interface — обратное преобразование; EntityType записи выводится под EntityTypeKey.
func (n *Node) Interface() any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindRecord:
		if n.Record == nil {
			return map[string]any{}
		}
		out := make(map[string]any, n.Record.Len()+1)
		for _, k := range n.Record.keys {
			out[k] = n.Record.fields[k].Interface()
		}
		if n.Record.EntityType != "" {
			out[EntityTypeKey] = n.Record.EntityType
		}
		return out
	case KindList:
		out := make([]any, len(n.Items))
		for i, it := range n.Items {
			out[i] = it.Interface()
		}
		return out
	default:
		return n.Value
	}
}
