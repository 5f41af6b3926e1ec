package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisurface/internal/dsl"
)

func loadEntities(t *testing.T, src string) map[string]*dsl.Entity {
	t.Helper()
	list, err := dsl.Parse(strings.NewReader(src))
	require.NoError(t, err)
	out := make(map[string]*dsl.Entity, len(list))
	for _, e := range list {
		out[e.FQN()] = e
	}
	return out
}

const src = `
module sales
entity Order:
  customer: ref[Customer]
  tags: array[ref[catalog.Tag]]
  supplier: ref[Supplier]
  lines: array[ref[OrderLine]]
  number: string

entity Customer:
  name: string

entity OrderLine:
  order: ref[Order]
  line: int
  constraints:
    key(order, line)

module catalog
entity Tag:
  name: string
`

func TestResolverMetadata(t *testing.T) {
	r := NewResolver(loadEntities(t, src))

	m, ok := r.Metadata("sales.Order")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, m.Identifier)
	assert.False(t, m.HasCompositeKey())

	names := []string{}
	for _, a := range m.Associations() {
		names = append(names, a.Name)
	}
	// supplier не разрешается и не попадает в ассоциации
	assert.Equal(t, []string{"customer", "tags", "lines"}, names)

	customer, ok := m.Association("customer")
	require.True(t, ok)
	assert.Equal(t, "sales.Customer", customer.TargetType)
	assert.False(t, customer.IsCollection)

	tags, _ := m.Association("tags")
	assert.Equal(t, "catalog.Tag", tags.TargetType)
	assert.True(t, tags.IsCollection)

	lines, _ := m.Association("lines")
	assert.Equal(t, []string{"order", "line"}, lines.TargetIdentifier)

	_, ok = m.Association("number")
	assert.False(t, ok)

	again, _ := r.Metadata("sales.Order")
	assert.Same(t, m, again)

	_, ok = r.Metadata("sales.Missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"catalog.Tag", "sales.Customer", "sales.Order", "sales.OrderLine"}, r.EntityTypes())
}

func TestNormalizeEntityName(t *testing.T) {
	entities := loadEntities(t, src+"\nmodule crm\nentity Customer:\n  name: string\n")

	tests := []struct {
		module, name string
		want         string
		ok           bool
	}{
		{"sales", "Order", "sales.Order", true},
		{"SALES", "order", "sales.Order", true},
		{"", "Tag", "catalog.Tag", true},
		{"", "Customer", "", false}, // неуникально
		{"crm", "Customer", "crm.Customer", true},
		{"sales", "", "", false},
		{"nope", "Order", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.module+"/"+tt.name, func(t *testing.T) {
			got, ok := NormalizeEntityName(entities, tt.module, tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitFQN(t *testing.T) {
	m, e := SplitFQN("sales.Order")
	assert.Equal(t, "sales", m)
	assert.Equal(t, "Order", e)

	m, e = SplitFQN("Order")
	assert.Equal(t, "", m)
	assert.Equal(t, "Order", e)
}
