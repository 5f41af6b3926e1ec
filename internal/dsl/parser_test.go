package dsl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const salesDSL = `
module sales

entity Order:
  number: string required unique
  status: enum[new, paid, "shipped"] default=new
  customer: ref[Customer] on_delete=restrict
  tags: array[ref[catalog.Tag]]
  notes: array[string]

entity OrderLine:
  order: ref[Order] required
  line: int required
  qty: int
  constraints:
    key(order, line)
    unique(order, qty)

entity Customer:
  name: string required   # display name
`

func TestParse(t *testing.T) {
	entities, err := Parse(strings.NewReader(salesDSL))
	require.NoError(t, err)
	require.Len(t, entities, 3)

	order := entities[0]
	assert.Equal(t, "sales.Order", order.FQN())
	assert.Equal(t, []string{"id"}, order.IdentifierFields())

	status, ok := order.Field("status")
	require.True(t, ok)
	assert.Equal(t, "enum", status.Type)
	assert.Equal(t, []string{"new", "paid", "shipped"}, status.Enum)
	assert.Equal(t, "new", status.Options["default"])

	customer, _ := order.Field("customer")
	assert.True(t, customer.IsRef())
	assert.False(t, customer.IsRefArray())
	assert.Equal(t, "Customer", customer.RefTarget)
	assert.Equal(t, "restrict", customer.Options["on_delete"])

	tags, _ := order.Field("tags")
	assert.True(t, tags.IsRefArray())
	assert.Equal(t, "catalog.Tag", tags.RefTarget)

	notes, _ := order.Field("notes")
	assert.Equal(t, "array", notes.Type)
	assert.Equal(t, "string", notes.ElemType)
	assert.False(t, notes.IsRefArray())

	line := entities[1]
	assert.Equal(t, []string{"order", "line"}, line.IdentifierFields())
	assert.Equal(t, [][]string{{"order", "qty"}}, line.Constraints.Unique)

	name, _ := entities[2].Field("name")
	assert.Equal(t, "true", name.Options["required"])
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	_, err := Parse(strings.NewReader("module m\nentity A:\n  a: int\n  constraints:\n    key(a)\n    key(a)\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestLoadAllEntities(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "core"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "core", "sales.dsl"), []byte(salesDSL), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("ignored"), 0o644))

	entities, err := LoadAllEntities(root)
	require.NoError(t, err)
	assert.Len(t, entities, 3)
	assert.Contains(t, entities, "sales.OrderLine")
}

func TestLoadAllEntitiesErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no module", "entity A:\n  a: int\n", "has no module"},
		{"duplicate", "module m\nentity A:\n  a: int\nentity A:\n  b: int\n", "duplicate entity"},
		{"unknown key field", "module m\nentity A:\n  a: int\n  constraints:\n    key(b)\n", `key field "b"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(root, "x.dsl"), []byte(tt.src), 0o644))
			_, err := LoadAllEntities(root)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDisplayField(t *testing.T) {
	entities, err := Parse(strings.NewReader(salesDSL))
	require.NoError(t, err)
	byName := map[string]*Entity{}
	for _, e := range entities {
		byName[e.Name] = e
	}
	assert.Equal(t, "number", byName["Order"].DisplayField())
	assert.Equal(t, "name", byName["Customer"].DisplayField())
	assert.Equal(t, SystemIDField, byName["OrderLine"].DisplayField())
}
