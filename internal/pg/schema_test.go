package pg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisurface/internal/dsl"
	"apisurface/internal/title"
)

const salesDSL = `
module sales

entity Customer:
  name: string required

entity Order:
  number: string required unique
  status: enum[new, paid] default=new
  customer: ref[Customer] on_delete=set_null
  tags: array[ref[catalog.Tag]]

entity OrderLine:
  order: ref[Order] required on_delete=cascade
  line: int required
  qty: int
  constraints:
    key(order, line)
`

const catalogDSL = `
module catalog

entity Tag:
  code: string required
`

func mustEntities(t *testing.T, sources ...string) map[string]*dsl.Entity {
	t.Helper()
	out := map[string]*dsl.Entity{}
	for _, src := range sources {
		list, err := dsl.Parse(strings.NewReader(src))
		require.NoError(t, err)
		for _, e := range list {
			out[e.FQN()] = e
		}
	}
	return out
}

func TestGenerateDDL(t *testing.T) {
	ddl, err := GenerateDDL(mustEntities(t, salesDSL, catalogDSL))
	require.NoError(t, err)

	schemas := ddl["000_schemas"]
	assert.Contains(t, schemas, `create schema if not exists "sales";`)
	assert.Contains(t, schemas, `create schema if not exists "catalog";`)

	orders := ddl["100_table_sales.orders"]
	assert.Contains(t, orders, `create table if not exists "sales"."orders"`)
	assert.Contains(t, orders, `"id" text primary key`)
	assert.Contains(t, orders, `"status" text null default 'new'`)
	assert.Contains(t, orders, `"tags" jsonb null`)
	assert.Contains(t, orders, `create unique index if not exists order_number_uq on "sales"."orders"("number");`)

	t.Run("composite key replaces id", func(t *testing.T) {
		table := ddl["100_table_sales.orderlines"]
		require.NotEmpty(t, table)
		assert.NotContains(t, table, `"id" text primary key`)
		assert.Contains(t, table, `primary key ("order", "line")`)
	})

	t.Run("foreign keys one per step", func(t *testing.T) {
		fk := ddl["200_fk_sales.order_customer_fk"]
		assert.Contains(t, fk, `references "sales"."customers"(id) on delete SET NULL`)
		fk = ddl["200_fk_sales.orderline_order_fk"]
		assert.Contains(t, fk, `references "sales"."orders"(id) on delete CASCADE`)
		_, ok := ddl["200_fk_sales.order_tags_fk"]
		assert.False(t, ok, "ref arrays are stored as jsonb")
	})
}

func TestGenerateDDLErrors(t *testing.T) {
	_, err := GenerateDDL(mustEntities(t, `
module sales

entity Order:
  customer: ref[Missing]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved ref target")

	_, err = GenerateDDL(mustEntities(t, `
module sales

entity Order:
  id: string
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicates a system")
}

func TestTitleQuery(t *testing.T) {
	entities := mustEntities(t, salesDSL, catalogDSL)

	q, args := titleQuery(entities["sales.Order"], &title.Batch{
		PropertyPaths: []string{"id"},
		IDs:           [][]any{{"o1"}, {"o2"}},
	})
	assert.Equal(t, `select "id"::text, "number"::text from "sales"."orders" where ("id"::text) in (($1),($2)) and "number"::text is not null`, q)
	assert.Equal(t, []any{"o1", "o2"}, args)

	q, args = titleQuery(entities["sales.OrderLine"], &title.Batch{
		PropertyPaths: []string{"order", "line"},
		IDs:           [][]any{{"o1", float64(1)}},
	})
	assert.Contains(t, q, `concat_ws(',',"order"::text,"line"::text)`)
	assert.Contains(t, q, `where ("order"::text,"line"::text) in (($1,$2))`)
	assert.Equal(t, []any{"o1", "1"}, args)

	_, args = titleQuery(entities["sales.OrderLine"], &title.Batch{
		PropertyPaths: []string{"order", "line"},
		IDs:           [][]any{{"o1", float64(1000000)}},
	})
	assert.Equal(t, []any{"o1", "1000000"}, args)
	assert.Equal(t, "o1,1000000", textKey([]any{"o1", float64(1000000)}))
}
