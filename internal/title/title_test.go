package title

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisurface/internal/apiconfig"
	"apisurface/internal/faults"
	"apisurface/internal/tree"
)

// fakeProvider отдаёт заголовок "<type>#<id...>" для каждого запрошенного идентификатора
// и запоминает все вызовы.
type fakeProvider struct {
	calls []IdentifierMap
	skip  map[string]bool // "type::key" без заголовка
	err   error
	delay time.Duration
}

func (p *fakeProvider) Titles(ctx context.Context, ids IdentifierMap) ([]Row, error) {
	p.calls = append(p.calls, ids)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	var rows []Row
	for _, t := range ids.EntityTypes() {
		for _, id := range ids[t].IDs {
			key := entityKey(t, ids[t].PropertyPaths, id)
			if p.skip[key] {
				continue
			}
			rows = append(rows, Row{EntityType: t, ID: id, Title: fmt.Sprintf("%s#%v", t, id)})
		}
	}
	return rows, nil
}

func decode(t *testing.T, s string) *tree.Node {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return tree.FromValue(v)
}

func orderConfig() *apiconfig.EntityConfig {
	return &apiconfig.EntityConfig{
		IdentifierFieldNames: []string{"id"},
		MetaProperties:       map[string]string{MetaProperty: "_title"},
	}
}

func titles(n *tree.Node) []any {
	var out []any
	for _, r := range n.Records() {
		v, _ := r.Scalar("_title")
		out = append(out, v)
	}
	return out
}

func TestDeduplicatedLookup(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	data := decode(t, `[{"id":1,"name":"A"},{"id":2,"name":"B"},{"id":1,"name":"A-dup"}]`)

	require.NoError(t, e.Process(context.Background(), nil, data, "sales.Order", orderConfig()))

	require.Len(t, p.calls, 1)
	batch := p.calls[0]["sales.Order"]
	require.NotNil(t, batch)
	assert.Equal(t, []string{"id"}, batch.PropertyPaths)
	assert.Equal(t, [][]any{{float64(1)}, {float64(2)}}, batch.IDs)

	assert.Equal(t, []any{"sales.Order#[1]", "sales.Order#[2]", "sales.Order#[1]"}, titles(data))
}

func TestCompositeKeys(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	cfg := &apiconfig.EntityConfig{
		IdentifierFieldNames: []string{"order", "line"},
		MetaProperties:       map[string]string{MetaProperty: "_title"},
		Fields: map[string]*apiconfig.FieldConfig{
			"order": {PropertyPath: "orderId"},
		},
	}
	data := decode(t, `[
		{"order": 1, "line": 1},
		{"order": 1, "line": 1},
		{"order": 1, "line": 2},
		{"order": 2, "line": 1},
		{"order": 3}
	]`)

	require.NoError(t, e.Process(context.Background(), nil, data, "sales.OrderLine", cfg))

	require.Len(t, p.calls, 1)
	batch := p.calls[0]["sales.OrderLine"]
	assert.Equal(t, []string{"orderId", "line"}, batch.PropertyPaths)
	assert.Equal(t, [][]any{
		{float64(1), float64(1)},
		{float64(1), float64(2)},
		{float64(2), float64(1)},
	}, batch.IDs)

	got := titles(data)
	assert.Equal(t, got[0], got[1])
	assert.NotEqual(t, got[0], got[2])
	assert.NotEqual(t, got[0], got[3])
	assert.Nil(t, got[4])
}

func TestExpandedAssociationsAndRowOverride(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	cfg := orderConfig()
	cfg.Fields = map[string]*apiconfig.FieldConfig{
		"customer": {
			Expand:       true,
			TargetClass:  "sales.Customer",
			TargetType:   apiconfig.TargetToOne,
			TargetEntity: &apiconfig.EntityConfig{IdentifierFieldNames: []string{"id"}},
		},
		"lines": {
			Expand:      true,
			TargetClass: "sales.OrderLine",
			TargetType:  apiconfig.TargetToMany,
			TargetEntity: &apiconfig.EntityConfig{
				IdentifierFieldNames: []string{"order", "line"},
			},
		},
		"notes": {Expand: true, TargetClass: "sales.Note"}, // без идентификатора
	}
	data := decode(t, `[
		{"id": 1, "customer": {"id": 10}, "lines": [{"order": 1, "line": 1}, {"order": 1, "line": 2}], "notes": [{"id": 5}]},
		{"id": 2, "__class__": "sales.Refund", "customer": {"id": 10}, "lines": []},
		{"id": 3, "customer": null}
	]`)

	require.NoError(t, e.Process(context.Background(), nil, data, "sales.Order", cfg))
	require.Len(t, p.calls, 1)
	ids := p.calls[0]
	assert.Equal(t, []string{"sales.Customer", "sales.Order", "sales.OrderLine", "sales.Refund"}, ids.EntityTypes())
	assert.Equal(t, [][]any{{float64(10)}}, ids["sales.Customer"].IDs)
	assert.Equal(t, [][]any{{float64(1)}, {float64(3)}}, ids["sales.Order"].IDs)
	assert.Equal(t, [][]any{{float64(2)}}, ids["sales.Refund"].IDs)
	assert.Len(t, ids["sales.OrderLine"].IDs, 2)

	out := data.Interface().([]any)
	first := out[0].(map[string]any)
	assert.Equal(t, "sales.Order#[1]", first["_title"])
	assert.Equal(t, "sales.Customer#[10]", first["customer"].(map[string]any)["_title"])
	lines := first["lines"].([]any)
	assert.Equal(t, "sales.OrderLine#[1 2]", lines[1].(map[string]any)["_title"])
	assert.NotContains(t, first["notes"].([]any)[0].(map[string]any), "_title")

	second := out[1].(map[string]any)
	assert.Equal(t, "sales.Refund#[2]", second["_title"])
	assert.Equal(t, "sales.Refund", second[tree.EntityTypeKey])
}

type configMap map[string]*apiconfig.EntityConfig

func (m configMap) Config(entityType, _ string, _ apiconfig.RequestType) (*apiconfig.EntityConfig, error) {
	return m[entityType], nil
}

func TestTargetConfigFromSource(t *testing.T) {
	p := &fakeProvider{}
	configs := configMap{
		"sales.Customer": {
			IdentifierFieldNames: []string{"code"},
			Fields: map[string]*apiconfig.FieldConfig{
				"orders": {Expand: true, TargetClass: "sales.Order"},
			},
		},
		"sales.Order": orderConfig(),
	}
	cfg := configs["sales.Order"]
	cfg.Fields = map[string]*apiconfig.FieldConfig{
		"customer": {Expand: true, TargetClass: "sales.Customer"},
	}
	e := NewEnricher(p, configs, time.Second, nil, nil)
	data := decode(t, `{"id": 1, "customer": {"code": "c1", "orders": [{"id": 1}, {"id": 4}]}}`)

	require.NoError(t, e.Process(context.Background(), NewRequestContext("1.0", apiconfig.RequestTypeREST), data, "sales.Order", cfg))
	require.Len(t, p.calls, 1)
	assert.Equal(t, [][]any{{float64(1)}, {float64(4)}}, p.calls[0]["sales.Order"].IDs)
	assert.Equal(t, [][]any{{"c1"}}, p.calls[0]["sales.Customer"].IDs)

	v, _ := data.Record.Scalar("_title")
	assert.Equal(t, "sales.Order#[1]", v)
}

func TestMissingTitlesAreTolerated(t *testing.T) {
	p := &fakeProvider{skip: map[string]bool{"sales.Order::2": true}}
	e := NewEnricher(p, nil, 0, nil, nil)
	data := decode(t, `[{"id":1},{"id":2}]`)
	require.NoError(t, e.Process(context.Background(), nil, data, "sales.Order", orderConfig()))
	assert.Equal(t, []any{"sales.Order#[1]", nil}, titles(data))
}

func TestScalarDedupIsTyped(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	data := tree.FromValue([]any{
		map[string]any{"id": 1},
		map[string]any{"id": "1"},
		map[string]any{"id": 1},
	})
	require.NoError(t, e.Process(context.Background(), nil, data, "sales.Order", orderConfig()))
	assert.Equal(t, [][]any{{1}, {"1"}}, p.calls[0]["sales.Order"].IDs)
}

func TestSkipConditions(t *testing.T) {
	noTitle := orderConfig()
	noTitle.MetaProperties = nil
	noID := orderConfig()
	noID.IdentifierFieldNames = nil

	tests := []struct {
		name string
		data *tree.Node
		cfg  *apiconfig.EntityConfig
	}{
		{"nil data", nil, orderConfig()},
		{"empty list", tree.NewList(), orderConfig()},
		{"scalar", tree.NewScalar(1), orderConfig()},
		{"no config", tree.FromValue([]any{map[string]any{"id": 1}}), nil},
		{"title not requested", tree.FromValue([]any{map[string]any{"id": 1}}), noTitle},
		{"no identifier", tree.FromValue([]any{map[string]any{"id": 1}}), noID},
		{"no identifier values", tree.FromValue([]any{map[string]any{"name": "x"}}), orderConfig()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			e := NewEnricher(p, nil, 0, nil, nil)
			require.NoError(t, e.Process(context.Background(), nil, tt.data, "sales.Order", tt.cfg))
			assert.Empty(t, p.calls)
		})
	}
}

func TestProcessedMarker(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	rc := NewRequestContext(apiconfig.VersionLatest, apiconfig.RequestTypeREST)
	data := decode(t, `[{"id":1}]`)

	require.NoError(t, e.Process(context.Background(), rc, data, "sales.Order", orderConfig()))
	assert.True(t, rc.IsProcessed(OperationName))
	require.NoError(t, e.Process(context.Background(), rc, data, "sales.Order", orderConfig()))
	assert.Len(t, p.calls, 1)
}

func TestParentResourceClass(t *testing.T) {
	p := &fakeProvider{}
	e := NewEnricher(p, nil, 0, nil, nil)
	cfg := orderConfig()
	cfg.ParentResourceClass = "sales.Document"
	data := decode(t, `[{"id":1}]`)
	require.NoError(t, e.Process(context.Background(), nil, data, "sales.Order", cfg))
	assert.Equal(t, []string{"sales.Document"}, p.calls[0].EntityTypes())
	assert.Equal(t, []any{"sales.Document#[1]"}, titles(data))
}

func TestLookupFailure(t *testing.T) {
	boom := errors.New("connection refused")
	p := &fakeProvider{err: boom}
	e := NewEnricher(p, nil, 0, nil, nil)
	rc := NewRequestContext(apiconfig.VersionLatest, apiconfig.RequestTypeREST)
	data := decode(t, `[{"id":1}]`)

	err := e.Process(context.Background(), rc, data, "sales.Order", orderConfig())
	require.Error(t, err)
	var le *LookupError
	require.True(t, errors.As(err, &le))
	assert.ErrorIs(t, err, boom)
	assert.True(t, faults.IsCategory(err, faults.TransportError))
	assert.False(t, rc.IsProcessed(OperationName))
	assert.Equal(t, []any{nil}, titles(data))
}

func TestLookupTimeout(t *testing.T) {
	p := &fakeProvider{delay: time.Second}
	e := NewEnricher(p, nil, 10*time.Millisecond, nil, nil)
	data := decode(t, `[{"id":1}]`)

	err := e.Enrich(context.Background(), data, "sales.Order", orderConfig(), "_title")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "a.B::5", entityKey("a.B", []string{"id"}, []any{int64(5)}))
	assert.Equal(t, "a.B::5", entityKey("a.B", []string{"id"}, []any{float64(5)}))
	assert.Equal(t, "a.B::o=1;l=2", entityKey("a.B", []string{"o", "l"}, []any{1, 2}))
	assert.Equal(t, "o=1,l=2", dedupKey([]string{"o", "l"}, []any{1, 2}))
	assert.NotEqual(t, dedupKey([]string{"id"}, []any{1}), dedupKey([]string{"id"}, []any{"1"}))

	// JSON float64 и bigint из БД дают один ключ и без экспоненты
	assert.Equal(t, "a.B::1000000", entityKey("a.B", []string{"id"}, []any{float64(1000000)}))
	assert.Equal(t,
		entityKey("a.B", []string{"o", "l"}, []any{"o1", int64(1234567)}),
		entityKey("a.B", []string{"o", "l"}, []any{"o1", float64(1234567)}))
}
