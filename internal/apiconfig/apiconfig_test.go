package apiconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"apisurface/internal/dsl"
	"apisurface/internal/faults"
	"apisurface/internal/metadata"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return root
}

func TestLoadDirMergesFilesAndImports(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.yml": `
imports:
  - { resource: shared/base.yml }
api:
  entities:
    sales.Order:
      actions:
        delete: { exclude: true }
`,
		"b.yml": `
api:
  entities:
    sales.Order:
      identifier_field_names: [number]
`,
		"shared/base.yml": `
api:
  entities:
    sales.Order:
      identifier_field_names: [id]
      actions:
        delete: { exclude: false }
        update: { exclude: true }
`,
	})
	// shared/ — тип запроса "shared", файлы из него тоже грузятся как отдельный bag
	reg, err := LoadDir(root)
	require.NoError(t, err)

	cfg, err := reg.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// импортирующий файл перекрывает импортированный, b.yml перекрывает a.yml
	assert.True(t, cfg.ActionExcluded("delete"))
	assert.True(t, cfg.ActionExcluded("update"))
	assert.Equal(t, []string{"number"}, cfg.IdentifierFieldNames)

	missing, err := reg.Config("sales.Customer", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLoadDirCircularImport(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.yml":     "imports:\n  - { resource: inc/b.yml }\n",
		"inc/b.yml": "imports:\n  - { resource: ../a.yml }\n",
	})
	_, err := LoadDir(root)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.ConfigError))
	assert.Contains(t, err.Error(), "circular import detected")
	assert.Contains(t, err.Error(), " >> ")
}

func TestLoadDirErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"bad yaml", map[string]string{"a.yml": "api: [\n"}, "unable to parse file"},
		{"unknown top key", map[string]string{"a.yml": "apis: {}\n"}, `unknown top-level key "apis"`},
		{"unknown api key", map[string]string{"a.yml": "api: { resources: {} }\n"}, "unknown key api.resources"},
		{"bad version", map[string]string{"a.yml": "api:\n  versions:\n    vX: {}\n"}, `invalid version "vX"`},
		{"entity not a map", map[string]string{"a.yml": "api:\n  entities:\n    sales.Order: 1\n"}, "must be a mapping"},
		{"import without resource", map[string]string{"a.yml": "imports:\n  - {}\n"}, "import without resource"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDir(writeFiles(t, tt.files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRegistryVersionsAndRequestTypes(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"api.yml": `
api:
  entities:
    sales.Order:
      subresources:
        customer:
          actions:
            update_relationship: { exclude: true }
  versions:
    "1.1":
      entities:
        sales.Order:
          parent_resource_class: sales.Document
    "2.0":
      entities:
        sales.Order:
          exclude: true
`,
		"json_api/api.yml": `
api:
  entities:
    sales.Order:
      subresources:
        customer:
          actions:
            update_relationship: { exclude: false }
`,
	})
	reg, err := LoadDir(root)
	require.NoError(t, err)
	assert.Equal(t, []RequestType{"json_api", RequestTypeREST}, reg.RequestTypes())
	assert.Equal(t, []string{"sales.Order"}, reg.EntityTypes("json_api"))

	tests := []struct {
		version string
		rt      RequestType
		parent  string
		exclude bool
		relExcl bool
	}{
		{"1.0", RequestTypeREST, "", false, true},
		{"1.1", RequestTypeREST, "sales.Document", false, true},
		{"1.5", RequestTypeREST, "sales.Document", false, true},
		{"2.0", RequestTypeREST, "sales.Document", true, true},
		{VersionLatest, RequestTypeREST, "sales.Document", true, true},
		{"1.0", "json_api", "", false, false},
		{"", "json_api", "sales.Document", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.version+"/"+string(tt.rt), func(t *testing.T) {
			cfg, err := reg.Config("sales.Order", tt.version, tt.rt)
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, tt.parent, cfg.ParentResourceClass)
			assert.Equal(t, tt.exclude, cfg.Exclude)
			a := cfg.Subresources["customer"].Action("update_relationship")
			require.NotNil(t, a)
			assert.True(t, a.Exclude.Set)
			assert.Equal(t, tt.relExcl, a.Exclude.Value)
		})
	}

	_, err = reg.Config("sales.Order", "not-a-version", RequestTypeREST)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.ValidationError))
}

func TestRegistryUnquotedVersionKeys(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"api.yml": `
api:
  entities:
    sales.Order: {}
  versions:
    1.1:
      entities:
        sales.Order:
          parent_resource_class: sales.Early
    1.10:
      entities:
        sales.Order:
          parent_resource_class: sales.Late
`,
	})
	reg, err := LoadDir(root)
	require.NoError(t, err)

	tests := []struct {
		version string
		parent  string
	}{
		{"1.0", ""},
		{"1.1", "sales.Early"},
		{"1.9", "sales.Early"},
		{"1.10", "sales.Late"},
		{VersionLatest, "sales.Late"},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			cfg, err := reg.Config("sales.Order", tt.version, RequestTypeREST)
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, tt.parent, cfg.ParentResourceClass)
		})
	}
}

func TestRegistryConfigDoesNotMutateLayers(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"api.yml": `
api:
  entities:
    sales.Order:
      fields:
        number: { property_path: code }
  versions:
    "1.1":
      entities:
        sales.Order:
          fields:
            number: { exclude: true }
`,
	})
	reg, err := LoadDir(root)
	require.NoError(t, err)

	latest, err := reg.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	f, _ := latest.Field("number")
	assert.True(t, f.Exclude)

	old, err := reg.Config("sales.Order", "1.0", RequestTypeREST)
	require.NoError(t, err)
	f, _ = old.Field("number")
	assert.False(t, f.Exclude)
	assert.Equal(t, "code", f.PropertyPath)
}

func TestDecodeEntityRejectsUnknownKeys(t *testing.T) {
	_, err := decodeEntity("sales.Order", map[string]any{"fieldz": map[string]any{}})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.ConfigError))

	_, err = decodeEntity("sales.Order", map[string]any{
		"subresources": map[string]any{"tags": map[string]any{"target_type": "many"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target_type "many"`)
}

func TestDecodeEntityNormalizesEmptyEntries(t *testing.T) {
	cfg, err := decodeEntity("sales.Order", map[string]any{
		"actions":      map[string]any{"delete": nil},
		"fields":       map[string]any{"number": nil},
		"subresources": map[string]any{"tags": map[string]any{"actions": map[string]any{"add_subresource": nil}}},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Action("delete"))
	assert.False(t, cfg.ActionExcluded("delete"))
	_, ok := cfg.Field("number")
	assert.True(t, ok)
	a := cfg.Subresources["tags"].Action("add_subresource")
	require.NotNil(t, a)
	assert.True(t, a.Exclude.IsZero())
}

func TestOptionalBoolYAML(t *testing.T) {
	var a ActionConfig
	require.NoError(t, yaml.Unmarshal([]byte("exclude: false\n"), &a))
	assert.Equal(t, False(), a.Exclude)

	var unset ActionConfig
	require.NoError(t, yaml.Unmarshal([]byte("{}\n"), &unset))
	assert.True(t, unset.Exclude.IsZero())
	assert.False(t, unset.Exclude.IsTrue())

	out, err := yaml.Marshal(ActionConfig{Exclude: True()})
	require.NoError(t, err)
	assert.Equal(t, "exclude: true\n", string(out))

	out, err = yaml.Marshal(ActionConfig{})
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(out))
}

func TestFindFieldNameByPropertyPath(t *testing.T) {
	cfg := &EntityConfig{Fields: map[string]*FieldConfig{
		"buyer":  {PropertyPath: "customer"},
		"secret": {Exclude: true},
		"code":   {PropertyPath: "number"},
		"hidden": {PropertyPath: "internal", Exclude: true},
	}}
	tests := []struct{ path, want string }{
		{"customer", "buyer"},
		{"secret", ""},
		{"number", "code"},
		{"internal", ""},
		{"other", "other"},
		{"code", ""}, // поле "code" занято переименованием
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.FindFieldNameByPropertyPath(tt.path))
		})
	}
	assert.Equal(t, "customer", cfg.FieldPropertyPath("buyer"))
	assert.Equal(t, "other", cfg.FieldPropertyPath("other"))

	var nilCfg *EntityConfig
	assert.Equal(t, "x", nilCfg.FindFieldNameByPropertyPath("x"))
}

func TestExpandedAssociations(t *testing.T) {
	cfg := &EntityConfig{Fields: map[string]*FieldConfig{
		"customer": {Expand: true},
		"lines":    {Expand: true, Exclude: true},
		"number":   {},
	}}
	got := cfg.ExpandedAssociations()
	assert.Len(t, got, 1)
	assert.Contains(t, got, "customer")
}

const dslSrc = `
module sales
entity Order:
  customer: ref[Customer]
  lines: array[ref[OrderLine]]
  number: string

entity Customer:
  name: string

entity OrderLine:
  order: ref[Order]
  line: int
  constraints:
    key(order, line)
`

func newMeta(t *testing.T) *metadata.Resolver {
	t.Helper()
	list, err := dsl.Parse(strings.NewReader(dslSrc))
	require.NoError(t, err)
	ents := map[string]*dsl.Entity{}
	for _, e := range list {
		ents[e.FQN()] = e
	}
	return metadata.NewResolver(ents)
}

func TestResolverSkipsPartialCompositeIdentifier(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"api.yml": `
api:
  entities:
    sales.OrderLine:
      fields:
        line: { exclude: true }
    sales.Order:
      fields:
        lines:
          expand: true
          target_entity:
            fields:
              num: { property_path: line }
`,
	})
	reg, err := LoadDir(root)
	require.NoError(t, err)
	r := NewResolver(reg, newMeta(t))

	cfg, err := r.Config("sales.OrderLine", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.IdentifierFieldNames)

	order, err := r.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	lines, _ := order.Field("lines")
	assert.Equal(t, []string{"order", "num"}, lines.TargetEntity.IdentifierFieldNames)
}

func TestResolverCompletesFromMetadata(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"api.yml": `
api:
  entities:
    sales.Order:
      fields:
        buyer: { property_path: customer, expand: true }
        lines:
          expand: true
          target_entity:
            fields:
              order: {}
`,
	})
	reg, err := LoadDir(root)
	require.NoError(t, err)
	r := NewResolver(reg, newMeta(t))

	cfg, err := r.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"id"}, cfg.IdentifierFieldNames)

	buyer, _ := cfg.Field("buyer")
	assert.Equal(t, "sales.Customer", buyer.TargetClass)
	assert.Equal(t, TargetToOne, buyer.TargetType)

	lines, _ := cfg.Field("lines")
	assert.Equal(t, "sales.OrderLine", lines.TargetClass)
	assert.True(t, lines.IsCollectionValued())
	assert.Equal(t, []string{"order", "line"}, lines.TargetEntity.IdentifierFieldNames)

	again, err := r.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	assert.Same(t, cfg, again)

	// сущность без конфигурации, но известная метаданным
	cust, err := r.Config("sales.Customer", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	require.NotNil(t, cust)
	assert.Equal(t, []string{"id"}, cust.IdentifierFieldNames)

	none, err := r.Config("sales.Unknown", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	assert.Nil(t, none)

	r.Reset()
	fresh, err := r.Config("sales.Order", VersionLatest, RequestTypeREST)
	require.NoError(t, err)
	assert.NotSame(t, cfg, fresh)
}
