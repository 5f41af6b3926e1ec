package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const shopDSL = `
module shop

entity Customer:
  name: string required

entity Order:
  number: string required
  customer: ref[Customer]
`

const jsonAPIConfig = `
api:
  entities:
    shop.Order:
      subresources:
        customer:
          target_type: to-many
`

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

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDescribe(t *testing.T) {
	dslDir := writeFiles(t, map[string]string{"shop.dsl": shopDSL})
	apiDir := writeFiles(t, map[string]string{"json_api/api.yml": jsonAPIConfig})

	out, err := execute(t, "describe", "--dsl", dslDir, "--api-config", apiDir)
	require.NoError(t, err)

	var got describeOutput
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "latest", got.Version)
	assert.Equal(t, "rest", got.RequestType)
	require.Contains(t, got.Entities, "shop.Order")
	subs := got.Entities["shop.Order"]
	require.Len(t, subs, 1)
	assert.Equal(t, "customer", subs[0].Name)
	assert.Equal(t, "shop.Customer", subs[0].TargetType)
	assert.False(t, subs[0].IsCollection)
	assert.Empty(t, got.Errors)

	t.Run("conflict drops association", func(t *testing.T) {
		out, err := execute(t, "describe", "shop.Order", "--dsl", dslDir, "--api-config", apiDir, "--request-type", "json_api")
		require.NoError(t, err)
		var got describeOutput
		require.NoError(t, yaml.Unmarshal([]byte(out), &got))
		assert.NotContains(t, got.Entities, "shop.Order")
		require.Len(t, got.Errors, 1)
		assert.Contains(t, got.Errors[0], "cardinality cannot be overridden")
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := execute(t, "describe", "shop.Nope", "--dsl", dslDir, "--api-config", apiDir)
		require.Error(t, err)
	})
}

func TestLint(t *testing.T) {
	dslDir := writeFiles(t, map[string]string{"shop.dsl": shopDSL})
	apiDir := writeFiles(t, map[string]string{"json_api/api.yml": jsonAPIConfig})

	out, err := execute(t, "lint", "--dsl", dslDir, "--api-config", apiDir)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, err = execute(t, "lint", "--dsl", dslDir, "--api-config", apiDir, "--request-type", "json_api")
	require.NoError(t, err)
	assert.Contains(t, out, "subresource_conflict")

	broken := writeFiles(t, map[string]string{"shop.dsl": `
module shop

entity Order:
  customer: ref[Missing]
`})
	out, err = execute(t, "lint", "--dsl", broken, "--api-config", apiDir)
	require.ErrorIs(t, err, errBlocking)
	assert.Contains(t, out, "ref_target_unresolved")
}
