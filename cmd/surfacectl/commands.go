package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"apisurface/internal/api"
	"apisurface/internal/apiconfig"
	"apisurface/internal/dsl"
	"apisurface/internal/logging"
	"apisurface/internal/metadata"
	"apisurface/internal/subresource"
)

var errBlocking = errors.New("schema has blocking issues")

type rootOptions struct {
	dslDir      string
	apiDir      string
	version     string
	requestType string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "surfacectl",
		Short: "Inspect the API surface built from DSL and API configuration",
		Example: `  # Sub-resources of every entity for API version 2.0
  surfacectl describe --version 2.0

  # Only sales.Order, json_api request type
  surfacectl describe sales.Order --request-type json_api

  # Schema and configuration checks
  surfacectl lint`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVar(&opts.dslDir, "dsl", "dsl", "Path to DSL directory")
	cmd.PersistentFlags().StringVar(&opts.apiDir, "api-config", "api", "Path to API config directory")
	cmd.PersistentFlags().StringVar(&opts.version, "version", apiconfig.VersionLatest, "API version (semver or latest)")
	cmd.PersistentFlags().StringVar(&opts.requestType, "request-type", string(apiconfig.RequestTypeREST), "Request type")

	cmd.AddCommand(newDescribeCommand(opts))
	cmd.AddCommand(newLintCommand(opts))
	return cmd
}

type describeOutput struct {
	Version     string                           `yaml:"version"`
	RequestType string                           `yaml:"request_type"`
	Entities    map[string][]api.SubresourceView `yaml:"entities"`
	Errors      []string                         `yaml:"errors,omitempty"`
}

func newDescribeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [entity...]",
		Short: "Print sub-resources per entity as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, err := api.LoadSurface(opts.dslDir, opts.apiDir, nil, logging.Nop())
			if err != nil {
				return err
			}
			out := describeOutput{
				Version:     opts.version,
				RequestType: opts.requestType,
				Entities:    map[string][]api.SubresourceView{},
			}
			rt := apiconfig.RequestType(opts.requestType)

			types := args
			if len(types) == 0 {
				types = surface.Meta.EntityTypes()
			}
			for _, name := range types {
				mod, ent := metadata.SplitFQN(name)
				fqn, ok := surface.Normalize(mod, ent)
				if !ok {
					return fmt.Errorf("entity %q not found", name)
				}
				subs, err := surface.Subresources.Get(fqn, opts.version, rt)
				for _, e := range subresource.Errors(err) {
					out.Errors = append(out.Errors, e.Error())
				}
				if subs == nil || subs.Len() == 0 {
					continue
				}
				out.Entities[fqn] = api.DescribeSubresources(subs)
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newLintCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Check DSL and API configuration; exits non-zero on errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, err := dsl.LoadAllEntities(opts.dslDir)
			if err != nil {
				return err
			}
			registry, err := api.LoadRegistry(opts.apiDir)
			if err != nil {
				return err
			}

			issues := api.SchemaLint(entities, registry)
			// конфликты подресурсов — предупреждения: ассоциация просто исключается
			surface := api.NewSurface(entities, registry, nil, logging.Nop())
			_, err = surface.Subresources.Collection(opts.version, apiconfig.RequestType(opts.requestType))
			for _, e := range subresource.Errors(err) {
				issues = append(issues, api.SchemaIssue{
					Code:    "subresource_conflict",
					Level:   api.LevelWarning,
					Message: e.Error(),
				})
			}

			w := cmd.OutOrStdout()
			for _, is := range issues {
				where := is.Entity
				if is.Field != "" {
					where += "." + is.Field
				}
				if where != "" {
					where += ": "
				}
				fmt.Fprintf(w, "%-7s %s %s%s\n", is.Level, is.Code, where, is.Message)
			}
			if api.Blocking(issues) {
				return errBlocking
			}
			if len(issues) == 0 {
				fmt.Fprintln(w, "ok")
			}
			return nil
		},
	}
}
