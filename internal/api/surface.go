package api

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"apisurface/internal/apiconfig"
	"apisurface/internal/dsl"
	"apisurface/internal/metadata"
	"apisurface/internal/metrics"
	"apisurface/internal/subresource"
)

// Surface — всё, что выводится из DSL и конфигурации API.
// При admin reload заменяется целиком вместе с кэшами.
type Surface struct {
	Entities     map[string]*dsl.Entity
	Meta         *metadata.Resolver
	Registry     *apiconfig.Registry
	Configs      *apiconfig.Resolver
	Subresources *subresource.Provider
}

func NewSurface(entities map[string]*dsl.Entity, registry *apiconfig.Registry, m *metrics.Metrics, logger *slog.Logger) *Surface {
	if registry == nil {
		registry = apiconfig.NewRegistry()
	}
	meta := metadata.NewResolver(entities)
	configs := apiconfig.NewResolver(registry, meta)
	assembler := subresource.NewAssembler(configs, meta, logger)
	return &Surface{
		Entities:     entities,
		Meta:         meta,
		Registry:     registry,
		Configs:      configs,
		Subresources: subresource.NewProvider(assembler, meta.EntityTypes, m),
	}
}

// LoadRegistry читает конфигурацию API; пустой путь или отсутствующая директория — пустой реестр.
func LoadRegistry(root string) (*apiconfig.Registry, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return apiconfig.NewRegistry(), nil
	}
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return apiconfig.NewRegistry(), nil
	}
	return apiconfig.LoadDir(root)
}

// LoadSurface читает DSL и конфигурацию API с диска
func LoadSurface(dslRoot, apiConfigRoot string, m *metrics.Metrics, logger *slog.Logger) (*Surface, error) {
	entities, err := dsl.LoadAllEntities(dslRoot)
	if err != nil {
		return nil, err
	}
	registry, err := LoadRegistry(apiConfigRoot)
	if err != nil {
		return nil, err
	}
	return NewSurface(entities, registry, m, logger), nil
}

// Normalize — FQN по параметрам маршрута
func (s *Surface) Normalize(module, entity string) (string, bool) {
	return metadata.NormalizeEntityName(s.Entities, module, entity)
}
