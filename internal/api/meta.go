package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"apisurface/internal/metadata"
	"apisurface/internal/subresource"
)

// ===== META HANDLERS =====

type metaEntityListItem struct {
	Module string `json:"module"`
	Entity string `json:"entity"`
}

func (s *Server) MetaListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		surface := s.Surface()
		types := surface.Meta.EntityTypes()
		out := make([]metaEntityListItem, 0, len(types))
		for _, fqn := range types {
			mod, ent := metadata.SplitFQN(fqn)
			out = append(out, metaEntityListItem{Module: mod, Entity: ent})
		}
		c.JSON(http.StatusOK, out)
	}
}

type metaField struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	ElemType string            `json:"elemType,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	RefFQN   string            `json:"refFQN,omitempty"`
	Enum     []string          `json:"enum,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

type metaEntity struct {
	Module      string         `json:"module"`
	Entity      string         `json:"entity"`
	Identifier  []string       `json:"identifier"`
	Fields      []metaField    `json:"fields"`
	Constraints map[string]any `json:"constraints,omitempty"` // {"unique":[["code"]],"key":["order","line"]}
}

func (s *Server) MetaEntityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		surface := s.Surface()
		fqn, ok := surface.Normalize(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		schema, _ := surface.Meta.Entity(fqn)

		fields := make([]metaField, 0, len(schema.Fields))
		for _, f := range schema.Fields {
			opts := map[string]string{}
			for k, v := range f.Options {
				opts[k] = v
			}
			mf := metaField{
				Name:     f.Name,
				Type:     strings.ToLower(f.Type),
				ElemType: f.ElemType,
				Enum:     append([]string(nil), f.Enum...),
				Options:  opts,
			}
			if f.IsRef() || f.IsRefArray() {
				mf.Ref = f.RefTarget
				if full, ok := surface.Meta.ResolveRef(schema, f); ok {
					mf.RefFQN = full
				}
			}
			fields = append(fields, mf)
		}

		var constraints map[string]any
		if len(schema.Constraints.Unique) > 0 || len(schema.Constraints.Key) > 0 {
			constraints = map[string]any{}
		}
		if len(schema.Constraints.Unique) > 0 {
			uniq := make([][]string, 0, len(schema.Constraints.Unique))
			for _, set := range schema.Constraints.Unique {
				uniq = append(uniq, append([]string(nil), set...))
			}
			constraints["unique"] = uniq
		}
		if len(schema.Constraints.Key) > 0 {
			constraints["key"] = append([]string(nil), schema.Constraints.Key...)
		}

		m, e := metadata.SplitFQN(fqn)
		c.JSON(http.StatusOK, metaEntity{
			Module:      m,
			Entity:      e,
			Identifier:  schema.IdentifierFields(),
			Fields:      fields,
			Constraints: constraints,
		})
	}
}

// SubresourceView — описание подресурса для /api/meta и surfacectl
type SubresourceView struct {
	Name                  string               `json:"name" yaml:"name"`
	TargetType            string               `json:"target_type" yaml:"target_type"`
	IsCollection          bool                 `json:"is_collection" yaml:"is_collection"`
	AcceptableTargetTypes []string             `json:"acceptable_target_types" yaml:"acceptable_target_types"`
	ExcludedActions       []subresource.Action `json:"excluded_actions" yaml:"excluded_actions"`
}

func DescribeSubresources(subs *subresource.EntitySubresources) []SubresourceView {
	out := []SubresourceView{}
	if subs == nil {
		return out
	}
	for _, name := range subs.Names() {
		sub, _ := subs.Get(name)
		out = append(out, SubresourceView{
			Name:                  name,
			TargetType:            sub.TargetType(),
			IsCollection:          sub.IsCollection(),
			AcceptableTargetTypes: sub.AcceptableTargetTypes(),
			ExcludedActions:       sub.ExcludedActions(),
		})
	}
	return out
}

// GET /api/meta/:module/:entity/subresources
// Конфликты конфигурации не мешают ответу: отклонённые ассоциации просто отсутствуют,
// а причины перечисляются в "errors".
func (s *Server) MetaSubresourcesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		surface := s.Surface()
		fqn, ok := surface.Normalize(c.Param("module"), c.Param("entity"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		version, rt := s.requestVersion(c)
		subs, err := surface.Subresources.Get(fqn, version, rt)

		resp := gin.H{
			"entity":       fqn,
			"version":      version,
			"request_type": string(rt),
			"subresources": DescribeSubresources(subs),
		}
		if err != nil {
			var msgs []string
			for _, e := range subresource.Errors(err) {
				msgs = append(msgs, e.Error())
			}
			resp["errors"] = msgs
		}
		c.JSON(http.StatusOK, resp)
	}
}
