package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"apisurface/internal/dsl"
)

type reloadReq struct {
	DSLRoot    string `json:"dsl_root"`    // директория с *.dsl
	ConfigRoot string `json:"config_root"` // директория с конфигурацией API (*.yml)
}

// POST /api/admin/reload
func (s *Server) AdminReloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reloadReq
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
			return
		}

		dslRoot := strings.TrimSpace(req.DSLRoot)
		if dslRoot == "" {
			dslRoot = s.opts.DSLDir
		}
		configRoot := strings.TrimSpace(req.ConfigRoot)
		if configRoot == "" {
			configRoot = s.opts.APIConfigDir
		}

		// 1) читаем новые схемы и конфигурацию
		entities, err := dsl.LoadAllEntities(dslRoot)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "DSL load error", "details": err.Error()})
			return
		}
		registry, err := LoadRegistry(configRoot)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "API config load error", "details": err.Error()})
			return
		}

		// 2) линтер до замены
		issues := SchemaLint(entities, registry)
		if Blocking(issues) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "schema has blocking issues",
				"issues":     issues,
				"hint":       "fix DSL and retry",
				"dslRoot":    dslRoot,
				"configRoot": configRoot,
			})
			return
		}

		// 3) атомарная замена; кэши описаний собираются заново
		s.Swap(NewSurface(entities, registry, s.opts.Metrics, s.opts.Logger))
		s.logger.Info("surface reloaded",
			slog.String("dsl_root", dslRoot),
			slog.String("config_root", configRoot),
			slog.Int("entities", len(entities)))

		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"dslRoot":    dslRoot,
			"configRoot": configRoot,
			"entities":   len(entities),
			"warnings":   issues,
		})
	}
}
