package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"scheme-hand/config"
	"scheme-hand/models"
	"scheme-hand/services"
	"scheme-hand/storage"
)

const defaultDeltaLimit = 100

// schemeStore ist die Sicht der API auf den kanonischen Store.
type schemeStore interface {
	Get(ctx context.Context, id string) (*models.Scheme, error)
	ListSince(ctx context.Context, cursor int64, limit int) (storage.Delta, error)
	Tombstone(ctx context.Context, id string) (*models.Scheme, error)
}

// sourceRegistry ist die Sicht der API auf die Source Registry.
type sourceRegistry interface {
	List(ctx context.Context) ([]models.Source, error)
	Get(ctx context.Context, id string) (*models.Source, error)
	FindByURL(ctx context.Context, url string) (*models.Source, error)
	Create(ctx context.Context, src *models.Source) error
}

// ingestRunner startet Ingestion-Läufe.
type ingestRunner interface {
	RunAll(ctx context.Context) (services.RunReport, error)
	RunSource(ctx context.Context, src models.Source) services.SourceReport
	RunSourceByID(ctx context.Context, id string) (services.SourceReport, error)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// deltaResponse ist das Antwortformat von GET /schemes.
type deltaResponse struct {
	Schemes []models.Scheme `json:"schemes"`
	Cursor  string          `json:"cursor"`
	HasMore bool            `json:"has_more"`
}

func newRouter(cfg *config.Config, schemes schemeStore, sources sourceRegistry, ingest ingestRunner, bg context.Context, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupSchemeRoutes(router, cfg, schemes, log)
	setupSourceRoutes(router, sources, log)
	setupIngestRoutes(router, sources, ingest, bg, log)
	return router
}

func setupSchemeRoutes(router *gin.Engine, cfg *config.Config, store schemeStore, log *zap.Logger) {
	rg := router.Group("/schemes")

	// Delta-Feed: alle Änderungen nach dem Cursor, aufsteigend nach Revision
	rg.GET("", func(c *gin.Context) {
		since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
		if err != nil || since < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		limit := defaultDeltaLimit
		if raw := c.Query("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
		}
		if limit > cfg.DeltaMaxLimit {
			limit = cfg.DeltaMaxLimit
		}

		delta, err := store.ListSince(c.Request.Context(), since, limit)
		if err != nil {
			log.Error("Delta query failed", zap.Int64("since", since), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		resp := deltaResponse{
			Schemes: delta.Schemes,
			Cursor:  strconv.FormatInt(delta.Cursor, 10),
			HasMore: delta.HasMore,
		}
		if resp.Schemes == nil {
			resp.Schemes = []models.Scheme{}
		}
		c.JSON(http.StatusOK, resp)
	})

	rg.GET("/:id", func(c *gin.Context) {
		sc, err := store.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scheme not found"})
			return
		}
		if err != nil {
			log.Error("Scheme lookup failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, sc)
	})

	// Administratives Entfernen; der Tombstone bleibt im Delta-Feed
	rg.DELETE("/:id", func(c *gin.Context) {
		sc, err := store.Tombstone(c.Request.Context(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "scheme not found"})
			return
		}
		if err != nil {
			log.Error("Tombstone failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove scheme"})
			return
		}
		log.Info("Scheme removed", zap.String("id", sc.ID), zap.Int64("revision", sc.Revision))
		c.JSON(http.StatusOK, sc)
	})
}

func setupSourceRoutes(router *gin.Engine, sources sourceRegistry, log *zap.Logger) {
	rg := router.Group("/sources")

	rg.GET("", func(c *gin.Context) {
		list, err := sources.List(c.Request.Context())
		if err != nil {
			log.Error("Source query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	rg.POST("", func(c *gin.Context) {
		type SourceRequest struct {
			ID       string            `json:"id"`
			Name     string            `json:"name"`
			URL      string            `json:"url"`
			Kind     string            `json:"kind"`
			Render   bool              `json:"render"`
			Selector string            `json:"selector"`
			Headers  map[string]string `json:"headers"`
			Disabled bool              `json:"disabled"`
		}
		var req SourceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		src := models.Source{
			ID:       strings.TrimSpace(req.ID),
			Name:     req.Name,
			URL:      strings.TrimSpace(req.URL),
			Kind:     models.SourceKind(strings.ToLower(req.Kind)),
			Render:   req.Render,
			Selector: req.Selector,
			Headers:  req.Headers,
			Disabled: req.Disabled,
		}
		if err := config.ValidateSource(src); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := sources.Create(c.Request.Context(), &src)
		var conflict *storage.StoreConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "source already exists"})
			return
		}
		if err != nil {
			log.Error("Source creation failed", zap.String("id", src.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create source"})
			return
		}
		log.Info("Source registered", zap.String("id", src.ID), zap.String("kind", string(src.Kind)))
		c.JSON(http.StatusCreated, src)
	})
}

func setupIngestRoutes(router *gin.Engine, sources sourceRegistry, ingest ingestRunner, bg context.Context, log *zap.Logger) {
	// Vollständiger Lauf; ohne ?wait=true im Hintergrund
	router.POST("/ingest/run", func(c *gin.Context) {
		if c.Query("wait") == "true" {
			report, err := ingest.RunAll(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
				return
			}
			c.JSON(http.StatusOK, report)
			return
		}
		go func() {
			if _, err := ingest.RunAll(bg); err != nil {
				log.Error("Manual ingestion run failed", zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	})

	router.POST("/ingest/sources/:id", func(c *gin.Context) {
		report, err := ingest.RunSourceByID(c.Request.Context(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		if err != nil {
			log.Error("Source lookup failed", zap.String("id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if services.IsSourceBusy(report) {
			c.JSON(http.StatusConflict, report)
			return
		}
		c.JSON(http.StatusOK, report)
	})

	// Änderungsmeldung einer Quelle (Push statt Poll)
	router.POST("/webhook/source-change", func(c *gin.Context) {
		type SourceChange struct {
			SourceID  string `json:"source_id"`
			SourceURL string `json:"source_url"`
		}
		var req SourceChange
		if err := c.ShouldBindJSON(&req); err != nil || (req.SourceID == "" && req.SourceURL == "") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source_id or source_url required"})
			return
		}

		var src *models.Source
		var err error
		if req.SourceID != "" {
			src, err = sources.Get(c.Request.Context(), req.SourceID)
		} else {
			src, err = sources.FindByURL(c.Request.Context(), req.SourceURL)
		}
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
			return
		}
		if err != nil {
			log.Error("Source lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if src.Disabled {
			c.JSON(http.StatusConflict, gin.H{"error": "source disabled"})
			return
		}

		go func(src models.Source) {
			report := ingest.RunSource(bg, src)
			log.Info("Webhook ingestion finished",
				zap.String("source", src.ID),
				zap.Int("created", report.Created),
				zap.Int("updated", report.Updated),
				zap.String("error", report.Error))
		}(*src)
		c.JSON(http.StatusAccepted, gin.H{"status": "started", "source_id": src.ID})
	})
}
