// Package api serves the registry over HTTP. Commands carry the caller
// identity in the X-Caller header; queries take JSON bodies.
package api

import (
	"github.com/drpcorg/factory"
	"github.com/drpcorg/factory/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers every endpoint on router. A nil gatherer leaves
// /metrics out.
//
//	GET    /health
//	GET    /metrics
//	POST   /v1/init
//	GET    /v1/config                  PUT /v1/config
//	POST   /v1/records                 create, answers the instantiate command
//	PATCH  /v1/records                 update indices, tags and relations
//	POST   /v1/records/hidden          toggle hidden
//	GET    /v1/records/count
//	POST   /v1/records/metadata        body: selector
//	POST   /v1/records/tags            POST /v1/records/relations
//	POST   /v1/records/has-tags        POST /v1/records/has-relations
//	POST   /v1/records/is-related-to
//	POST   /v1/scan/range              POST /v1/scan/tag
//	POST   /v1/scan/related
//	GET    /v1/presets                 GET/PUT/DELETE /v1/presets/:name
//	POST   /v1/migrations              begin
//	GET    /v1/migrations/:name        session and a page of failures
//	POST   /v1/migrations/:name/step   POST /v1/migrations/:name/retry
//	DELETE /v1/migrations/:name        cancel
//	POST   /v1/migrate-one
//	POST   /v1/replies                 reply delivery
func SetupRoutes(router *gin.Engine, f *factory.Factory, gatherer prometheus.Gatherer, log utils.Logger) {
	router.GET("/health", HandleHealth)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1", RequestContext(log))
	{
		v1.POST("/init", HandleInit(f))
		v1.GET("/config", HandleGetConfig(f))
		v1.PUT("/config", HandleSetConfig(f))
		v1.POST("/replies", HandleReply(f))
		v1.POST("/migrate-one", HandleMigrateOne(f))

		records := v1.Group("/records")
		{
			records.POST("", HandleCreate(f))
			records.PATCH("", HandleUpdate(f))
			records.POST("/hidden", HandleToggleHidden(f))
			records.GET("/count", HandleRecordCount(f))
			records.POST("/metadata", HandleRecordMetadata(f))
			records.POST("/tags", HandleRecordTags(f))
			records.POST("/relations", HandleRecordRelations(f))
			records.POST("/has-tags", HandleHasTags(f))
			records.POST("/has-relations", HandleHasRelations(f))
			records.POST("/is-related-to", HandleIsRelatedTo(f))
		}
		scan := v1.Group("/scan")
		{
			scan.POST("/range", HandleRange(f))
			scan.POST("/tag", HandleByTag(f))
			scan.POST("/related", HandleRelatedTo(f))
		}
		presets := v1.Group("/presets")
		{
			presets.GET("", HandleListPresets(f))
			presets.GET("/:name", HandleGetPreset(f))
			presets.PUT("/:name", HandleSetPreset(f))
			presets.DELETE("/:name", HandleRemovePreset(f))
		}
		migrations := v1.Group("/migrations")
		{
			migrations.POST("", HandleBeginMigration(f))
			migrations.GET("/:name", HandleGetMigration(f))
			migrations.POST("/:name/step", HandleStepMigration(f))
			migrations.POST("/:name/retry", HandleRetryMigration(f))
			migrations.DELETE("/:name", HandleCancelMigration(f))
		}
	}
}

// NewRouter builds a gin engine with recovery and the registry routes.
func NewRouter(f *factory.Factory, gatherer prometheus.Gatherer, log utils.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router, f, gatherer, log)
	return router
}
