package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/conflict"
	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/mw"
	"fleet-hos-engine/internal/syncq"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(cfg *config.ServerConfig, registry *dutystate.Registry, store eventlog.Store,
	manager *syncq.Manager, resolver *conflict.Resolver, webpushOptions *webpush.Options) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(registry, store, manager, resolver, webpushOptions)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Read caching keeps the UI's sub-second HOS polling off the store.
	// Writes and the telemetry socket never pass through it.
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		drivers := api.Group("/drivers/:driver_id")
		{
			drivers.POST("/transitions", handler.PostTransition)
			drivers.POST("/corrections", handler.PostCorrection)
			drivers.GET("/hos", caching, handler.GetHOSWindow)
			drivers.GET("/events", caching, handler.GetEvents)
			drivers.GET("/queue", handler.GetQueueDepths)
			drivers.POST("/records", handler.PostRecord)
			drivers.GET("/conflicts", handler.GetConflicts)
			drivers.POST("/shift", handler.PostShift)
			drivers.DELETE("/shift", handler.DeleteShift)
		}

		api.POST("/conflicts/:conflict_id/resolution", handler.PostConflictResolution)
		api.POST("/telemetry", handler.PostTelemetrySample)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	// The gateway socket bypasses the rate limiter: samples arrive at
	// least once per second per vehicle.
	r.GET("/ws/telemetry", handler.TelemetrySocket)

	return r
}
