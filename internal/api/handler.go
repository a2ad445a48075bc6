package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"fleet-hos-engine/internal/conflict"
	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/syncq"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	registry *dutystate.Registry
	store    eventlog.Store
	manager  *syncq.Manager
	resolver *conflict.Resolver
	webpush  *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(registry *dutystate.Registry, store eventlog.Store,
	manager *syncq.Manager, resolver *conflict.Resolver, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		manager:  manager,
		resolver: resolver,
		webpush:  webpushOptions,
	}
}
