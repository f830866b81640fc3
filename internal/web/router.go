package web

import (
	"log/slog"
	"net/http"

	"github.com/jusunglee/pumpbot/internal/audit"
	"github.com/jusunglee/pumpbot/internal/web/handlers"
	"github.com/jusunglee/pumpbot/internal/web/middleware"
)

// Router serves the admin API under /admin/.
type Router struct {
	blocker  handlers.Blocker
	reporter handlers.Reporter
	store    audit.Store
	apiKey   string
	log      *slog.Logger
}

func NewRouter(blocker handlers.Blocker, reporter handlers.Reporter, store audit.Store, apiKey string, log *slog.Logger) *Router {
	return &Router{
		blocker:  blocker,
		reporter: reporter,
		store:    store,
		apiKey:   apiKey,
		log:      log,
	}
}

func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := handlers.NewAdminHandler(r.blocker, r.reporter, r.store, r.log)

	routes := map[string]http.HandlerFunc{
		"GET /admin/stats":         admin.Stats,
		"GET /admin/blocks":        admin.Blocks,
		"GET /admin/audit":         admin.Audit,
		"POST /admin/block/{id}":   admin.Block,
		"POST /admin/unblock/{id}": admin.Unblock,
	}
	for pattern, h := range routes {
		mux.Handle(pattern, middleware.Chain(h,
			middleware.Instrument(r.log),
			middleware.Recover(r.log),
			middleware.APIKeyAuth(r.apiKey),
		))
	}
	return mux
}
