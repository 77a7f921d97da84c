package handlers

import "net/http"

// Handlers bundles the API handlers for route registration. Blocks may be
// nil when the blocklist is disabled.
type Handlers struct {
	Evolutions *EvolutionHandler
	Skills     *SkillHandler
	Blocks     *BlockHandler
	Health     *HealthHandler
}

// RegisterRoutes wires the API onto a mux using Go 1.22 method patterns.
func RegisterRoutes(mux *http.ServeMux, h Handlers) {
	mux.HandleFunc("GET /health", h.Health.HandleHealth)
	mux.HandleFunc("GET /readyz", h.Health.HandleReadyz)

	mux.HandleFunc("POST /v1/evolutions", h.Evolutions.Trigger)
	mux.HandleFunc("GET /v1/evolutions", h.Evolutions.List)
	mux.HandleFunc("GET /v1/evolutions/{id}", h.Evolutions.Get)
	mux.HandleFunc("DELETE /v1/evolutions/{id}", h.Evolutions.Delete)
	mux.HandleFunc("POST /v1/evolutions/{id}/advance", h.Evolutions.Advance)
	mux.HandleFunc("POST /v1/evolutions/{id}/rollback", h.Evolutions.Rollback)

	mux.HandleFunc("GET /v1/skills", h.Skills.List)
	mux.HandleFunc("GET /v1/skills/{name}/source", h.Skills.GetSource)
	mux.HandleFunc("POST /v1/skills/{name}/invoke", h.Skills.Invoke)
	mux.HandleFunc("POST /v1/skills/{name}/reset-trigger", h.Skills.ResetTrigger)

	if h.Blocks != nil {
		mux.HandleFunc("GET /v1/blocks", h.Blocks.List)
		mux.HandleFunc("POST /v1/blocks", h.Blocks.Block)
		mux.HandleFunc("DELETE /v1/blocks/{capability}", h.Blocks.Unblock)
	}
}
