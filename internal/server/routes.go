package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	v1 "github.com/crewline/crewline/internal/api/v1"
	"github.com/crewline/crewline/internal/api/ws"
)

func registerAPIRoutes(r chi.Router, deps Deps) {
	apiConfig := huma.DefaultConfig("Crewline API", "1.0.0")
	apiConfig.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	api := humachi.New(r, apiConfig)

	v1.RegisterSessionRoutes(api, deps.Sessions)
	v1.RegisterAgentRoutes(api, deps.Agents)
	v1.RegisterCredentialRoutes(api, deps.Credentials)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{sessionID}", hub.ServeSession)
	r.Get("/firehose", hub.ServeFirehose)
}
