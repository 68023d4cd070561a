// Package server provides the public entry point for initializing the
// StockScope control plane server.
//
// This package exists in pkg/ (not internal/) so that deployment wrappers can
// import it and compose the full server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/stockscope/stockscope/internal/agents"
	"github.com/stockscope/stockscope/internal/api"
	"github.com/stockscope/stockscope/internal/api/handlers"
	"github.com/stockscope/stockscope/internal/config"
	"github.com/stockscope/stockscope/internal/coordinator"
	"github.com/stockscope/stockscope/internal/llm"
	"github.com/stockscope/stockscope/internal/researchdb"
	"github.com/stockscope/stockscope/internal/sessions"
	"github.com/stockscope/stockscope/internal/telemetry"
)

// Server holds the initialized StockScope control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Config is the resolved server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and returns a
// ready Server. This is the primary entry point for main.go.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(_ context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	db := researchdb.New(cfg.Research.DataDir)
	log.Info().Str("data_dir", cfg.Research.DataDir).Msg("✅ Research database initialized")

	sessionStore := sessions.NewStore()
	log.Info().Msg("✅ Session store initialized")

	client := llm.New(cfg.OpenAI)
	log.Info().
		Str("model", cfg.OpenAI.Model).
		Str("research_model", cfg.OpenAI.ResearchModel).
		Msg("✅ LLM client initialized")

	coord := coordinator.New(agents.All(client, db), coordinator.Config{
		MaxRetries:   cfg.Research.MaxRetries,
		AgentTimeout: cfg.Research.AgentTimeout,
	})
	log.Info().
		Int("max_retries", cfg.Research.MaxRetries).
		Dur("agent_timeout", cfg.Research.AgentTimeout).
		Msg("✅ Agent coordinator initialized")

	h := handlers.New(sessionStore, coord, db)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
