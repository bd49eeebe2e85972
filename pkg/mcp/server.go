// Package mcp exposes the scheduler to MCP clients over stdio: four job
// tools plus read-only status and artifact resources.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/relay/pkg/artifacts"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/version"
)

// Server wraps the MCP SDK server with the scheduler's tool surface.
type Server struct {
	jobs      *services.JobService
	artifacts *artifacts.Store
	logger    *slog.Logger
	server    *mcpsdk.Server
}

// NewServer builds the MCP server and registers all tools and resources.
func NewServer(jobs *services.JobService, art *artifacts.Store, logger *slog.Logger) *Server {
	s := &Server{
		jobs:      jobs,
		artifacts: art,
		logger:    logger.With("component", "mcp_server"),
		server: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "task-relay",
			Version: version.Version,
		}, nil),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// Run serves MCP over stdio until ctx is canceled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return s.server.Run(ctx, &mcpsdk.StdioTransport{})
}
