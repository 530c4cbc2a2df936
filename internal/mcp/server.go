// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes recorded-execution debugging through MCP tools that
// can be used by AI assistants and other MCP clients. It provides a 12-tool
// API:
//
// Session Management:
//   - replay_connect: Open a session for a recording
//   - replay_disconnect: Close a session
//   - replay_list_sessions: List open sessions
//
// Navigation and inspection:
//   - replay_seek: Move the cursor to an execution point
//   - replay_frames: Stack at the cursor
//   - replay_scopes: Scope chain of a frame
//   - replay_object: Object preview
//   - replay_evaluate: Evaluate an expression (full mode only)
//   - replay_frame_steps: Points executed by a frame
//
// Sources and analysis:
//   - replay_mapped_location: Source-mapped positions of a location
//   - replay_possible_breakpoints: Breakable positions of a source
//   - replay_analysis: Map/reduce over execution points
package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/replayio/devtools-sub013/internal/config"
	"github.com/replayio/devtools-sub013/internal/session"
	"github.com/replayio/devtools-sub013/internal/version"
)

// Server wraps the MCP server with replay capabilities
type Server struct {
	mcpServer *server.MCPServer
	sessions  *session.Manager
	config    *config.Config
	logger    zerolog.Logger
}

// NewServer creates a new replay MCP server over a session manager
func NewServer(cfg *config.Config, sessions *session.Manager, logger zerolog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"replay-mcp",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		sessions:  sessions,
		config:    cfg,
		logger:    logger,
	}

	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	s.logger.Info().Str("mode", string(s.config.Mode)).Msg("serving MCP on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Close shuts down the server
func (s *Server) Close() {
	s.sessions.Close()
}

// MCPServer returns the underlying MCP server
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// GetConfig returns the server configuration
func (s *Server) GetConfig() *config.Config {
	return s.config
}
