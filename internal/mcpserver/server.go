// Package mcpserver exposes workflowd over the Model Context Protocol on
// the stdio transport. Every tool goes through the policy gate; no tool
// reaches the engine or the snapshot repository directly.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workflowd/internal/gate"
)

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "workflowd")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "workflowd",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// Server serves workflow tools over MCP.
type Server struct {
	mcp     *mcp.Server
	gate    *gate.Gate
	metrics *Metrics
	logger  *zap.Logger
}

// NewServer creates a new MCP server backed by the gate.
func NewServer(cfg *Config, g *gate.Gate) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if g == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		gate:    g,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
