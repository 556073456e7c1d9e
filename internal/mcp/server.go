// Package mcp exposes the build, coverage, generation, review and git
// operations as Model Context Protocol tools over stdio.
package mcp

import (
	"log/slog"
	"path/filepath"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"covloop/internal/config"
	"covloop/internal/repo"
	"covloop/internal/runner"
)

const ServerName = "covloop"

// Server holds the defaults tools fall back to when a call omits the
// repository or module argument.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	repoPath   string
	modulePath string
	cfg        config.Config
	runner     runner.Runner
	logger     *slog.Logger
}

func New(repoPath string, modulePath string, cfg config.Config, r runner.Runner, logger *slog.Logger, version string) *Server {
	if r == nil {
		r = runner.NewGenericRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		repoPath:   repoPath,
		modulePath: modulePath,
		cfg:        cfg,
		runner:     r,
		logger:     logger,
	}
	s.mcpServer = mcpserver.NewMCPServer(
		ServerName,
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks until stdin closes. Stdout carries the protocol, so
// nothing else may write to it while serving.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) repoArg(request mcplib.CallToolRequest) string {
	return request.GetString("repo", s.repoPath)
}

// moduleArg resolves the module argument against the repository.
func (s *Server) moduleArg(request mcplib.CallToolRequest) string {
	module := request.GetString("module", s.modulePath)
	if module == "" {
		module = "."
	}
	if filepath.IsAbs(module) {
		return module
	}
	return filepath.Join(s.repoArg(request), module)
}

func (s *Server) adapter() *repo.Adapter {
	return repo.NewAdapter(s.cfg.ReportPath, s.cfg.GeneratedDir)
}
