// Package server exposes the workspace execution service over HTTP and
// WebSocket: bash execution, file operations, workspace listing, and raw file
// serving, all returning the shared result envelope.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quarksoft/workspaced/internal/editor"
	"github.com/quarksoft/workspaced/internal/logging"
	"github.com/quarksoft/workspaced/internal/shell"
	"github.com/quarksoft/workspaced/internal/workspace"
	"github.com/quarksoft/workspaced/pkg/types"
)

const (
	serviceName    = "workspaced"
	serviceVersion = "1.0.0"
)

// Config holds server construction parameters.
type Config struct {
	HTTPAddr string
}

// Server wires the session manager, editor, and workspace components to the
// HTTP surface.
type Server struct {
	cfg     Config
	manager *shell.Manager
	editor  *editor.Editor
	guard   *workspace.Guard
	lister  *workspace.Lister

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(cfg Config, manager *shell.Manager, ed *editor.Editor, guard *workspace.Guard, lister *workspace.Lister) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(RequestLogger(), gin.Recovery())

	s := &Server{
		cfg:     cfg,
		manager: manager,
		editor:  ed,
		guard:   guard,
		lister:  lister,
		engine:  engine,
	}

	engine.GET("/", s.handleRoot)
	engine.GET("/status", s.handleStatus)
	engine.POST("/bash", s.handleBash)
	engine.POST("/file", s.handleFile)
	engine.GET("/list-files", s.handleListFiles)
	engine.GET("/file/*filepath", s.handleGetFile)
	engine.GET("/bash/ws", s.handleBashWS)

	return s
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}
	logging.Info("http server listening", logging.String("addr", s.cfg.HTTPAddr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": []gin.H{
			{"path": "/bash", "method": "POST", "description": "Execute bash commands"},
			{"path": "/file", "method": "POST", "description": "File operations (read, write, create, delete, etc.)"},
			{"path": "/status", "method": "GET", "description": "Check service status"},
			{"path": "/list-files", "method": "GET", "description": "List all files and directories recursively in the workspace"},
			{"path": "/file/{file_path}", "method": "GET", "description": "Get a specific file"},
			{"path": "/bash/ws", "method": "GET", "description": "WebSocket channel with live bash output"},
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

func (s *Server) handleBash(c *gin.Context) {
	var req types.BashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	result, err := s.manager.Handle(req)
	respond(c, result, err)
}

func (s *Server) handleFile(c *gin.Context) {
	var req types.FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	result, err := s.editor.Handle(req)
	respond(c, result, err)
}

func (s *Server) handleListFiles(c *gin.Context) {
	gitIgnore, _ := strconv.ParseBool(c.DefaultQuery("git_ignore", "false"))
	listing, err := s.lister.List(c.Request.Context(), gitIgnore)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("Error listing files: %v", err)})
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) handleGetFile(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("filepath"), "/")
	full, err := s.guard.Resolve(rel)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Access denied: Path outside workspace"})
		return
	}
	if s.guard.Excluded(full) {
		c.JSON(http.StatusForbidden, gin.H{"detail": "Access denied: File is excluded from serving"})
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "File not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Path is not a file"})
		return
	}
	c.File(full)
}

// respond maps operation outcomes to HTTP: request-level failures are 400,
// anything else unexpected is 500, and every other outcome is the envelope.
func respond(c *gin.Context, result types.Result, err error) {
	if err != nil {
		if types.IsToolError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("Unexpected error: %v", err)})
		return
	}
	c.JSON(http.StatusOK, result)
}
