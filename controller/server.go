// Package controller exposes the command gateway to controlling agents as
// MCP tools, over stdio or streamable HTTP.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"auralis_expression/authorization"
	"auralis_expression/gateway"
	"auralis_expression/logger"
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	goredis "github.com/redis/go-redis/v9"
)

const (
	serverName    = "auralis-expression"
	serverVersion = "1.0.0"
)

// Server owns the MCP tool bindings.
type Server struct {
	mcpServer *mcp.Server
	log       *logger.Logger
}

func NewServer(gw *gateway.Gateway, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(mcpServer, ListExpressionsTool(), ListExpressionsHandler(gw))
	mcp.AddTool(mcpServer, ChangeExpressionTool(), ChangeExpressionHandler(gw))
	mcp.AddTool(mcpServer, CurrentExpressionTool(), CurrentExpressionHandler(gw))
	return &Server{mcpServer: mcpServer, log: log.With("component", "ControllerServer")}
}

// ServeStdio serves on stdin/stdout until ctx ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.serveWithTransport(ctx, &mcp.StdioTransport{})
}

func (s *Server) serveWithTransport(ctx context.Context, transport mcp.Transport) error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("controller: MCP server is not configured")
	}
	s.log.Info("controller tool server started")
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("controller: serve MCP: %w", err)
	}
	return nil
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// RegisterRoutes mounts the streamable HTTP endpoint at /mcp behind the
// admin guard.
func RegisterRoutes(router gin.IRouter, guard *authorization.Guard, s *Server) {
	group := router.Group("/mcp")
	if guard != nil {
		group.Use(guard.RequireAuthenticated(), guard.RequireRole(authorization.RoleAdmin))
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	handler := gin.WrapH(s.Handler())
	group.Any("", handler)
}

// RegisterPresenceRoutes exposes GET /controllers, listing the controller
// instances currently advertised in Redis.
func RegisterPresenceRoutes(router gin.IRouter, guard *authorization.Guard, client *goredis.Client, log *logger.Logger) {
	if log == nil {
		log = logger.Nop()
	}
	group := router.Group("/controllers")
	if guard != nil {
		group.Use(guard.RequireAuthenticated(), guard.RequireRole(authorization.RoleAdmin))
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	group.GET("", func(c *gin.Context) {
		active, err := ActiveControllers(c.Request.Context(), client)
		if err != nil {
			log.Warn("list controllers failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence registry unavailable"})
			return
		}
		if active == nil {
			active = []Registration{}
		}
		c.JSON(http.StatusOK, gin.H{"controllers": active})
	})
}
