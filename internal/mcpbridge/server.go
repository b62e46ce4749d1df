package mcpbridge

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/colloquy/colloquy/internal/common/config"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/lifecycle"
	"github.com/colloquy/colloquy/internal/orchestrator"
)

// Bridge mounts one MCP server per configuration token, lazily, under
// /bridge/:config64. Servers are stateless and cached per token.
type Bridge struct {
	orch      *orchestrator.Service
	lifecycle *lifecycle.Manager
	cfg       config.BridgeConfig
	log       *logger.Logger

	mu      sync.Mutex
	servers map[string]*server.StreamableHTTPServer
}

// New creates the bridge.
func New(orch *orchestrator.Service, lc *lifecycle.Manager, cfg config.BridgeConfig, log *logger.Logger) *Bridge {
	return &Bridge{
		orch:      orch,
		lifecycle: lc,
		cfg:       cfg,
		log:       log,
		servers:   make(map[string]*server.StreamableHTTPServer),
	}
}

// RegisterRoutes mounts the bridge endpoint on the router.
func (b *Bridge) RegisterRoutes(router *gin.Engine) {
	router.Any("/bridge/:config64", b.handle)
}

func (b *Bridge) handle(c *gin.Context) {
	config64 := c.Param("config64")
	srv, err := b.serverFor(config64)
	if err != nil {
		b.log.Warn("rejected bridge connection", zap.Error(err))
		c.AbortWithStatusJSON(400, gin.H{"error": "invalid configuration token"})
		return
	}
	srv.ServeHTTP(c.Writer, c.Request)
}

// serverFor returns the cached MCP server for a token, building it on first
// use. The token is validated once here; tool handlers reparse lazily never.
func (b *Bridge) serverFor(config64 string) (*server.StreamableHTTPServer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if srv, ok := b.servers[config64]; ok {
		return srv, nil
	}

	tpl, err := ParseTemplate(config64)
	if err != nil {
		return nil, err
	}

	mcpServer := server.NewMCPServer(
		"colloquy-bridge",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	b.registerTools(mcpServer, tpl, config64)

	srv := server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/bridge/"+config64),
		server.WithStateLess(true),
	)
	b.servers[config64] = srv
	b.log.Info("mounted bridge server",
		zap.String("starting_agent", tpl.StartingAgentID),
		zap.Int("agents", len(tpl.Agents)))
	return srv, nil
}
