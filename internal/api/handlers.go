package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bhr/internal/config"
	"bhr/internal/metrics"
	"bhr/internal/repository"
	"bhr/internal/service"
)

type APIHandler struct {
	cfg              *config.Config
	redisRepo        *repository.RedisRepository
	blockService     *service.BlockService
	whitelistService *service.WhitelistService
	authService      *service.AuthService
	hub              *Hub
	mainLimiter      gin.HandlerFunc
	loginLimiter     gin.HandlerFunc
	agentLimiter     gin.HandlerFunc
}

func NewAPIHandler(cfg *config.Config, r *repository.RedisRepository, blocks *service.BlockService, whitelist *service.WhitelistService, auth *service.AuthService, hub *Hub) *APIHandler {
	return &APIHandler{
		cfg:              cfg,
		redisRepo:        r,
		blockService:     blocks,
		whitelistService: whitelist,
		authService:      auth,
		hub:              hub,
	}
}

func (h *APIHandler) SetLimiters(main, login, agent gin.HandlerFunc) {
	h.mainLimiter = main
	h.loginLimiter = login
	h.agentLimiter = agent
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Deployed behind trusted proxies
		return true
	},
}

// WS streams block lifecycle events to logged-in operators.
func (h *APIHandler) WS(c *gin.Context) {
	session := sessions.Default(c)
	if loggedIn := session.Get("logged_in"); loggedIn == nil || !loggedIn.(bool) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	h.hub.register <- conn

	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		h.hub.unregister <- conn
	}()

	_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *APIHandler) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.PrometheusMiddleware())

	login := r.Group("/login")
	login.Use(h.loginLimiter)
	{
		login.POST("", h.Login)
	}
	r.GET("/logout", h.Logout)
	r.POST("/logout", h.Logout)
	r.GET("/ws", h.WS)

	v1 := r.Group("/api/v1")
	{
		// Public export for enforcement devices that cannot authenticate.
		v1.GET("/expected/raw", h.ExpectedRaw)
	}

	v1auth := v1.Group("/")
	v1auth.Use(h.AuthMiddleware())
	{
		v1auth.POST("/block", h.mainLimiter, h.CreateBlock)
		v1auth.GET("/block", h.mainLimiter, h.GetBlock)
		v1auth.GET("/block/:id", h.mainLimiter, h.GetBlockByID)
		v1auth.POST("/block/:id/withdraw", h.mainLimiter, h.WithdrawBlock)

		// Agent traffic gets its own limiter budget.
		v1auth.POST("/block/:id/set_blocked", h.agentLimiter, h.SetBlockedByID)
		v1auth.POST("/block/:id/set_unblocked", h.agentLimiter, h.SetUnblockedByID)
		v1auth.POST("/set_blocked", h.agentLimiter, h.SetBlocked)
		v1auth.POST("/set_unblocked", h.agentLimiter, h.SetUnblocked)
		v1auth.GET("/queue/:ident", h.agentLimiter, h.Queue)

		v1auth.GET("/pending", h.mainLimiter, h.Pending)
		v1auth.GET("/current", h.mainLimiter, h.Current)
		v1auth.GET("/expected", h.mainLimiter, h.Expected)
		v1auth.GET("/check", h.mainLimiter, h.Check)

		v1auth.GET("/whitelist", h.mainLimiter, h.ListWhitelist)
		v1auth.POST("/whitelist", h.mainLimiter, h.AddWhitelist)
		v1auth.DELETE("/whitelist/:id", h.mainLimiter, h.RemoveWhitelist)

		v1auth.GET("/stats", h.mainLimiter, h.Stats)
		v1auth.GET("/agents", h.mainLimiter, h.Agents)
		v1auth.GET("/audit", h.mainLimiter, h.AuditLogs)

		v1auth.GET("/tokens", h.mainLimiter, h.ListTokens)
		v1auth.POST("/tokens", h.mainLimiter, h.CreateToken)
		v1auth.DELETE("/tokens/:id", h.mainLimiter, h.DeleteToken)
	}

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))
}

func (h *APIHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (h *APIHandler) Ready(c *gin.Context) {
	dep := map[string]interface{}{"redis": true, "store": true}
	if h.redisRepo != nil {
		if _, err := h.redisRepo.GetAgentPolls(); err != nil {
			dep["redis"] = false
		}
	} else {
		dep["redis"] = false
	}
	if _, err := h.blockService.Expected(context.Background()); err != nil {
		dep["store"] = false
	}
	c.JSON(http.StatusOK, gin.H{"status": "READY", "dependencies": dep})
}
