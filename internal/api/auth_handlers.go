package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/netblock"
)

// AuthMiddleware accepts either a bearer API token (agents, automation) or
// a logged-in operator session (humans behind the dashboard).
func (h *APIHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			token, err := h.authService.VerifyToken(c.Request.Context(), tokenStr)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
				c.Abort()
				return
			}

			if !h.isIPInCIDRs(c.ClientIP(), token.AllowedIPs) {
				zlog.Warn().
					Str("token", token.Name).
					Str("client_ip", c.ClientIP()).
					Str("allowed", token.AllowedIPs).
					Msg("API token used from unauthorized IP")
				c.JSON(http.StatusForbidden, gin.H{"error": "Token not allowed from this IP"})
				c.Abort()
				return
			}

			c.Set("username", token.Username)
			c.Next()
			return
		}

		session := sessions.Default(c)
		if loggedIn := session.Get("logged_in"); loggedIn == nil || !loggedIn.(bool) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		clientIP := c.ClientIP()
		if storedIP := session.Get("client_ip"); storedIP == nil || storedIP.(string) != clientIP {
			session.Clear()
			_ = session.Save()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}

		username, _ := session.Get("username").(string)
		c.Set("username", username)
		c.Next()
	}
}

// isIPInCIDRs checks the client IP against a comma-separated CIDR list.
// An empty list allows everything.
func (h *APIHandler) isIPInCIDRs(clientIP, cidrList string) bool {
	if strings.TrimSpace(cidrList) == "" {
		return true
	}

	ip, err := netblock.Parse(clientIP)
	if err != nil {
		return false
	}

	for _, cidr := range strings.Split(cidrList, ",") {
		allowed, err := netblock.Parse(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if allowed.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedIPs := strings.Split(h.cfg.MetricsAllowedIPs, ",")
		clientIP := c.ClientIP()

		isAllowed := false
		for _, ip := range allowedIPs {
			if strings.TrimSpace(ip) == clientIP {
				isAllowed = true
				break
			}
		}

		if !isAllowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (h *APIHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.authService.CheckAuth(c.Request.Context(), req.Username, req.Password) {
		zlog.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("Login failure")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set("logged_in", true)
	session.Set("username", req.Username)
	session.Set("client_ip", c.ClientIP())
	session.Set("login_time", time.Now().UTC().Format(time.RFC3339))
	if err := session.Save(); err != nil {
		zlog.Error().Err(err).Msg("Failed to save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	zlog.Info().Str("username", req.Username).Msg("Operator logged in")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "username": req.Username})
}

func (h *APIHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tokenRequest struct {
	Name       string  `json:"name" binding:"required"`
	AllowedIPs string  `json:"allowed_ips"`
	TTLSeconds float64 `json:"ttl_seconds"` // 0 = never expires
}

func (h *APIHandler) CreateToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	username := c.GetString("username")
	ttl := time.Duration(req.TTLSeconds * float64(time.Second))

	raw, token, err := h.authService.CreateAPIToken(c.Request.Context(), username, req.Name, req.AllowedIPs, ttl)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	// The raw token is shown exactly once.
	c.JSON(http.StatusCreated, gin.H{"token": raw, "record": token})
}

func (h *APIHandler) ListTokens(c *gin.Context) {
	tokens, err := h.authService.ListAPITokens(c.Request.Context(), c.GetString("username"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *APIHandler) DeleteToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token id"})
		return
	}

	if err := h.authService.DeleteAPIToken(c.Request.Context(), id, c.GetString("username")); err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
