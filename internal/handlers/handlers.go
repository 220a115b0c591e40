package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/gateway"
	"github.com/CodeAndHammer/pixeldraw/internal/identity"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

// App carries what the HTTP handlers need.
type App struct {
	Config       *config.Config
	Hub          *gateway.Hub
	Identity     *identity.Verifier
	Upgrader     websocket.Upgrader
	StartTime    time.Time
	LimiterCount func() int
}

// Broadcast is the announcement served to clients. The file is re-read on
// every request.
type Broadcast struct {
	Content string `json:"content"`
	Version any    `json:"version"`
}

func WebSocketHandler(app *App, c *gin.Context) {
	ctx := c.Request.Context()
	user := models.Guest()
	sessionKey := ""

	if key := c.Query(constants.QuerySessionKey); key != "" {
		if resumed, ok := app.Hub.ResolveSession(ctx, key); ok {
			user = resumed
			sessionKey = key
		}
	}
	if sessionKey == "" {
		if token := c.Query(constants.QueryToken); token != "" && app.Identity.Enabled() {
			verified, err := app.Identity.Verify(ctx, token)
			if err != nil {
				util.LogWarn("Token verification failed for %s: %v", c.ClientIP(), err)
			} else {
				user = verified
			}
		}
	}

	conn, err := app.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarn("Websocket upgrade failed for %s: %v", c.ClientIP(), err)
		return
	}
	if err := app.Hub.Attach(conn, user, sessionKey, c.ClientIP()); err != nil {
		util.LogWarn("Rejected connection from %s: %v", c.ClientIP(), err)
	}
}

func ConfigHandler(app *App, c *gin.Context) {
	c.JSON(http.StatusOK, app.Config.Public())
}

func BroadcastHandler(app *App, c *gin.Context) {
	data, err := os.ReadFile(app.Config.BroadcastFile)
	if err != nil {
		if !os.IsNotExist(err) {
			util.LogWarn("Failed to read broadcast file: %v", err)
		}
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	var b Broadcast
	if err := json.Unmarshal(data, &b); err != nil {
		util.LogWarn("Failed to parse broadcast file: %v", err)
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, b)
}

func HealthzHandler(app *App, c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(app.StartTime)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	stats, err := app.Hub.Stats(ctx)
	status, code := "ok", http.StatusOK
	if err != nil {
		util.LogWarn("Health check could not reach hub: %v", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}

	limiterCount := 0
	if app.LimiterCount != nil {
		limiterCount = app.LimiterCount()
	}

	c.JSON(code, gin.H{
		"status":             status,
		"env":                map[bool]string{true: "production", false: "development"}[app.Config.IsProduction()],
		"board":              gin.H{"width": app.Config.BoardWidth, "height": app.Config.BoardHeight},
		"online":             stats.Online,
		"active_sessions":    stats.Sessions,
		"active_rate_limits": stats.RateLimits,
		"admin_connections":  stats.Privileged,
		"active_limiters":    limiterCount,
		"memory_alloc_mb":    m.Alloc / 1024 / 1024,
		"memory_sys_mb":      m.Sys / 1024 / 1024,
		"memory_gc_count":    m.NumGC,
		"uptime":             util.FormatUptime(uptime),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}
