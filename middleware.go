package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	cachecontrol "go.eigsys.de/gin-cachecontrol/v2"
	"golang.org/x/time/rate"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

var cspTemplate = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; connect-src 'self' {ws}; object-src 'none'; base-uri 'self'; form-action 'self'; frame-ancestors 'none';"

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, wsScheme := "http", "ws"
		if c.Request.TLS != nil {
			scheme, wsScheme = "https", "wss"
		}
		origin := scheme + "://" + c.Request.Host
		csp := strings.ReplaceAll(cspTemplate, "'self'", "'"+origin+"'")
		csp = strings.ReplaceAll(csp, "{ws}", wsScheme+"://"+c.Request.Host)
		c.Header("Content-Security-Policy", csp)
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		}
		c.Next()
	}
}

// accessLogger writes gin's usual access line with the query string removed;
// /ws carries the identity token and session key there.
func accessLogger(out io.Writer) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Output: out,
		Formatter: func(p gin.LogFormatterParams) string {
			path, _, _ := strings.Cut(p.Path, "?")
			var statusColor, methodColor, resetColor string
			if p.IsOutputColor() {
				statusColor, methodColor, resetColor = p.StatusCodeColor(), p.MethodColor(), p.ResetColor()
			}
			return fmt.Sprintf("[GIN] %v |%s %3d %s| %13v | %15s |%s %-7s %s %#v\n%s",
				p.TimeStamp.Format("2006/01/02 - 15:04:05"),
				statusColor, p.StatusCode, resetColor,
				p.Latency, p.ClientIP,
				methodColor, p.Method, resetColor,
				path, p.ErrorMessage)
		},
	})
}

func (app *App) getLimiter(key string) *rate.Limiter {
	app.LimiterMutex.RLock()
	limWithTime, ok := app.LimiterMap[key]
	app.LimiterMutex.RUnlock()
	if ok {
		app.LimiterMutex.Lock()
		if limWithTime, ok = app.LimiterMap[key]; ok {
			limWithTime.LastAccess = time.Now()
		}
		app.LimiterMutex.Unlock()
		if ok {
			return limWithTime.Limiter
		}
	}

	app.LimiterMutex.Lock()
	defer app.LimiterMutex.Unlock()
	if limWithTime, ok = app.LimiterMap[key]; ok {
		limWithTime.LastAccess = time.Now()
		return limWithTime.Limiter
	}

	if key == "" {
		util.LogWarn("Rate limiter key is empty")
	}
	rps := max(app.Config.HTTPRateLimitRPS, 1)
	lim := rate.NewLimiter(rate.Every(time.Second/time.Duration(rps)), app.Config.HTTPRateLimitBurst)
	app.LimiterMap[key] = &RateLimiterWithTime{
		Limiter:    lim,
		LastAccess: time.Now(),
	}
	return lim
}

func (app *App) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if !app.getLimiter(key).Allow() {
			util.LogDebug("Rate limited %s on %s", key, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please slow down."})
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Request.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), constants.RequestIDKey, reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", reqID)
		c.Next()
	}
}

func isDynamicPath(path string) bool {
	return path == constants.RouteWebSocket || path == constants.RouteHealthz || strings.HasPrefix(path, "/api/")
}

func (app *App) cacheHeadersMiddleware() gin.HandlerFunc {
	noStore := cachecontrol.New(cachecontrol.Config{
		NoStore:        true,
		NoCache:        true,
		MustRevalidate: true,
	})
	static := cachecontrol.New(cachecontrol.Config{
		Public: true,
		MaxAge: cachecontrol.Duration(app.Config.StaticCacheAge),
	})
	production := app.Config.IsProduction()
	return func(c *gin.Context) {
		if production && !isDynamicPath(c.Request.URL.Path) {
			c.Header("Vary", "Accept-Encoding")
			static(c)
			return
		}
		noStore(c)
	}
}
