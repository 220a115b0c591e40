package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/handlers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testApp() *App {
	cfg := config.Default()
	cfg.HTTPRateLimitRPS = 1
	cfg.HTTPRateLimitBurst = 2
	return newApp(cfg)
}

func serve(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware(t *testing.T) {
	app := testApp()
	r := gin.New()
	r.GET("/api/x", app.rateLimitMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		if w := serve(r, "/api/x"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	if w := serve(r, "/api/x"); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", w.Code)
	}
	if app.limiterCount() != 1 {
		t.Errorf("limiterCount = %d", app.limiterCount())
	}
}

func TestCleanupStaleRateLimiters(t *testing.T) {
	app := testApp()
	now := time.Now()
	app.LimiterMap["old"] = &RateLimiterWithTime{Limiter: rate.NewLimiter(1, 1), LastAccess: now.Add(-2 * time.Hour)}
	app.LimiterMap["new"] = &RateLimiterWithTime{Limiter: rate.NewLimiter(1, 1), LastAccess: now}

	if n := app.cleanupStaleRateLimiters(now); n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, ok := app.LimiterMap["new"]; !ok {
		t.Errorf("fresh limiter removed")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(securityHeadersMiddleware(), requestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		if c.Request.Context().Value(constants.RequestIDKey) == nil {
			t.Errorf("request id missing from context")
		}
		c.Status(http.StatusOK)
	})
	w := serve(r, "/")
	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "connect-src 'http://example.com' ws://example.com") {
		t.Errorf("csp = %q", csp)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Request-Id") == "" {
		t.Errorf("headers = %v", w.Header())
	}
}

func TestCacheHeaders(t *testing.T) {
	app := testApp()
	app.Config.Env = "production"
	r := gin.New()
	r.Use(app.cacheHeadersMiddleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/index.html", ok)
	r.GET(constants.RouteConfig, ok)

	if cc := serve(r, "/index.html").Header().Get("Cache-Control"); !strings.Contains(cc, "public") {
		t.Errorf("static Cache-Control = %q", cc)
	}
	if cc := serve(r, constants.RouteConfig).Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("api Cache-Control = %q", cc)
	}
}

func TestAccessLogOmitsCredentials(t *testing.T) {
	var buf bytes.Buffer
	prev := gin.DefaultWriter
	gin.DefaultWriter = &buf
	defer func() { gin.DefaultWriter = prev }()

	app := newApp(config.Default())
	app.Config.StaticDir = t.TempDir()
	r := app.newRouter(&handlers.App{Config: app.Config})

	serve(r, constants.RouteConfig+"?token=SECRET-IDP-TOKEN&sessionKey=sess_1_abc")
	serve(r, constants.RouteWebSocket+"?token=SECRET-IDP-TOKEN")

	logged := buf.String()
	if !strings.Contains(logged, `"`+constants.RouteConfig+`"`) || !strings.Contains(logged, `"`+constants.RouteWebSocket+`"`) {
		t.Fatalf("expected both requests in the access log, got:\n%s", logged)
	}
	if strings.Contains(logged, "SECRET-IDP-TOKEN") || strings.Contains(logged, "sess_1_abc") {
		t.Errorf("credentials leaked into the access log:\n%s", logged)
	}
}
