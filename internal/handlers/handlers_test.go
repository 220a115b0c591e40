package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeAndHammer/pixeldraw/internal/admin"
	"github.com/CodeAndHammer/pixeldraw/internal/board"
	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/gateway"
	"github.com/CodeAndHammer/pixeldraw/internal/identity"
	"github.com/CodeAndHammer/pixeldraw/internal/ratelimit"
	"github.com/CodeAndHammer/pixeldraw/internal/session"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestApp(t *testing.T, identityURL string) (*App, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.BoardWidth, cfg.BoardHeight = 4, 3
	cfg.DataFile = filepath.Join(dir, "board_data.json")
	cfg.SessionsFile = filepath.Join(dir, "sessions.json")
	cfg.RateLimitsFile = filepath.Join(dir, "rate_limits.json")
	cfg.BackupDir = filepath.Join(dir, "backup")
	cfg.BroadcastFile = filepath.Join(dir, "broadcast.json")
	cfg.SiteTitle = "Test Canvas"

	auth, err := admin.NewAuthorizer("pw", cfg.AdminMaxAttempts, cfg.AdminCooldown())
	if err != nil {
		t.Fatal(err)
	}
	hub := gateway.NewHub(cfg,
		board.New(cfg.BoardWidth, cfg.BoardHeight, cfg.BackgroundColor),
		session.NewStore(0),
		ratelimit.New(cfg.MaxPixelsPerWindow, cfg.RecoveryWindow()),
		auth)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	app := &App{
		Config:       cfg,
		Hub:          hub,
		Identity:     identity.NewVerifier(identityURL, time.Second),
		StartTime:    time.Now(),
		LimiterCount: func() int { return 7 },
	}

	router := gin.New()
	router.GET(constants.RouteWebSocket, func(c *gin.Context) { WebSocketHandler(app, c) })
	router.GET(constants.RouteConfig, func(c *gin.Context) { ConfigHandler(app, c) })
	router.GET(constants.RouteBroadcast, func(c *gin.Context) { BroadcastHandler(app, c) })
	router.GET(constants.RouteHealthz, func(c *gin.Context) { HealthzHandler(app, c) })
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return app, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + constants.RouteWebSocket + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// handshake reads frames up to and including online-count.
func handshake(t *testing.T, conn *websocket.Conn) []frame {
	t.Helper()
	var out []frame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, f)
		if f.Event == constants.EventOnlineCount {
			return out
		}
	}
}

func loginOf(t *testing.T, frames []frame) (map[string]any, bool) {
	t.Helper()
	for _, f := range frames {
		if f.Event == constants.EventLoginSuccess {
			var m map[string]any
			if err := json.Unmarshal(f.Data, &m); err != nil {
				t.Fatal(err)
			}
			return m, true
		}
	}
	return nil, false
}

func TestConfigHandler(t *testing.T) {
	_, srv := newTestApp(t, "")
	var got config.PublicConfig
	if code := getJSON(t, srv.URL+constants.RouteConfig, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.SiteTitle != "Test Canvas" || got.EnableTimeLimit {
		t.Errorf("config = %+v", got)
	}
}

func TestBroadcastHandler(t *testing.T) {
	app, srv := newTestApp(t, "")

	var empty map[string]any
	getJSON(t, srv.URL+constants.RouteBroadcast, &empty)
	if len(empty) != 0 {
		t.Errorf("missing file should give {}, got %v", empty)
	}

	if err := os.WriteFile(app.Config.BroadcastFile, []byte(`{"content":"Welcome!","version":3}`), 0o644); err != nil {
		t.Fatal(err)
	}
	var b Broadcast
	getJSON(t, srv.URL+constants.RouteBroadcast, &b)
	if b.Content != "Welcome!" || b.Version != float64(3) {
		t.Errorf("broadcast = %+v", b)
	}

	if err := os.WriteFile(app.Config.BroadcastFile, []byte(`{broken`), 0o644); err != nil {
		t.Fatal(err)
	}
	var corrupt map[string]any
	getJSON(t, srv.URL+constants.RouteBroadcast, &corrupt)
	if len(corrupt) != 0 {
		t.Errorf("corrupt file should give {}, got %v", corrupt)
	}
}

func TestHealthzHandler(t *testing.T) {
	_, srv := newTestApp(t, "")
	var got map[string]any
	if code := getJSON(t, srv.URL+constants.RouteHealthz, &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got["status"] != "ok" || got["active_limiters"] != float64(7) || got["online"] != float64(0) {
		t.Errorf("healthz = %v", got)
	}
}

func TestWebSocketGuest(t *testing.T) {
	_, srv := newTestApp(t, "")
	frames := handshake(t, dial(t, srv, ""))
	if _, ok := loginOf(t, frames); ok {
		t.Errorf("guest should not receive login-success")
	}
}

func TestWebSocketTokenThenSessionKey(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":1001,"nickname":"carol","avatar":""}`))
	}))
	defer provider.Close()
	_, srv := newTestApp(t, provider.URL)

	first, ok := loginOf(t, handshake(t, dial(t, srv, "?token=good")))
	if !ok {
		t.Fatalf("expected login-success for a valid token")
	}
	key, _ := first["sessionKey"].(string)
	if !strings.HasPrefix(key, constants.SessionKeyPrefix) {
		t.Fatalf("sessionKey = %v", first["sessionKey"])
	}

	resumed, ok := loginOf(t, handshake(t, dial(t, srv, "?sessionKey="+key)))
	if !ok {
		t.Fatalf("expected login-success on resume")
	}
	if _, has := resumed["sessionKey"]; has {
		t.Errorf("resume should not issue a new key")
	}
	if user, _ := resumed["user"].(map[string]any); user["nickname"] != "carol" {
		t.Errorf("resumed user = %v", resumed["user"])
	}

	if _, ok := loginOf(t, handshake(t, dial(t, srv, "?token=bad"))); ok {
		t.Errorf("invalid token should fall back to guest")
	}
	if _, ok := loginOf(t, handshake(t, dial(t, srv, "?sessionKey=sess_unknown"))); ok {
		t.Errorf("unknown session key should fall back to guest")
	}
}
