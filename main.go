package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ginGzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/CodeAndHammer/pixeldraw/internal/admin"
	"github.com/CodeAndHammer/pixeldraw/internal/board"
	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/gateway"
	"github.com/CodeAndHammer/pixeldraw/internal/handlers"
	"github.com/CodeAndHammer/pixeldraw/internal/identity"
	"github.com/CodeAndHammer/pixeldraw/internal/ratelimit"
	"github.com/CodeAndHammer/pixeldraw/internal/session"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "pixeldraw",
		Short:        "Shared real-time pixel canvas server.",
		SilenceUsage: true,
		RunE:         runServer,
	}

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Writes a rotated backup of the saved board and exits.",
		RunE:  runBackup,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.env", "path to the configuration file")
	rootCmd.AddCommand(backupCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		util.LogFatal("%v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load config failed")
	}
	util.SetLogLevel(cfg.LogLevel)
	return cfg, nil
}

func runBackup(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	canvas := board.New(cfg.BoardWidth, cfg.BoardHeight, cfg.BackgroundColor)
	if err := canvas.Load(cfg.DataFile); err != nil {
		return errors.Wrap(err, "load board failed")
	}
	now := time.Now()
	path, err := board.WriteBackup(cfg.BackupDir, canvas.Snapshot(now), cfg.MaxBackups, now)
	if err != nil {
		return errors.Wrap(err, "write backup failed")
	}
	util.LogInfo("Board backed up to %s", path)
	if backups, err := board.ListBackups(cfg.BackupDir); err == nil {
		util.LogInfo("%d backup%s kept: %s", len(backups), util.Plural(len(backups)), strings.Join(board.BackupNames(backups), ", "))
	}
	return nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	util.LogInfo("Starting PixelDraw in %s mode", map[bool]string{true: "production", false: "development"}[cfg.IsProduction()])

	canvas := board.New(cfg.BoardWidth, cfg.BoardHeight, cfg.BackgroundColor)
	if err := canvas.Load(cfg.DataFile); err != nil {
		util.LogWarn("Board data unusable, starting from a blank board: %v", err)
	}
	sessions := session.NewStore(cfg.SessionTTL)
	if err := sessions.Load(cfg.SessionsFile, time.Now()); err != nil {
		util.LogWarn("Sessions unusable, starting empty: %v", err)
	}
	util.LogInfo("Loaded %d session%s", sessions.Len(), util.Plural(sessions.Len()))
	limiter := ratelimit.New(cfg.MaxPixelsPerWindow, cfg.RecoveryWindow())
	if err := limiter.Load(cfg.RateLimitsFile); err != nil {
		util.LogWarn("Rate limits unusable, starting empty: %v", err)
	}
	auth, err := admin.NewAuthorizer(cfg.AdminPassword, cfg.AdminMaxAttempts, cfg.AdminCooldown())
	if err != nil {
		return errors.Wrap(err, "set up admin authorization failed")
	}

	hub := gateway.NewHub(cfg, canvas, sessions, limiter, auth)
	verifier := identity.NewVerifier(cfg.IdentityVerifyURL, cfg.IdentityTimeout)
	if !verifier.Enabled() {
		util.LogWarn("IDENTITY_VERIFY_URL is not set, every connection will be a guest")
	}

	app := newApp(cfg)
	h := &handlers.App{
		Config:       cfg,
		Hub:          hub,
		Identity:     verifier,
		StartTime:    app.StartTime,
		LimiterCount: app.limiterCount,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go hub.Run(ctx)
	app.startCleanupRoutines(ctx)

	return app.startServer(app.newRouter(h), hub)
}

func (app *App) newRouter(h *handlers.App) *gin.Engine {
	router := gin.New()
	router.Use(accessLogger(gin.DefaultWriter), gin.Recovery())

	router.Use(requestIDMiddleware())
	router.Use(securityHeadersMiddleware())

	router.Use(ginGzip.Gzip(ginGzip.DefaultCompression,
		ginGzip.WithExcludedExtensions([]string{".png", ".jpg", ".jpeg", ".gif", ".ico"}),
		ginGzip.WithExcludedPaths([]string{constants.RouteWebSocket})))

	if err := router.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		util.LogWarn("Failed to set trusted proxies: %v", err)
	}
	router.Use(app.cacheHeadersMiddleware())

	router.GET(constants.RouteWebSocket, app.rateLimitMiddleware(), func(c *gin.Context) { handlers.WebSocketHandler(h, c) })
	router.GET(constants.RouteConfig, app.rateLimitMiddleware(), func(c *gin.Context) { handlers.ConfigHandler(h, c) })
	router.GET(constants.RouteBroadcast, app.rateLimitMiddleware(), func(c *gin.Context) { handlers.BroadcastHandler(h, c) })
	router.GET(constants.RouteHealthz, func(c *gin.Context) { handlers.HealthzHandler(h, c) })

	if util.DirExists(app.Config.StaticDir) {
		util.LogInfo("Serving static files from %s", app.Config.StaticDir)
		files := http.FileServer(http.Dir(app.Config.StaticDir))
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.AbortWithStatus(http.StatusNotFound)
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	} else {
		util.LogWarn("Static directory %s not found, serving API only", app.Config.StaticDir)
	}
	return router
}

func (app *App) startServer(router *gin.Engine, hub *gateway.Hub) error {
	port := strconv.Itoa(app.Config.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint
		util.LogInfo("Shutdown signal received, shutting down server gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), app.Config.ShutdownTimeout)
		defer cancel()
		if err := hub.Shutdown(ctx); err != nil {
			util.LogWarn("Hub shutdown: %v", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.LogWarn("HTTP server Shutdown: %v", err)
		}
		close(idleConnsClosed)
	}()

	util.LogInfo("Server starting on http://localhost:%s", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed to start")
	}
	<-idleConnsClosed
	<-hub.Done()
	util.LogInfo("Server shutdown complete")
	return nil
}
