// Package config loads the server configuration from a dotenv-format file,
// creating it with generated defaults on first run, and overlays
// PIXELDRAW_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

const EnvPrefix = "PIXELDRAW_"

type Config struct {
	Port     int    `koanf:"PORT" validate:"min=1,max=65535"`
	Env      string `koanf:"ENV"`
	LogLevel string `koanf:"LOG_LEVEL"`

	BoardWidth      int     `koanf:"BOARD_WIDTH" validate:"min=1,max=4096"`
	BoardHeight     int     `koanf:"BOARD_HEIGHT" validate:"min=1,max=4096"`
	BackgroundColor string  `koanf:"BACKGROUND_COLOR" validate:"len=7,hexcolor"`
	MinZoom         float64 `koanf:"MIN_ZOOM" validate:"gt=0"`
	MaxZoom         float64 `koanf:"MAX_ZOOM" validate:"gtfield=MinZoom"`

	MaxPixelsPerWindow  int `koanf:"MAX_PIXELS_PER_WINDOW" validate:"min=1"`
	PixelRecoveryWindow int `koanf:"PIXEL_RECOVERY_WINDOW" validate:"min=1"`

	AutoSaveInterval time.Duration `koanf:"AUTO_SAVE_INTERVAL" validate:"min=1s"`
	EnableBackup     bool          `koanf:"ENABLE_BACKUP"`
	BackupInterval   time.Duration `koanf:"BACKUP_INTERVAL" validate:"min=1s"`
	MaxBackups       int           `koanf:"MAX_BACKUPS" validate:"min=1"`

	EnableTimeLimit   bool   `koanf:"ENABLE_TIME_LIMIT"`
	TimeLimitStart    string `koanf:"TIME_LIMIT_START"`
	TimeLimitEnd      string `koanf:"TIME_LIMIT_END"`
	ClearBoardOnStart bool   `koanf:"CLEAR_BOARD_ON_START"`

	AdminPassword        string `koanf:"ADMIN_PASSWORD" validate:"required"`
	AdminMaxAttempts     int    `koanf:"ADMIN_MAX_ATTEMPTS" validate:"min=1"`
	AdminCooldownMinutes int    `koanf:"ADMIN_COOLDOWN_MINUTES" validate:"min=1"`

	SessionTTL        time.Duration `koanf:"SESSION_TTL" validate:"min=0s"`
	IdentityVerifyURL string        `koanf:"IDENTITY_VERIFY_URL" validate:"omitempty,url"`
	IdentityTimeout   time.Duration `koanf:"IDENTITY_TIMEOUT" validate:"min=1s"`

	DataFile       string `koanf:"DATA_FILE" validate:"required"`
	SessionsFile   string `koanf:"SESSIONS_FILE" validate:"required"`
	RateLimitsFile string `koanf:"RATE_LIMITS_FILE" validate:"required"`
	BackupDir      string `koanf:"BACKUP_DIR" validate:"required"`
	BroadcastFile  string `koanf:"BROADCAST_FILE" validate:"required"`
	StaticDir      string `koanf:"STATIC_DIR" validate:"required"`

	ShutdownTimeout    time.Duration `koanf:"SHUTDOWN_TIMEOUT" validate:"min=1s"`
	HTTPRateLimitRPS   int           `koanf:"HTTP_RATE_LIMIT_RPS" validate:"min=1"`
	HTTPRateLimitBurst int           `koanf:"HTTP_RATE_LIMIT_BURST" validate:"min=1"`
	HTTPRateLimiterTTL time.Duration `koanf:"HTTP_RATE_LIMITER_TTL" validate:"min=1s"`
	StaticCacheAge     time.Duration `koanf:"STATIC_CACHE_AGE"`

	SiteTitle              string `koanf:"SITE_TITLE"`
	SiteIcon               string `koanf:"SITE_ICON"`
	BroadcastTitle         string `koanf:"BROADCAST_TITLE"`
	EnablePixelCountdown   bool   `koanf:"ENABLE_PIXEL_COUNTDOWN"`
	PixelCountdownPosition string `koanf:"PIXEL_COUNTDOWN_POSITION" validate:"omitempty,oneof=top-left top-right bottom-left bottom-right"`
	PixelCountdownColor    string `koanf:"PIXEL_COUNTDOWN_COLOR" validate:"omitempty,hexcolor"`
	PixelCountdownFontSize int    `koanf:"PIXEL_COUNTDOWN_FONT_SIZE" validate:"min=1"`
	PixelCountdownOffsetX  int    `koanf:"PIXEL_COUNTDOWN_OFFSET_X"`
	PixelCountdownOffsetY  int    `koanf:"PIXEL_COUNTDOWN_OFFSET_Y"`
}

// PublicConfig is the display configuration served to browsers.
type PublicConfig struct {
	SiteTitle              string `json:"siteTitle"`
	SiteIcon               string `json:"siteIcon"`
	BroadcastTitle         string `json:"broadcastTitle"`
	EnableTimeLimit        bool   `json:"enableTimeLimit"`
	TimeLimitStart         string `json:"timeLimitStart"`
	TimeLimitEnd           string `json:"timeLimitEnd"`
	EnablePixelCountdown   bool   `json:"enablePixelCountdown"`
	PixelCountdownPosition string `json:"pixelCountdownPosition"`
	PixelCountdownColor    string `json:"pixelCountdownColor"`
	PixelCountdownFontSize int    `json:"pixelCountdownFontSize"`
	PixelCountdownOffsetX  int    `json:"pixelCountdownOffsetX"`
	PixelCountdownOffsetY  int    `json:"pixelCountdownOffsetY"`
}

func Default() *Config {
	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	return &Config{
		Port:                   3000,
		Env:                    "development",
		LogLevel:               "info",
		BoardWidth:             800,
		BoardHeight:            600,
		BackgroundColor:        constants.DefaultColor,
		MinZoom:                0.5,
		MaxZoom:                20,
		MaxPixelsPerWindow:     100,
		PixelRecoveryWindow:    120,
		AutoSaveInterval:       5 * time.Minute,
		EnableBackup:           true,
		BackupInterval:         30 * time.Minute,
		MaxBackups:             10,
		EnableTimeLimit:        false,
		TimeLimitStart:         start.Format(constants.TimeLimitLayout),
		TimeLimitEnd:           start.Add(7 * 24 * time.Hour).Format(constants.TimeLimitLayout),
		ClearBoardOnStart:      false,
		AdminMaxAttempts:       5,
		AdminCooldownMinutes:   15,
		SessionTTL:             0,
		IdentityTimeout:        5 * time.Second,
		DataFile:               "board_data.json",
		SessionsFile:           "sessions.json",
		RateLimitsFile:         "rate_limits.json",
		BackupDir:              "backup",
		BroadcastFile:          "broadcast.json",
		StaticDir:              "static",
		ShutdownTimeout:        3 * time.Second,
		HTTPRateLimitRPS:       5,
		HTTPRateLimitBurst:     20,
		HTTPRateLimiterTTL:     time.Hour,
		StaticCacheAge:         5 * time.Minute,
		SiteTitle:              "PixelDraw",
		BroadcastTitle:         "Announcement",
		PixelCountdownPosition: "top-right",
		PixelCountdownColor:    "#000000",
		PixelCountdownFontSize: 12,
	}
}

// Load reads path, writing generated defaults to it first when it does not
// exist yet.
func Load(path string) (*Config, error) {
	if !util.FileExists(path) {
		cfg := Default()
		cfg.AdminPassword = strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := godotenv.Write(fileValues(cfg), path); err != nil {
			return nil, errors.Wrap(err, "write default config failed")
		}
		util.LogInfo("Created default configuration at %s", path)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), dotenv.Parser()); err != nil {
		return nil, errors.Wrapf(err, "load config file %s failed", path)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(s, EnvPrefix)
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load environment failed")
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "decode config failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "validate config failed")
	}
	if c.EnableTimeLimit || c.ClearBoardOnStart {
		start, end, err := c.TimeWindow()
		if err != nil {
			return err
		}
		if !end.After(start) {
			return errors.New("TIME_LIMIT_END must be after TIME_LIMIT_START")
		}
	}
	return nil
}

// TimeWindow parses the time-gated event bounds in local time.
func (c *Config) TimeWindow() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(constants.TimeLimitLayout, c.TimeLimitStart, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(err, "parse TIME_LIMIT_START failed")
	}
	end, err := time.ParseInLocation(constants.TimeLimitLayout, c.TimeLimitEnd, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(err, "parse TIME_LIMIT_END failed")
	}
	return start, end, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) RecoveryWindow() time.Duration {
	return time.Duration(c.PixelRecoveryWindow) * time.Second
}

func (c *Config) AdminCooldown() time.Duration {
	return time.Duration(c.AdminCooldownMinutes) * time.Minute
}

func (c *Config) Public() PublicConfig {
	return PublicConfig{
		SiteTitle:              c.SiteTitle,
		SiteIcon:               c.SiteIcon,
		BroadcastTitle:         c.BroadcastTitle,
		EnableTimeLimit:        c.EnableTimeLimit,
		TimeLimitStart:         c.TimeLimitStart,
		TimeLimitEnd:           c.TimeLimitEnd,
		EnablePixelCountdown:   c.EnablePixelCountdown,
		PixelCountdownPosition: c.PixelCountdownPosition,
		PixelCountdownColor:    c.PixelCountdownColor,
		PixelCountdownFontSize: c.PixelCountdownFontSize,
		PixelCountdownOffsetX:  c.PixelCountdownOffsetX,
		PixelCountdownOffsetY:  c.PixelCountdownOffsetY,
	}
}

func fileValues(c *Config) map[string]string {
	return map[string]string{
		"PORT":                      fmt.Sprint(c.Port),
		"ENV":                       c.Env,
		"LOG_LEVEL":                 c.LogLevel,
		"BOARD_WIDTH":               fmt.Sprint(c.BoardWidth),
		"BOARD_HEIGHT":              fmt.Sprint(c.BoardHeight),
		"BACKGROUND_COLOR":          c.BackgroundColor,
		"MIN_ZOOM":                  fmt.Sprint(c.MinZoom),
		"MAX_ZOOM":                  fmt.Sprint(c.MaxZoom),
		"MAX_PIXELS_PER_WINDOW":     fmt.Sprint(c.MaxPixelsPerWindow),
		"PIXEL_RECOVERY_WINDOW":     fmt.Sprint(c.PixelRecoveryWindow),
		"AUTO_SAVE_INTERVAL":        c.AutoSaveInterval.String(),
		"ENABLE_BACKUP":             fmt.Sprint(c.EnableBackup),
		"BACKUP_INTERVAL":           c.BackupInterval.String(),
		"MAX_BACKUPS":               fmt.Sprint(c.MaxBackups),
		"ENABLE_TIME_LIMIT":         fmt.Sprint(c.EnableTimeLimit),
		"TIME_LIMIT_START":          c.TimeLimitStart,
		"TIME_LIMIT_END":            c.TimeLimitEnd,
		"CLEAR_BOARD_ON_START":      fmt.Sprint(c.ClearBoardOnStart),
		"ADMIN_PASSWORD":            c.AdminPassword,
		"ADMIN_MAX_ATTEMPTS":        fmt.Sprint(c.AdminMaxAttempts),
		"ADMIN_COOLDOWN_MINUTES":    fmt.Sprint(c.AdminCooldownMinutes),
		"SESSION_TTL":               c.SessionTTL.String(),
		"IDENTITY_VERIFY_URL":       c.IdentityVerifyURL,
		"IDENTITY_TIMEOUT":          c.IdentityTimeout.String(),
		"DATA_FILE":                 c.DataFile,
		"SESSIONS_FILE":             c.SessionsFile,
		"RATE_LIMITS_FILE":          c.RateLimitsFile,
		"BACKUP_DIR":                c.BackupDir,
		"BROADCAST_FILE":            c.BroadcastFile,
		"STATIC_DIR":                c.StaticDir,
		"SHUTDOWN_TIMEOUT":          c.ShutdownTimeout.String(),
		"HTTP_RATE_LIMIT_RPS":       fmt.Sprint(c.HTTPRateLimitRPS),
		"HTTP_RATE_LIMIT_BURST":     fmt.Sprint(c.HTTPRateLimitBurst),
		"HTTP_RATE_LIMITER_TTL":     c.HTTPRateLimiterTTL.String(),
		"STATIC_CACHE_AGE":          c.StaticCacheAge.String(),
		"SITE_TITLE":                c.SiteTitle,
		"SITE_ICON":                 c.SiteIcon,
		"BROADCAST_TITLE":           c.BroadcastTitle,
		"ENABLE_PIXEL_COUNTDOWN":    fmt.Sprint(c.EnablePixelCountdown),
		"PIXEL_COUNTDOWN_POSITION":  c.PixelCountdownPosition,
		"PIXEL_COUNTDOWN_COLOR":     c.PixelCountdownColor,
		"PIXEL_COUNTDOWN_FONT_SIZE": fmt.Sprint(c.PixelCountdownFontSize),
		"PIXEL_COUNTDOWN_OFFSET_X":  fmt.Sprint(c.PixelCountdownOffsetX),
		"PIXEL_COUNTDOWN_OFFSET_Y":  fmt.Sprint(c.PixelCountdownOffsetY),
	}
}
