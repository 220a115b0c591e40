package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

type RateLimiterWithTime struct {
	Limiter    *rate.Limiter
	LastAccess time.Time
}

// App holds the HTTP-side state. Everything realtime lives in the hub.
type App struct {
	Config       *config.Config
	StartTime    time.Time
	LimiterMap   map[string]*RateLimiterWithTime
	LimiterMutex sync.RWMutex
}

func newApp(cfg *config.Config) *App {
	return &App{
		Config:     cfg,
		StartTime:  time.Now(),
		LimiterMap: make(map[string]*RateLimiterWithTime),
	}
}

func (app *App) limiterCount() int {
	app.LimiterMutex.RLock()
	defer app.LimiterMutex.RUnlock()
	return len(app.LimiterMap)
}

func (app *App) startCleanupRoutines(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.cleanupStaleRateLimiters(time.Now())
			}
		}
	}()

	util.LogInfo("Started cleanup routine for HTTP rate limiters")
}

func (app *App) cleanupStaleRateLimiters(now time.Time) int {
	app.LimiterMutex.Lock()
	defer app.LimiterMutex.Unlock()

	cutoffTime := now.Add(-app.Config.HTTPRateLimiterTTL)
	removedCount := 0

	for key, limWithTime := range app.LimiterMap {
		if limWithTime.LastAccess.Before(cutoffTime) {
			delete(app.LimiterMap, key)
			removedCount++
		}
	}

	if len(app.LimiterMap) > 50000 {
		util.LogInfo("Rate limiter map too large (%d entries), performing emergency cleanup", len(app.LimiterMap))

		type limiterInfo struct {
			key        string
			lastAccess time.Time
		}
		limiters := make([]limiterInfo, 0, len(app.LimiterMap))
		for key, limWithTime := range app.LimiterMap {
			limiters = append(limiters, limiterInfo{key: key, lastAccess: limWithTime.LastAccess})
		}
		sort.Slice(limiters, func(i, j int) bool {
			return limiters[i].lastAccess.Before(limiters[j].lastAccess)
		})

		entriesToRemove := len(limiters) / 2
		for i := 0; i < entriesToRemove; i++ {
			delete(app.LimiterMap, limiters[i].key)
		}
		removedCount += entriesToRemove
		util.LogInfo("Removed %d oldest rate limiters", entriesToRemove)
	}

	if removedCount > 0 {
		util.LogInfo("Cleaned up %d stale rate limiters", removedCount)
	}
	return removedCount
}
