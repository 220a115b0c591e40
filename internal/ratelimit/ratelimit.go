// Package ratelimit implements the per-identity token bucket that governs
// draw throughput.
//
// Refill is computed lazily from elapsed wall-clock time whenever a bucket is
// consulted; there is no background ticker. All arithmetic uses millisecond
// epoch integers. A Limiter is owned by a single goroutine.
package ratelimit

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

// Entry is one identity's bucket, in its persisted shape.
type Entry struct {
	Tokens         int   `json:"tokens"`
	LastRefillTime int64 `json:"lastRefillTime"`
	MaxTokens      int   `json:"maxTokens"`
}

// Decision is the outcome of TryConsume. SecondsUntilNextToken is set only
// when the draw was rejected.
type Decision struct {
	Accepted              bool
	Remaining             int
	SecondsUntilNextToken *int
}

// Quota is the outcome of Peek. NextRefillSeconds is nil when the bucket is
// full.
type Quota struct {
	Tokens            int
	NextRefillSeconds *int
}

type Limiter struct {
	entries   map[string]*Entry
	maxTokens int
	windowMs  int64
	idleMs    int64
}

func New(maxTokens int, window time.Duration) *Limiter {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	return &Limiter{
		entries:   make(map[string]*Entry),
		maxTokens: max(maxTokens, 1),
		windowMs:  windowMs,
		idleMs:    constants.RateLimitIdleWindow.Milliseconds(),
	}
}

func (l *Limiter) MaxTokens() int { return l.maxTokens }

func (l *Limiter) WindowSeconds() int { return int(l.windowMs / 1000) }

func (l *Limiter) Len() int { return len(l.entries) }

func (l *Limiter) bucket(id string, nowMs int64) *Entry {
	e, ok := l.entries[id]
	if !ok {
		e = &Entry{Tokens: l.maxTokens, LastRefillTime: nowMs, MaxTokens: l.maxTokens}
		l.entries[id] = e
	}
	return e
}

// elapsed is never negative; a clock that moved backwards counts as no time.
func elapsed(e *Entry, nowMs int64) int64 {
	return max(nowMs-e.LastRefillTime, 0)
}

// refill adds one token per full window since LastRefillTime, capped at
// MaxTokens. The anchor only moves when at least one token was added.
func (l *Limiter) refill(e *Entry, nowMs int64) {
	add := elapsed(e, nowMs) / l.windowMs
	if add <= 0 {
		return
	}
	e.Tokens = int(min(int64(e.Tokens)+add, int64(e.MaxTokens)))
	e.LastRefillTime = nowMs
}

// TryConsume refills id's bucket and takes one token if available.
func (l *Limiter) TryConsume(id string, now time.Time) Decision {
	nowMs := now.UnixMilli()
	e := l.bucket(id, nowMs)
	l.refill(e, nowMs)

	if e.Tokens > 0 {
		e.Tokens--
		return Decision{Accepted: true, Remaining: e.Tokens}
	}

	windowSec := l.windowMs / 1000
	wait := int(windowSec - (elapsed(e, nowMs)/1000)%windowSec)
	return Decision{Accepted: false, Remaining: 0, SecondsUntilNextToken: &wait}
}

// Peek reports id's quota without consuming. It still applies any pending
// refill to the stored bucket.
func (l *Limiter) Peek(id string, now time.Time) Quota {
	nowMs := now.UnixMilli()
	e := l.bucket(id, nowMs)
	l.refill(e, nowMs)

	q := Quota{Tokens: e.Tokens}
	if e.Tokens < e.MaxTokens {
		remainingMs := l.windowMs - elapsed(e, nowMs)%l.windowMs
		next := int((remainingMs + 999) / 1000)
		q.NextRefillSeconds = &next
	}
	return q
}

// EvictIdle drops buckets whose last refill is older than the idle window.
func (l *Limiter) EvictIdle(now time.Time) int {
	nowMs := now.UnixMilli()
	stale := lo.PickBy(l.entries, func(_ string, e *Entry) bool {
		return nowMs-e.LastRefillTime > l.idleMs
	})
	for id := range stale {
		delete(l.entries, id)
	}
	if len(stale) > 0 {
		util.LogDebug("Evicted %d idle rate limit entries", len(stale))
	}
	return len(stale)
}

// Snapshot copies every bucket for persistence.
func (l *Limiter) Snapshot() map[string]Entry {
	out := make(map[string]Entry, len(l.entries))
	for id, e := range l.entries {
		out[id] = *e
	}
	return out
}

// Restore replaces all buckets. Entries are re-capped to the configured
// maximum.
func (l *Limiter) Restore(entries map[string]Entry) {
	l.entries = make(map[string]*Entry, len(entries))
	for id, e := range entries {
		if id == "" {
			continue
		}
		e := e
		e.MaxTokens = l.maxTokens
		e.Tokens = min(max(e.Tokens, 0), l.maxTokens)
		l.entries[id] = &e
	}
}

func (l *Limiter) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read rate limits failed")
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "parse rate limits failed")
	}
	l.Restore(entries)
	util.LogInfo("Loaded %d rate limit entries from %s", len(l.entries), path)
	return nil
}

func Save(path string, entries map[string]Entry) error {
	if entries == nil {
		entries = map[string]Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "marshal rate limits failed")
	}
	return util.WriteFileAtomic(path, data)
}
