// Package gateway runs the realtime side of the server: one event loop that
// owns the board, sessions, quotas and admin state, and the websocket
// clients that feed it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/CodeAndHammer/pixeldraw/internal/admin"
	"github.com/CodeAndHammer/pixeldraw/internal/board"
	"github.com/CodeAndHammer/pixeldraw/internal/config"
	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/ratelimit"
	"github.com/CodeAndHammer/pixeldraw/internal/session"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

var ErrHubClosed = errors.New("hub is shut down")

type lookup struct {
	key   string
	reply chan lookupResult
}

type lookupResult struct {
	identity models.Identity
	ok       bool
}

// Stats is a point-in-time view of the hub for health checks.
type Stats struct {
	Online     int `json:"online"`
	Sessions   int `json:"sessions"`
	RateLimits int `json:"rateLimits"`
	Privileged int `json:"privileged"`
}

type Hub struct {
	cfg      *config.Config
	board    *board.Store
	sessions *session.Store
	limiter  *ratelimit.Limiter
	auth     *admin.Authorizer
	persist  *Persister
	now      func() time.Time

	clients    map[*Client]struct{}
	lastOnline int
	closing    bool

	windowStart time.Time
	windowEnd   time.Time
	resetFired  bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	lookups    chan lookup
	stats      chan chan Stats
	shutdown   chan struct{}
	quit       chan struct{}
	done       chan struct{}
	quitOnce   sync.Once
}

func NewHub(cfg *config.Config, b *board.Store, s *session.Store, l *ratelimit.Limiter, a *admin.Authorizer) *Hub {
	h := &Hub{
		cfg:        cfg,
		board:      b,
		sessions:   s,
		limiter:    l,
		auth:       a,
		persist:    NewPersister(16),
		now:        time.Now,
		clients:    make(map[*Client]struct{}),
		lastOnline: -1,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		lookups:    make(chan lookup),
		stats:      make(chan chan Stats),
		shutdown:   make(chan struct{}),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.EnableTimeLimit || cfg.ClearBoardOnStart {
		start, end, err := cfg.TimeWindow()
		if err != nil {
			util.LogWarn("Time window disabled: %v", err)
		} else {
			h.windowStart, h.windowEnd = start, end
		}
	}
	// booting after the start time must not wipe a board already in progress
	if cfg.ClearBoardOnStart && !h.windowStart.IsZero() && !h.now().Before(h.windowStart) {
		h.resetFired = true
	}
	return h
}

func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run is the event loop. It returns after Shutdown or when ctx is cancelled,
// having closed every client and written a final save.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.persist.Start()

	autosave := time.NewTicker(h.cfg.AutoSaveInterval)
	defer autosave.Stop()
	evict := time.NewTicker(constants.EvictionPeriod)
	defer evict.Stop()

	var backupC, scheduleC <-chan time.Time
	if h.cfg.EnableBackup {
		t := time.NewTicker(h.cfg.BackupInterval)
		defer t.Stop()
		backupC = t.C
	}
	if h.cfg.ClearBoardOnStart && !h.resetFired && !h.windowStart.IsZero() {
		t := time.NewTicker(constants.SchedulePollPeriod)
		defer t.Stop()
		scheduleC = t.C
	}

	util.LogInfo("Hub started (%dx%d board, %d pixels per %ds)",
		h.board.Width(), h.board.Height(), h.limiter.MaxTokens(), h.limiter.WindowSeconds())

	for {
		select {
		case <-ctx.Done():
			h.stop()
			return
		case <-h.quit:
			h.stop()
			return
		case c := <-h.register:
			h.add(c, h.now())
		case c := <-h.unregister:
			h.drop(c)
			h.announceOnline()
		case m := <-h.inbound:
			h.handle(m, h.now())
		case req := <-h.lookups:
			identity, ok := h.sessions.Resolve(req.key, h.now())
			req.reply <- lookupResult{identity: identity, ok: ok}
		case reply := <-h.stats:
			reply <- Stats{
				Online:     len(h.clients),
				Sessions:   h.sessions.Len(),
				RateLimits: h.limiter.Len(),
				Privileged: h.auth.PrivilegedCount(),
			}
		case <-h.shutdown:
			h.announceShutdown()
		case <-autosave.C:
			h.save()
		case <-backupC:
			h.backup(h.now())
		case <-evict.C:
			h.evict(h.now())
		case <-scheduleC:
			if h.pollSchedule(h.now()) {
				scheduleC = nil
			}
		}
	}
}

// ResolveSession looks up a stored session key on the loop.
func (h *Hub) ResolveSession(ctx context.Context, key string) (models.Identity, bool) {
	req := lookup{key: key, reply: make(chan lookupResult, 1)}
	select {
	case h.lookups <- req:
	case <-h.done:
		return models.Identity{}, false
	case <-ctx.Done():
		return models.Identity{}, false
	}
	select {
	case res := <-req.reply:
		return res.identity, res.ok
	case <-ctx.Done():
		return models.Identity{}, false
	}
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return Stats{}, ErrHubClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Attach hands an upgraded connection to the hub and starts its pumps.
// sessionKey is the resumed session, empty when the identity is new or a
// guest.
func (h *Hub) Attach(conn *websocket.Conn, identity models.Identity, sessionKey, address string) error {
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		ActiveConnection: models.ActiveConnection{
			ID:          uuid.NewString(),
			Identity:    identity,
			Address:     address,
			ConnectedAt: h.now(),
		},
		sessionKey: sessionKey,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return ErrHubClosed
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// Shutdown tells clients the server is going away, waits the grace period,
// then stops the loop and waits for the final save.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.shutdown <- struct{}{}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	grace := time.NewTimer(constants.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-ctx.Done():
	}

	h.quitOnce.Do(func() { close(h.quit) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "hub shutdown timed out")
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(m inbound) bool {
	select {
	case h.inbound <- m:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) add(c *Client, now time.Time) {
	if h.closing {
		c.closeSend()
		return
	}
	h.clients[c] = struct{}{}
	util.LogInfo("Client connected: %s (%s, user %s)", c.Address, c.ID, c.Identity.Nickname)

	if !c.Identity.IsGuest {
		login := LoginSuccess{User: c.Identity.Public()}
		if c.sessionKey == "" {
			key, err := h.sessions.Create(c.Identity, now)
			if err != nil {
				util.LogWarn("Create session for %s failed: %v", c.Identity.ID, err)
			} else {
				c.sessionKey = key
				login.SessionKey = key
			}
		}
		h.send(c, constants.EventLoginSuccess, login)
	}
	h.send(c, constants.EventInitBoard, h.initBoard())
	h.sendQuota(c, now)
	h.announceOnline()
}

// drop removes c and closes its outbound channel. It reports whether c was
// still registered.
func (h *Hub) drop(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	h.auth.Exit(c.ID)
	c.closeSend()
	util.LogInfo("Client disconnected: %s (%s)", c.Address, c.ID)
	return true
}

func (h *Hub) send(c *Client, event string, data any) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	msg, err := encode(event, data)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	h.enqueue(c, msg)
}

func (h *Hub) enqueue(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		util.LogWarn("Dropping slow client %s (%s)", c.Address, c.ID)
		h.drop(c)
	}
}

func (h *Hub) broadcast(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		util.LogError("%v", err)
		return
	}
	for c := range h.clients {
		h.enqueue(c, msg)
	}
}

func (h *Hub) announceOnline() {
	if n := len(h.clients); n != h.lastOnline {
		h.lastOnline = n
		h.broadcast(constants.EventOnlineCount, n)
	}
}

func (h *Hub) initBoard() InitBoard {
	return InitBoard{
		Board:               h.board.Grid(),
		BoardWidth:          h.board.Width(),
		BoardHeight:         h.board.Height(),
		MinZoom:             h.cfg.MinZoom,
		MaxZoom:             h.cfg.MaxZoom,
		MaxPixels:           h.limiter.MaxTokens(),
		PixelRecoveryWindow: h.limiter.WindowSeconds(),
	}
}

func (h *Hub) handle(m inbound, now time.Time) {
	c := m.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	switch m.env.Event {
	case constants.EventDrawPixel:
		h.handleDraw(c, m.env.Data, now)
	case constants.EventRequestQuotaUpdate:
		h.sendQuota(c, now)
	case constants.EventVerifyAdmin:
		res := h.auth.Apply(c.Identity, c.ID, m.passwordOK, now)
		if res.Cooldown != nil {
			c.adminLockedUntil.Store(now.Add(time.Duration(*res.Cooldown) * time.Second).UnixNano())
		}
		c.verifyPending.Store(false)
		h.send(c, constants.EventAdminVerifyResult, res)
	case constants.EventExitAdminMode:
		if h.auth.Exit(c.ID) {
			util.LogInfo("Admin mode exited by %s (%s)", c.Identity.Nickname, c.ID)
		}
		h.send(c, constants.EventAdminModeExited, struct{}{})
	case constants.EventPing:
		h.send(c, constants.EventPong, nil)
	default:
		util.LogDebug("Ignoring unknown event %q from %s", m.env.Event, c.ID)
	}
}

func (h *Hub) inWindow(now time.Time) bool {
	if !h.cfg.EnableTimeLimit || h.windowStart.IsZero() {
		return true
	}
	return !now.Before(h.windowStart) && now.Before(h.windowEnd)
}

func (h *Hub) handleDraw(c *Client, data json.RawMessage, now time.Time) {
	if c.Identity.IsGuest {
		h.send(c, constants.EventErrorMessage, constants.MsgGuestCannotDraw)
		return
	}
	privileged := h.auth.IsPrivileged(c.ID)
	if !privileged && !h.inWindow(now) {
		h.send(c, constants.EventErrorMessage, constants.MsgEventNotActive)
		return
	}

	var p DrawPixel
	if err := decodePayload(data, &p); err != nil {
		util.LogWarn("Ignoring draw from %s: %v", c.ID, err)
		return
	}
	x, y := *p.X, *p.Y
	current, ok := h.board.Get(x, y)
	if !ok {
		return
	}
	if strings.EqualFold(current, p.Color) {
		return
	}

	if !privileged {
		d := h.limiter.TryConsume(c.Identity.ID, now)
		if !d.Accepted {
			h.send(c, constants.EventErrorMessage, fmt.Sprintf(constants.MsgOutOfPixels, *d.SecondsUntilNextToken))
			return
		}
	}
	h.board.Set(x, y, p.Color)
	h.broadcast(constants.EventPixelUpdate, PixelUpdate{X: x, Y: y, Color: p.Color})
	h.sendQuota(c, now)
}

func (h *Hub) sendQuota(c *Client, now time.Time) {
	if c.Identity.IsGuest {
		h.send(c, constants.EventQuotaUpdate, QuotaUpdate{})
		return
	}
	h.send(c, constants.EventQuotaUpdate, quotaUpdate(h.limiter.Peek(c.Identity.ID, now)))
}

// pollSchedule clears the board once the event start time has passed. It
// reports whether there is nothing left to poll for.
func (h *Hub) pollSchedule(now time.Time) bool {
	if h.resetFired || !h.cfg.ClearBoardOnStart || h.windowStart.IsZero() {
		return true
	}
	if now.Before(h.windowStart) {
		return false
	}
	h.resetFired = true
	util.LogInfo("Event start reached, clearing the board")
	h.backup(now)
	h.board.Clear()
	h.save()
	h.broadcast(constants.EventInitBoard, h.initBoard())
	return true
}

func (h *Hub) evict(now time.Time) {
	limits := h.limiter.EvictIdle(now)
	sessions := h.sessions.EvictIdle(now)
	lockouts := h.auth.PurgeExpired(now)
	if limits+sessions+lockouts > 0 {
		util.LogDebug("Evicted %d rate limits, %d sessions, %d expired lockouts", limits, sessions, lockouts)
	}
}

func (h *Hub) announceShutdown() {
	if h.closing {
		return
	}
	h.closing = true
	util.LogInfo("Notifying %d client%s of shutdown", len(h.clients), util.Plural(len(h.clients)))
	h.broadcast(constants.EventServerShutdown, ServerShutdown{Timestamp: h.now().UTC().Format(time.RFC3339Nano)})
}

func (h *Hub) stop() {
	h.closing = true
	for c := range h.clients {
		h.drop(c)
	}
	h.persist.Close()
	for _, w := range h.writes() {
		if err := w.write(); err != nil {
			util.LogError("Final save of %s failed: %v", w.name, err)
		}
	}
	util.LogInfo("Hub stopped, final save complete")
}
