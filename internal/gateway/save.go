package gateway

import (
	"time"

	"github.com/CodeAndHammer/pixeldraw/internal/board"
	"github.com/CodeAndHammer/pixeldraw/internal/ratelimit"
	"github.com/CodeAndHammer/pixeldraw/internal/session"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

// writes snapshots every store on the loop and returns the disk writes to
// run later.
func (h *Hub) writes() []job {
	snap := h.board.Snapshot(h.now())
	pairs := h.sessions.Snapshot()
	limits := h.limiter.Snapshot()
	return []job{
		{name: "board", write: func() error { return board.WriteSnapshot(h.cfg.DataFile, snap) }},
		{name: "sessions", write: func() error { return session.Save(h.cfg.SessionsFile, pairs) }},
		{name: "rate limits", write: func() error { return ratelimit.Save(h.cfg.RateLimitsFile, limits) }},
	}
}

func (h *Hub) save() {
	for _, w := range h.writes() {
		h.persist.Submit(w.name, w.write)
	}
}

func (h *Hub) backup(now time.Time) {
	snap := h.board.Snapshot(now)
	dir, retain := h.cfg.BackupDir, h.cfg.MaxBackups
	h.persist.Submit("backup", func() error {
		name, err := board.WriteBackup(dir, snap, retain, now)
		if err != nil {
			return err
		}
		util.LogInfo("Board backed up to %s", name)
		return nil
	})
}
