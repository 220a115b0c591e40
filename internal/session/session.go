// Package session maps opaque session keys to resolved identities.
//
// Store is owned by the gateway event loop and is not safe for concurrent
// use. Keys are not cryptographic tokens.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

var ErrGuestSession = errors.New("guest identities cannot own a session")

type entry struct {
	identity models.Identity
	lastSeen time.Time
}

// Pair is one persisted session, encoded as a [key, identity] JSON array.
type Pair struct {
	Key      string
	Identity models.Identity
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Identity})
}

func (p *Pair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.Errorf("session pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return errors.Wrap(err, "decode session key failed")
	}
	if err := json.Unmarshal(raw[1], &p.Identity); err != nil {
		return errors.Wrap(err, "decode session identity failed")
	}
	return nil
}

type Store struct {
	sessions map[string]*entry
	order    []string
	ttl      time.Duration
}

// NewStore creates an empty store. A zero ttl keeps sessions for the
// process lifetime.
func NewStore(ttl time.Duration) *Store {
	return &Store{sessions: make(map[string]*entry), ttl: ttl}
}

func (s *Store) Len() int {
	return len(s.sessions)
}

func (s *Store) Resolve(key string, now time.Time) (models.Identity, bool) {
	if key == "" {
		return models.Identity{}, false
	}
	e, ok := s.sessions[key]
	if !ok {
		return models.Identity{}, false
	}
	e.lastSeen = now
	return e.identity, true
}

// Create stores identity under a fresh key of the form sess_<ms>_<random>.
func (s *Store) Create(identity models.Identity, now time.Time) (string, error) {
	if identity.IsGuest || identity.ID == "" {
		return "", ErrGuestSession
	}
	key := newKey(now)
	for s.sessions[key] != nil {
		key = newKey(now)
	}
	s.put(key, identity, now)
	return key, nil
}

func newKey(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", constants.SessionKeyPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

func (s *Store) put(key string, identity models.Identity, now time.Time) {
	if _, exists := s.sessions[key]; !exists {
		s.order = append(s.order, key)
	}
	s.sessions[key] = &entry{identity: identity, lastSeen: now}
}

// EvictIdle drops sessions unseen for longer than the store TTL.
func (s *Store) EvictIdle(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-s.ttl)
	removed := 0
	for key, e := range s.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		s.order = lo.Filter(s.order, func(key string, _ int) bool {
			_, ok := s.sessions[key]
			return ok
		})
		util.LogInfo("Cleaned up %d stale sessions", removed)
	}
	return removed
}

// Snapshot returns the sessions in creation order.
func (s *Store) Snapshot() []Pair {
	return lo.Map(s.order, func(key string, _ int) Pair {
		return Pair{Key: key, Identity: s.sessions[key].identity}
	})
}

// Load replaces the store contents with the pairs stored at path. A missing
// file leaves the store empty.
func (s *Store) Load(path string, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read sessions failed")
	}
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return errors.Wrap(err, "parse sessions failed")
	}
	s.sessions = make(map[string]*entry, len(pairs))
	s.order = s.order[:0]
	for _, p := range pairs {
		if p.Key == "" || p.Identity.IsGuest || p.Identity.ID == "" {
			util.LogWarn("Skipping invalid persisted session %q", p.Key)
			continue
		}
		s.put(p.Key, p.Identity, now)
	}
	util.LogInfo("Loaded %d sessions from %s", len(s.sessions), path)
	return nil
}

func Save(path string, pairs []Pair) error {
	if pairs == nil {
		pairs = []Pair{}
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		return errors.Wrap(err, "marshal sessions failed")
	}
	return util.WriteFileAtomic(path, data)
}
