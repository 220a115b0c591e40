// Package admin gates admin mode behind a password with per-identity
// attempt counting and lockout.
//
// Privilege belongs to a connection, never to an identity; lockouts belong to
// an identity. Lockout expiry is checked lazily against the clock on the next
// attempt.
package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

// Result is sent to the client as the admin-verify-result payload.
type Result struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Cooldown *int   `json:"cooldown,omitempty"`
}

type State int

const (
	Clean State = iota
	Failing
	LockedOut
)

func (s State) String() string {
	switch s {
	case Failing:
		return "failing"
	case LockedOut:
		return "locked_out"
	default:
		return "clean"
	}
}

type ledger struct {
	failed        int
	cooldownUntil time.Time
}

type Authorizer struct {
	hash        []byte
	maxAttempts int
	cooldown    time.Duration
	ledgers     map[string]*ledger
	privileged  map[string]struct{}
}

// NewAuthorizer accepts either a plaintext password or an existing bcrypt
// hash.
func NewAuthorizer(password string, maxAttempts int, cooldown time.Duration) (*Authorizer, error) {
	if password == "" {
		return nil, errors.New("admin password is empty")
	}
	hash := []byte(password)
	if _, err := bcrypt.Cost(hash); err != nil || !strings.HasPrefix(password, "$2") {
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.Wrap(err, "hash admin password failed")
		}
	}
	return &Authorizer{
		hash:        hash,
		maxAttempts: max(maxAttempts, 1),
		cooldown:    cooldown,
		ledgers:     make(map[string]*ledger),
		privileged:  make(map[string]struct{}),
	}, nil
}

// CheckPassword only reads the immutable hash and may be called from any
// goroutine.
func (a *Authorizer) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
}

func (a *Authorizer) Verify(identity models.Identity, connID, password string, now time.Time) Result {
	return a.Apply(identity, connID, a.CheckPassword(password), now)
}

// Apply advances the state machine with an already computed password check.
func (a *Authorizer) Apply(identity models.Identity, connID string, passwordOK bool, now time.Time) Result {
	if identity.IsGuest || identity.ID == "" {
		return Result{Message: constants.MsgAdminMustLogIn}
	}

	l := a.ledgers[identity.ID]
	if l != nil && !l.cooldownUntil.IsZero() {
		if now.Before(l.cooldownUntil) {
			secs := ceilSeconds(l.cooldownUntil.Sub(now))
			return Result{Message: fmt.Sprintf(constants.MsgAdminLocked, secs), Cooldown: &secs}
		}
		delete(a.ledgers, identity.ID)
		l = nil
	}

	if passwordOK {
		a.privileged[connID] = struct{}{}
		delete(a.ledgers, identity.ID)
		util.LogInfo("Admin mode granted to %s (%s) on connection %s", identity.Nickname, identity.ID, connID)
		return Result{Success: true}
	}

	if l == nil {
		l = &ledger{}
		a.ledgers[identity.ID] = l
	}
	l.failed++
	util.LogWarn("Failed admin verification by %s (%s), attempt %d/%d", identity.Nickname, identity.ID, l.failed, a.maxAttempts)

	if l.failed >= a.maxAttempts {
		l.cooldownUntil = now.Add(a.cooldown)
		secs := ceilSeconds(a.cooldown)
		minutes := int(a.cooldown.Minutes())
		return Result{Message: fmt.Sprintf(constants.MsgAdminLockedNow, minutes, util.Plural(minutes)), Cooldown: &secs}
	}
	left := a.maxAttempts - l.failed
	return Result{Message: fmt.Sprintf(constants.MsgAdminWrongPassword, left, util.Plural(left))}
}

// Exit drops connID's privilege. It reports whether the connection was
// privileged.
func (a *Authorizer) Exit(connID string) bool {
	if _, ok := a.privileged[connID]; !ok {
		return false
	}
	delete(a.privileged, connID)
	return true
}

func (a *Authorizer) IsPrivileged(connID string) bool {
	_, ok := a.privileged[connID]
	return ok
}

func (a *Authorizer) PrivilegedCount() int {
	return len(a.privileged)
}

func (a *Authorizer) State(identityID string, now time.Time) (State, int) {
	l := a.ledgers[identityID]
	switch {
	case l == nil:
		return Clean, 0
	case !l.cooldownUntil.IsZero() && now.Before(l.cooldownUntil):
		return LockedOut, l.failed
	case !l.cooldownUntil.IsZero():
		return Clean, 0
	default:
		return Failing, l.failed
	}
}

// PurgeExpired forgets lockouts that have already ended.
func (a *Authorizer) PurgeExpired(now time.Time) int {
	removed := 0
	for id, l := range a.ledgers {
		if !l.cooldownUntil.IsZero() && !now.Before(l.cooldownUntil) {
			delete(a.ledgers, id)
			removed++
		}
	}
	return removed
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
