package models

import (
	"time"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
)

// Identity is a resolved user. Guests carry no ID and are never persisted.
type Identity struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	IsGuest  bool   `json:"isGuest"`
}

// PublicUser is the identity shape sent to clients in login-success.
type PublicUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

func Guest() Identity {
	return Identity{Nickname: constants.GuestNickname, IsGuest: true}
}

func (i Identity) Public() PublicUser {
	return PublicUser{ID: i.ID, Nickname: i.Nickname, Avatar: i.Avatar}
}

// ActiveConnection describes a live websocket connection.
type ActiveConnection struct {
	ID          string
	Identity    Identity
	Address     string
	ConnectedAt time.Time
}
