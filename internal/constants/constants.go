package constants

import "time"

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
)

// Client to server events.
const (
	EventDrawPixel          = "draw-pixel"
	EventRequestQuotaUpdate = "request-quota-update"
	EventVerifyAdmin        = "verify-admin"
	EventExitAdminMode      = "exit-admin-mode"
	EventPing               = "ping"
)

// Server to client events.
const (
	EventInitBoard         = "init-board"
	EventPixelUpdate       = "pixel-update"
	EventQuotaUpdate       = "quota-update"
	EventOnlineCount       = "online-count"
	EventErrorMessage      = "error-message"
	EventLoginSuccess      = "login-success"
	EventAdminVerifyResult = "admin-verify-result"
	EventAdminModeExited   = "admin-mode-exited"
	EventServerShutdown    = "server-shutdown"
	EventPong              = "pong"
)

const (
	RouteWebSocket = "/ws"
	RouteConfig    = "/api/config"
	RouteBroadcast = "/api/broadcast"
	RouteHealthz   = "/healthz"
)

const (
	QueryToken      = "token"
	QuerySessionKey = "sessionKey"
)

const (
	BackupFilePrefix = "board_backup_"
	BackupFileSuffix = ".json"
	SessionKeyPrefix = "sess_"
	TimeLimitLayout  = "2006-01-02 15:04"
	DefaultColor     = "#FFFFFF"
	GuestNickname    = "Guest"
	IdentityAgent    = "PixelDraw-Server/1.0"
)

const (
	RateLimitIdleWindow = 5 * time.Minute
	ShutdownGrace       = 500 * time.Millisecond
	SchedulePollPeriod  = time.Second
	EvictionPeriod      = time.Minute
)

const (
	MsgGuestCannotDraw    = "Guests cannot draw, please log in first!"
	MsgEventNotActive     = "The event has not started yet or has already ended"
	MsgOutOfPixels        = "Out of pixels! Please wait %d seconds."
	MsgAdminMustLogIn     = "You must log in before entering admin mode"
	MsgAdminLocked        = "Too many failed attempts, try again in %d seconds"
	MsgAdminWrongPassword = "Wrong password, %d attempt%s left"
	MsgAdminLockedNow     = "Too many failed attempts, admin verification locked for %d minute%s"
)
