package gateway

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/ratelimit"
)

var validate = validator.New()

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s failed", event)
	}
	return b, nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Wrap(err, "decode envelope failed")
	}
	if err := validate.Struct(env); err != nil {
		return env, errors.Wrap(err, "invalid envelope")
	}
	return env, nil
}

// decodePayload unmarshals and validates an event's data into v.
func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "decode payload failed")
	}
	if err := validate.Struct(v); err != nil {
		return errors.Wrap(err, "invalid payload")
	}
	return nil
}

type DrawPixel struct {
	X     *int   `json:"x" validate:"required"`
	Y     *int   `json:"y" validate:"required"`
	Color string `json:"color" validate:"required,len=7,hexcolor"`
}

type VerifyAdmin struct {
	Password string `json:"password" validate:"max=256"`
}

type InitBoard struct {
	Board               [][]string `json:"board"`
	BoardWidth          int        `json:"boardWidth"`
	BoardHeight         int        `json:"boardHeight"`
	MinZoom             float64    `json:"minZoom"`
	MaxZoom             float64    `json:"maxZoom"`
	MaxPixels           int        `json:"maxPixels"`
	PixelRecoveryWindow int        `json:"pixelRecoveryWindow"`
}

type PixelUpdate struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

type QuotaUpdate struct {
	Tokens            int  `json:"tokens"`
	NextRefillSeconds *int `json:"nextRefillSeconds"`
}

func quotaUpdate(q ratelimit.Quota) QuotaUpdate {
	return QuotaUpdate{Tokens: q.Tokens, NextRefillSeconds: q.NextRefillSeconds}
}

type LoginSuccess struct {
	User       models.PublicUser `json:"user"`
	SessionKey string            `json:"sessionKey,omitempty"`
}

type ServerShutdown struct {
	Timestamp string `json:"timestamp"`
}
