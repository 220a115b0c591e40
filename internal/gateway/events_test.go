package gateway

import (
	"encoding/json"
	"testing"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"event":"draw-pixel","data":{"x":1,"y":2,"color":"#00ff00"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != constants.EventDrawPixel {
		t.Errorf("event = %q", env.Event)
	}
	var p DrawPixel
	if err := decodePayload(env.Data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if *p.X != 1 || *p.Y != 2 || p.Color != "#00ff00" {
		t.Errorf("payload = %+v", p)
	}

	for _, raw := range []string{`not json`, `{"data":{}}`, `{"event":""}`} {
		if _, err := decodeEnvelope([]byte(raw)); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestDrawPixelValidation(t *testing.T) {
	bad := []string{
		`{"y":1,"color":"#FFFFFF"}`,
		`{"x":1,"color":"#FFFFFF"}`,
		`{"x":1,"y":1}`,
		`{"x":1,"y":1,"color":"#FFF"}`,
		`{"x":1,"y":1,"color":"#GGGGGG"}`,
		`{"x":1.5,"y":1,"color":"#FFFFFF"}`,
	}
	for _, raw := range bad {
		var p DrawPixel
		if err := decodePayload(json.RawMessage(raw), &p); err == nil {
			t.Errorf("expected %s to be rejected", raw)
		}
	}
	var p DrawPixel
	if err := decodePayload(json.RawMessage(`{"x":0,"y":0,"color":"#000000"}`), &p); err != nil {
		t.Errorf("zero coordinates rejected: %v", err)
	}
}

func TestAdminPasswordShapes(t *testing.T) {
	tests := map[string]string{
		`"hunter2"`:              "hunter2",
		`{"password":"hunter2"}`: "hunter2",
		`{"other":1}`:            "",
		``:                       "",
	}
	for raw, want := range tests {
		if got := adminPassword(json.RawMessage(raw)); got != want {
			t.Errorf("adminPassword(%s) = %q, want %q", raw, got, want)
		}
	}
}

func TestEncodeOmitsNilData(t *testing.T) {
	b, err := encode(constants.EventPong, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"event":"pong"}` {
		t.Errorf("encoded = %s", b)
	}
	b, _ = encode(constants.EventOnlineCount, 0)
	if string(b) != `{"event":"online-count","data":0}` {
		t.Errorf("encoded = %s", b)
	}
}
