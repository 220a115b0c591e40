package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
)

func newProvider(t *testing.T, h http.HandlerFunc) *Verifier {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewVerifier(srv.URL+"/user-profile", time.Second)
}

func TestVerifyValidToken(t *testing.T) {
	v := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "abc" {
			t.Errorf("token = %q", r.URL.Query().Get("token"))
		}
		if r.Header.Get("User-Agent") != constants.IdentityAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		w.Write([]byte(`{"id":42,"nickname":"alice","avatar":"a.png"}`))
	})
	id, err := v.Verify(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.ID != "42" || id.Nickname != "alice" || id.Avatar != "a.png" || id.IsGuest {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyStringID(t *testing.T) {
	v := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"u-7","nickname":"bob"}`))
	})
	id, err := v.Verify(context.Background(), "t")
	if err != nil || id.ID != "u-7" {
		t.Errorf("got %+v, %v", id, err)
	}
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":`))
		}},
		{"error field", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"invalid token"}`))
		}},
		{"missing id", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"nickname":"ghost"}`))
		}},
		{"bad id type", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":{"x":1}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newProvider(t, tt.h)
			if _, err := v.Verify(context.Background(), "t"); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestVerifyTimeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	v := NewVerifier(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if _, err := v.Verify(context.Background(), "t"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not honoured")
	}
}

func TestVerifyDisabled(t *testing.T) {
	v := NewVerifier("", time.Second)
	if v.Enabled() {
		t.Errorf("verifier without endpoint should be disabled")
	}
	if _, err := v.Verify(context.Background(), "t"); err != ErrNotConfigured {
		t.Errorf("err = %v", err)
	}
	v = NewVerifier("http://127.0.0.1:1", time.Second)
	if _, err := v.Verify(context.Background(), " "); err != ErrEmptyToken {
		t.Errorf("err = %v", err)
	}
}

func TestVerifyLooseFalsyValues(t *testing.T) {
	tests := []struct {
		body   string
		wantID string
		ok     bool
	}{
		{`{"id":0,"nickname":"zero"}`, "", false},
		{`{"id":"0","nickname":"zero"}`, "0", true},
		{`{"id":""}`, "", false},
		{`{"id":5,"error":0}`, "5", true},
		{`{"id":5,"error":false}`, "5", true},
		{`{"id":5,"error":""}`, "5", true},
		{`{"id":5,"error":null}`, "5", true},
		{`{"id":5,"error":1}`, "", false},
		{`{"id":5,"error":{"code":"expired"}}`, "", false},
	}
	for _, tt := range tests {
		body := tt.body
		v := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		})
		id, err := v.Verify(context.Background(), "t")
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v, want ok=%v", tt.body, err, tt.ok)
			continue
		}
		if tt.ok && id.ID != tt.wantID {
			t.Errorf("%s: id = %q, want %q", tt.body, id.ID, tt.wantID)
		}
	}
}
