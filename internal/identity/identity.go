// Package identity resolves bearer tokens against the external profile
// service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
)

var (
	ErrNotConfigured = errors.New("identity provider not configured")
	ErrEmptyToken    = errors.New("empty token")
)

const maxProfileBytes = 1 << 16

// flexibleID accepts both JSON numbers and strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "id is neither string nor number")
	}
	if v, err := n.Float64(); err == nil && v == 0 {
		*f = ""
		return nil
	}
	*f = flexibleID(n.String())
	return nil
}

// truthy follows the provider's loose conventions: null, false, 0 and ""
// all mean absent.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

type profile struct {
	ID       flexibleID `json:"id"`
	Nickname string     `json:"nickname"`
	Avatar   string     `json:"avatar"`
	Error    any        `json:"error"`
}

type Verifier struct {
	endpoint string
	client   *http.Client
}

func NewVerifier(endpoint string, timeout time.Duration) *Verifier {
	return &Verifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (v *Verifier) Enabled() bool {
	return v != nil && v.endpoint != ""
}

// Verify exchanges token for an identity. Any failure is returned as an
// error and callers fall back to a guest.
func (v *Verifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if !v.Enabled() {
		return models.Identity{}, ErrNotConfigured
	}
	if strings.TrimSpace(token) == "" {
		return models.Identity{}, ErrEmptyToken
	}

	u, err := url.Parse(v.endpoint)
	if err != nil {
		return models.Identity{}, errors.Wrap(err, "parse identity endpoint failed")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Identity{}, errors.Wrap(err, "build identity request failed")
	}
	req.Header.Set("User-Agent", constants.IdentityAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return models.Identity{}, errors.Wrap(err, "identity request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBytes))
		return models.Identity{}, errors.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var p profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&p); err != nil {
		return models.Identity{}, errors.Wrap(err, "decode identity response failed")
	}
	if truthy(p.Error) {
		return models.Identity{}, errors.Errorf("identity provider error: %v", p.Error)
	}
	if p.ID == "" {
		return models.Identity{}, errors.New("identity response has no id")
	}
	return models.Identity{
		ID:       string(p.ID),
		Nickname: p.Nickname,
		Avatar:   p.Avatar,
	}, nil
}
