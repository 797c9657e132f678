package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/myelnet/s2s/internal/s2serr"
)

// Credentials are the optional NiFi user credentials for two-way auth, as
// carried on a RemoteClusterConfig.
type Credentials struct {
	Username string
	Password string
}

// tokenStore holds the bearer token acquired from POST /access/token and
// its (best-effort) expiry, guarded by a mutex since several Transactions
// bound to the same cluster's peers may share one Adapter's credentials.
type tokenStore struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func (t *tokenStore) get() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return "", false
	}
	if !t.expiry.IsZero() && time.Now().After(t.expiry) {
		return "", false
	}
	return t.token, true
}

func (t *tokenStore) set(token string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	if ttl > 0 {
		t.expiry = time.Now().Add(ttl)
	} else {
		t.expiry = time.Time{}
	}
}

func (t *tokenStore) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiry = time.Time{}
}

// authenticate performs the one-shot POST /access/token exchange and
// stores the resulting bearer token.
func (a *Adapter) authenticate(ctx context.Context) error {
	form := url.Values{
		"username": {a.creds.Username},
		"password": {a.creds.Password},
	}
	reqURL := a.resolve("/access/token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return s2serr.New("authenticate", s2serr.KindConfig, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return s2serr.New("authenticate", s2serr.KindTransport, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return s2serr.New("authenticate", s2serr.KindAuth, s2serr.HTTPStatus("authenticate", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return s2serr.New("authenticate", s2serr.KindTransport, err)
	}

	token, ttl, err := parseTokenResponse(body)
	if err != nil {
		return s2serr.New("authenticate", s2serr.KindAuth, err)
	}
	a.token.set(token, ttl)
	return nil
}

func parseTokenResponse(body []byte) (string, time.Duration, error) {
	var tr tokenResponse
	if err := json.Unmarshal(bytes.TrimSpace(body), &tr); err == nil && tr.AccessToken != "" {
		return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
	}
	// Fall back to a bare token string in the response body.
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", 0, errEmptyToken
	}
	return token, 0, nil
}

var errEmptyToken = &tokenError{"empty token in /access/token response"}

type tokenError struct{ msg string }

func (e *tokenError) Error() string { return e.msg }
