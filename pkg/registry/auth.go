package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/a3s-lab/box/pkg/credstore"
)

// challenge is a parsed WWW-Authenticate: Bearer header.
type challenge struct {
	realm, service, scope string
}

func parseBearerChallenge(header string) (*challenge, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, false
	}
	c := &challenge{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			c.realm = v
		case "service":
			c.service = v
		case "scope":
			c.scope = v
		}
	}
	return c, c.realm != ""
}

// tokenCache coalesces concurrent token exchanges for the same
// (host, scope) so only one Bearer token request is ever in flight,
// per spec.md §9's single-flight requirement.
type tokenCache struct {
	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{cache: map[string]cachedToken{}}
}

func (tc *tokenCache) get(ctx context.Context, httpClient *http.Client, creds *credstore.Store, host string, c *challenge) (string, error) {
	key := host + "|" + c.scope
	tc.mu.Lock()
	if t, ok := tc.cache[key]; ok && time.Now().Before(t.expires) {
		tc.mu.Unlock()
		return t.token, nil
	}
	tc.mu.Unlock()

	v, err, _ := tc.group.Do(key, func() (interface{}, error) {
		return tc.exchange(ctx, httpClient, creds, host, c)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tc *tokenCache) exchange(ctx context.Context, httpClient *http.Client, creds *credstore.Store, host string, c *challenge) (string, error) {
	u, err := url.Parse(c.realm)
	if err != nil {
		return "", errors.Wrap(err, "invalid token realm")
	}
	q := u.Query()
	if c.service != "" {
		q.Set("service", c.service)
	}
	if c.scope != "" {
		q.Set("scope", c.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build token request")
	}

	if auth, ok, _ := creds.Get(host); ok && auth.Username != "" {
		req.SetBasicAuth(auth.Username, auth.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", errors.New("token response had no token")
	}

	ttl := body.ExpiresIn
	if ttl <= 0 {
		ttl = 60
	}
	tc.mu.Lock()
	tc.cache[host+"|"+c.scope] = cachedToken{token: token, expires: time.Now().Add(time.Duration(ttl) * time.Second)}
	tc.mu.Unlock()

	return token, nil
}

