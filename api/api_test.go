package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/doorman/api"
	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/session"
	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/storage/memory"
)

const userID = "80351110224678912"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu          sync.Mutex
	exchangeErr error
	profileErr  error
	connections []identity.Connection
	expiry      time.Time
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://discord.test/oauth2/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (identity.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exchangeErr != nil {
		return identity.Token{}, p.exchangeErr
	}
	return identity.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, Expiry: p.expiry}, nil
}

func (p *fakeProvider) Refresh(context.Context, string) (identity.Token, error) {
	return identity.Token{}, errors.New("refresh not expected")
}

func (p *fakeProvider) Profile(context.Context, string) (identity.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profileErr != nil {
		return identity.Profile{}, p.profileErr
	}
	return identity.Profile{ID: userID, Username: "nelly", Avatar: "8342729096ea3675442027381ff50dfe", Nickname: "Nelly"}, nil
}

func (p *fakeProvider) Connections(context.Context, string) ([]identity.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections, nil
}

// flakyStore fails session lookups on demand.
type flakyStore struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) SessionWithUser(ctx context.Context, id string) (storage.Session, storage.User, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return storage.Session{}, storage.User{}, errors.New("disk on fire")
	}
	return s.Store.SessionWithUser(ctx, id)
}

type testEnv struct {
	srv      *httptest.Server
	clock    *clock
	provider *fakeProvider
	store    *flakyStore
	registry *prometheus.Registry
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		// The cookie jar checks expiry against the wall clock, so the
		// fake clock starts at the real time.
		clock:    &clock{t: time.Now().UTC().Truncate(time.Second)},
		store:    &flakyStore{Store: memory.NewStore()},
		registry: prometheus.NewRegistry(),
	}
	env.provider = &fakeProvider{expiry: env.clock.Now().Add(7 * 24 * time.Hour)}

	sessions, err := session.NewManager(env.store, session.WithClock(env.clock.Now))
	require.NoError(t, err)
	sealer, err := storage.NewSealer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	broker := identity.NewBroker(env.provider, env.store, sessions, sealer, identity.WithClock(env.clock.Now))

	a := api.New(sessions, broker,
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithRegisterer(env.registry),
	)
	env.srv = httptest.NewServer(a.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

// newClient returns a client with a cookie jar that does not follow
// redirects, so tests can inspect each hop.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func do(t *testing.T, client *http.Client, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	var found *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == name {
			found = c
		}
	}
	return found
}

func (env *testEnv) counter(t *testing.T, name, label string) float64 {
	t.Helper()
	families, err := env.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
			if label == "" {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// startLogin hits /login/discord and returns the state carried in the
// provider redirect.
func startLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp := do(t, client, http.MethodGet, baseURL+"/login/discord")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// login runs the full handshake and returns the session cookie.
func login(t *testing.T, client *http.Client, baseURL string) *http.Cookie {
	t.Helper()
	state := startLogin(t, client, baseURL)
	resp := do(t, client, http.MethodGet, baseURL+"/login/discord/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	c := findCookie(resp, "auth-session")
	require.NotNil(t, c)
	return c
}

func TestLoginRedirect(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "https://discord.test/oauth2/authorize?"))

	c := findCookie(resp, "discord_oauth_state")
	require.NotNil(t, c)
	assert.Equal(t, 600, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, c.Value, loc.Query().Get("state"))

	// A second visit issues a different nonce.
	resp = do(t, client, http.MethodGet, env.srv.URL+"/login/discord")
	assert.NotEqual(t, c.Value, findCookie(resp, "discord_oauth_state").Value)
}

func TestLoginCallbackSuccess(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	state := startLogin(t, client, env.srv.URL)
	resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	c := findCookie(resp, "auth-session")
	require.NotNil(t, c)
	assert.NotEmpty(t, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.WithinDuration(t, env.clock.Now().Add(session.DefaultLifetime), c.Expires, time.Second)

	stateCookie := findCookie(resp, "discord_oauth_state")
	require.NotNil(t, stateCookie)
	assert.Negative(t, stateCookie.MaxAge, "state cookie is cleared")

	// The jar now carries the session.
	resp = do(t, client, http.MethodGet, env.srv.URL+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me api.MeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "nelly", me.Username)
	assert.Equal(t, "Nelly", me.Nickname)

	assert.Equal(t, 1.0, env.counter(t, "doorman_logins_total", "success"))
}

func TestLoginCallbackFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(env *testEnv)
		query      func(state string) string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "MissingCode",
			query:      func(state string) string { return "state=" + url.QueryEscape(state) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing parameters",
		},
		{
			name:       "MissingState",
			query:      func(string) string { return "code=abc" },
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing parameters",
		},
		{
			name:       "StateMismatch",
			query:      func(string) string { return "code=abc&state=forged" },
			wantStatus: http.StatusBadRequest,
			wantBody:   "State does not match",
		},
		{
			name:       "ExchangeFailure",
			setup:      func(env *testEnv) { env.provider.exchangeErr = errors.New("invalid_grant") },
			query:      func(state string) string { return "code=abc&state=" + url.QueryEscape(state) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid authorization code",
		},
		{
			name:       "ProfileFailure",
			setup:      func(env *testEnv) { env.provider.profileErr = errors.New("503") },
			query:      func(state string) string { return "code=abc&state=" + url.QueryEscape(state) },
			wantStatus: http.StatusBadGateway,
			wantBody:   "Could not fetch profile from provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			client := newClient(t)

			state := startLogin(t, client, env.srv.URL)
			resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?"+tt.query(state))
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.wantBody)
			assert.Nil(t, findCookie(resp, "auth-session"), "no session cookie on failure")

			// Nothing was persisted.
			_, err = env.store.User(t.Context(), userID)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			n, err := env.store.DeleteUserSessions(t.Context(), userID)
			require.NoError(t, err)
			assert.Zero(t, n)

			assert.Equal(t, 1.0, env.counter(t, "doorman_logins_total", "failure"))
		})
	}
}

func TestLoginCallbackStateIsSingleUse(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	state := startLogin(t, client, env.srv.URL)
	callback := env.srv.URL + "/login/discord/callback?code=abc&state=" + url.QueryEscape(state)

	// Missing code burns the nonce.
	resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?state="+url.QueryEscape(state))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, client, http.MethodGet, callback)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, findCookie(resp, "auth-session"))
}

func TestReturningUserKeepsProfile(t *testing.T) {
	env := setupServer(t)

	login(t, newClient(t), env.srv.URL)
	login(t, newClient(t), env.srv.URL)

	u, err := env.store.User(t.Context(), userID)
	require.NoError(t, err)
	assert.Equal(t, "nelly", u.Username)
	n, err := env.store.DeleteUserSessions(t.Context(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "each login gets its own session")
}

func TestRootRedirectsAnonymous(t *testing.T) {
	env := setupServer(t)
	resp := do(t, newClient(t), http.MethodGet, env.srv.URL+"/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login/discord", resp.Header.Get("Location"))
}

func TestMe(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var apiErr api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.NotEmpty(t, apiErr.Error)

	login(t, client, env.srv.URL)
	resp = do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var me api.MeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, userID, me.ID)
	assert.WithinDuration(t, env.clock.Now().Add(session.DefaultLifetime), me.SessionExpiresAt, 0)
}

func TestUnknownCookieIsCleared(t *testing.T) {
	env := setupServer(t)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/api/v1/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "auth-session", Value: "bogus"})
	resp, err := newClient(t).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	c := findCookie(resp, "auth-session")
	require.NotNil(t, c)
	assert.Negative(t, c.MaxAge)
	assert.Equal(t, 1.0, env.counter(t, "doorman_session_validations_total", "not_found"))
}

func TestSessionRenewal(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	first := login(t, client, env.srv.URL)

	// Well before the halfway point the cookie is re-issued unchanged.
	env.clock.Advance(24 * time.Hour)
	resp := do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := findCookie(resp, "auth-session")
	require.NotNil(t, c)
	assert.WithinDuration(t, first.Expires, c.Expires, time.Second)

	// Past the halfway point the session is extended.
	env.clock.Advance(15 * 24 * time.Hour)
	resp = do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c = findCookie(resp, "auth-session")
	require.NotNil(t, c)
	assert.Equal(t, first.Value, c.Value, "the token itself does not rotate")
	assert.WithinDuration(t, env.clock.Now().Add(session.DefaultLifetime), c.Expires, time.Second)

	var me api.MeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.WithinDuration(t, env.clock.Now().Add(session.DefaultLifetime), me.SessionExpiresAt, 0)
	assert.Equal(t, 1.0, env.counter(t, "doorman_session_validations_total", "renewed"))
}

func TestExpiredSession(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	c := login(t, client, env.srv.URL)

	env.clock.Advance(session.DefaultLifetime)

	// Send the cookie by hand; the jar would drop it once expired.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	resp, err := newClient(t).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login/discord", resp.Header.Get("Location"))
	cleared := findCookie(resp, "auth-session")
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	n, err := env.store.DeleteUserSessions(t.Context(), userID)
	require.NoError(t, err)
	assert.Zero(t, n, "expired session was deleted")
	assert.Equal(t, 1.0, env.counter(t, "doorman_session_validations_total", "expired"))
}

func TestLogout(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := do(t, client, http.MethodGet, env.srv.URL+"/logout")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := login(t, client, env.srv.URL)
	resp = do(t, client, http.MethodGet, env.srv.URL+"/logout")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login/discord", resp.Header.Get("Location"))
	cleared := findCookie(resp, "auth-session")
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	// Replaying the old token no longer works.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.srv.URL+"/api/v1/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	resp, err = newClient(t).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnections(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	resp := do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me/connections")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login(t, client, env.srv.URL)

	resp = do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me/connections")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"connections":[]}`, string(body))

	env.provider.mu.Lock()
	env.provider.connections = []identity.Connection{{Type: "github", ID: "42", Name: "nelly", Verified: true}}
	env.provider.mu.Unlock()

	resp = do(t, client, http.MethodGet, env.srv.URL+"/api/v1/me/connections")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.ConnectionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Connections, 1)
	assert.Equal(t, "github", out.Connections[0].Type)
	assert.True(t, out.Connections[0].Verified)
}

func TestRevokeSessions(t *testing.T) {
	env := setupServer(t)
	laptop := newClient(t)
	phone := newClient(t)
	login(t, laptop, env.srv.URL)
	login(t, phone, env.srv.URL)

	resp := do(t, newClient(t), http.MethodPost, env.srv.URL+"/api/v1/sessions/revoke")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, laptop, http.MethodPost, env.srv.URL+"/api/v1/sessions/revoke")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.RevokeSessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Revoked)

	resp = do(t, phone, http.MethodGet, env.srv.URL+"/api/v1/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStorageFailureIsServerError(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)
	login(t, client, env.srv.URL)

	env.store.setFail(true)
	resp := do(t, client, http.MethodGet, env.srv.URL+"/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var apiErr api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.NotContains(t, apiErr.Error, "disk on fire")

	env.store.setFail(false)
	resp = do(t, client, http.MethodGet, env.srv.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the cookie survives a storage outage")
}

func TestCallbackRateLimit(t *testing.T) {
	env := setupServer(t)
	client := newClient(t)

	for range 20 {
		resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?code=abc&state=forged")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	resp := do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?code=abc&state=forged")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1.0, env.counter(t, "doorman_login_rate_limited_total", ""))

	// Even a valid handshake is refused while locked out.
	state := startLogin(t, client, env.srv.URL)
	resp = do(t, client, http.MethodGet, env.srv.URL+"/login/discord/callback?code=abc&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGateSetsSecurityHeaders(t *testing.T) {
	env := setupServer(t)
	resp := do(t, newClient(t), http.MethodGet, env.srv.URL+"/login/discord")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestOpenAPIServed(t *testing.T) {
	env := setupServer(t)
	resp := do(t, newClient(t), http.MethodGet, env.srv.URL+"/api/v1/openapi.yaml")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/api/v1/me/connections")
}
