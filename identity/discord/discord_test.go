package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeDiscord struct {
	t        *testing.T
	server   *httptest.Server
	lastForm url.Values
}

func newFakeDiscord(t *testing.T) (*fakeDiscord, *Provider) {
	t.Helper()
	f := &fakeDiscord{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/oauth2/token", f.token)
	mux.HandleFunc("GET /api/users/@me", f.requireBearer(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":          "80351110224678912",
			"username":    "nelly",
			"avatar":      "8342729096ea3675442027381ff50dfe",
			"global_name": "Nelly",
		})
	}))
	mux.HandleFunc("GET /api/users/@me/connections", f.requireBearer(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"type": "github", "id": "42", "name": "nelly", "verified": true, "visibility": 1},
		})
	}))
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	p := New(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/login/discord/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   f.server.URL + "/oauth2/authorize",
			TokenURL:  f.server.URL + "/api/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		APIBaseURL: f.server.URL + "/api",
		HTTPClient: f.server.Client(),
	})
	return f, p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeDiscord) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-access" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message": "401: Unauthorized", "code": 0}`))
			return
		}
		next(w, r)
	}
}

func (f *fakeDiscord) token(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if !ok || id != "client-id" || secret != "client-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.lastForm = r.PostForm

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "invalid_grant"}`))
			return
		}
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != "good-refresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "invalid_grant"}`))
			return
		}
	}
	writeJSON(w, map[string]any{
		"access_token":  "good-access",
		"token_type":    "Bearer",
		"expires_in":    604800,
		"refresh_token": "rotated-refresh",
		"scope":         "identify connections",
	})
}

func TestAuthCodeURL(t *testing.T) {
	_, p := newFakeDiscord(t)
	u, err := url.Parse(p.AuthCodeURL("nonce-123"))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "/oauth2/authorize", u.Path)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "nonce-123", q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "identify connections", q.Get("scope"))
	assert.Equal(t, "http://localhost/login/discord/callback", q.Get("redirect_uri"))
}

func TestDefaults(t *testing.T) {
	p := New(Config{ClientID: "x"})
	u, err := url.Parse(p.AuthCodeURL("s"))
	require.NoError(t, err)
	assert.Equal(t, "discord.com", u.Host)
	assert.Equal(t, APIBaseURL, p.apiBase)
}

func TestExchange(t *testing.T) {
	f, p := newFakeDiscord(t)
	before := time.Now()

	tok, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "good-access", tok.AccessToken)
	assert.Equal(t, "rotated-refresh", tok.RefreshToken)
	assert.WithinDuration(t, before.Add(7*24*time.Hour), tok.Expiry, time.Minute)
	assert.Equal(t, "authorization_code", f.lastForm.Get("grant_type"))

	_, err = p.Exchange(context.Background(), "bad-code")
	require.Error(t, err)
	var re *oauth2.RetrieveError
	assert.True(t, errors.As(err, &re))
}

func TestRefresh(t *testing.T) {
	f, p := newFakeDiscord(t)

	tok, err := p.Refresh(context.Background(), "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "good-access", tok.AccessToken)
	assert.Equal(t, "rotated-refresh", tok.RefreshToken)
	assert.Equal(t, "refresh_token", f.lastForm.Get("grant_type"))

	_, err = p.Refresh(context.Background(), "revoked")
	assert.Error(t, err)
}

func TestProfile(t *testing.T) {
	_, p := newFakeDiscord(t)

	prof, err := p.Profile(context.Background(), "good-access")
	require.NoError(t, err)
	assert.Equal(t, "80351110224678912", prof.ID)
	assert.Equal(t, "nelly", prof.Username)
	assert.Equal(t, "8342729096ea3675442027381ff50dfe", prof.Avatar)
	assert.Equal(t, "Nelly", prof.Nickname)

	_, err = p.Profile(context.Background(), "expired")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestProfile_NullFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "1", "username": "plain", "avatar": nil, "global_name": nil})
	}))
	defer srv.Close()

	p := New(Config{APIBaseURL: srv.URL, HTTPClient: srv.Client()})
	prof, err := p.Profile(context.Background(), "any")
	require.NoError(t, err)
	assert.Empty(t, prof.Avatar)
	assert.Empty(t, prof.Nickname)
}

func TestConnections(t *testing.T) {
	_, p := newFakeDiscord(t)

	conns, err := p.Connections(context.Background(), "good-access")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "github", conns[0].Type)
	assert.Equal(t, "42", conns[0].ID)
	assert.True(t, conns[0].Verified)
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p := New(Config{APIBaseURL: srv.URL, HTTPClient: srv.Client()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Profile(ctx, "any")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
