// Package discord implements identity.Provider for Discord's OAuth2 API.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/jmcleod/doorman/identity"
)

const (
	AuthURL    = "https://discord.com/oauth2/authorize"
	TokenURL   = "https://discord.com/api/oauth2/token"
	APIBaseURL = "https://discord.com/api"

	// maxBody caps how much of an API response is read.
	maxBody = 1 << 20
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"identify", "connections"}

// Endpoint is Discord's OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   AuthURL,
	TokenURL:  TokenURL,
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Config holds the application credentials registered with Discord.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint and APIBaseURL default to Discord's; tests point them at a
	// local server.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

// Provider talks to Discord.
type Provider struct {
	oauth   *oauth2.Config
	apiBase string
	client  *http.Client
}

var _ identity.Provider = (*Provider)(nil)

// New returns a Provider for cfg.
func New(cfg Config) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = Endpoint
	}
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = APIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
	}
}

func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// withClient makes the oauth2 package use p.client.
func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func convertToken(t *oauth2.Token) identity.Token {
	return identity.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry.UTC(),
	}
}

func (p *Provider) Exchange(ctx context.Context, code string) (identity.Token, error) {
	tok, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return identity.Token{}, err
	}
	return convertToken(tok), nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (identity.Token, error) {
	// A token with no access token is never valid, so Token() goes
	// straight to the refresh grant.
	src := p.oauth.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return identity.Token{}, err
	}
	return convertToken(tok), nil
}

type userResponse struct {
	ID         string  `json:"id"`
	Username   string  `json:"username"`
	Avatar     *string `json:"avatar"`
	GlobalName *string `json:"global_name"`
}

func (p *Provider) Profile(ctx context.Context, accessToken string) (identity.Profile, error) {
	var u userResponse
	if err := p.get(ctx, "/users/@me", accessToken, &u); err != nil {
		return identity.Profile{}, err
	}
	prof := identity.Profile{ID: u.ID, Username: u.Username}
	if u.Avatar != nil {
		prof.Avatar = *u.Avatar
	}
	if u.GlobalName != nil {
		prof.Nickname = *u.GlobalName
	}
	return prof, nil
}

type connectionResponse struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

func (p *Provider) Connections(ctx context.Context, accessToken string) ([]identity.Connection, error) {
	var raw []connectionResponse
	if err := p.get(ctx, "/users/@me/connections", accessToken, &raw); err != nil {
		return nil, err
	}
	conns := make([]identity.Connection, 0, len(raw))
	for _, c := range raw {
		conns = append(conns, identity.Connection(c))
	}
	return conns, nil
}

// APIError is a non-2xx response from the Discord API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api: status %d: %s", e.StatusCode, e.Body)
}

func (p *Provider) get(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
