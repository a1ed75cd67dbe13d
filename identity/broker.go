package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/doorman/internal/util"
	"github.com/jmcleod/doorman/session"
	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/token"
)

const (
	// DefaultRefreshBuffer is the minimum remaining validity an access
	// token must have to be handed out without refreshing.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultProviderTimeout bounds each individual provider call.
	DefaultProviderTimeout = 10 * time.Second

	tracerName = "github.com/jmcleod/doorman/identity"
)

// Login is the outcome of a completed handshake. RawToken is the session
// token to hand to the client; it is not stored anywhere.
type Login struct {
	User     storage.User
	Session  storage.Session
	RawToken string
	// Created is true when this login created the local user.
	Created bool
}

// RefreshObserver is notified after every refresh attempt. err is nil on
// success.
type RefreshObserver func(ctx context.Context, userID string, err error)

// Broker links provider identities to local users and manages their
// provider credentials. Credentials are sealed before they reach the store.
type Broker struct {
	provider Provider
	store    storage.Store
	sessions *session.Manager
	sealer   *storage.Sealer

	now           func() time.Time
	timeout       time.Duration
	refreshBuffer time.Duration
	syncProfile   bool
	onRefresh     RefreshObserver
	logger        *slog.Logger
	tracer        trace.Tracer

	refreshes singleflight.Group
}

// Option configures a Broker.
type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func WithProviderTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

func WithRefreshBuffer(d time.Duration) Option {
	return func(b *Broker) { b.refreshBuffer = d }
}

// WithProfileSync overrides SyncProfileOnLogin.
func WithProfileSync(enabled bool) Option {
	return func(b *Broker) { b.syncProfile = enabled }
}

func WithRefreshObserver(fn RefreshObserver) Option {
	return func(b *Broker) { b.onRefresh = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Broker) { b.tracer = tp.Tracer(tracerName) }
}

// NewBroker returns a Broker using provider for all network calls.
func NewBroker(provider Provider, store storage.Store, sessions *session.Manager, sealer *storage.Sealer, opts ...Option) *Broker {
	b := &Broker{
		provider:      provider,
		store:         store,
		sessions:      sessions,
		sealer:        sealer,
		now:           time.Now,
		timeout:       DefaultProviderTimeout,
		refreshBuffer: DefaultRefreshBuffer,
		syncProfile:   SyncProfileOnLogin,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AuthCodeURL returns the provider redirect for a handshake bound to state.
func (b *Broker) AuthCodeURL(state string) string {
	return b.provider.AuthCodeURL(state)
}

// providerCall runs fn under the provider timeout inside a span.
func (b *Broker) providerCall(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx, span := b.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Complete finishes a handshake whose state has already been checked with
// CheckState. It exchanges code, fetches the profile, creates or links the
// local user and issues a new session.
//
// A user seen before keeps the profile captured at first login unless
// profile sync is enabled; its credential is always replaced with the one
// just issued.
func (b *Broker) Complete(ctx context.Context, code string) (Login, error) {
	var tok Token
	err := b.providerCall(ctx, "identity.Exchange", func(ctx context.Context) error {
		var err error
		tok, err = b.provider.Exchange(ctx, code)
		return err
	})
	if err != nil {
		return Login{}, fmt.Errorf("%w: %w", ErrExchangeFailure, err)
	}

	var prof Profile
	err = b.providerCall(ctx, "identity.Profile", func(ctx context.Context) error {
		var err error
		prof, err = b.provider.Profile(ctx, tok.AccessToken)
		return err
	})
	if err != nil {
		return Login{}, fmt.Errorf("%w: %w", ErrProfileFetchFailure, err)
	}
	if prof.ID == "" {
		return Login{}, fmt.Errorf("%w: profile has no id", ErrProfileFetchFailure)
	}

	user, created, err := b.resolveUser(ctx, prof, tok)
	if err != nil {
		return Login{}, err
	}

	raw, err := token.Generate()
	if err != nil {
		return Login{}, err
	}
	sess, err := b.sessions.Create(ctx, raw, user.ID)
	if err != nil {
		return Login{}, err
	}

	b.logger.DebugContext(ctx, "login completed", "user_id", user.ID, "created", created)
	return Login{User: user, Session: sess, RawToken: raw, Created: created}, nil
}

func (b *Broker) resolveUser(ctx context.Context, prof Profile, tok Token) (storage.User, bool, error) {
	fresh := storage.User{
		ID:        prof.ID,
		Username:  util.NormalizeDisplay(prof.Username),
		Avatar:    prof.Avatar,
		Nickname:  util.NormalizeDisplay(prof.Nickname),
		CreatedAt: b.now().UTC(),
	}
	cred, err := b.sealer.SealCredential(storage.Credential{
		UserID:               prof.ID,
		AccessToken:          tok.AccessToken,
		AccessTokenExpiresAt: tok.Expiry,
		RefreshToken:         tok.RefreshToken,
	})
	if err != nil {
		return storage.User{}, false, err
	}

	existing, err := b.store.User(ctx, prof.ID)
	if errors.Is(err, storage.ErrNotFound) {
		err = b.store.CreateUser(ctx, fresh, cred)
		if err == nil {
			return fresh, true, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return storage.User{}, false, fmt.Errorf("creating user: %w", err)
		}
		// Lost a race with a concurrent first login for the same ID.
		existing, err = b.store.User(ctx, prof.ID)
		if err != nil {
			return storage.User{}, false, fmt.Errorf("re-reading user after create race: %w", err)
		}
	} else if err != nil {
		return storage.User{}, false, fmt.Errorf("looking up user: %w", err)
	}

	if err := b.store.UpdateCredential(ctx, cred); err != nil {
		return storage.User{}, false, fmt.Errorf("replacing credential: %w", err)
	}
	if b.syncProfile {
		existing.Username, existing.Avatar, existing.Nickname = fresh.Username, fresh.Avatar, fresh.Nickname
		if err := b.store.UpdateProfile(ctx, existing); err != nil {
			return storage.User{}, false, fmt.Errorf("syncing profile: %w", err)
		}
	}
	return existing, false, nil
}

func (b *Broker) openCredential(ctx context.Context, userID string) (storage.Credential, error) {
	sealed, err := b.store.Credential(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Credential{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return storage.Credential{}, fmt.Errorf("reading credential: %w", err)
	}
	return b.sealer.OpenCredential(sealed)
}

func (b *Broker) fresh(c storage.Credential) bool {
	return c.AccessTokenExpiresAt.After(b.now().Add(b.refreshBuffer))
}

// ValidAccessToken returns a provider access token for userID with at
// least the refresh buffer of validity left, refreshing it first if
// needed. Concurrent refreshes for the same user share one provider call.
// On refresh failure the stored credential is left untouched and an error
// wrapping ErrRefreshFailure is returned. A refreshed token that itself
// expires inside the buffer, or carries no expiry, counts as a failure.
func (b *Broker) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := b.openCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if b.fresh(cred) {
		return cred.AccessToken, nil
	}

	// The refresh token is single use, so a refresh must not be abandoned
	// halfway because the caller that started it went away.
	detached := context.WithoutCancel(ctx)
	v, err, _ := b.refreshes.Do(userID, func() (any, error) {
		return b.refresh(detached, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) refresh(ctx context.Context, userID string) (string, error) {
	// Re-read: a flight that finished just before this one started may
	// already have stored a fresh token.
	cred, err := b.openCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if b.fresh(cred) {
		return cred.AccessToken, nil
	}

	var tok Token
	err = b.providerCall(ctx, "identity.Refresh", func(ctx context.Context) error {
		var err error
		tok, err = b.provider.Refresh(ctx, cred.RefreshToken)
		return err
	}, attribute.String("doorman.user_id", userID))
	if err == nil && !tok.Expiry.After(b.now().Add(b.refreshBuffer)) {
		err = fmt.Errorf("refreshed token expires at %s, inside the %s buffer", tok.Expiry.Format(time.RFC3339), b.refreshBuffer)
	}
	if err != nil {
		b.logger.WarnContext(ctx, "token refresh failed", "user_id", userID, "error", err)
		err = fmt.Errorf("%w: %w", ErrRefreshFailure, err)
		b.notifyRefresh(ctx, userID, err)
		return "", err
	}

	next := storage.Credential{
		UserID:               userID,
		AccessToken:          tok.AccessToken,
		AccessTokenExpiresAt: tok.Expiry,
		RefreshToken:         tok.RefreshToken,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	sealed, err := b.sealer.SealCredential(next)
	if err != nil {
		return "", err
	}
	if err := b.store.UpdateCredential(ctx, sealed); err != nil {
		err = fmt.Errorf("storing refreshed credential: %w", err)
		b.notifyRefresh(ctx, userID, err)
		return "", err
	}
	b.notifyRefresh(ctx, userID, nil)
	return next.AccessToken, nil
}

func (b *Broker) notifyRefresh(ctx context.Context, userID string, err error) {
	if b.onRefresh != nil {
		b.onRefresh(ctx, userID, err)
	}
}

// Connections lists the accounts linked to userID's provider profile.
func (b *Broker) Connections(ctx context.Context, userID string) ([]Connection, error) {
	access, err := b.ValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	var conns []Connection
	err = b.providerCall(ctx, "identity.Connections", func(ctx context.Context) error {
		var err error
		conns, err = b.provider.Connections(ctx, access)
		return err
	}, attribute.String("doorman.user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionsFailure, err)
	}
	return conns, nil
}
