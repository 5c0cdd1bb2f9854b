package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"triptask/cmd/internal/auth/authapi"
	"triptask/cmd/internal/auth/storage"
	"triptask/cmd/internal/auth/tokenstore"
	"triptask/cmd/internal/transport"
)

// AuthAPI is the subset of the Auth API the manager calls.
type AuthAPI interface {
	Register(ctx context.Context, name, email, password string) error
	Token(ctx context.Context, email, password string, remember bool) (authapi.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (tokenstore.Credential, error)
	Me(ctx context.Context, token string) (authapi.Principal, error)
	Logout(ctx context.Context, token string) error
}

// Metrics receives session lifecycle outcomes.
type Metrics interface {
	ObserveLogin(result string)
	ObserveRefresh(result string)
	ObserveLogout(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveLogin(string)   {}
func (noopMetrics) ObserveRefresh(string) {}
func (noopMetrics) ObserveLogout(string)  {}

// Reason says why a session ended.
type Reason string

const (
	ReasonUser             Reason = "user"
	ReasonExpired          Reason = "expired"
	ReasonRefreshFailed    Reason = "refresh_failed"
	ReasonNotEstablished   Reason = "not_established"
	ReasonInvalidPrincipal Reason = "invalid_principal"
)

type Options struct {
	Config  Config
	API     AuthAPI
	Tokens  *tokenstore.Store
	Bridge  *storage.Bridge
	Logger  *slog.Logger
	Metrics Metrics
	Now     func() time.Time
}

// Manager is the single owner of the live credential.
type Manager struct {
	cfg     Config
	api     AuthAPI
	tokens  *tokenstore.Store
	bridge  *storage.Bridge
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time

	refreshGroup singleflight.Group

	mu        sync.Mutex
	scope     storage.Scope
	deadline  time.Time
	listeners map[uint64]func(Reason)
	nextID    uint64
}

func NewManager(opts Options) (*Manager, error) {
	if opts.API == nil || opts.Tokens == nil || opts.Bridge == nil {
		return nil, errors.New("session: api, tokens and bridge are required")
	}
	if opts.Config.LoginProfileRetries < 1 {
		return nil, fmt.Errorf("%w: login profile retries must be >= 1", ErrConfig)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.LogoutTimeout <= 0 {
		opts.Config.LogoutTimeout = DefaultConfig().LogoutTimeout
	}
	return &Manager{
		cfg:       opts.Config,
		api:       opts.API,
		tokens:    opts.Tokens,
		bridge:    opts.Bridge,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		listeners: make(map[uint64]func(Reason)),
	}, nil
}

// Restore loads a persisted credential. An elapsed non-durable window ends
// the session before anything else runs.
func (m *Manager) Restore(ctx context.Context) (storage.Scope, error) {
	res, err := m.bridge.LoadInto(ctx, m.tokens)
	if err != nil {
		return storage.ScopeNone, fmt.Errorf("session: restore: %w", err)
	}
	if res.Expired {
		m.logout(ctx, ReasonExpired, "")
		return storage.ScopeNone, nil
	}
	if !res.Found {
		return storage.ScopeNone, nil
	}

	var deadline time.Time
	if res.Scope == storage.ScopeSession {
		if d, ok, err := m.bridge.Deadline(ctx); err == nil && ok {
			deadline = d
		}
	}
	m.mu.Lock()
	m.scope = res.Scope
	m.deadline = deadline
	m.mu.Unlock()

	m.log.Info("session.restore.ok", "scope", res.Scope.String())
	return res.Scope, nil
}

// Login exchanges credentials for a token, persists it in the scope chosen by
// remember, then resolves the principal from /auth/me.
func (m *Manager) Login(ctx context.Context, email, password string, remember bool) (authapi.Principal, error) {
	grant, err := m.api.Token(ctx, email, password, remember)
	if err != nil {
		m.metrics.ObserveLogin("fail")
		switch {
		case errors.Is(err, authapi.ErrMissingToken):
			return authapi.Principal{}, fmt.Errorf("%w: %w", ErrSessionNotEstablished, err)
		case errors.Is(err, transport.ErrClientError):
			return authapi.Principal{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		default:
			return authapi.Principal{}, &NetworkError{Op: "login", Err: err}
		}
	}

	scope := storage.ScopeFor(remember)
	m.tokens.Set(grant.Credential)

	// A fresh login starts a fresh window.
	if err := m.bridge.Purge(ctx); err != nil {
		m.log.Warn("session.persist.fail", "op", "purge", "err", err)
	}
	if err := m.bridge.Persist(ctx, grant.Credential, scope); err != nil {
		m.log.Warn("session.persist.fail", "op", "persist", "scope", scope.String(), "err", err)
	}
	m.setScope(ctx, scope)

	token := grant.Credential.AccessToken
	principal, err := backoff.Retry(ctx, func() (authapi.Principal, error) {
		return m.api.Me(ctx, token)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.LoginProfileDelay)),
		backoff.WithMaxTries(uint(m.cfg.LoginProfileRetries)),
	)
	if err != nil {
		m.metrics.ObserveLogin("not_established")
		m.log.Warn("session.login.profile_fail", "attempts", m.cfg.LoginProfileRetries, "err", err)
		m.logout(ctx, ReasonNotEstablished, token)
		return authapi.Principal{}, fmt.Errorf("%w: %w", ErrSessionNotEstablished, err)
	}

	m.metrics.ObserveLogin("ok")
	m.log.Info("session.login.ok", "user_id", principal.ID, "role", string(principal.Role), "scope", scope.String())
	return principal, nil
}

// Register creates an account and then logs in with the same credentials.
// A refused sign-up is ErrRegistrationRejected; once the account exists, a
// failed login keeps the Login error kinds.
func (m *Manager) Register(ctx context.Context, name, email, password string, remember bool) (authapi.Principal, error) {
	if err := validateRegistration(name, email, password); err != nil {
		return authapi.Principal{}, err
	}
	if err := m.api.Register(ctx, name, email, password); err != nil {
		m.metrics.ObserveLogin("register_fail")
		if errors.Is(err, transport.ErrClientError) {
			return authapi.Principal{}, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
		}
		return authapi.Principal{}, &NetworkError{Op: "register", Err: err}
	}
	m.log.Info("session.register.ok")

	p, err := m.Login(ctx, email, password, remember)
	if err != nil {
		return authapi.Principal{}, fmt.Errorf("account created, login failed: %w", err)
	}
	return p, nil
}

func validateRegistration(name, email, password string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(email) == "" || password == "" {
		return fmt.Errorf("%w: name, email and password are required", ErrInvalidRegistration)
	}
	for _, r := range name {
		if r != ' ' && !unicode.IsLetter(r) {
			return fmt.Errorf("%w: name may only contain letters and spaces", ErrInvalidRegistration)
		}
	}
	return nil
}

func (m *Manager) setScope(ctx context.Context, scope storage.Scope) {
	var deadline time.Time
	if scope == storage.ScopeSession {
		if d, ok, err := m.bridge.Deadline(ctx); err == nil && ok {
			deadline = d
		} else {
			deadline = m.now().Add(m.cfg.Window)
		}
	}
	m.mu.Lock()
	m.scope = scope
	m.deadline = deadline
	m.mu.Unlock()
}

// Scope reports where the live credential is persisted.
func (m *Manager) Scope() storage.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// AccessToken returns the current access token without refreshing.
func (m *Manager) AccessToken() string {
	return m.tokens.AccessToken()
}

// Sweep ends a non-durable session whose window has elapsed. It reports
// whether it did so.
func (m *Manager) Sweep(ctx context.Context) bool {
	m.mu.Lock()
	deadline := m.deadline
	m.mu.Unlock()

	if deadline.IsZero() || m.now().Before(deadline) {
		return false
	}
	m.log.Info("session.expired", "deadline", deadline.UTC())
	m.logout(ctx, ReasonExpired, m.tokens.AccessToken())
	return true
}

// WhoAmI resolves the principal for the current credential. It returns nil
// without error when there is no session, including when the session ended
// during the call. A malformed profile ends the session.
func (m *Manager) WhoAmI(ctx context.Context) (*authapi.Principal, error) {
	var p authapi.Principal
	err := m.Do(ctx, func(ctx context.Context, token string) error {
		var err error
		p, err = m.api.Me(ctx, token)
		return err
	})
	switch {
	case err == nil:
		return &p, nil
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrRefreshFailed):
		return nil, nil
	case errors.Is(err, authapi.ErrInvalidPrincipal):
		m.log.Warn("session.principal.invalid", "err", err)
		m.logout(ctx, ReasonInvalidPrincipal, m.tokens.AccessToken())
		return nil, nil
	case transport.Retryable(err):
		return nil, &NetworkError{Op: "whoami", Err: err}
	default:
		return nil, err
	}
}

// RequireRole resolves the principal and checks its role.
func (m *Manager) RequireRole(ctx context.Context, roles ...authapi.Role) (authapi.Principal, error) {
	p, err := m.WhoAmI(ctx)
	if err != nil {
		return authapi.Principal{}, err
	}
	if p == nil {
		return authapi.Principal{}, ErrNoSession
	}
	if len(roles) > 0 && !slices.Contains(roles, p.Role) {
		return *p, fmt.Errorf("%w: %s", ErrForbiddenRole, p.Role)
	}
	return *p, nil
}

// EnsureFreshAccessToken returns the current access token. A token whose
// known expiry has passed is refreshed first; otherwise refresh is left to
// the 401 path in Do.
func (m *Manager) EnsureFreshAccessToken(ctx context.Context) (string, error) {
	m.Sweep(ctx)

	cred := m.tokens.Get()
	if cred.Empty() {
		return "", ErrNoSession
	}
	if cred.Valid(m.now()) {
		return cred.AccessToken, nil
	}
	return m.RefreshIfStale(ctx, cred.AccessToken)
}

// Refresh forces a refresh of the current access token.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.RefreshIfStale(ctx, m.tokens.AccessToken())
	return err
}

// RefreshIfStale refreshes unless the held token already differs from
// stale, which means a concurrent caller rotated it. Concurrent callers share
// one in-flight refresh and its result. The refresh itself is not cancelled
// when ctx is; only this caller's wait is.
func (m *Manager) RefreshIfStale(ctx context.Context, stale string) (string, error) {
	cur := m.tokens.Get()
	if cur.Empty() && stale != "" {
		return "", ErrRefreshFailed
	}
	if stale != "" && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}

	ch := m.refreshGroup.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), stale)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	cur := m.tokens.Get()
	// A flight that finished between the caller's check and this one has
	// already rotated the token.
	if stale != "" {
		if cur.Empty() {
			return "", ErrRefreshFailed
		}
		if cur.AccessToken != stale {
			return cur.AccessToken, nil
		}
	}
	if cur.RefreshToken == "" {
		m.metrics.ObserveRefresh("no_refresh_token")
		m.log.Info("session.refresh.fail", "reason", "no refresh token")
		m.logout(ctx, ReasonRefreshFailed, cur.AccessToken)
		return "", fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	next, err := m.api.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		m.metrics.ObserveRefresh("fail")
		m.log.Info("session.refresh.fail", "err", err)
		m.logout(ctx, ReasonRefreshFailed, cur.AccessToken)
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	m.tokens.Set(next)

	scope := m.Scope()
	if scope == storage.ScopeNone {
		if s, err := m.bridge.CurrentScope(ctx); err == nil && s != storage.ScopeNone {
			scope = s
		} else {
			scope = storage.ScopeSession
		}
	}
	if err := m.bridge.Persist(ctx, next, scope); err != nil {
		m.log.Warn("session.persist.fail", "op", "refresh", "scope", scope.String(), "err", err)
	}

	m.metrics.ObserveRefresh("ok")
	m.log.Debug("session.refresh.ok", "scope", scope.String(), "rotated", next.RefreshToken != cur.RefreshToken)
	return next.AccessToken, nil
}

// Do runs call with a fresh access token. A 401 triggers one shared refresh
// and exactly one retry with the new token.
func (m *Manager) Do(ctx context.Context, call func(ctx context.Context, token string) error) error {
	token, err := m.EnsureFreshAccessToken(ctx)
	if err != nil {
		return err
	}

	err = call(ctx, token)
	if !errors.Is(err, transport.ErrUnauthorized) {
		return err
	}

	m.log.Debug("session.unauthorized", "action", "refresh")
	fresh, err := m.RefreshIfStale(ctx, token)
	if err != nil {
		return err
	}
	return call(ctx, fresh)
}

// OnLogout registers fn to run after every logout. The returned func
// unregisters it.
func (m *Manager) OnLogout(fn func(Reason)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Logout ends the session locally, then tells the Auth API best-effort.
// Local state is cleared even when the network call fails.
func (m *Manager) Logout(ctx context.Context) {
	m.logout(ctx, ReasonUser, m.tokens.AccessToken())
}

func (m *Manager) logout(ctx context.Context, reason Reason, token string) {
	m.tokens.Clear()

	m.mu.Lock()
	m.scope = storage.ScopeNone
	m.deadline = time.Time{}
	listeners := make([]func(Reason), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if err := m.bridge.Purge(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("session.persist.fail", "op", "purge", "err", err)
	}

	m.metrics.ObserveLogout(string(reason))
	m.log.Info("session.logout", "reason", string(reason))

	for _, fn := range listeners {
		fn(reason)
	}

	if token == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LogoutTimeout)
	defer cancel()
	if err := m.api.Logout(callCtx, token); err != nil {
		m.log.Debug("session.logout.remote_fail", "err", err)
	}
}
