package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"triptask/cmd/internal/auth/authapi"
	"triptask/cmd/internal/auth/storage"
	"triptask/cmd/internal/auth/tokenstore"
	"triptask/cmd/internal/transport"
)

var rider = authapi.Principal{ID: "7", Name: "Rita", Email: "r@x", Role: authapi.RoleRider}

type fakeAuth struct {
	mu sync.Mutex

	tokenErr error
	grant    authapi.Grant

	me func(token string) (authapi.Principal, error)

	refresh func(refreshToken string) (tokenstore.Credential, error)

	logoutErr   error
	registerErr error

	registerCalls atomic.Int32
	meCalls       atomic.Int32
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func (f *fakeAuth) Register(ctx context.Context, name, email, password string) error {
	f.registerCalls.Add(1)
	return f.registerErr
}

func (f *fakeAuth) Token(ctx context.Context, email, password string, remember bool) (authapi.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return authapi.Grant{}, f.tokenErr
	}
	return f.grant, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (tokenstore.Credential, error) {
	f.refreshCalls.Add(1)
	if f.refresh == nil {
		return tokenstore.Credential{}, unauthorized()
	}
	return f.refresh(refreshToken)
}

func (f *fakeAuth) Me(ctx context.Context, token string) (authapi.Principal, error) {
	f.meCalls.Add(1)
	if f.me == nil {
		return rider, nil
	}
	return f.me(token)
}

func (f *fakeAuth) Logout(ctx context.Context, token string) error {
	f.logoutCalls.Add(1)
	return f.logoutErr
}

func unauthorized() error {
	return &transport.StatusError{Method: http.MethodGet, Path: "/x", Status: http.StatusUnauthorized}
}

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

type harness struct {
	mgr     *Manager
	api     *fakeAuth
	tokens  *tokenstore.Store
	bridge  *storage.Bridge
	durable *storage.MemoryKV
	session *storage.MemoryKV
	clock   *clock
}

func newHarness(t *testing.T, api *fakeAuth) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	durable, sess := storage.NewMemoryKV(), storage.NewMemoryKV()
	cfg := DefaultConfig()
	cfg.LoginProfileDelay = 0

	bridge, err := storage.NewBridge(storage.BridgeConfig{Durable: durable, Session: sess, Window: cfg.Window, Now: clk.Now})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	tokens := tokenstore.New()
	mgr, err := NewManager(Options{Config: cfg, API: api, Tokens: tokens, Bridge: bridge, Now: clk.Now})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return &harness{mgr: mgr, api: api, tokens: tokens, bridge: bridge, durable: durable, session: sess, clock: clk}
}

func grant(access, refresh string) authapi.Grant {
	return authapi.Grant{Credential: tokenstore.Credential{AccessToken: access, RefreshToken: refresh}}
}

func TestLoginPersistsByScope(t *testing.T) {
	t.Parallel()

	for _, remember := range []bool{false, true} {
		h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
		p, err := h.mgr.Login(context.Background(), "r@x", "pw", remember)
		if err != nil {
			t.Fatalf("remember=%v login: %v", remember, err)
		}
		if p != rider {
			t.Fatalf("principal=%+v", p)
		}
		wantScope := storage.ScopeFor(remember)
		if h.mgr.Scope() != wantScope {
			t.Fatalf("scope=%s want %s", h.mgr.Scope(), wantScope)
		}
		if got, _ := h.bridge.CurrentScope(context.Background()); got != wantScope {
			t.Fatalf("persisted scope=%s want %s", got, wantScope)
		}
		_, hasMarker, _ := h.bridge.Deadline(context.Background())
		if hasMarker == remember {
			t.Fatalf("remember=%v marker=%v", remember, hasMarker)
		}
	}
}

func TestLoginFailureTaxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "4xx", err: &transport.StatusError{Status: http.StatusUnauthorized}, want: ErrInvalidCredentials},
		{name: "422", err: &transport.StatusError{Status: http.StatusUnprocessableEntity}, want: ErrInvalidCredentials},
		{name: "5xx", err: &transport.StatusError{Status: http.StatusBadGateway}, want: ErrNetwork},
		{name: "offline", err: &transport.NetworkError{Err: errors.New("dial tcp: refused")}, want: ErrNetwork},
		{name: "no token", err: authapi.ErrMissingToken, want: ErrSessionNotEstablished},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &fakeAuth{tokenErr: tc.err})
			_, err := h.mgr.Login(context.Background(), "r@x", "pw", false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if !h.tokens.Get().Empty() {
				t.Fatal("failed login must not hold a credential")
			}
		})
	}
}

func TestRegisterThenLogsIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
	p, err := h.mgr.Register(context.Background(), "Rita Ñúñez", "r@x", "pw", true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p != rider || h.tokens.AccessToken() != "a1" {
		t.Fatalf("principal=%+v token=%q", p, h.tokens.AccessToken())
	}
	if h.mgr.Scope() != storage.ScopeDurable {
		t.Fatalf("scope=%s want durable", h.mgr.Scope())
	}
}

func TestRegisterFailureTaxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		user      string
		err       error
		tokenErr  error
		want      error
		wantCalls int32
	}{
		{name: "no name", user: " ", want: ErrInvalidRegistration},
		{name: "digits", user: "R2D2", want: ErrInvalidRegistration},
		{name: "symbols", user: "Rita!", want: ErrInvalidRegistration},
		{name: "taken", user: "Rita", err: &transport.StatusError{Status: http.StatusConflict}, want: ErrRegistrationRejected, wantCalls: 1},
		{name: "5xx", user: "Rita", err: &transport.StatusError{Status: http.StatusBadGateway}, want: ErrNetwork, wantCalls: 1},
		{name: "login after", user: "Rita", tokenErr: &transport.StatusError{Status: http.StatusUnauthorized}, want: ErrInvalidCredentials, wantCalls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeAuth{registerErr: tc.err, tokenErr: tc.tokenErr}
			h := newHarness(t, api)
			_, err := h.mgr.Register(context.Background(), tc.user, "r@x", "pw", false)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if got := api.registerCalls.Load(); got != tc.wantCalls {
				t.Fatalf("register calls=%d want=%d", got, tc.wantCalls)
			}
			if !h.tokens.Get().Empty() {
				t.Fatal("failed registration must not hold a credential")
			}
		})
	}
}

func TestLoginProfileRetriesThenNotEstablished(t *testing.T) {
	t.Parallel()

	api := &fakeAuth{
		grant: grant("a1", "r1"),
		me: func(string) (authapi.Principal, error) {
			return authapi.Principal{}, &transport.StatusError{Status: http.StatusInternalServerError}
		},
	}
	h := newHarness(t, api)

	var reasons []Reason
	h.mgr.OnLogout(func(r Reason) { reasons = append(reasons, r) })

	_, err := h.mgr.Login(context.Background(), "r@x", "pw", false)
	if !errors.Is(err, ErrSessionNotEstablished) {
		t.Fatalf("err=%v want ErrSessionNotEstablished", err)
	}
	if got := api.meCalls.Load(); got != int32(DefaultConfig().LoginProfileRetries) {
		t.Fatalf("me calls=%d want %d", got, DefaultConfig().LoginProfileRetries)
	}
	if !h.tokens.Get().Empty() || h.durable.Len() != 0 || h.session.Len() != 0 {
		t.Fatal("session state must be cleared")
	}
	if len(reasons) != 1 || reasons[0] != ReasonNotEstablished {
		t.Fatalf("reasons=%v", reasons)
	}
}

func TestLoginProfileRecoversWithinRetries(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	api := &fakeAuth{
		grant: grant("a1", "r1"),
		me: func(string) (authapi.Principal, error) {
			if n.Add(1) < 3 {
				return authapi.Principal{}, unauthorized()
			}
			return rider, nil
		},
	}
	h := newHarness(t, api)
	if _, err := h.mgr.Login(context.Background(), "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}
}

// Scenario A: a non-remembered session past its window is logged out by the
// next protected call.
func TestSessionWindowForcesLogout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", false); err != nil {
		t.Fatalf("login: %v", err)
	}

	var logouts atomic.Int32
	h.mgr.OnLogout(func(r Reason) {
		if r == ReasonExpired {
			logouts.Add(1)
		}
	})

	h.clock.Advance(DefaultConfig().Window + time.Second)

	called := false
	err := h.mgr.Do(ctx, func(context.Context, string) error { called = true; return nil })
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
	if called {
		t.Fatal("protected call must not run after expiry")
	}
	if logouts.Load() != 1 {
		t.Fatalf("expired logouts=%d want 1", logouts.Load())
	}
	p, err := h.mgr.WhoAmI(ctx)
	if err != nil || p != nil {
		t.Fatalf("whoami=%v err=%v want nil,nil", p, err)
	}
	if h.durable.Len() != 0 || h.session.Len() != 0 {
		t.Fatal("stores must be purged")
	}
}

func TestRememberedSessionIgnoresWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.clock.Advance(30 * 24 * time.Hour)
	if h.mgr.Sweep(ctx) {
		t.Fatal("durable session must not be swept")
	}
	if h.mgr.AccessToken() != "a1" {
		t.Fatalf("token=%q", h.mgr.AccessToken())
	}
}

// Scenario B: concurrent 401s share one refresh and both calls succeed on
// their single retry.
func TestConcurrentUnauthorizedRefreshOnce(t *testing.T) {
	t.Parallel()

	api := &fakeAuth{
		grant: grant("a1", "r1"),
		refresh: func(rt string) (tokenstore.Credential, error) {
			if rt != "r1" {
				return tokenstore.Credential{}, unauthorized()
			}
			time.Sleep(20 * time.Millisecond)
			return tokenstore.Credential{AccessToken: "a2", RefreshToken: "r2"}, nil
		},
	}
	h := newHarness(t, api)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}

	var firstHits sync.WaitGroup
	firstHits.Add(2)
	var attempts atomic.Int32

	call := func(_ context.Context, token string) error {
		attempts.Add(1)
		if token == "a1" {
			firstHits.Done()
			firstHits.Wait()
			return unauthorized()
		}
		if token != "a2" {
			t.Errorf("unexpected token %q", token)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.mgr.Do(ctx, call)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want 1", got)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("attempts=%d want 4 (one retry each)", got)
	}
	if c := h.tokens.Get(); c.AccessToken != "a2" || c.RefreshToken != "r2" {
		t.Fatalf("credential=%+v", c)
	}
	// Re-persisted to the durable store it came from.
	loaded := tokenstore.New()
	if res, _ := h.bridge.LoadInto(ctx, loaded); res.Scope != storage.ScopeDurable || loaded.AccessToken() != "a2" {
		t.Fatalf("res=%+v token=%q", res, loaded.AccessToken())
	}
}

func TestConcurrentRefreshFailureShared(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	api := &fakeAuth{
		grant: grant("a1", "r1"),
		refresh: func(string) (tokenstore.Credential, error) {
			<-release
			return tokenstore.Credential{}, unauthorized()
		},
	}
	h := newHarness(t, api)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", false); err != nil {
		t.Fatalf("login: %v", err)
	}

	var notified atomic.Int32
	h.mgr.OnLogout(func(Reason) { notified.Add(1) })

	const n = 5
	var started, wg sync.WaitGroup
	started.Add(n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, errs[i] = h.mgr.RefreshIfStale(ctx, "a1")
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrRefreshFailed) {
			t.Fatalf("caller %d err=%v want ErrRefreshFailed", i, err)
		}
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls=%d want 1", got)
	}
	if notified.Load() != 1 {
		t.Fatalf("logout notifications=%d want 1", notified.Load())
	}
	if !h.tokens.Get().Empty() {
		t.Fatal("credential must be cleared after refresh failure")
	}
}

func TestRefreshWithoutRefreshTokenLogsOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "")})
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := h.mgr.Refresh(ctx); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err=%v want ErrRefreshFailed", err)
	}
	if h.api.refreshCalls.Load() != 0 {
		t.Fatal("refresh endpoint must not be called without a refresh token")
	}
	if h.mgr.AccessToken() != "" {
		t.Fatal("must be logged out")
	}
}

func TestRefreshKeepsUnrotatedRefreshToken(t *testing.T) {
	t.Parallel()

	api := &fakeAuth{
		grant: grant("a1", "r1"),
		refresh: func(string) (tokenstore.Credential, error) {
			return tokenstore.Credential{AccessToken: "a2"}, nil
		},
	}
	h := newHarness(t, api)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", false); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := h.mgr.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c := h.tokens.Get(); c.AccessToken != "a2" || c.RefreshToken != "r1" {
		t.Fatalf("credential=%+v", c)
	}
	if scope, _ := h.bridge.CurrentScope(ctx); scope != storage.ScopeSession {
		t.Fatalf("scope=%s want session", scope)
	}
}

func TestEnsureFreshRefreshesKnownExpiredToken(t *testing.T) {
	t.Parallel()

	api := &fakeAuth{
		refresh: func(string) (tokenstore.Credential, error) {
			return tokenstore.Credential{AccessToken: "a2"}, nil
		},
	}
	h := newHarness(t, api)
	api.grant = authapi.Grant{Credential: tokenstore.Credential{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    h.clock.Now().Add(time.Minute),
	}}
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}

	if tok, err := h.mgr.EnsureFreshAccessToken(ctx); err != nil || tok != "a1" {
		t.Fatalf("tok=%q err=%v", tok, err)
	}
	h.clock.Advance(2 * time.Minute)
	if tok, err := h.mgr.EnsureFreshAccessToken(ctx); err != nil || tok != "a2" {
		t.Fatalf("tok=%q err=%v", tok, err)
	}
}

func TestEnsureFreshWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{})
	if _, err := h.mgr.EnsureFreshAccessToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
}

func TestLogoutSucceedsWhenRemoteFails(t *testing.T) {
	t.Parallel()

	api := &fakeAuth{grant: grant("a1", "r1"), logoutErr: &transport.NetworkError{Err: errors.New("offline")}}
	h := newHarness(t, api)
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}

	var notified atomic.Int32
	unregister := h.mgr.OnLogout(func(r Reason) {
		if r != ReasonUser {
			t.Errorf("reason=%s", r)
		}
		notified.Add(1)
	})

	h.mgr.Logout(ctx)

	if notified.Load() != 1 {
		t.Fatalf("notified=%d want 1", notified.Load())
	}
	if api.logoutCalls.Load() != 1 {
		t.Fatalf("remote logout calls=%d want 1", api.logoutCalls.Load())
	}
	if h.mgr.AccessToken() != "" || h.durable.Len() != 0 || h.session.Len() != 0 {
		t.Fatal("local state must be cleared")
	}

	unregister()
	h.mgr.Logout(ctx)
	if notified.Load() != 1 {
		t.Fatal("unregistered listener must not run")
	}
}

func TestWhoAmI(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAuth{})
		p, err := h.mgr.WhoAmI(ctx)
		if p != nil || err != nil {
			t.Fatalf("p=%v err=%v", p, err)
		}
		if h.api.meCalls.Load() != 0 {
			t.Fatal("no API call expected without a session")
		}
	})

	t.Run("invalid principal logs out", func(t *testing.T) {
		t.Parallel()
		api := &fakeAuth{grant: grant("a1", "r1")}
		h := newHarness(t, api)
		if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
			t.Fatalf("login: %v", err)
		}
		api.me = func(string) (authapi.Principal, error) {
			return authapi.Principal{}, authapi.ErrInvalidPrincipal
		}
		p, err := h.mgr.WhoAmI(ctx)
		if p != nil || err != nil {
			t.Fatalf("p=%v err=%v", p, err)
		}
		if h.mgr.AccessToken() != "" {
			t.Fatal("invalid principal must end the session")
		}
	})

	t.Run("network error surfaces", func(t *testing.T) {
		t.Parallel()
		api := &fakeAuth{grant: grant("a1", "r1")}
		h := newHarness(t, api)
		if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
			t.Fatalf("login: %v", err)
		}
		api.me = func(string) (authapi.Principal, error) {
			return authapi.Principal{}, &transport.NetworkError{Err: errors.New("offline")}
		}
		if _, err := h.mgr.WhoAmI(ctx); !errors.Is(err, ErrNetwork) {
			t.Fatalf("err=%v want ErrNetwork", err)
		}
		if h.mgr.AccessToken() == "" {
			t.Fatal("network failure must not end the session")
		}
	})
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
	ctx := context.Background()
	if _, err := h.mgr.RequireRole(ctx, authapi.RoleRider); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
	if _, err := h.mgr.Login(ctx, "r@x", "pw", true); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := h.mgr.RequireRole(ctx, authapi.RoleRider, authapi.RoleAdmin); err != nil {
		t.Fatalf("rider should pass: %v", err)
	}
	if _, err := h.mgr.RequireRole(ctx, authapi.RoleCustomer); !errors.Is(err, ErrForbiddenRole) {
		t.Fatalf("err=%v want ErrForbiddenRole", err)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAuth{grant: grant("a1", "r1")})
	ctx := context.Background()
	if _, err := h.mgr.Login(ctx, "r@x", "pw", false); err != nil {
		t.Fatalf("login: %v", err)
	}

	// A second manager over the same stores stands in for a restart.
	tokens := tokenstore.New()
	mgr, err := NewManager(Options{Config: h.mgr.cfg, API: h.api, Tokens: tokens, Bridge: h.bridge, Now: h.clock.Now})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	scope, err := mgr.Restore(ctx)
	if err != nil || scope != storage.ScopeSession || mgr.AccessToken() != "a1" {
		t.Fatalf("scope=%s err=%v token=%q", scope, err, mgr.AccessToken())
	}

	h.clock.Advance(DefaultConfig().Window)
	if !mgr.Sweep(ctx) {
		t.Fatal("restored session must keep its original window")
	}
}
