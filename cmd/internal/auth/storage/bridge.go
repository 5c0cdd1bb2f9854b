// Package storage mirrors the session credential into one of two persistent
// key/value stores and loads it back at start-up.
//
// The durable store survives restarts ("remember me"); the session store
// lives only as long as the process. A credential is never present in both.
// Non-durable sessions carry an absolute expiry marker, kept in the durable
// store, which is enforced independently of the token's own expiry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"triptask/cmd/internal/auth/tokenstore"
)

const (
	KeyToken        = "triptask_token"
	KeyRefreshToken = "triptask_refresh_token"
	KeyTokenExpiry  = "triptask_token_exp"
	KeyExpireAt     = "triptask_expire_at"
)

var credentialKeys = []string{KeyToken, KeyRefreshToken, KeyTokenExpiry}

// Scope selects the store a credential is written to.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeSession
	ScopeDurable
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeDurable:
		return "durable"
	default:
		return "none"
	}
}

// ScopeFor maps the login "remember me" flag to a Scope.
func ScopeFor(remember bool) Scope {
	if remember {
		return ScopeDurable
	}
	return ScopeSession
}

type BridgeConfig struct {
	Durable KV
	Session KV

	// Window is the absolute lifetime of a non-durable session, measured
	// from the first persist after login.
	Window time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

type Bridge struct {
	durable KV
	session KV
	window  time.Duration
	now     func() time.Time
	log     *slog.Logger
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Durable == nil || cfg.Session == nil {
		return nil, errors.New("storage: both stores are required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("storage: window must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{
		durable: cfg.Durable,
		session: cfg.Session,
		window:  cfg.Window,
		now:     cfg.Now,
		log:     cfg.Logger,
	}, nil
}

// LoadResult describes what LoadInto found.
type LoadResult struct {
	Scope   Scope
	Found   bool
	Expired bool
}

func (b *Bridge) stores(scope Scope) (target, other KV, err error) {
	switch scope {
	case ScopeDurable:
		return b.durable, b.session, nil
	case ScopeSession:
		return b.session, b.durable, nil
	default:
		return nil, nil, fmt.Errorf("storage: unknown scope %d", scope)
	}
}

// Persist writes c into the store selected by scope and removes any copy
// from the other store. An empty credential purges both.
func (b *Bridge) Persist(ctx context.Context, c tokenstore.Credential, scope Scope) error {
	c = tokenstore.Normalize(c)
	if c.Empty() {
		return b.Purge(ctx)
	}
	target, other, err := b.stores(scope)
	if err != nil {
		return err
	}

	// Clear the other side first so the two never hold a credential at once.
	if err := other.Del(ctx, credentialKeys...); err != nil {
		return fmt.Errorf("storage: clear %s: %w", otherScope(scope), err)
	}

	if err := target.Set(ctx, KeyToken, c.AccessToken); err != nil {
		return fmt.Errorf("storage: write token: %w", err)
	}
	if c.RefreshToken != "" {
		err = target.Set(ctx, KeyRefreshToken, c.RefreshToken)
	} else {
		err = target.Del(ctx, KeyRefreshToken)
	}
	if err != nil {
		return fmt.Errorf("storage: write refresh token: %w", err)
	}
	if !c.ExpiresAt.IsZero() {
		err = target.Set(ctx, KeyTokenExpiry, c.ExpiresAt.UTC().Format(time.RFC3339Nano))
	} else {
		err = target.Del(ctx, KeyTokenExpiry)
	}
	if err != nil {
		return fmt.Errorf("storage: write token expiry: %w", err)
	}

	if scope == ScopeDurable {
		if err := b.durable.Del(ctx, KeyExpireAt); err != nil {
			return fmt.Errorf("storage: clear expiry marker: %w", err)
		}
		return nil
	}

	// The window runs from issuance; re-persisting after a refresh keeps it.
	if _, ok, err := b.Deadline(ctx); err != nil {
		return err
	} else if !ok {
		deadline := b.now().Add(b.window)
		if err := b.durable.Set(ctx, KeyExpireAt, strconv.FormatInt(deadline.UnixMilli(), 10)); err != nil {
			return fmt.Errorf("storage: write expiry marker: %w", err)
		}
		b.log.Debug("storage.marker.set", "deadline", deadline.UTC())
	}
	return nil
}

func otherScope(s Scope) Scope {
	if s == ScopeDurable {
		return ScopeSession
	}
	return ScopeDurable
}

// LoadInto restores the persisted credential into ts. The durable store is
// read first. An elapsed expiry marker purges both stores and leaves ts
// empty.
func (b *Bridge) LoadInto(ctx context.Context, ts *tokenstore.Store) (LoadResult, error) {
	expired, err := b.Expired(ctx)
	if err != nil {
		return LoadResult{}, err
	}
	if expired {
		ts.Clear()
		if err := b.Purge(ctx); err != nil {
			return LoadResult{Expired: true}, err
		}
		b.log.Info("storage.load.expired")
		return LoadResult{Expired: true}, nil
	}

	for _, scope := range []Scope{ScopeDurable, ScopeSession} {
		kv, _, _ := b.stores(scope)
		c, ok, err := readCredential(ctx, kv)
		if err != nil {
			return LoadResult{}, fmt.Errorf("storage: load %s: %w", scope, err)
		}
		if !ok {
			continue
		}
		ts.Set(c)
		return LoadResult{Scope: scope, Found: true}, nil
	}

	ts.Clear()
	return LoadResult{}, nil
}

// CurrentScope reports which store holds a credential.
func (b *Bridge) CurrentScope(ctx context.Context) (Scope, error) {
	for _, scope := range []Scope{ScopeDurable, ScopeSession} {
		kv, _, _ := b.stores(scope)
		_, ok, err := readCredential(ctx, kv)
		if err != nil {
			return ScopeNone, err
		}
		if ok {
			return scope, nil
		}
	}
	return ScopeNone, nil
}

// Purge removes the credential and the expiry marker from both stores.
func (b *Bridge) Purge(ctx context.Context) error {
	keys := append(append([]string(nil), credentialKeys...), KeyExpireAt)
	return errors.Join(
		b.durable.Del(ctx, keys...),
		b.session.Del(ctx, keys...),
	)
}

// Deadline returns the absolute expiry of a non-durable session.
func (b *Bridge) Deadline(ctx context.Context) (time.Time, bool, error) {
	v, err := b.durable.Get(ctx, KeyExpireAt)
	if errors.Is(err, ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: read expiry marker: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// An unreadable marker cannot prove the session is still inside its
		// window.
		b.log.Warn("storage.marker.invalid", "value", v)
		return time.UnixMilli(0), true, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Expired reports whether the expiry marker exists and has elapsed.
func (b *Bridge) Expired(ctx context.Context) (bool, error) {
	deadline, ok, err := b.Deadline(ctx)
	if err != nil || !ok {
		return false, err
	}
	return !b.now().Before(deadline), nil
}

func readCredential(ctx context.Context, kv KV) (tokenstore.Credential, bool, error) {
	access, err := get(ctx, kv, KeyToken)
	if err != nil {
		return tokenstore.Credential{}, false, err
	}
	if tokenstore.IsAbsent(access) {
		return tokenstore.Credential{}, false, nil
	}
	refresh, err := get(ctx, kv, KeyRefreshToken)
	if err != nil {
		return tokenstore.Credential{}, false, err
	}
	exp, err := get(ctx, kv, KeyTokenExpiry)
	if err != nil {
		return tokenstore.Credential{}, false, err
	}

	c := tokenstore.Credential{AccessToken: access, RefreshToken: refresh}
	if exp != "" {
		if t, err := time.Parse(time.RFC3339Nano, exp); err == nil {
			c.ExpiresAt = t
		}
	}
	return tokenstore.Normalize(c), true, nil
}

func get(ctx context.Context, kv KV, key string) (string, error) {
	v, err := kv.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	return v, err
}
