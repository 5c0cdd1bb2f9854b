// Package authapi is the client for the external Auth API:
// /auth/register, /auth/token, /auth/refresh, /auth/me and /auth/logout.
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"triptask/cmd/internal/auth/tokenstore"
	"triptask/cmd/internal/transport"
)

// ErrMissingToken is returned when a 2xx token response carries no token.
var ErrMissingToken = errors.New("response carried no access token")

type Client struct {
	t *transport.Client
}

func New(t *transport.Client) *Client {
	return &Client{t: t}
}

// Grant is a successful token exchange.
type Grant struct {
	Credential tokenstore.Credential

	// User is the raw user object, when the endpoint returned one.
	User json.RawMessage
}

type tokenResponse struct {
	Token        string          `json:"token"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user"`
}

func (r tokenResponse) grant() (Grant, error) {
	access := r.Token
	if tokenstore.IsAbsent(access) {
		access = r.AccessToken
	}
	if tokenstore.IsAbsent(access) {
		return Grant{}, ErrMissingToken
	}
	c := tokenstore.Normalize(tokenstore.Credential{
		AccessToken:  access,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    TokenExpiry(access),
	})
	return Grant{Credential: c, User: r.User}, nil
}

// NormalizeEmail trims and lower-cases an email before it is sent.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Register creates an account. It issues no token; callers log in after.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/register",
		Body: map[string]string{
			"name":     strings.TrimSpace(name),
			"email":    NormalizeEmail(email),
			"password": password,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Token exchanges credentials for an access token.
func (c *Client) Token(ctx context.Context, email, password string, remember bool) (Grant, error) {
	var out tokenResponse
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/token",
		Body: map[string]any{
			"email":      NormalizeEmail(email),
			"password":   password,
			"rememberMe": remember,
		},
	}, &out)
	if err != nil {
		return Grant{}, err
	}
	return out.grant()
}

// Refresh mints a new access token. The returned credential has an empty
// RefreshToken when the server did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (tokenstore.Credential, error) {
	var out tokenResponse
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Body:   map[string]string{"refreshToken": refreshToken},
	}, &out)
	if err != nil {
		return tokenstore.Credential{}, err
	}
	g, err := out.grant()
	if err != nil {
		return tokenstore.Credential{}, err
	}
	return g.Credential, nil
}

// Me resolves the principal behind token.
func (c *Client) Me(ctx context.Context, token string) (Principal, error) {
	var out struct {
		User json.RawMessage `json:"user"`
	}
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/auth/me",
		Token:  token,
	}, &out)
	if err != nil {
		return Principal{}, err
	}
	return DecodePrincipal(out.User)
}

func (c *Client) Logout(ctx context.Context, token string) error {
	err := c.t.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/logout",
		Token:  token,
	}, nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT without verifying it. The value
// only decides when a token is known stale; it never authorizes anything.
// Opaque or malformed tokens yield the zero time.
func TokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
