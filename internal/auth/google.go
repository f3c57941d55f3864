// Package auth handles the Google OAuth connect flow and token storage.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
)

const googleIssuer = "https://accounts.google.com"

var (
	ErrOIDCInit       = errors.New("OIDC initialization failed")
	ErrTokenExchange  = errors.New("token exchange failed")
	ErrTokenVerify    = errors.New("token verification failed")
	ErrMissingEmail   = errors.New("email claim is required")
	ErrNoRefreshToken = errors.New("authorization response carried no refresh token")
)

// GoogleClaims represents the claims extracted from a Google ID token.
type GoogleClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// GoogleProvider drives the OAuth consent flow for read-only calendar
// access and verifies the returned identity.
type GoogleProvider struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogleProvider creates a Google OAuth provider.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	config := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			oidc.ScopeOpenID,
			"email",
			"profile",
			calendarapi.CalendarReadonlyScope,
		},
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return &GoogleProvider{
		config:   config,
		verifier: verifier,
	}, nil
}

// AuthCodeURL returns the consent URL to redirect the user to.
// Offline access with forced consent guarantees a refresh token.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange exchanges an authorization code for tokens. The returned token
// must carry a refresh token, otherwise unattended syncs would break as
// soon as the access token expires.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	if token.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	return token, nil
}

// VerifyIDToken verifies the ID token and extracts the account identity.
func (p *GoogleProvider) VerifyIDToken(ctx context.Context, token *oauth2.Token) (*GoogleClaims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims GoogleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	return &claims, nil
}

// TokenSource returns a refreshing token source seeded from the token.
func (p *GoogleProvider) TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource {
	return p.config.TokenSource(ctx, token)
}
