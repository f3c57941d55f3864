package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
)

var ErrNoCredential = errors.New("calendar has no stored credential")

// TokenManager stores OAuth token pairs encrypted at rest and hands out
// auto-refreshing token sources for sync runs. Refreshed tokens are
// written back so the next run starts from the newest pair.
type TokenManager struct {
	db        *db.DB
	encryptor *crypto.Encryptor
	provider  *GoogleProvider
}

// NewTokenManager creates a token manager.
func NewTokenManager(database *db.DB, encryptor *crypto.Encryptor, provider *GoogleProvider) *TokenManager {
	return &TokenManager{
		db:        database,
		encryptor: encryptor,
		provider:  provider,
	}
}

// Save encrypts and stores a token pair, returning the credential id.
func (tm *TokenManager) Save(token *oauth2.Token) (string, error) {
	encAccess, err := tm.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := tm.encryptor.Encrypt(token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	cred := &db.Credential{
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		cred.TokenExpiry = &expiry
	}

	if err := tm.db.CreateCredential(cred); err != nil {
		return "", err
	}
	return cred.ID, nil
}

// Delete removes a stored credential. Missing ids are ignored so that
// calendar teardown stays idempotent.
func (tm *TokenManager) Delete(credentialID string) error {
	if credentialID == "" {
		return nil
	}
	return tm.db.DeleteCredential(credentialID)
}

// TokenSource returns a token source for a calendar's stored credential.
// The source refreshes expired access tokens through the OAuth provider
// and persists the result.
func (tm *TokenManager) TokenSource(ctx context.Context, cal *db.Calendar) (oauth2.TokenSource, error) {
	if cal.CredentialID == "" {
		return nil, fmt.Errorf("%w: calendar %s", ErrNoCredential, cal.ID)
	}

	cred, err := tm.db.GetCredentialByID(cal.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential %s: %w", cal.CredentialID, err)
	}

	accessToken, err := tm.encryptor.Decrypt(cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refreshToken, err := tm.encryptor.Decrypt(cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}
	if cred.TokenExpiry != nil {
		token.Expiry = *cred.TokenExpiry
	}

	return &persistingTokenSource{
		manager:      tm,
		credentialID: cred.ID,
		last:         token,
		src:          tm.provider.TokenSource(ctx, token),
	}, nil
}

// persistingTokenSource wraps a refreshing source and writes any new
// token pair back to storage.
type persistingTokenSource struct {
	manager      *TokenManager
	credentialID string

	mu   sync.Mutex
	last *oauth2.Token
	src  oauth2.TokenSource
}

func (ts *persistingTokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	token, err := ts.src.Token()
	if err != nil {
		return nil, err
	}

	if token.AccessToken != ts.last.AccessToken {
		if err := ts.persist(token); err != nil {
			// The refreshed token is still usable for this run.
			log.Printf("Failed to persist refreshed token for credential %s: %v", ts.credentialID, err)
		}
		ts.last = token
	}

	return token, nil
}

func (ts *persistingTokenSource) persist(token *oauth2.Token) error {
	encAccess, err := ts.manager.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Google omits the refresh token on refresh responses.
		refreshToken = ts.last.RefreshToken
	}
	encRefresh, err := ts.manager.encryptor.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	cred := &db.Credential{
		ID:           ts.credentialID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC().Truncate(time.Second)
		cred.TokenExpiry = &expiry
	}

	return ts.manager.db.UpdateCredential(cred)
}
