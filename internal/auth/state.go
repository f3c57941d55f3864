package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	oauthStateName   = "calhub_oauth_state"
	oauthStateMaxAge = 600 // 10 minutes
)

var ErrInvalidState = errors.New("invalid or missing OAuth state")

// StateManager stores the OAuth state parameter in a short-lived cookie
// for CSRF protection across the consent redirect.
type StateManager struct {
	store *sessions.CookieStore
}

// NewStateManager creates a state manager keyed by the session secret.
func NewStateManager(secret string, secure bool) *StateManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &StateManager{store: store}
}

// Set stores the OAuth state.
func (sm *StateManager) Set(w http.ResponseWriter, r *http.Request, state string) error {
	session, err := sm.store.Get(r, oauthStateName)
	if err != nil {
		session, err = sm.store.New(r, oauthStateName)
		if err != nil {
			return err
		}
	}

	session.Values["state"] = state
	return session.Save(r, w)
}

// Consume retrieves and clears the OAuth state. One state validates at
// most one callback.
func (sm *StateManager) Consume(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := sm.store.Get(r, oauthStateName)
	if err != nil {
		return "", ErrInvalidState
	}

	state, ok := session.Values["state"].(string)
	if !ok || state == "" {
		return "", ErrInvalidState
	}

	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return "", err
	}

	return state, nil
}

// GenerateState generates a random state string for OAuth.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
