package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pcoutinho/vkd/internal/bus"
	"github.com/pcoutinho/vkd/internal/store"
	"go.uber.org/zap"
)

// Credentials identify the account against the auth endpoint.
type Credentials struct {
	Login    string
	Password string
}

// Session is the authenticated state owned by the Manager.
type Session struct {
	UserID      int64
	AccessToken string
	Scope       string
	ExpiresAt   time.Time // zero when the offline scope was granted
}

// Manager owns credentials, the access token and the reauthentication flow.
// Token state is process-scoped and threaded explicitly into transport calls.
type Manager struct {
	transport    *Transport
	authURL      string
	offlineScope bool
	db           *store.DB
	bus          *bus.Bus
	logger       *zap.Logger

	mu      sync.Mutex
	session *Session
	invalid bool
}

// NewManager creates a session manager. If the store holds a persisted token,
// it is adopted as the current session.
func NewManager(t *Transport, authURL string, offlineScope bool, db *store.DB, b *bus.Bus, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		transport:    t,
		authURL:      authURL,
		offlineScope: offlineScope,
		db:           db,
		bus:          b,
		logger:       logger,
	}
	if db != nil {
		tok, err := db.LoadToken()
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		if tok != nil {
			m.session = &Session{
				UserID:      tok.UserID,
				AccessToken: tok.AccessToken,
				Scope:       tok.Scope,
			}
			if tok.ExpiresAt > 0 {
				m.session.ExpiresAt = time.UnixMilli(tok.ExpiresAt)
			}
			logger.Info("adopted persisted token", zap.Int64("user_id", tok.UserID))
		}
	}
	return m, nil
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	ExpiresIn   int64  `json:"expires_in"` // seconds; 0 with offline scope
	Scope       string `json:"scope"`

	Error            string `json:"error"`
	ErrorCode        int    `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// Authenticate exchanges credentials for a fresh session. The offline scope is
// requested when configured, which spares reauthentication on client IP change.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (Session, error) {
	scope := "friends,messages,docs"
	if m.offlineScope {
		scope += ",offline"
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", creds.Login)
	form.Set("password", creds.Password)
	form.Set("scope", scope)

	body, err := m.transport.PostForm(ctx, m.authURL, form)
	if err != nil {
		return Session{}, err
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Session{}, &MalformedResponseError{Reason: err.Error()}
	}
	if resp.Error != "" {
		return Session{}, &AuthError{Code: resp.ErrorCode, Message: resp.ErrorDescription}
	}
	if resp.AccessToken == "" || resp.UserID == 0 {
		return Session{}, &MalformedResponseError{Reason: "auth response missing token or user id"}
	}

	s := Session{
		UserID:      resp.UserID,
		AccessToken: resp.AccessToken,
		Scope:       resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	m.mu.Lock()
	m.session = &s
	m.invalid = false
	m.mu.Unlock()

	if m.db != nil {
		tok := &store.Token{
			AccessToken: s.AccessToken,
			UserID:      s.UserID,
			Scope:       s.Scope,
			Offline:     m.offlineScope,
		}
		if !s.ExpiresAt.IsZero() {
			tok.ExpiresAt = s.ExpiresAt.UnixMilli()
		}
		if err := m.db.SaveToken(tok); err != nil {
			m.logger.Warn("failed to persist token", zap.Error(err))
		}
	}

	m.logger.Info("authenticated", zap.Int64("user_id", s.UserID), zap.String("scope", s.Scope))
	m.bus.Emit("session.authenticated", s.UserID)
	return s, nil
}

// EnsureValid returns the current session, or an AuthError if the session is
// missing, invalidated or expired. It never retries the failed operation;
// the caller must re-invoke after external reauthentication.
func (m *Manager) EnsureValid() (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.invalid {
		return Session{}, &AuthError{Message: "no valid session, reauthentication required"}
	}
	if !m.session.ExpiresAt.IsZero() && time.Now().After(m.session.ExpiresAt) {
		m.invalid = true
		return Session{}, &AuthError{Message: "access token expired"}
	}
	return *m.session, nil
}

// UserID returns the authenticated user id, or 0 when unauthenticated.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return 0
	}
	return m.session.UserID
}

// Invalidate marks the session invalid, drops the persisted token and
// surfaces a reauth signal.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	already := m.invalid || m.session == nil
	m.invalid = true
	m.mu.Unlock()

	if !already {
		m.logger.Warn("session invalidated, reauthentication required")
		if m.db != nil {
			if err := m.db.ClearToken(); err != nil {
				m.logger.Warn("failed to clear persisted token", zap.Error(err))
			}
		}
		m.bus.Emit("session.reauth_required", nil)
	}
}

// Invoke runs an authenticated API method call. On an authorization failure
// the session is invalidated and the AuthError returned; the operation is
// never silently retried.
func (m *Manager) Invoke(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	s, err := m.EnsureValid()
	if err != nil {
		return nil, err
	}
	raw, err := m.transport.CallMethod(ctx, method, s.AccessToken, params)
	if IsAuth(err) {
		m.Invalidate()
	}
	return raw, err
}
