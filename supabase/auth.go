package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

// User is the GoTrue user record.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Session is a GoTrue password session.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// EventType names a session change.
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
)

// Event is delivered to OnAuthStateChange listeners. Session is nil on sign-out.
type Event struct {
	Type    EventType
	Session *Session
}

// Auth is the client bound to one browser's durable storage.
type Auth struct {
	client  *Client
	durable storage.Durable

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(context.Context, Event)
}

// Auth binds the client to durable storage.
func (c *Client) Auth(durable storage.Durable) *Auth {
	return &Auth{
		client:    c,
		durable:   durable,
		listeners: make(map[int]func(context.Context, Event)),
	}
}

// OnAuthStateChange registers fn and returns a function that removes it.
func (a *Auth) OnAuthStateChange(fn func(context.Context, Event)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Auth) emit(ctx context.Context, ev Event) {
	a.mu.Lock()
	fns := make([]func(context.Context, Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, ev)
	}
}

// SignInWithPassword starts a session and persists it.
func (a *Auth) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}
	var session Session
	_, err := a.client.do(ctx, a.client.http, call{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if session.AccessToken == "" {
		return nil, errors.New("sign in: response has no access_token")
	}
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = a.client.now().Unix() + session.ExpiresIn
	}
	if err := a.persist(&session); err != nil {
		return nil, err
	}
	a.client.logger.Info("backend sign in", "user_id", session.User.ID)
	a.emit(ctx, Event{Type: EventSignedIn, Session: &session})
	return &session, nil
}

// GetSession returns the persisted session if it is still accepted, or nil.
func (a *Auth) GetSession(ctx context.Context) (*Session, error) {
	raw, ok := a.durable.Get(storage.KeyBackendSession)
	if !ok || raw == "" {
		return nil, nil
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		a.client.logger.Warn("discard unreadable backend session", "error", err)
		a.discard()
		return nil, nil
	}
	if _, err := ParseAccessToken(session.AccessToken, a.client.jwtSecret, a.client.now()); err != nil {
		a.client.logger.Debug("discard backend session", "reason", err)
		a.discard()
		return nil, nil
	}

	var user User
	_, err := a.client.do(ctx, a.client.http, call{
		method: http.MethodGet,
		path:   "/auth/v1/user",
		bearer: session.AccessToken,
	}, &user)
	if IsUnauthorized(err) {
		a.discard()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm session: %w", err)
	}
	session.User = user
	return &session, nil
}

// SignOut ends the remote session. The local entry is removed regardless.
func (a *Auth) SignOut(ctx context.Context) error {
	var remoteErr error
	if raw, ok := a.durable.Get(storage.KeyBackendSession); ok && raw != "" {
		var session Session
		if json.Unmarshal([]byte(raw), &session) == nil && session.AccessToken != "" {
			_, remoteErr = a.client.do(ctx, a.client.http, call{
				method: http.MethodPost,
				path:   "/auth/v1/logout",
				bearer: session.AccessToken,
			}, nil)
		}
	}
	a.discard()
	a.emit(ctx, Event{Type: EventSignedOut})
	if remoteErr != nil {
		return fmt.Errorf("sign out: %w", remoteErr)
	}
	return nil
}

// IsAdmin looks the session's user up in the roles table.
func (a *Auth) IsAdmin(ctx context.Context, session *Session) (bool, error) {
	if session == nil {
		return false, nil
	}
	role, err := a.client.UserRole(ctx, session.AccessToken, session.User.ID)
	if err != nil {
		return false, err
	}
	return role == AdminRole, nil
}

// persist stores the session without user metadata so it fits in a cookie.
func (a *Auth) persist(session *Session) error {
	stored := *session
	stored.User.AppMetadata = nil
	stored.User.UserMetadata = nil
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := a.durable.Set(storage.KeyBackendSession, string(raw)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (a *Auth) discard() {
	if err := a.durable.Delete(storage.KeyBackendSession); err != nil {
		a.client.logger.Warn("delete backend session", "error", err)
	}
}
