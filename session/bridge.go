package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/oauth2"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/supabase"
)

// Store is the unified session surface used by handlers and the CLI.
type Store interface {
	Current() Session
	SetProvider(ctx context.Context, identity oauth.UserIdentity, isAdmin bool, token *oauth2.Token) error
	SignOut(ctx context.Context) (Notice, error)
}

// BackendAuth is the Supabase side of the bridge.
type BackendAuth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error)
	GetSession(ctx context.Context) (*supabase.Session, error)
	OnAuthStateChange(fn func(context.Context, supabase.Event)) func()
	SignOut(ctx context.Context) error
	IsAdmin(ctx context.Context, s *supabase.Session) (bool, error)
}

// Revoker invalidates a provider access token.
type Revoker interface {
	Revoke(ctx context.Context, accessToken string) (bool, error)
}

// Bridge owns the current Session for one browser.
type Bridge struct {
	durable storage.Durable
	backend BackendAuth
	revoker Revoker
	logger  *slog.Logger

	mu          sync.RWMutex
	current     Session
	loading     bool
	unsubscribe func()
}

// ErrNoBackend is returned by SignInBackend when no backend is configured.
var ErrNoBackend = errors.New("backend sign-in is not configured")

var _ Store = (*Bridge)(nil)
var _ oauth.SessionSink = (*Bridge)(nil)

// NewBridge returns a bridge that reports Loading until Start returns.
// backend and revoker may be nil when that source is not configured.
func NewBridge(durable storage.Durable, backend BackendAuth, revoker Revoker, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		durable: durable,
		backend: backend,
		revoker: revoker,
		logger:  logger,
		loading: true,
	}
}

// Start resolves the session at page load. A persisted provider session
// wins and the backend is not consulted.
func (b *Bridge) Start(ctx context.Context) error {
	defer b.setLoading(false)

	if restored, ok := b.restoreProvider(); ok {
		if _, stray := b.durable.Get(storage.KeyBackendSession); stray {
			if err := b.durable.Delete(storage.KeyBackendSession); err != nil {
				b.logger.Warn("drop backend session", "error", err)
			}
		}
		b.set(restored)
		return nil
	}
	if b.backend == nil {
		return nil
	}

	unsubscribe := b.backend.OnAuthStateChange(b.onBackendEvent)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	s, err := b.backend.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("load backend session: %w", err)
	}
	if s != nil {
		b.adoptBackend(ctx, s)
	}
	return nil
}

// Close drops the backend subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Current returns the active session or nil.
func (b *Bridge) Current() Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Loading reports whether Start has not yet resolved.
func (b *Bridge) Loading() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loading
}

// Source returns the active source tag.
func (b *Bridge) Source() Source {
	if s := b.Current(); s != nil {
		return s.Source()
	}
	return SourceNone
}

// IsAdmin reports the admin flag of the active session.
func (b *Bridge) IsAdmin() bool {
	if s := b.Current(); s != nil {
		return s.Admin()
	}
	return false
}

// View describes the current state.
func (b *Bridge) View() View {
	v := Describe(b.Current())
	v.Loading = b.Loading()
	return v
}

// SetProvider makes the WordPress identity current and persists it so it
// survives reloads. Any backend session is dropped.
func (b *Bridge) SetProvider(_ context.Context, identity oauth.UserIdentity, isAdmin bool, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("provider session requires an access token")
	}
	stored, err := b.persistIdentity(identity)
	if err != nil {
		return err
	}
	if err := b.durable.Set(storage.KeyProviderToken, token.AccessToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := b.durable.Set(storage.KeyProviderAdmin, strconv.FormatBool(isAdmin)); err != nil {
		return fmt.Errorf("persist admin flag: %w", err)
	}
	if err := b.durable.Delete(storage.KeyBackendSession); err != nil {
		b.logger.Warn("drop backend session", "error", err)
	}
	b.set(&ProviderSession{Identity: stored, Token: token, IsAdmin: isAdmin})
	return nil
}

// persistIdentity writes identity and returns what was stored. When the
// provider's extra fields do not fit, only id, email, name and roles are kept.
func (b *Bridge) persistIdentity(identity oauth.UserIdentity) (oauth.UserIdentity, error) {
	raw, err := json.Marshal(identity)
	if err != nil {
		return identity, fmt.Errorf("encode identity: %w", err)
	}
	err = b.durable.Set(storage.KeyProviderUser, string(raw))
	if errors.Is(err, storage.ErrValueTooLarge) && len(identity.Extra) > 0 {
		b.logger.Warn("identity too large to persist, dropping extra fields",
			"user_id", identity.ID, "bytes", len(raw), "extra_fields", len(identity.Extra))
		identity.Extra = nil
		if raw, err = json.Marshal(identity); err != nil {
			return identity, fmt.Errorf("encode identity: %w", err)
		}
		err = b.durable.Set(storage.KeyProviderUser, string(raw))
	}
	if err != nil {
		return identity, fmt.Errorf("persist identity: %w", err)
	}
	return identity, nil
}

// SignInBackend signs in through the backend's password flow and makes that
// session current. A persisted provider session is dropped.
func (b *Bridge) SignInBackend(ctx context.Context, email, password string) error {
	if b.backend == nil {
		return ErrNoBackend
	}
	s, err := b.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return fmt.Errorf("backend sign in: %w", err)
	}
	// A subscribed bridge has already adopted s through the SIGNED_IN event.
	if cur, ok := b.Current().(*BackendSession); ok && cur.Session != nil && cur.Session.AccessToken == s.AccessToken {
		return nil
	}
	b.adoptBackend(ctx, s)
	return nil
}

// SignOut ends whichever session is active. Local state is always cleared;
// a failed remote call is reported through the notice and the error.
func (b *Bridge) SignOut(ctx context.Context) (Notice, error) {
	switch s := b.Current().(type) {
	case *ProviderSession:
		var revokeErr error
		if b.revoker != nil {
			ok, err := b.revoker.Revoke(ctx, s.Token.AccessToken)
			switch {
			case err != nil:
				revokeErr = err
			case !ok:
				revokeErr = errors.New("provider did not accept the revocation")
			}
		}
		if err := storage.DeleteAll(b.durable, storage.ProviderKeys...); err != nil {
			b.logger.Warn("clear provider session", "error", err)
		}
		b.set(nil)
		if revokeErr != nil {
			b.logger.Warn("revoke provider token", "error", revokeErr)
			return Notice{Level: LevelWarning, Message: "Signed out. WordPress could not confirm the token was revoked."},
				fmt.Errorf("revoke token: %w", revokeErr)
		}
		b.logger.Info("provider sign out", "user_id", s.Identity.ID)
		return Notice{Level: LevelSuccess, Message: "Signed out of WordPress."}, nil

	case *BackendSession:
		var err error
		if b.backend != nil {
			err = b.backend.SignOut(ctx)
		}
		b.set(nil)
		if err != nil {
			b.logger.Warn("backend sign out", "error", err)
			return Notice{Level: LevelError, Message: "Sign out failed on the server. Your local session was cleared."},
				fmt.Errorf("backend sign out: %w", err)
		}
		return Notice{Level: LevelSuccess, Message: "Signed out."}, nil

	default:
		return Notice{Level: LevelInfo, Message: "You were not signed in."}, nil
	}
}

func (b *Bridge) onBackendEvent(ctx context.Context, ev supabase.Event) {
	switch ev.Type {
	case supabase.EventSignedIn, supabase.EventInitialSession:
		if ev.Session != nil {
			b.adoptBackend(ctx, ev.Session)
		}
	case supabase.EventSignedOut:
		if _, ok := b.Current().(*BackendSession); ok {
			b.set(nil)
		}
	}
}

func (b *Bridge) adoptBackend(ctx context.Context, s *supabase.Session) {
	admin, err := b.backend.IsAdmin(ctx, s)
	if err != nil {
		b.logger.Warn("lookup backend role", "user_id", s.User.ID, "error", err)
		admin = false
	}
	if err := storage.DeleteAll(b.durable, storage.ProviderKeys...); err != nil {
		b.logger.Warn("drop provider session", "error", err)
	}
	b.set(&BackendSession{Session: s, IsAdmin: admin})
}

// restoreProvider reads the persisted WordPress session. Corrupt entries
// are deleted.
func (b *Bridge) restoreProvider() (*ProviderSession, bool) {
	rawUser, ok := b.durable.Get(storage.KeyProviderUser)
	if !ok || rawUser == "" {
		return nil, false
	}
	restored, err := decodeProvider(rawUser, b.durable)
	if err != nil {
		b.logger.Warn("discard corrupt provider session", "error", err)
		if derr := storage.DeleteAll(b.durable, storage.ProviderKeys...); derr != nil {
			b.logger.Warn("clear provider session", "error", derr)
		}
		return nil, false
	}
	return restored, true
}

func decodeProvider(rawUser string, durable storage.Durable) (*ProviderSession, error) {
	var identity oauth.UserIdentity
	if err := json.Unmarshal([]byte(rawUser), &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	token, ok := durable.Get(storage.KeyProviderToken)
	if !ok || token == "" {
		return nil, errors.New("access token missing")
	}
	rawAdmin, _ := durable.Get(storage.KeyProviderAdmin)
	isAdmin := false
	if rawAdmin != "" {
		v, err := strconv.ParseBool(rawAdmin)
		if err != nil {
			return nil, fmt.Errorf("decode admin flag: %w", err)
		}
		isAdmin = v
	}
	return &ProviderSession{
		Identity: identity,
		Token:    &oauth2.Token{AccessToken: token, TokenType: "Bearer"},
		IsAdmin:  isAdmin,
	}, nil
}

func (b *Bridge) set(s Session) {
	b.mu.Lock()
	b.current = s
	b.mu.Unlock()
}

func (b *Bridge) setLoading(v bool) {
	b.mu.Lock()
	b.loading = v
	b.mu.Unlock()
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
