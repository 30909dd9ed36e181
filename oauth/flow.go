package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"golang.org/x/oauth2"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

// State is a step of the authorization-code flow.
type State int

const (
	StateIdle State = iota
	StateAuthorizeRedirected
	StateCallbackReceived
	StateExchanging
	StateFetchingUserInfo
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizeRedirected:
		return "authorize_redirected"
	case StateCallbackReceived:
		return "callback_received"
	case StateExchanging:
		return "exchanging"
	case StateFetchingUserInfo:
		return "fetching_user_info"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionSink receives the identity of a completed flow.
type SessionSink interface {
	SetProvider(ctx context.Context, identity UserIdentity, isAdmin bool, token *oauth2.Token) error
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackParamsFromQuery extracts callback parameters from a redirect query.
func CallbackParamsFromQuery(q url.Values) CallbackParams {
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Completion is the result of a successful flow.
type Completion struct {
	Identity UserIdentity
	IsAdmin  bool
	Token    *oauth2.Token
}

// Flow drives one browser's authorization-code grant. Initiate and
// HandleCallback run on different requests and share nothing but durable
// storage.
type Flow struct {
	client  *Client
	states  *StateStore
	durable storage.Durable
	sink    SessionSink
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	err          error
	onTransition func(from, to State)
}

// NewFlow binds a flow to a browser's durable storage and session sink.
func NewFlow(client *Client, durable storage.Durable, sink SessionSink) *Flow {
	return &Flow{
		client:  client,
		states:  NewStateStore(durable),
		durable: durable,
		sink:    sink,
		logger:  client.logger,
	}
}

// OnTransition registers fn to observe state changes.
func (f *Flow) OnTransition(fn func(from, to State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTransition = fn
}

// State returns the current step.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure that moved the flow to StateFailed.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// States exposes the CSRF nonce store.
func (f *Flow) States() *StateStore {
	return f.states
}

// HasPendingRetry reports whether a failed exchange may be retried by hand.
func (f *Flow) HasPendingRetry() bool {
	code, ok := f.durable.Get(storage.KeyOAuthRetry)
	return ok && code != ""
}

func (f *Flow) transition(to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	hook := f.onTransition
	f.mu.Unlock()

	f.logger.Debug("oauth flow transition", "from", from.String(), "to", to.String())
	if hook != nil {
		hook(from, to)
	}
}

func (f *Flow) fail(err error) error {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.transition(StateFailed)
	return err
}

// Initiate stores a fresh nonce, overwriting any flow in flight, and returns
// the authorize URL the browser must be sent to.
func (f *Flow) Initiate() (string, error) {
	state, err := f.states.Generate()
	if err != nil {
		return "", f.fail(&Error{Kind: KindState, Op: "initiate", Err: err})
	}
	// A new attempt supersedes any parked retry.
	if err := f.durable.Delete(storage.KeyOAuthRetry); err != nil {
		f.logger.Warn("clear pending retry", "error", err)
	}
	authURL := f.client.AuthorizeURL(state)
	f.transition(StateAuthorizeRedirected)
	return authURL, nil
}

// HandleCallback completes the flow from the provider redirect. The stored
// nonce is cleared whatever the outcome.
func (f *Flow) HandleCallback(ctx context.Context, params CallbackParams) (*Completion, error) {
	f.transition(StateCallbackReceived)
	defer func() {
		if err := f.states.Clear(); err != nil {
			f.logger.Warn("clear oauth state", "error", err)
		}
	}()

	if params.Error != "" {
		return nil, f.fail(&Error{
			Kind:        KindProvider,
			Op:          "handle callback",
			Code:        params.Error,
			Description: params.ErrorDescription,
		})
	}
	if params.Code == "" {
		return nil, f.fail(&Error{Kind: KindCallback, Op: "handle callback", Err: ErrMissingCode})
	}
	if params.State == "" || !f.states.Verify(params.State) {
		return nil, f.fail(&Error{Kind: KindState, Op: "handle callback", Err: ErrInvalidState})
	}

	completion, err := f.exchange(ctx, params.Code)
	if err != nil {
		if KindOf(err).Retryable() {
			if perr := f.durable.Set(storage.KeyOAuthRetry, params.Code); perr != nil {
				f.logger.Warn("park code for retry", "error", perr)
			}
		}
		return nil, f.fail(err)
	}
	return completion, nil
}

// RetryExchange re-attempts the exchange with the code parked by the last
// failed callback. The parked code is consumed before the attempt.
func (f *Flow) RetryExchange(ctx context.Context) (*Completion, error) {
	code, ok := f.durable.Get(storage.KeyOAuthRetry)
	if !ok || code == "" {
		return nil, f.fail(&Error{Kind: KindCallback, Op: "retry exchange", Err: ErrNoPendingRetry})
	}
	if err := f.durable.Delete(storage.KeyOAuthRetry); err != nil {
		return nil, f.fail(&Error{Kind: KindCallback, Op: "retry exchange", Err: fmt.Errorf("consume pending retry: %w", err)})
	}
	completion, err := f.exchange(ctx, code)
	if err != nil {
		return nil, f.fail(err)
	}
	return completion, nil
}

func (f *Flow) exchange(ctx context.Context, code string) (*Completion, error) {
	f.transition(StateExchanging)
	token, err := f.client.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	f.transition(StateFetchingUserInfo)
	identity, err := f.client.UserInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	isAdmin := identity.IsAdmin()

	if err := f.states.Clear(); err != nil {
		f.logger.Warn("clear oauth state", "error", err)
	}
	if f.sink != nil {
		if err := f.sink.SetProvider(ctx, identity, isAdmin, token); err != nil {
			return nil, fmt.Errorf("store provider session: %w", err)
		}
	}
	f.transition(StateCompleted)
	f.logger.Info("oauth login completed", "user_id", identity.ID, "admin", isAdmin)
	return &Completion{Identity: identity, IsAdmin: isAdmin, Token: token}, nil
}

// IsStateError reports whether err is a CSRF failure.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
