// Package session merges the two independent sign-in sources, WordPress
// OAuth and the Supabase password session, into one current user.
package session

import (
	"strings"

	"golang.org/x/oauth2"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/supabase"
)

// Source tags which sign-in produced the current session.
type Source string

const (
	SourceNone     Source = ""
	SourceBackend  Source = "supabase"
	SourceProvider Source = "wordpress"
)

// Session is either *BackendSession or *ProviderSession. A nil Session
// means nobody is signed in.
type Session interface {
	Source() Source
	Admin() bool
	sealed()
}

// BackendSession is a Supabase password session.
type BackendSession struct {
	Session *supabase.Session
	IsAdmin bool
}

func (*BackendSession) Source() Source { return SourceBackend }
func (s *BackendSession) Admin() bool { return s.IsAdmin }
func (*BackendSession) sealed() {}

// ProviderSession is a WordPress OAuth session. Token may carry a refresh
// token in memory; it is never used for renewal.
type ProviderSession struct {
	Identity oauth.UserIdentity
	Token    *oauth2.Token
	IsAdmin  bool
}

func (*ProviderSession) Source() Source { return SourceProvider }
func (s *ProviderSession) Admin() bool { return s.IsAdmin }
func (*ProviderSession) sealed() {}

// View is the read-only shape handed to templates and JSON clients.
type View struct {
	SignedIn bool   `json:"signed_in"`
	Loading  bool   `json:"loading"`
	Source   Source `json:"auth_source"`
	IsAdmin  bool   `json:"is_admin"`
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Describe flattens s into a View.
func Describe(s Session) View {
	switch t := s.(type) {
	case *BackendSession:
		v := View{SignedIn: true, Source: SourceBackend, IsAdmin: t.IsAdmin}
		if t.Session != nil {
			v.UserID = t.Session.User.ID
			v.Email = t.Session.User.Email
			if name, ok := t.Session.User.UserMetadata["full_name"].(string); ok {
				v.Name = name
			}
		}
		return v
	case *ProviderSession:
		return View{
			SignedIn: true,
			Source:   SourceProvider,
			IsAdmin:  t.IsAdmin,
			UserID:   formatID(t.Identity.ID),
			Email:    t.Identity.Email,
			Name:     t.Identity.Name,
		}
	default:
		return View{}
	}
}

// Notice is a transient message for the visitor.
type Notice struct {
	Level   string
	Message string
}

const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// String encodes the notice for flash storage.
func (n Notice) String() string {
	return n.Level + "|" + n.Message
}

// ParseNotice decodes a flash value written by Notice.String.
func ParseNotice(v string) (Notice, bool) {
	level, msg, ok := strings.Cut(v, "|")
	if !ok || msg == "" {
		return Notice{}, false
	}
	switch level {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError:
		return Notice{Level: level, Message: msg}, true
	}
	return Notice{}, false
}
