package session

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"

	"github.com/boxsweep/boxsweep/internal/soap"
	"github.com/pkg/errors"
)

// AuthError reports a failed authentication or delegation.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Manager owns the run's auth state: the operator's own context plus
// delegated contexts derived per target account. Delegated contexts are
// never cached; every request for one performs a fresh delegation.
type Manager struct {
	rpc    soap.Doer
	logger *slog.Logger

	direct   *AuthContext
	delegate bool
}

type Option func(*Manager)

func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	if m.rpc == nil {
		return nil, errors.New("requires rpc")
	}
	if m.logger == nil {
		return nil, errors.New("requires logger")
	}
	return m, nil
}

func WithRPC(rpc soap.Doer) Option {
	return func(m *Manager) {
		m.rpc = rpc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// AuthenticateDirect signs the operator in and pins the run mode. An
// admin operator lands on the admin namespace; with asAdmin false the
// account namespace is used so a plain user can sweep their own
// mailbox.
func (m *Manager) AuthenticateDirect(ctx context.Context, user, password string, asAdmin bool) (*AuthContext, error) {
	var payload any
	if asAdmin {
		payload = &adminAuthRequest{Name: user, Password: password}
	} else {
		payload = &accountAuthRequest{Account: accountBy{By: "name", Name: user}, Password: password}
	}

	var resp authResponse
	ok, err := m.rpc.Do(ctx, nil, payload, &resp)
	if err != nil {
		return nil, &AuthError{Account: user, Err: err}
	}
	if !ok {
		return nil, &AuthError{Account: user, Err: errors.New("authentication attempts exhausted")}
	}
	if resp.AuthToken == "" {
		return nil, &AuthError{Account: user, Err: errors.New("no auth token in response")}
	}

	m.direct = &AuthContext{AuthToken: resp.AuthToken, SessionID: resp.Session.ID}
	m.delegate = asAdmin
	m.logger.InfoContext(ctx, "authenticated",
		slog.String("user", user),
		slog.Bool("admin", asAdmin),
		slog.Bool("session", resp.Session.ID != ""))
	return m.direct, nil
}

// AuthenticateDelegated derives an impersonation context for account
// under the admin context, then probes the mailbox with it so a broken
// or suspended account fails here rather than midway through a sweep.
// A nil, nil return means the channel degraded in Report mode and the
// caller should treat the account as unavailable.
func (m *Manager) AuthenticateDelegated(ctx context.Context, admin *AuthContext, account string) (*AuthContext, error) {
	var dresp delegateAuthResponse
	ok, err := m.rpc.Do(ctx, admin.Header(), &delegateAuthRequest{Account: accountBy{By: "name", Name: account}}, &dresp)
	if err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	if !ok {
		return nil, nil
	}
	if dresp.AuthToken == "" {
		return nil, &AuthError{Account: account, Err: errors.New("no auth token in response")}
	}

	delegated := &AuthContext{AuthToken: dresp.AuthToken}

	var info getInfoResponse
	ok, err = m.rpc.Do(ctx, delegated.Header(), &getInfoRequest{Sections: "mbox"}, &info)
	if err != nil {
		return nil, &AuthError{Account: account, Err: err}
	}
	if !ok {
		return nil, nil
	}

	m.logger.DebugContext(ctx, "delegated", slog.String("account", account))
	return delegated, nil
}

// HeaderForAccount returns the context to act as account. Single-user
// runs reuse the operator's own context; admin runs perform a fresh
// delegation on every call.
func (m *Manager) HeaderForAccount(ctx context.Context, account string) (*AuthContext, error) {
	if m.direct == nil {
		return nil, &AuthError{Account: account, Err: errors.New("not authenticated")}
	}
	if !m.delegate {
		return m.direct, nil
	}
	return m.AuthenticateDelegated(ctx, m.direct, account)
}

// Admin returns the operator's own context for admin-namespace calls.
func (m *Manager) Admin() *AuthContext {
	return m.direct
}

type accountBy struct {
	By   string `xml:"by,attr"`
	Name string `xml:",chardata"`
}

type adminAuthRequest struct {
	XMLName  xml.Name `xml:"urn:zimbraAdmin AuthRequest"`
	Name     string   `xml:"name"`
	Password string   `xml:"password"`
}

type accountAuthRequest struct {
	XMLName  xml.Name  `xml:"urn:zimbraAccount AuthRequest"`
	Account  accountBy `xml:"account"`
	Password string    `xml:"password"`
}

type authResponse struct {
	XMLName   xml.Name `xml:"AuthResponse"`
	AuthToken string   `xml:"authToken"`
	Session   struct {
		ID string `xml:"id,attr"`
	} `xml:"session"`
}

type delegateAuthRequest struct {
	XMLName xml.Name  `xml:"urn:zimbraAdmin DelegateAuthRequest"`
	Account accountBy `xml:"account"`
}

type delegateAuthResponse struct {
	XMLName   xml.Name `xml:"DelegateAuthResponse"`
	AuthToken string   `xml:"authToken"`
}

type getInfoRequest struct {
	XMLName  xml.Name `xml:"urn:zimbraAccount GetInfoRequest"`
	Sections string   `xml:"sections,attr"`
}

type getInfoResponse struct {
	XMLName xml.Name `xml:"GetInfoResponse"`
	Name    string   `xml:"name"`
}
