package session

import "github.com/boxsweep/boxsweep/internal/soap"

// AuthContext carries one authenticated identity for the duration of a
// run. Tokens live only in process memory and are never persisted.
type AuthContext struct {
	AuthToken string
	SessionID string
}

// Header builds the SOAP context block for this identity.
func (a *AuthContext) Header() *soap.Context {
	hdr := &soap.Context{AuthToken: a.AuthToken}
	if a.SessionID != "" {
		hdr.Session = &soap.Session{ID: a.SessionID}
	}
	return hdr
}
