// Package identity answers who the local user is and whether they are
// signed in. Session bootstrap happens elsewhere; this package only reads
// the result.
package identity

import "sync"

// Provider is the identity collaborator.
type Provider interface {
	CurrentUserID() string
	IsAuthenticated() bool
}

// Static is a Provider with a fixed user id. Logout flips it to
// unauthenticated.
//
// Thread-safety: safe for concurrent use.
type Static struct {
	mu            sync.RWMutex
	userID        string
	authenticated bool
}

// NewStatic returns an authenticated provider for userID.
func NewStatic(userID string) *Static {
	return &Static{userID: userID, authenticated: userID != ""}
}

func (s *Static) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Static) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Logout marks the session as ended. The user id is kept so a final
// offline update can still be attributed.
func (s *Static) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
}
