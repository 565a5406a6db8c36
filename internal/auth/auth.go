// Package auth provides the authentication collaborator the cart engine
// consumes: the current bearer credential and a stream of login/logout
// transitions. Token storage and refresh against an identity provider live
// outside this package; Session only holds what the engine needs.
package auth

import (
	"sync"
	"time"
)

// Credential is a bearer token for the remote cart API.
type Credential struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"` // identity key, becomes the cart owner key
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Valid reports whether the credential can be sent at time now.
// A zero ExpiresAt means the token does not expire.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// State is the authentication state seen by the engine.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Transition is one authentication state change.
type Transition struct {
	From    State
	To      State
	Subject string // subject after the transition, empty when anonymous
}

// IsLogin reports an anonymous to authenticated change.
func (t Transition) IsLogin() bool {
	return t.From == StateAnonymous && t.To == StateAuthenticated
}

// IsLogout reports an authenticated to anonymous change.
func (t Transition) IsLogout() bool {
	return t.From == StateAuthenticated && t.To == StateAnonymous
}

// Authenticator is what the engine needs from the authentication layer.
type Authenticator interface {
	IsAuthenticated() bool
	CurrentCredential() *Credential
	// Subscribe returns a channel of transitions and a cancel func.
	Subscribe() (<-chan Transition, func())
}

// transitionBuffer bounds undelivered transitions per subscriber.
const transitionBuffer = 16

// Session is an in-process Authenticator driven by explicit Login/Logout calls.
type Session struct {
	mu     sync.Mutex
	cred   *Credential
	now    func() time.Time
	subs   map[int]chan Transition
	nextID int
}

// NewSession creates an anonymous session.
func NewSession() *Session {
	return &Session{
		now:  time.Now,
		subs: make(map[int]chan Transition),
	}
}

// IsAuthenticated reports whether a valid credential is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Valid(s.now())
}

// CurrentCredential returns a copy of the credential, or nil when absent or expired.
func (s *Session) CurrentCredential() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cred.Valid(s.now()) {
		return nil
	}
	c := *s.cred
	return &c
}

// Login stores cred and emits a transition. Logging in again while
// authenticated emits Authenticated → Authenticated.
func (s *Session) Login(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := StateAnonymous
	if s.cred != nil {
		from = StateAuthenticated
	}
	c := cred
	s.cred = &c
	s.emit(Transition{From: from, To: StateAuthenticated, Subject: cred.Subject})
}

// Refresh swaps the token without emitting a transition.
// Used when the identity layer rotates an access token for the same subject.
func (s *Session) Refresh(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return
	}
	c := cred
	s.cred = &c
}

// Logout drops the credential. Logging out while anonymous is a no-op.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return
	}
	s.cred = nil
	s.emit(Transition{From: StateAuthenticated, To: StateAnonymous})
}

// Subscribe registers a transition listener.
func (s *Session) Subscribe() (<-chan Transition, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Transition, transitionBuffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// emit delivers t to all subscribers. Caller holds s.mu.
// A subscriber whose buffer is full misses the transition; the engine
// re-reads IsAuthenticated on every operation so a missed event cannot
// leave it writing to the wrong store.
func (s *Session) emit(t Transition) {
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

var _ Authenticator = (*Session)(nil)
