package messaging

import (
	"context"
	"sync"

	"github.com/chirino/messaging-service/internal/realtime"
	"github.com/chirino/messaging-service/internal/security"
)

// Session is one client's view of the service: it resolves the caller on
// every operation and owns that client's live subscriptions.
type Session struct {
	svc  *Service
	subs *realtime.Manager

	mu       sync.RWMutex
	identity security.IdentitySource

	// owner is set for sessions handed out by a Sessions registry; key and
	// pending are guarded by owner.mu.
	owner   *Sessions
	key     sessionKey
	pending int
}

// NewSession binds a client's identity source to the service.
func (s *Service) NewSession(identity security.IdentitySource) *Session {
	return &Session{svc: s, identity: identity, subs: realtime.NewManager()}
}

// Subscriptions returns the session's live subscription manager.
func (s *Session) Subscriptions() *realtime.Manager { return s.host().subs }

// Close cancels every live subscription. The session stays usable.
func (s *Session) Close() {
	s.host().subs.CancelAll()
}

func (s *Session) setIdentity(src security.IdentitySource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = src
}

func (s *Session) caller(ctx context.Context) (caller, error) {
	s.mu.RLock()
	src := s.identity
	s.mu.RUnlock()
	id, err := security.AwaitIdentity(ctx, src, s.svc.opts.ReadyTimeout)
	if err != nil {
		return caller{}, err
	}
	return caller{id: id.UserID, admin: id.IsAdmin || s.svc.admins.IsAdmin(id.UserID)}, nil
}

// host is the session that holds this client's subscriptions: the
// registered one when a registry tracks the client, otherwise s itself.
func (s *Session) host() *Session {
	if s.owner == nil {
		return s
	}
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if h := s.owner.sessions[s.key]; h != nil {
		return h
	}
	return s
}

// listen starts a subscription under key. A registry-issued session is
// registered for as long as it holds at least one live subscription.
func (s *Session) listen(key string, start func() (*realtime.Subscription, error)) (*realtime.Subscription, error) {
	if s.owner == nil {
		return s.subs.Listen(key, start)
	}
	h := s.owner.retain(s)
	defer s.owner.release(h)
	return h.subs.Listen(key, start)
}

// Sessions tracks the sessions of clients that hold live subscriptions so
// repeated requests from a client share them. Plain requests get a session
// that is never registered.
type Sessions struct {
	svc *Service

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	userID   string
	clientID string
}

func NewSessions(svc *Service) *Sessions {
	return &Sessions{svc: svc, sessions: map[sessionKey]*Session{}}
}

// Get returns the session for id. A client with live subscriptions gets its
// registered session, which from then on reports id; any other client gets
// a fresh session that is registered only once it starts listening.
func (r *Sessions) Get(id security.Identity) *Session {
	key := sessionKey{userID: id.UserID, clientID: id.ClientID}
	current := id
	src := security.StaticIdentity(&current)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		sess.setIdentity(src)
		return sess
	}
	return &Session{svc: r.svc, identity: src, subs: realtime.NewManager(), owner: r, key: key}
}

// retain registers sess, or adopts its identity into the session already
// registered for the same client, and pins the result while a listen is in
// flight.
func (r *Sessions) retain(sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sess.key]
	if !ok {
		h = sess
		r.sessions[sess.key] = h
		h.subs.OnIdle(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.evictLocked(h)
		})
	} else if h != sess {
		sess.mu.RLock()
		src := sess.identity
		sess.mu.RUnlock()
		h.setIdentity(src)
	}
	h.pending++
	return h
}

func (r *Sessions) release(h *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.pending--
	r.evictLocked(h)
}

func (r *Sessions) evictLocked(h *Session) {
	if h.pending == 0 && h.subs.Len() == 0 && r.sessions[h.key] == h {
		delete(r.sessions, h.key)
	}
}

// Close tears down the session of one client, reporting whether it had live
// subscriptions.
func (r *Sessions) Close(userID, clientID string) bool {
	key := sessionKey{userID: userID, clientID: clientID}
	r.mu.Lock()
	sess, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok {
		sess.subs.CancelAll()
	}
	return ok
}

// CloseAll tears down every session.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = map[sessionKey]*Session{}
	r.mu.Unlock()
	for _, sess := range all {
		sess.subs.CancelAll()
	}
}

// Len returns the number of sessions holding live subscriptions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
