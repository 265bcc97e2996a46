package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aetherlink/aetherlink/pkg/session"
)

// DefaultMaxSessions bounds the number of concurrent sessions a single
// registry will hold; 0 passed to New disables the limit.
const DefaultMaxSessions = 0

// Registry is the sole owner of every session.Session. Other components
// hold only a session id and resolve it back through Get on each event
// they need to act on, instead of keeping their own pointer — this keeps
// dial attempts, handshake rounds, and keepalive timers from needing a
// back-reference into the session that outlives them.
type Registry struct {
	maxSessions int

	mu         sync.RWMutex
	byID       map[uuid.UUID]*session.Session
	byPeer     map[string]uuid.UUID
	listeners  map[int64]Listener
	nextSubID  int64
}

// New creates an empty Registry. maxSessions <= 0 means unlimited.
func New(maxSessions int) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		byID:        make(map[uuid.UUID]*session.Session),
		byPeer:      make(map[string]uuid.UUID),
		listeners:   make(map[int64]Listener),
	}
}

// Create instantiates a new session for peerCode and adds it to the
// registry, returning its local session id.
func (r *Registry) Create(role session.Role, peerCode string, cfg session.Config) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.byID) >= r.maxSessions {
		return uuid.Nil, ErrRegistryFull
	}
	if _, exists := r.byPeer[peerCode]; exists {
		return uuid.Nil, ErrDuplicatePeer
	}

	s := session.New(role, peerCode, cfg)
	r.byID[s.ID()] = s
	r.byPeer[peerCode] = s.ID()
	return s.ID(), nil
}

// Get resolves a session id to its Session handle.
func (r *Registry) Get(id uuid.UUID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetByPeer resolves a peer device code to its Session handle.
func (r *Registry) GetByPeer(peerCode string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[peerCode]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return r.byID[id], nil
}

// Drop removes a session from the registry. No error if it never existed.
func (r *Registry) Drop(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byPeer, s.PeerDeviceCode())
}

// Count returns the number of sessions currently held.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ForEach calls fn for every session in the registry. fn should not
// mutate the registry; it may drive the session's own methods.
func (r *Registry) ForEach(fn func(*session.Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byID {
		fn(s)
	}
}

// Subscription identifies a listener registered via AddListener, for use
// with RemoveListener. Listener values (including ListenerFunc closures)
// are not themselves comparable, so removal goes through this handle
// rather than the listener value.
type Subscription int64

// AddListener registers a listener for published events and returns a
// handle that RemoveListener can use to unregister it later.
func (r *Registry) AddListener(l Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	sub := r.nextSubID
	r.listeners[sub] = l
	return Subscription(sub)
}

// RemoveListener unregisters a previously added listener.
func (r *Registry) RemoveListener(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, int64(sub))
}

// Emit publishes an event to every registered listener. Listeners are
// copied out from under the lock first so a listener calling back into
// the registry (e.g. Drop on Closed) cannot deadlock.
func (r *Registry) Emit(e Event) {
	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		l.OnRegistryEvent(e)
	}
}
