// Package presence tracks which users hold live connections.
//
// The Registry is the single writer of presence state. A user goes online
// with their first connection and goes offline only after the last one has
// been gone for the whole grace period, so a tab refresh does not flap.
// State changes are queued and handed to subscribers in order by Run.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"crmchat/internal/domain"
)

type Kind int

const (
	// Online is emitted when a user's first connection registers.
	Online Kind = iota + 1
	// Offline is emitted once the grace period after the last disconnect lapses.
	Offline
	// Connections is emitted when the connection count changes without a flip.
	Connections
)

func (k Kind) String() string {
	switch k {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Connections:
		return "connections"
	default:
		return "unknown"
	}
}

// Event is one presence change for a single user.
type Event struct {
	Kind              Kind
	UserID            string
	ActiveConnections int
	At                time.Time
}

type userState struct {
	conns    map[string]struct{}
	online   bool
	lastSeen time.Time
	gen      uint64
	timer    *time.Timer
}

type Registry struct {
	grace time.Duration
	log   *zap.Logger
	now   func() time.Time

	mu    sync.Mutex
	users map[string]*userState
	conns map[string]string

	qmu   sync.Mutex
	queue []Event
	wake  chan struct{}
	subs  []func(Event)
}

func NewRegistry(grace time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		grace: grace,
		log:   log.Named("presence"),
		now:   func() time.Time { return time.Now().UTC() },
		users: make(map[string]*userState),
		conns: make(map[string]string),
		wake:  make(chan struct{}, 1),
	}
}

// Subscribe adds a handler for presence events. Handlers run on the Run
// goroutine, one event at a time, in the order changes happened. Subscribe
// before calling Run.
func (r *Registry) Subscribe(fn func(Event)) {
	r.qmu.Lock()
	r.subs = append(r.subs, fn)
	r.qmu.Unlock()
}

// Register associates connID with userID. Registering a connection that is
// already bound to the same user is a no-op; binding it to another user
// fails with domain.ErrForbidden.
func (r *Registry) Register(userID, connID string) error {
	if userID == "" || connID == "" {
		return domain.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.conns[connID]; ok {
		if owner == userID {
			return nil
		}
		return domain.ErrForbidden
	}

	st := r.users[userID]
	if st == nil {
		st = &userState{conns: make(map[string]struct{})}
		r.users[userID] = st
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	// any grace timer that already fired but has not taken the lock yet
	// sees a newer generation and gives up
	st.gen++

	r.conns[connID] = userID
	st.conns[connID] = struct{}{}

	kind := Connections
	if !st.online {
		st.online = true
		kind = Online
	}
	r.enqueue(Event{Kind: kind, UserID: userID, ActiveConnections: len(st.conns), At: r.now()})
	return nil
}

// Identify binds a freshly opened connection to the user it speaks for.
func (r *Registry) Identify(connID, userID string) error {
	return r.Register(userID, connID)
}

// Unregister drops connID. When it was the user's last connection the
// offline flip is scheduled after the grace period. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	st := r.users[userID]
	delete(st.conns, connID)
	remaining := len(st.conns)
	if remaining > 0 {
		r.enqueue(Event{Kind: Connections, UserID: userID, ActiveConnections: remaining, At: r.now()})
		return
	}

	st.gen++
	if r.grace <= 0 {
		r.goOffline(userID, st)
		return
	}
	r.enqueue(Event{Kind: Connections, UserID: userID, ActiveConnections: 0, At: r.now()})
	gen := st.gen
	st.timer = time.AfterFunc(r.grace, func() { r.expire(userID, gen) })
}

func (r *Registry) expire(userID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.users[userID]
	if st == nil || st.gen != gen || len(st.conns) > 0 {
		return
	}
	st.timer = nil
	r.goOffline(userID, st)
}

// goOffline must be called with r.mu held.
func (r *Registry) goOffline(userID string, st *userState) {
	if !st.online {
		return
	}
	st.online = false
	st.lastSeen = r.now()
	r.log.Debug("user offline", zap.String("user_id", userID))
	r.enqueue(Event{Kind: Offline, UserID: userID, At: st.lastSeen})
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.users[userID]
	return st != nil && st.online
}

// LiveConnections returns the ids of userID's open connections, sorted.
func (r *Registry) LiveConnections(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.users[userID]
	if st == nil {
		return nil
	}
	ids := make([]string, 0, len(st.conns))
	for id := range st.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owner returns the user a connection has been identified as.
func (r *Registry) Owner(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.conns[connID]
	return userID, ok
}

// OnlineUsers lists users currently considered online, sorted. A user
// inside the grace window is still listed.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.users))
	for id, st := range r.users {
		if st.online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// LastSeen reports when userID last went offline in this process.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.users[userID]
	if st == nil || st.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return st.lastSeen, true
}

func (r *Registry) enqueue(ev Event) {
	r.qmu.Lock()
	r.queue = append(r.queue, ev)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run dispatches queued events to subscribers until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		r.drain()
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
	}
}

func (r *Registry) drain() {
	for {
		r.qmu.Lock()
		if len(r.queue) == 0 {
			r.qmu.Unlock()
			return
		}
		batch := r.queue
		r.queue = nil
		subs := r.subs
		r.qmu.Unlock()

		for _, ev := range batch {
			for _, fn := range subs {
				r.dispatch(fn, ev)
			}
		}
	}
}

func (r *Registry) dispatch(fn func(Event), ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("presence subscriber panicked",
				zap.Any("panic", p),
				zap.String("user_id", ev.UserID),
				zap.Stringer("kind", ev.Kind),
			)
		}
	}()
	fn(ev)
}
