package session

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Registry is the single id-keyed arena shared by both managers. Reads are
// concurrent; inserts and deletes are single-writer under the mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	maxSessions int
	idleTimeout time.Duration

	onRemove func(id string)

	sweepOnce sync.Once
	stop      chan struct{}
}

func NewRegistry(maxSessions int, idleTimeout time.Duration) *Registry {
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Registry{
		sessions:    make(map[string]Session),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
}

func (r *Registry) Add(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.maxSessions {
		return ErrSessionLimit
	}
	r.sessions[s.ID()] = s
	return nil
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// OnRemove registers fn to run after a session leaves the registry, whatever
// removed it: explicit kill, idle sweep, or shutdown. Set once during wiring,
// before any session exists.
func (r *Registry) OnRemove(fn func(id string)) {
	r.onRemove = fn
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if existed && r.onRemove != nil {
		r.onRemove(id)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots of every session, both kinds, ordered by start
// time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// StartSweeper launches the periodic idle sweep. Safe to call once; Close
// stops it.
func (r *Registry) StartSweeper(interval time.Duration) {
	r.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.Sweep()
				case <-r.stop:
					return
				}
			}
		}()
	})
}

// Sweep reclaims sessions idle longer than the configured timeout, treating
// them the same as an explicit kill.
func (r *Registry) Sweep() {
	if r.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var idle []Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		log.Printf("session: sweeping idle %s session %s", s.Kind(), s.ID())
		if err := s.Kill(); err != nil {
			log.Printf("session: kill %s: %v", s.ID(), err)
		}
		r.Remove(s.ID())
	}
}

// KillAll terminates every session. Used on graceful shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	all := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]Session)
	r.mu.Unlock()

	for _, s := range all {
		if err := s.Kill(); err != nil {
			log.Printf("session: kill %s: %v", s.ID(), err)
		}
		if r.onRemove != nil {
			r.onRemove(s.ID())
		}
	}
}

// Close stops the sweeper goroutine if it was started.
func (r *Registry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}
