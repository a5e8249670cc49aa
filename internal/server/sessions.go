package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"agrolink/internal/messaging"
	"agrolink/internal/observability"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("session registry closed")

// SessionFactory builds and starts a session for a user.
type SessionFactory func(ctx context.Context, userID uint) (*messaging.Session, error)

// SessionRegistry keeps one Session per user while requests or sockets hold a
// reference, and closes it once it has been unreferenced for the idle timeout.
// Session updates are fanned out to every socket the user has open.
type SessionRegistry struct {
	factory SessionFactory
	idle    time.Duration

	mu      sync.Mutex
	entries map[uint]*sessionEntry
	closed  bool
}

type sessionEntry struct {
	ready   chan struct{}
	session *messaging.Session
	err     error

	refs      int
	timer     *time.Timer
	done      chan struct{}
	closeOnce sync.Once

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

// NewSessionRegistry creates a registry. idle <= 0 closes sessions as soon as
// the last reference is released.
func NewSessionRegistry(factory SessionFactory, idle time.Duration) *SessionRegistry {
	return &SessionRegistry{
		factory: factory,
		idle:    idle,
		entries: make(map[uint]*sessionEntry),
	}
}

// Acquire returns the user's session, creating it on first use. The returned
// release func must be called exactly once.
func (r *SessionRegistry) Acquire(ctx context.Context, userID uint) (*messaging.Session, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrRegistryClosed
	}
	e, ok := r.entries[userID]
	if ok {
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		r.mu.Unlock()

		<-e.ready
		if e.err != nil {
			r.release(userID, e)
			return nil, nil, e.err
		}
		return e.session, r.releaseFunc(userID, e), nil
	}

	e = &sessionEntry{
		ready:   make(chan struct{}),
		refs:    1,
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
	}
	r.entries[userID] = e
	r.mu.Unlock()

	e.session, e.err = r.factory(ctx, userID)
	close(e.ready)
	if e.err != nil {
		r.mu.Lock()
		if r.entries[userID] == e {
			delete(r.entries, userID)
		}
		r.mu.Unlock()
		return nil, nil, e.err
	}

	go e.pump()
	return e.session, r.releaseFunc(userID, e), nil
}

func (r *SessionRegistry) releaseFunc(userID uint, e *sessionEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(userID, e) })
	}
}

func (r *SessionRegistry) release(userID uint, e *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs > 0 || r.entries[userID] != e || e.err != nil {
		return
	}
	if r.idle <= 0 {
		delete(r.entries, userID)
		go e.close()
		return
	}
	e.timer = time.AfterFunc(r.idle, func() { r.expire(userID, e) })
}

func (r *SessionRegistry) expire(userID uint, e *sessionEntry) {
	r.mu.Lock()
	if r.entries[userID] != e || e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	observability.Logger.Info("closing idle session", "user_id", userID)
	e.close()
}

// Len is the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Attach registers a socket client for the user's session updates. The session
// must have been acquired by the caller.
func (r *SessionRegistry) Attach(userID uint, c *Client) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok || e.session == nil {
		return false
	}
	e.clientsMu.Lock()
	e.clients[c] = struct{}{}
	e.clientsMu.Unlock()
	return true
}

// Detach removes a socket client.
func (r *SessionRegistry) Detach(userID uint, c *Client) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.clientsMu.Lock()
	delete(e.clients, c)
	e.clientsMu.Unlock()
}

// Close closes every session. Later Acquire calls fail.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*sessionEntry, 0, len(r.entries))
	for id, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-e.ready
			e.close()
		}()
	}
	wg.Wait()
}

func (e *sessionEntry) close() {
	if e.session == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.session.Close()
	})
}

// pump copies session updates to every attached client until the session closes.
func (e *sessionEntry) pump() {
	for {
		select {
		case <-e.done:
			return
		case u := <-e.session.Updates():
			payload, err := json.Marshal(u)
			if err != nil {
				observability.Logger.Error("failed to encode session update", "kind", u.Kind, "error", err)
				continue
			}
			e.clientsMu.Lock()
			for c := range e.clients {
				c.TrySend(payload)
			}
			e.clientsMu.Unlock()
		}
	}
}
