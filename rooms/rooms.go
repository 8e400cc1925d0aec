// Package rooms tracks which connections are watching which documents.
// It owns membership only; broadcast and content live in the hub.
package rooms

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type room struct {
	mu sync.Mutex

	// closed marks a room that has been removed from the registry. A join
	// that raced the removal must not write into it; it retries against a
	// fresh room instead.
	closed  bool
	members map[uuid.UUID]time.Time
}

// Registry maps document IDs to their subscriber sets. Operations on one
// document serialize against each other; different documents never share a
// lock once their rooms exist.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// Join subscribes a connection to a document. Joining a document the
// connection already belongs to is a no-op.
func (r *Registry) Join(docID string, connID uuid.UUID) {
	for {
		rm := r.getOrCreate(docID)
		rm.mu.Lock()
		if rm.closed {
			// lost the race with the last leaver tearing the room down
			rm.mu.Unlock()
			continue
		}
		if _, ok := rm.members[connID]; !ok {
			rm.members[connID] = time.Now()
		}
		rm.mu.Unlock()
		return
	}
}

// Leave unsubscribes a connection from a document. Leaving a document the
// connection never joined is a no-op.
func (r *Registry) Leave(docID string, connID uuid.UUID) {
	r.mu.RLock()
	rm := r.rooms[docID]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.dropIfEmpty(docID)
	}
}

// Members returns a snapshot of the connections subscribed to a document.
// Mutating the registry after the call does not affect the returned slice.
func (r *Registry) Members(docID string) []uuid.UUID {
	r.mu.RLock()
	rm := r.rooms[docID]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]uuid.UUID, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// JoinedAt reports when the connection joined the document, if it did.
func (r *Registry) JoinedAt(docID string, connID uuid.UUID) (time.Time, bool) {
	r.mu.RLock()
	rm := r.rooms[docID]
	r.mu.RUnlock()
	if rm == nil {
		return time.Time{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	at, ok := rm.members[connID]
	return at, ok
}

// DropConnection removes the connection from every document's member set.
// Called when a connection session terminates.
func (r *Registry) DropConnection(connID uuid.UUID) {
	r.mu.RLock()
	snapshot := make(map[string]*room, len(r.rooms))
	for id, rm := range r.rooms {
		snapshot[id] = rm
	}
	r.mu.RUnlock()

	for docID, rm := range snapshot {
		rm.mu.Lock()
		delete(rm.members, connID)
		empty := len(rm.members) == 0
		rm.mu.Unlock()

		if empty {
			r.dropIfEmpty(docID)
		}
	}
}

// CloseDoc tears down a document's room entirely, e.g. when the external
// store deletes the document.
func (r *Registry) CloseDoc(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm := r.rooms[docID]; rm != nil {
		rm.mu.Lock()
		rm.closed = true
		rm.mu.Unlock()
		delete(r.rooms, docID)
	}
}

func (r *Registry) getOrCreate(docID string) *room {
	r.mu.RLock()
	rm := r.rooms[docID]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[docID]; rm == nil {
		rm = &room{members: make(map[uuid.UUID]time.Time)}
		r.rooms[docID] = rm
	}
	return rm
}

func (r *Registry) dropIfEmpty(docID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[docID]
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if len(rm.members) == 0 {
		rm.closed = true
		delete(r.rooms, docID)
	}
	rm.mu.Unlock()
}
