// Package room provides the pool of isolated chat rooms loaned to running
// game sessions. The pool tracks which rooms are available and which are on
// loan; scrubbing a room's occupants is the borrower's job, keeping the pool
// free of platform logic.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateRoom is returned by Add when the room id is already tracked.
var ErrDuplicateRoom = errors.New("room already tracked by pool")

// ErrNotOnLoan is returned by PutBack when the room is not currently loaned out.
var ErrNotOnLoan = errors.New("room not on loan from pool")

// Room is a value handle for one isolated chat room. It carries no
// back-reference to any session; the pool only ever sees ids in and ids out.
type Room struct {
	// ID is the platform identifier of the isolated community.
	ID string
	// Number is the monotonically assigned slot number used for labels.
	Number int
}

// Label returns the human-readable room label, e.g. "#3".
func (r Room) Label() string {
	return fmt.Sprintf("#%d", r.Number)
}

// Pool hands out rooms to sessions and reclaims them. All methods are safe
// for concurrent use.
//
// Invariant: every tracked room is either in the available queue or in the
// on-loan set, never both and never neither.
// Invariant: the available queue and the waiter queue are never both
// non-empty outside the lock.
type Pool struct {
	mu        sync.Mutex
	available []Room
	onLoan    map[string]Room
	known     map[string]bool
	waiters   []chan Room
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		onLoan: make(map[string]Room),
		known:  make(map[string]bool),
	}
}

// Add registers a new room as available.
//
// Postcondition: Returns ErrDuplicateRoom if the id is already tracked
// (available or on loan); otherwise the room is handed to the oldest waiter
// or queued as available.
func (p *Pool) Add(r Room) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.known[r.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateRoom, r.ID)
	}
	p.known[r.ID] = true
	p.dispatchLocked(r)
	return nil
}

// Poll returns an available room without blocking.
//
// Postcondition: Returns (room, true) with the room moved to the on-loan
// set, or (zero, false) if none is available. Never blocks.
func (p *Pool) Poll() (Room, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return Room{}, false
	}
	r := p.available[0]
	p.available = p.available[1:]
	p.onLoan[r.ID] = r
	return r, true
}

// Take blocks until a room is available, then returns it moved to the
// on-loan set. Waiters are served in FIFO order; no room is ever handed to
// two takers.
//
// Postcondition: Returns a room, or ctx.Err() if the context is cancelled
// while waiting; a cancelled wait leaves the pool state unchanged.
func (p *Pool) Take(ctx context.Context) (Room, error) {
	p.mu.Lock()
	if len(p.available) > 0 {
		r := p.available[0]
		p.available = p.available[1:]
		p.onLoan[r.ID] = r
		p.mu.Unlock()
		return r, nil
	}

	w := make(chan Room, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case r := <-w:
		return r, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, q := range p.waiters {
			if q == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return Room{}, ctx.Err()
			}
		}
		// The waiter was already dequeued: a room was handed to w under the
		// lock before we got here. Reclaim it for the next taker.
		r := <-w
		delete(p.onLoan, r.ID)
		p.dispatchLocked(r)
		p.mu.Unlock()
		return Room{}, ctx.Err()
	}
}

// PutBack returns a loaned room to the pool. The caller must have scrubbed
// the room's occupants first.
//
// Postcondition: Returns ErrNotOnLoan if the room is not currently on loan;
// otherwise the room is handed to the oldest waiter or queued as available.
func (p *Pool) PutBack(r Room) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loaned, ok := p.onLoan[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOnLoan, r.ID)
	}
	delete(p.onLoan, r.ID)
	p.dispatchLocked(loaned)
	return nil
}

// Stats reports the pool's current occupancy.
//
// Postcondition: available+onLoan equals the number of rooms ever added.
func (p *Pool) Stats() (available, onLoan int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.onLoan)
}

// dispatchLocked hands r to the oldest waiter, or queues it as available.
// The caller must hold p.mu. Handing to a waiter records the loan before the
// send so the waiter observes a consistent pool.
func (p *Pool) dispatchLocked(r Room) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.onLoan[r.ID] = r
		w <- r
		return
	}
	p.available = append(p.available, r)
}
