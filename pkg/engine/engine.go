// Package engine coordinates live users: who is connected, who is committed
// to which session, the partner request handshake and the session rooms.
//
// All state lives behind one mutex. Every exported operation is a single
// critical section, so a check that gates a write is never separated from the
// write. Outbound events are queued on the connections inside that section,
// so every member observes them in commit order. Preference store calls run
// afterwards as background tasks and never block or undo a transition.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/logging"
	"github.com/NicolasHaas/byteswap/pkg/metrics"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultSessionDuration    = 30 * time.Minute
	DefaultDisconnectGrace    = time.Second
	DefaultTaskTimeout        = 5 * time.Second
	DefaultMaxTasks           = 16
)

// Options configures an Engine. Zero values select defaults, except
// NegotiationTimeout and SessionDuration where zero disables the timer.
type Options struct {
	Store   datastore.DataProviderFactory
	Metrics *metrics.Metrics
	Clock   Clock
	Logger  *slog.Logger

	NegotiationTimeout time.Duration
	SessionDuration    time.Duration
	DisconnectGrace    time.Duration
	TaskTimeout        time.Duration
	MaxTasks           int
}

// Engine is the matchmaking and session coordinator.
type Engine struct {
	mu     sync.Mutex
	reg    *registry
	locks  *lockTable
	rooms  *roomTable
	negs   map[*negotiation]struct{}
	closed bool

	store   datastore.DataProviderFactory
	metrics *metrics.Metrics
	clock   Clock
	log     *slog.Logger
	tasks   *taskRunner

	negotiationTimeout time.Duration
	sessionDuration    time.Duration
	grace              time.Duration
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("engine")
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = DefaultMaxTasks
	}
	if opts.Store == nil {
		opts.Store = datastore.NewMemory()
	}
	return &Engine{
		reg:                newRegistry(),
		locks:              newLockTable(),
		rooms:              newRoomTable(),
		negs:               make(map[*negotiation]struct{}),
		store:              opts.Store,
		metrics:            opts.Metrics,
		clock:              opts.Clock,
		log:                opts.Logger,
		tasks:              newTaskRunner(opts.MaxTasks, opts.TaskTimeout, opts.Logger, opts.Metrics),
		negotiationTimeout: opts.NegotiationTimeout,
		sessionDuration:    opts.SessionDuration,
		grace:              opts.DisconnectGrace,
	}
}

// do runs fn as one critical section and then submits the tasks it queued.
func (e *Engine) do(fn func(tx *txn) error) error {
	tx := &txn{}
	e.mu.Lock()
	err := fn(tx)
	e.mu.Unlock()
	for _, t := range tx.tasks {
		e.tasks.submit(t)
	}
	return err
}

// after schedules fn as a critical section once d has elapsed.
func (e *Engine) after(d time.Duration, fn func(tx *txn)) Timer {
	return e.clock.AfterFunc(d, func() {
		_ = e.do(func(tx *txn) error {
			if e.closed {
				return nil
			}
			fn(tx)
			return nil
		})
	})
}

// userOfLocked returns the identity bound to c. A connection that was
// replaced by a newer one for the same user no longer counts as bound.
func (e *Engine) userOfLocked(c Conn) (string, error) {
	cs := e.reg.state(c)
	if cs == nil || !e.reg.isBound(cs.userID, c) {
		e.send(c, &pb.ControlMessage{AuthenticationRequired: &pb.AuthenticationRequired{
			Message: "authenticate before sending commands",
		}})
		return "", ErrUnauthenticated
	}
	return cs.userID, nil
}

// UserOf returns the identity bound to c.
func (e *Engine) UserOf(c Conn) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.reg.state(c)
	if cs == nil || !e.reg.isBound(cs.userID, c) {
		return "", false
	}
	return cs.userID, true
}

// Bind makes c the live connection of userID. A previous handle is replaced
// and the user's lock is released, since a reconnecting user is no longer
// presumed to be in its earlier negotiation. Rebinding c to the user it
// already serves changes nothing. If c was bound to another user, that
// identity is detached first.
func (e *Engine) Bind(c Conn, userID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	return e.do(func(tx *txn) error {
		if cs := e.reg.state(c); cs != nil && cs.userID != userID {
			e.detachLocked(tx, cs)
		}
		prev := e.reg.bind(userID, c)
		if prev != nil && prev.ID() == c.ID() {
			// Same connection authenticating again keeps its lock.
			return nil
		}
		if prev != nil {
			e.log.Info("user reconnected", "user", userID, "conn", c.ID(), "replaced", prev.ID())
		}
		if l := e.locks.get(userID); l != nil {
			e.releaseLockLocked(userID)
			e.log.Info("stale lock cleared on bind", "user", userID, "session", l.SessionID)
		}
		return nil
	})
}

// Disconnect tears down everything c took part in.
func (e *Engine) Disconnect(c Conn) {
	_ = e.do(func(tx *txn) error {
		if cs := e.reg.state(c); cs != nil {
			e.detachLocked(tx, cs)
		}
		return nil
	})
}

// detachLocked unbinds the connection's identity (if it is still the bound
// handle), releases the lock, clears preferences and leaves every room.
func (e *Engine) detachLocked(tx *txn, cs *connState) {
	if e.reg.unbind(cs.userID, cs.conn) {
		e.releaseLockLocked(cs.userID)
		tx.clearIfNonEmpty(e.store, cs.userID)
		e.log.Info("user unbound", "user", cs.userID, "conn", cs.conn.ID())
	}
	for sessionID := range cs.rooms {
		if r := e.rooms.get(sessionID); r != nil {
			e.leaveLocked(r, cs.conn)
		}
	}
	e.reg.forget(cs.conn)
}

// releaseLockLocked drops the user's lock. A pending request it belonged to
// is cancelled for the other party too.
func (e *Engine) releaseLockLocked(userID string) {
	l := e.locks.release(userID)
	if l == nil || l.neg == nil || l.Phase != PhaseRequesting {
		return
	}
	e.cancelNegotiationLocked(l.neg, userID)
}

// Snapshot is a point-in-time count of engine state.
type Snapshot struct {
	Users int
	Locks int
	Rooms int
}

// Snapshot returns the current sizes of the registry, lock and room tables.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Users: e.reg.users(), Locks: e.locks.len(), Rooms: e.rooms.len()}
}

// Gauges adapts Snapshot for metrics output.
func (e *Engine) Gauges() metrics.Gauges {
	s := e.Snapshot()
	return metrics.Gauges{Users: s.Users, Locks: s.Locks, Rooms: s.Rooms}
}

// LockOf returns a copy of the user's lock.
func (e *Engine) LockOf(userID string) (Lock, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.locks.get(userID)
	if l == nil {
		return Lock{}, false
	}
	c := *l
	c.neg = nil
	return c, true
}

// RoomOf returns a copy of the room's state.
func (e *Engine) RoomOf(sessionID string) (RoomInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.rooms.get(sessionID)
	if r == nil {
		return RoomInfo{}, false
	}
	return r.info(), true
}

// Wait blocks until all submitted preference store calls have finished.
func (e *Engine) Wait() {
	e.tasks.wait()
}

// Close stops all timers and waits for background tasks. Operations after
// Close still work but no timer fires.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.rooms.byID {
		r.stopTimers()
	}
	for n := range e.negs {
		stopTimer(n.timer)
	}
	e.mu.Unlock()
	e.Wait()
}
