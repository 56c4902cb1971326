package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/identity"
	"github.com/NicolasHaas/byteswap/pkg/metrics"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"

	"github.com/google/go-cmp/cmp"
)

// recordingConn is a Conn that stores every message it is sent.
type recordingConn struct {
	id string

	mu     sync.Mutex
	msgs   []*pb.ControlMessage
	closed bool
}

func newConn(id string) *recordingConn { return &recordingConn{id: id} }

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(msg *pb.ControlMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// take returns and clears the recorded messages.
func (c *recordingConn) take() []*pb.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

// kinds returns and clears the wire names of the recorded messages.
func (c *recordingConn) kinds() []string {
	out := []string{}
	for _, m := range c.take() {
		out = append(out, kindOf(m))
	}
	return out
}

func kindOf(m *pb.ControlMessage) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "invalid"
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || len(fields) != 1 {
		return "invalid"
	}
	for k := range fields {
		return k
	}
	return ""
}

// fakeClock is a manual Clock. Advance fires due timers in time order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type harness struct {
	t       *testing.T
	e       *Engine
	clock   *fakeClock
	store   *datastore.MemoryStore
	metrics *metrics.Metrics
	seq     int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, nil)
}

func newHarnessWithStore(t *testing.T, f datastore.DataProviderFactory) *harness {
	t.Helper()
	h := &harness{t: t, clock: newFakeClock(), metrics: metrics.New()}
	h.store = datastore.NewMemoryWithClock(h.clock.Now)
	if f == nil {
		f = h.store
	}
	h.e = New(Options{
		Store:              f,
		Metrics:            h.metrics,
		Clock:              h.clock,
		NegotiationTimeout: DefaultNegotiationTimeout,
		SessionDuration:    DefaultSessionDuration,
		DisconnectGrace:    DefaultDisconnectGrace,
	})
	t.Cleanup(h.e.Close)
	return h
}

// connect binds a new connection for userID, creating the user if needed.
func (h *harness) connect(userID string) *recordingConn {
	h.t.Helper()
	if _, err := h.store.EnsureUser(context.Background(), userID); err != nil {
		h.t.Fatalf("EnsureUser: unexpected error: %v", err)
	}
	h.seq++
	c := newConn(fmt.Sprintf("%s#%d", userID, h.seq))
	if err := h.e.Bind(c, userID); err != nil {
		h.t.Fatalf("Bind(%s): unexpected error: %v", userID, err)
	}
	return c
}

// crash removes the user's registry entry without any cleanup.
func (h *harness) crash(userID string) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	delete(h.e.reg.byUser, userID)
}

func (h *harness) setPrefs(userID string, teach ...string) {
	h.t.Helper()
	if err := h.store.PersistPreferences(context.Background(), userID, teach, nil, h.clock.Now()); err != nil {
		h.t.Fatalf("PersistPreferences: unexpected error: %v", err)
	}
}

func (h *harness) hasPrefs(userID string) bool {
	h.t.Helper()
	h.e.Wait()
	u, err := h.store.GetUser(context.Background(), userID)
	if err != nil {
		h.t.Fatalf("GetUser: unexpected error: %v", err)
	}
	return u.HasSkills()
}

func (h *harness) lockPhase(userID string) Phase {
	l, ok := h.e.LockOf(userID)
	if !ok {
		return ""
	}
	return l.Phase
}

func wantKinds(t *testing.T, c *recordingConn, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	if diff := cmp.Diff(want, c.kinds()); diff != "" {
		t.Fatalf("events for %s mismatch (-want +got):\n%s", c.id, diff)
	}
}

func TestBindAndUserOf(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")

	if got, ok := h.e.UserOf(c); !ok || got != "alice" {
		t.Fatalf("UserOf: want=alice,true got=%s,%v", got, ok)
	}
	if err := h.e.Bind(newConn("x"), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Bind(empty): want ErrUnauthenticated got %v", err)
	}
	if _, ok := h.e.UserOf(newConn("stranger")); ok {
		t.Fatalf("UserOf: unbound connection reported as bound")
	}
	if got := h.e.Snapshot(); got != (Snapshot{Users: 1}) {
		t.Fatalf("Snapshot: want=%+v got=%+v", Snapshot{Users: 1}, got)
	}
}

func TestUnauthenticatedCommand(t *testing.T) {
	h := newHarness(t)
	c := newConn("anon")

	checks := map[string]error{
		"select":    h.e.Select(c, "bob", ""),
		"accept":    h.e.Accept(c, "bob", ""),
		"reject":    h.e.Reject(c, "bob"),
		"join":      h.e.Join(c, "sess_a_b"),
		"start":     h.e.Start(c, "sess_a_b"),
		"message":   h.e.SendMessage(c, "sess_a_b", "hi"),
		"typing":    h.e.Typing(c, "sess_a_b", true),
		"terminate": h.e.Terminate(c, "sess_a_b", ""),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s: want ErrUnauthenticated got %v", name, err)
		}
	}
	got := c.kinds()
	if len(got) != len(checks) {
		t.Fatalf("want %d authentication_required events got %v", len(checks), got)
	}
	for _, k := range got {
		if k != "authentication_required" {
			t.Fatalf("unexpected event %q", k)
		}
	}
}

func TestReconnectClearsStaleLock(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	alice.take()
	bob.take()

	alice2 := h.connect("alice")
	if _, ok := h.e.LockOf("alice"); ok {
		t.Fatalf("Bind: stale lock for alice not cleared")
	}
	if _, ok := h.e.LockOf("bob"); ok {
		t.Fatalf("Bind: pending request left bob locked")
	}
	wantKinds(t, bob, "request_expired")

	// The replaced connection is no longer authoritative.
	if err := h.e.Select(alice, "bob", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Select on replaced conn: want ErrUnauthenticated got %v", err)
	}
	h.e.Disconnect(alice)
	if got, ok := h.e.UserOf(alice2); !ok || got != "alice" {
		t.Fatalf("late disconnect of replaced conn evicted the new one")
	}
}

func TestReauthInSessionKeepsLock(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	carol := h.connect("carol")
	sess := h.startSession(alice, bob, "alice", "bob")

	if err := h.e.Bind(alice, "alice"); err != nil {
		t.Fatalf("Bind: unexpected error: %v", err)
	}
	if got := h.lockPhase("alice"); got != PhaseInSession {
		t.Fatalf("Bind same conn: want lock phase=%s got=%q", PhaseInSession, got)
	}
	if err := h.e.Select(carol, "alice", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("Select(alice) in session: want ErrBusy got %v", err)
	}
	if info, _ := h.e.RoomOf(sess.ID); !info.Started || len(info.Members) != 2 {
		t.Fatalf("Bind same conn: room disturbed %+v", info)
	}
}

func TestRebindAsAnotherUser(t *testing.T) {
	h := newHarness(t)
	c := h.connect("alice")
	h.setPrefs("alice", "Go")
	if _, err := h.store.EnsureUser(context.Background(), "carol"); err != nil {
		t.Fatalf("EnsureUser: unexpected error: %v", err)
	}

	if err := h.e.Bind(c, "carol"); err != nil {
		t.Fatalf("Bind: unexpected error: %v", err)
	}
	if got, _ := h.e.UserOf(c); got != "carol" {
		t.Fatalf("UserOf: want=carol got=%s", got)
	}
	if h.e.reg.lookup("alice") != nil {
		t.Fatalf("Bind: previous identity still bound")
	}
	if h.hasPrefs("alice") {
		t.Fatalf("Bind: previous identity still discoverable")
	}
}

func TestDisconnectClearsPreferences(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.setPrefs("alice", "Go")

	h.e.Disconnect(alice)
	if h.hasPrefs("alice") {
		t.Fatalf("Disconnect: preferences not cleared")
	}
	if got := h.e.Snapshot(); got != (Snapshot{}) {
		t.Fatalf("Snapshot after disconnect: want empty got %+v", got)
	}
	// Disconnecting twice is harmless.
	h.e.Disconnect(alice)
}

func TestReapOrphanedLocks(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if err := h.e.Accept(bob, "alice", ""); err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}

	if n := h.e.Reap(); n != 0 {
		t.Fatalf("Reap: want=0 got=%d", n)
	}

	h.crash("alice")
	if n := h.e.Reap(); n != 1 {
		t.Fatalf("Reap: want=1 got=%d", n)
	}
	if _, ok := h.e.LockOf("alice"); ok {
		t.Fatalf("Reap: orphaned lock survived")
	}
	if _, ok := h.e.LockOf("bob"); !ok {
		t.Fatalf("Reap: live user's lock removed")
	}
	if got := h.metrics.LocksReaped.Load(); got != 1 {
		t.Fatalf("LocksReaped: want=1 got=%d", got)
	}
}

func TestReapCancelsPendingRequest(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	bob.take()

	h.crash("alice")
	if n := h.e.Reap(); n != 1 {
		t.Fatalf("Reap: want=1 got=%d", n)
	}
	if _, ok := h.e.LockOf("bob"); ok {
		t.Fatalf("Reap: partner of orphaned request still locked")
	}
	wantKinds(t, bob, "request_expired")
}

type failingStore struct {
	datastore.DataStore
}

func (failingStore) ClearPreferences(ctx context.Context, userID string) error {
	return errors.New("disk full")
}

type failingFactory struct {
	*datastore.MemoryStore
}

func (f failingFactory) NonTx() datastore.DataStore {
	return failingStore{DataStore: f.MemoryStore}
}

func TestPersistenceFailureDoesNotBlockTransition(t *testing.T) {
	mem := datastore.NewMemory()
	h := newHarnessWithStore(t, failingFactory{MemoryStore: mem})
	h.store = mem
	alice := h.connect("alice")
	bob := h.connect("bob")

	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if err := h.e.Reject(bob, "alice"); err != nil {
		t.Fatalf("Reject: unexpected error: %v", err)
	}
	h.e.Wait()

	if got := h.metrics.PersistenceFailures.Load(); got != 2 {
		t.Fatalf("PersistenceFailures: want=2 got=%d", got)
	}
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("Reject: want no locks got %d", got)
	}
}

func TestCloseStopsTimers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	h.e.Close()
	h.clock.Advance(time.Hour)
	if _, ok := h.e.LockOf("alice"); !ok {
		t.Fatalf("Close: timer fired after close")
	}
}

// Randomized operation sequences must never leave a lock that does not
// belong to its user's pairing, or a half-written request.
func TestLockInvariantUnderRandomOps(t *testing.T) {
	h := newHarness(t)
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	conns := map[string]*recordingConn{}
	for _, u := range users {
		conns[u] = h.connect(u)
	}

	rng := rand.New(rand.NewPCG(42, 0))
	for step := 0; step < 2000; step++ {
		a := users[rng.IntN(len(users))]
		b := users[rng.IntN(len(users))]
		c := conns[a]
		sid := identity.NewPair(a, b).SessionID()
		switch rng.IntN(10) {
		case 0:
			_ = h.e.Select(c, b, "")
		case 1:
			_ = h.e.Accept(c, b, "")
		case 2:
			_ = h.e.Reject(c, b)
		case 3:
			_ = h.e.Join(c, sid)
		case 4:
			_ = h.e.Start(c, sid)
		case 5:
			_ = h.e.Terminate(c, sid, "manual")
		case 6:
			h.e.Disconnect(c)
			conns[a] = h.connect(a)
		case 7:
			h.clock.Advance(time.Duration(rng.IntN(40)) * time.Second)
		case 8:
			h.e.Reap()
		case 9:
			_ = h.e.SendMessage(c, sid, "hello")
		}
		for _, k := range conns {
			k.take()
		}
		checkLockInvariant(t, h.e, step)
	}
}

func checkLockInvariant(t *testing.T, e *Engine, step int) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := map[string]bool{}
	ids := make([]string, 0, len(e.locks.byUser))
	for id := range e.locks.byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l := e.locks.byUser[id]
		if l.UserID != id {
			t.Fatalf("step %d: lock keyed %s belongs to %s", step, id, l.UserID)
		}
		if seen[id] {
			t.Fatalf("step %d: %s holds two locks", step, id)
		}
		seen[id] = true
		if _, ok := identity.Partner(l.SessionID, id); !ok {
			t.Fatalf("step %d: %s locked to foreign session %s", step, id, l.SessionID)
		}
		if l.Phase == PhaseRequesting {
			other := l.neg.other(id)
			ol := e.locks.byUser[other]
			if ol == nil || ol.neg != l.neg {
				t.Fatalf("step %d: half-written request for %s", step, id)
			}
		}
	}
}
