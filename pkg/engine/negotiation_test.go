package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/identity"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"

	"github.com/google/go-cmp/cmp"
)

func TestSelectSendsRequest(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	sess := identity.Derive("alice", "bob")

	if err := h.e.Select(alice, "bob", sess.ID); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	bobMsgs := bob.take()
	if len(bobMsgs) != 1 || bobMsgs[0].PartnerRequest == nil {
		t.Fatalf("Select: want one partner_request for bob got %v", bobMsgs)
	}
	wantReq := &pb.PartnerRequestEvent{
		RequesterID:   "alice",
		RequesterName: sess.UserName,
		PartnerName:   sess.PartnerName,
		SessionID:     sess.ID,
	}
	if diff := cmp.Diff(wantReq, bobMsgs[0].PartnerRequest); diff != "" {
		t.Fatalf("partner_request mismatch (-want +got):\n%s", diff)
	}

	aliceMsgs := alice.take()
	if len(aliceMsgs) != 1 || aliceMsgs[0].RequestSent == nil {
		t.Fatalf("Select: want one request_sent for alice got %v", aliceMsgs)
	}
	if got := aliceMsgs[0].RequestSent.SessionID; got != sess.ID {
		t.Fatalf("request_sent: want session=%s got=%s", sess.ID, got)
	}

	for _, id := range []string{"alice", "bob"} {
		l, ok := h.e.LockOf(id)
		if !ok || l.Phase != PhaseRequesting || l.SessionID != sess.ID {
			t.Fatalf("LockOf(%s): want requesting lock on %s got %+v (held=%v)", id, sess.ID, l, ok)
		}
	}
	if got := h.metrics.RequestsSent.Load(); got != 1 {
		t.Fatalf("RequestsSent: want=1 got=%d", got)
	}
}

func TestSelectValidation(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	tests := []struct {
		name      string
		partner   string
		sessionID string
		wantErr   error
	}{
		{"self", "alice", "", ErrSelfSelect},
		{"empty partner", "", "", ErrSelfSelect},
		{"session mismatch", "bob", "sess_alice_carol", ErrSessionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.e.Select(alice, tt.partner, tt.sessionID); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Select: want %v got %v", tt.wantErr, err)
			}
		})
	}
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("rejected selects wrote %d locks", got)
	}
}

func TestSelectBusy(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.connect("bob")
	carol := h.connect("carol")

	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	// Partner busy.
	if err := h.e.Select(carol, "bob", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("Select(carol->bob): want ErrBusy got %v", err)
	}
	// Requester busy.
	if err := h.e.Select(alice, "carol", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("Select(alice->carol): want ErrBusy got %v", err)
	}
	wantKinds(t, carol, "user_busy")
	if _, ok := h.e.LockOf("carol"); ok {
		t.Fatalf("busy select locked carol")
	}
	if l, _ := h.e.LockOf("bob"); l.SessionID != identity.NewPair("alice", "bob").SessionID() {
		t.Fatalf("busy select overwrote bob's lock: %+v", l)
	}
	if got := h.metrics.RequestsBusy.Load(); got != 2 {
		t.Fatalf("RequestsBusy: want=2 got=%d", got)
	}
}

func TestSelectUnreachable(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	h.setPrefs("alice", "Go")

	if err := h.e.Select(alice, "ghost", ""); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Select: want ErrUnreachable got %v", err)
	}
	wantKinds(t, alice, "partner_not_available")
	if _, ok := h.e.LockOf("alice"); ok {
		t.Fatalf("unreachable select left a lock")
	}
	if h.hasPrefs("alice") {
		t.Fatalf("unreachable select kept requester preferences")
	}
}

// Many users selecting the same partner at once: exactly one wins and
// the partner ends up locked to that pairing.
func TestSelectConcurrentSamePartner(t *testing.T) {
	h := newHarness(t)
	h.connect("target")
	const n = 32
	conns := make([]*recordingConn, n)
	ids := make([]string, n)
	for i := range conns {
		ids[i] = "r" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		conns[i] = h.connect(ids[i])
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, n)
	)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = h.e.Select(conns[i], "target", "")
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner >= 0 {
				t.Fatalf("two selects succeeded: %s and %s", ids[winner], ids[i])
			}
			winner = i
		case !errors.Is(err, ErrBusy):
			t.Fatalf("Select(%s): want nil or ErrBusy got %v", ids[i], err)
		}
	}
	if winner < 0 {
		t.Fatalf("no select succeeded")
	}
	l, ok := h.e.LockOf("target")
	if !ok || l.SessionID != identity.NewPair(ids[winner], "target").SessionID() {
		t.Fatalf("target lock: want pairing with %s got %+v", ids[winner], l)
	}
	if got := h.e.Snapshot().Locks; got != 2 {
		t.Fatalf("want exactly 2 locks got %d", got)
	}
}

func TestAccept(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	sess := identity.Derive("alice", "bob")

	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	alice.take()
	bob.take()

	if err := h.e.Accept(bob, "alice", sess.ID); err != nil {
		t.Fatalf("Accept: unexpected error: %v", err)
	}
	want := &pb.RequestAcceptedEvent{SessionID: sess.ID, RequesterName: sess.UserName, AccepterName: sess.PartnerName}
	for _, c := range []*recordingConn{alice, bob} {
		msgs := c.take()
		if len(msgs) != 1 || msgs[0].RequestAccepted == nil {
			t.Fatalf("Accept: want one request_accepted for %s got %v", c.id, msgs)
		}
		if diff := cmp.Diff(want, msgs[0].RequestAccepted); diff != "" {
			t.Fatalf("request_accepted mismatch (-want +got):\n%s", diff)
		}
	}
	if h.lockPhase("alice") != PhaseConfirmed || h.lockPhase("bob") != PhaseConfirmed {
		t.Fatalf("Accept: want both confirmed got alice=%s bob=%s", h.lockPhase("alice"), h.lockPhase("bob"))
	}

	// The confirmed pairing is not subject to request expiry.
	h.clock.Advance(DefaultNegotiationTimeout * 2)
	if h.lockPhase("alice") != PhaseConfirmed {
		t.Fatalf("confirmed lock expired")
	}
}

func TestAcceptWithoutRequest(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	if err := h.e.Accept(bob, "alice", ""); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("Accept: want ErrNoRequest got %v", err)
	}
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	// The requester cannot answer its own request.
	if err := h.e.Accept(alice, "bob", ""); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("Accept by requester: want ErrNoRequest got %v", err)
	}
	if err := h.e.Accept(bob, "alice", "sess_x_y"); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("Accept: want ErrSessionMismatch got %v", err)
	}
	if h.lockPhase("bob") != PhaseRequesting {
		t.Fatalf("failed accept changed bob's lock")
	}
}

func TestAcceptRequesterUnreachable(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	bob.take()

	h.crash("alice")
	if err := h.e.Accept(bob, "alice", ""); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Accept: want ErrUnreachable got %v", err)
	}
	wantKinds(t, bob, "partner_not_available")
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("Accept: want both locks released got %d", got)
	}
}

func TestRequesterDisconnectCancelsRequest(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	bob.take()

	h.e.Disconnect(alice)
	wantKinds(t, bob, "request_expired")
	if err := h.e.Accept(bob, "alice", ""); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("Accept after requester left: want ErrNoRequest got %v", err)
	}
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("want no locks got %d", got)
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.setPrefs("alice", "Go")
	h.setPrefs("bob", "Rust")

	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	alice.take()
	bob.take()

	if err := h.e.Reject(bob, "alice"); err != nil {
		t.Fatalf("Reject: unexpected error: %v", err)
	}
	wantKinds(t, alice, "request_rejected")
	wantKinds(t, bob)
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("Reject: want no locks got %d", got)
	}
	if h.hasPrefs("alice") || h.hasPrefs("bob") {
		t.Fatalf("Reject: preferences not cleared")
	}
	if err := h.e.Reject(bob, "alice"); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("second Reject: want ErrNoRequest got %v", err)
	}
}

func TestRequestExpiry(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	alice.take()
	bob.take()

	h.clock.Advance(DefaultNegotiationTimeout - time.Second)
	if h.lockPhase("alice") != PhaseRequesting {
		t.Fatalf("request expired early")
	}
	h.clock.Advance(time.Second)

	wantKinds(t, alice, "request_expired")
	wantKinds(t, bob, "request_expired")
	if got := h.e.Snapshot().Locks; got != 0 {
		t.Fatalf("expiry: want no locks got %d", got)
	}
	if got := h.metrics.RequestsExpired.Load(); got != 1 {
		t.Fatalf("RequestsExpired: want=1 got=%d", got)
	}

	// Both are free to pair again.
	if err := h.e.Select(bob, "alice", ""); err != nil {
		t.Fatalf("Select after expiry: unexpected error: %v", err)
	}
}

func TestRequestExpiryDisabled(t *testing.T) {
	h := newHarness(t)
	h.e.negotiationTimeout = 0
	alice := h.connect("alice")
	h.connect("bob")
	if err := h.e.Select(alice, "bob", ""); err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	h.clock.Advance(24 * time.Hour)
	if h.lockPhase("alice") != PhaseRequesting {
		t.Fatalf("request expired with expiry disabled")
	}
}
