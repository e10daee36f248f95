package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerlink/peerlink/internal/signaling"
	"github.com/peerlink/peerlink/internal/store"
)

func TestStoreTransport_OpenRegistersRoles(t *testing.T) {
	s, err := store.Open(store.Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	o := &StoreOpener{Store: s, ResyncInterval: 50 * time.Millisecond, Logger: discardLogger()}
	sessionID := uuid.NewString()
	ctx := context.Background()

	host := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
	row, err := s.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != store.StatusWaiting || row.HostID != "host" || row.Epoch != 1 {
		t.Fatalf("row after host open=%+v", row)
	}

	guest := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, LocalUserID: "guest"})
	row, _ = s.Get(ctx, sessionID)
	if row.Status != store.StatusJoined || row.GuestID != "guest" {
		t.Fatalf("row after guest open=%+v", row)
	}

	_ = guest.Close()
	row, _ = s.Get(ctx, sessionID)
	if row.Status != store.StatusGuestLeft || row.Answer != nil {
		t.Fatalf("row after guest close=%+v", row)
	}
	_ = host.Close()
	row, _ = s.Get(ctx, sessionID)
	if row.Status != store.StatusHostLeft || row.Offer != nil {
		t.Fatalf("row after host close=%+v", row)
	}
}

func TestStoreTransport_RepeatCallDropsStaleNegotiation(t *testing.T) {
	o := newStoreOpener(t)
	sessionID := uuid.NewString()
	ctx := context.Background()

	first := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
	if err := first.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "old"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}
	if err := first.SignalICECandidate(ctx, signaling.Candidate{Candidate: "old-c"}); err != nil {
		t.Fatalf("SignalICECandidate: %v", err)
	}
	_ = first.Close()

	second := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
	guest := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, LocalUserID: "guest"})
	seen := newRecorder()
	guest.SubscribeOffers(seen.sdp("offer"))
	guest.SubscribeICECandidates(seen.candidate)

	if err := second.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "new"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}
	if err := second.SignalICECandidate(ctx, signaling.Candidate{Candidate: "new-c"}); err != nil {
		t.Fatalf("SignalICECandidate: %v", err)
	}
	want := []string{"offer:new", "ice:new-c"}
	if got := seen.waitLen(t, 2); !equalEvents(got, want) {
		t.Fatalf("guest saw %v, want %v", got, want)
	}
}

func TestStoreTransport_ResyncDoesNotRedeliver(t *testing.T) {
	o := newStoreOpener(t)
	p := openPair(t, o)
	ctx := context.Background()

	seen := newRecorder()
	p.guest.SubscribeOffers(seen.sdp("offer"))
	p.guest.SubscribeICECandidates(seen.candidate)
	if err := p.host.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "o1"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := p.host.SignalICECandidate(ctx, signaling.Candidate{Candidate: c}); err != nil {
			t.Fatalf("SignalICECandidate: %v", err)
		}
	}
	seen.waitLen(t, 4)

	// Several resync periods pass with no new writes.
	time.Sleep(300 * time.Millisecond)
	want := []string{"offer:o1", "ice:c1", "ice:c2", "ice:c3"}
	if got := seen.snapshot(); !equalEvents(got, want) {
		t.Fatalf("guest saw %v, want %v", got, want)
	}
}

func TestStoreTransport_GuestSeesOfferWrittenBeforeOpen(t *testing.T) {
	o := newStoreOpener(t)
	sessionID := uuid.NewString()

	host := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
	if err := host.SignalOffer(context.Background(), signaling.SDP{Type: "offer", SDP: "early"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}

	guest := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, LocalUserID: "guest"})
	seen := newRecorder()
	guest.SubscribeOffers(seen.sdp("offer"))
	if got := seen.waitLen(t, 1); got[0] != "offer:early" {
		t.Fatalf("guest saw %v", got)
	}
}

func TestStoreTransport_HostResetEndsPreviousOffer(t *testing.T) {
	o := newStoreOpener(t)
	p := openPair(t, o)
	ctx := context.Background()

	seen := newRecorder()
	p.guest.SubscribeOffers(seen.sdp("offer"))
	p.guest.SubscribeAnswers(seen.sdp("answer"))
	if err := p.host.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "o1"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}
	seen.waitLen(t, 1)

	// The host restarts without closing its first transport.
	restarted := mustOpen(t, o, signaling.SessionDescriptor{SessionID: p.sessionID, IsHost: true, LocalUserID: "host"})
	if err := restarted.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "o2"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}

	want := []string{"offer:o1", "offer:nil", "answer:nil", "offer:o2"}
	if got := seen.waitLen(t, len(want)); !equalEvents(got, want) {
		t.Fatalf("guest saw %v, want %v", got, want)
	}
}

func TestStoreTransport_GuestWaitingForHostSeesNoReset(t *testing.T) {
	o := newStoreOpener(t)
	sessionID := uuid.NewString()

	guest := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, LocalUserID: "guest"})
	seen := newRecorder()
	guest.SubscribeOffers(seen.sdp("offer"))
	guest.SubscribeAnswers(seen.sdp("answer"))

	host := mustOpen(t, o, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
	if err := host.SignalOffer(context.Background(), signaling.SDP{Type: "offer", SDP: "o1"}); err != nil {
		t.Fatalf("SignalOffer: %v", err)
	}
	seen.waitLen(t, 1)
	time.Sleep(200 * time.Millisecond)
	if got := seen.snapshot(); !equalEvents(got, []string{"offer:o1"}) {
		t.Fatalf("guest saw %v", got)
	}
}

func TestStoreTransport_StoreClosesRightAfterTransports(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s, err := store.Open(store.Options{Logger: discardLogger()})
		if err != nil {
			t.Fatalf("store.Open: %v", err)
		}
		o := &StoreOpener{Store: s, ResyncInterval: time.Millisecond, Logger: discardLogger()}
		sessionID := uuid.NewString()
		host, err := o.Open(ctx, signaling.SessionDescriptor{SessionID: sessionID, IsHost: true, LocalUserID: "host"})
		if err != nil {
			t.Fatalf("Open host: %v", err)
		}
		guest, err := o.Open(ctx, signaling.SessionDescriptor{SessionID: sessionID, LocalUserID: "guest"})
		if err != nil {
			t.Fatalf("Open guest: %v", err)
		}
		_ = host.SignalOffer(ctx, signaling.SDP{Type: "offer", SDP: "o1"})

		// Closing the host wakes the guest's reader.
		_ = host.Close()
		_ = guest.Close()
		if err := s.Close(); err != nil {
			t.Fatalf("store Close: %v", err)
		}
		if _, err := s.Get(ctx, sessionID); !errors.Is(err, store.ErrClosed) {
			t.Fatalf("Get after Close err=%v, want ErrClosed", err)
		}
	}
}
