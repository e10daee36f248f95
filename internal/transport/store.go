package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerlink/peerlink/internal/signaling"
	"github.com/peerlink/peerlink/internal/store"
)

const (
	defaultResyncInterval = 2 * time.Second
	storeCloseTimeout     = 2 * time.Second
)

// StoreOpener opens transports that negotiate through a shared session row.
type StoreOpener struct {
	Store *store.Store
	// ResyncInterval is how often the row is re-read regardless of
	// notifications.
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

// Open registers this peer on the session row. The host resets the row for a
// new call; the guest records itself as joined. The row is read once
// immediately and again after every change notification.
func (o *StoreOpener) Open(ctx context.Context, desc signaling.SessionDescriptor) (Transport, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if o.Store == nil {
		return nil, errors.New("store opener has no store")
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resync := o.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}

	row, err := o.Store.Update(ctx, desc.SessionID, func(row *store.Session, _ bool) error {
		if desc.IsHost {
			row.HostID = desc.LocalUserID
			row.Offer = nil
			row.Answer = nil
			row.HostICECandidates = nil
			row.GuestICECandidates = nil
			row.Epoch++
			if row.Status != store.StatusJoined {
				row.Status = store.StatusWaiting
			}
			return nil
		}
		row.GuestID = desc.LocalUserID
		row.Answer = nil
		row.GuestICECandidates = nil
		row.Status = store.StatusJoined
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register on session row: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	t := &storeTransport{
		inbox:  newInbox(),
		store:  o.Store,
		desc:   desc,
		log:    logger.With("session_id", desc.SessionID, "user_id", desc.LocalUserID, "backend", "store"),
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		epoch:  row.Epoch,
	}
	o.Store.Watch(watchCtx, desc.SessionID, t.notify)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(watchCtx, resync)
	}()
	return t, nil
}

type storeTransport struct {
	inbox

	store  *store.Store
	desc   signaling.SessionDescriptor
	log    *slog.Logger
	cancel context.CancelFunc
	kick   chan struct{}

	// Read-side state, owned by run.
	epoch      uint64
	lastOffer  *signaling.SDP
	lastAnswer *signaling.SDP
	cursor     int
	peerGone   bool

	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (t *storeTransport) notify() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *storeTransport) run(ctx context.Context, resync time.Duration) {
	ticker := time.NewTicker(resync)
	defer ticker.Stop()

	t.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
		case <-ticker.C:
		}
		t.refresh(ctx)
	}
}

// refresh re-reads the authoritative row and publishes whatever changed since
// the last read.
func (t *storeTransport) refresh(ctx context.Context) {
	row, err := t.store.Get(ctx, t.desc.SessionID)
	if err != nil {
		if ctx.Err() == nil {
			t.log.Warn("session row read failed", "err", err)
		}
		return
	}

	if row.Epoch != t.epoch {
		// The host reset the row for a new call: prior remote state is void.
		// Subscribers holding a description from the old call must hear
		// that it ended before anything from the new one.
		stale := t.lastOffer != nil || t.lastAnswer != nil || t.cursor > 0
		t.epoch = row.Epoch
		t.lastOffer, t.lastAnswer = nil, nil
		t.cursor = 0
		if stale {
			t.log.Info("session row reset by host")
			t.peerLeft()
		} else {
			t.offers.reset()
			t.answers.reset()
			t.candidates.reset()
		}
	}

	peerLeftStatus := store.StatusGuestLeft
	if !t.desc.IsHost {
		peerLeftStatus = store.StatusHostLeft
	}
	if row.Status == peerLeftStatus {
		if !t.peerGone {
			t.peerGone = true
			t.lastOffer, t.lastAnswer = nil, nil
			t.cursor = 0
			t.log.Info("peer left session")
			t.peerLeft()
		}
		return
	}
	t.peerGone = false

	var remote []signaling.Candidate
	if t.desc.IsHost {
		if !sameSDP(row.Answer, t.lastAnswer) && row.Answer != nil {
			t.lastAnswer = row.Answer
			t.answers.publish(row.Answer)
		}
		remote = row.GuestICECandidates
	} else {
		if !sameSDP(row.Offer, t.lastOffer) && row.Offer != nil {
			t.lastOffer = row.Offer
			t.offers.publish(row.Offer)
		}
		remote = row.HostICECandidates
	}

	if len(remote) < t.cursor {
		// The peer rewrote its array; start over.
		t.cursor = 0
		t.candidates.reset()
	}
	for _, c := range remote[t.cursor:] {
		t.candidates.publish(c)
	}
	t.cursor = len(remote)
}

func sameSDP(a, b *signaling.SDP) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (t *storeTransport) SignalOffer(ctx context.Context, sdp signaling.SDP) error {
	return t.update(ctx, func(row *store.Session) {
		row.Offer = &sdp
	})
}

func (t *storeTransport) SignalAnswer(ctx context.Context, sdp signaling.SDP) error {
	return t.update(ctx, func(row *store.Session) {
		row.Answer = &sdp
	})
}

// SignalICECandidate appends to this peer's own candidate array, keeping
// append order.
func (t *storeTransport) SignalICECandidate(ctx context.Context, c signaling.Candidate) error {
	return t.update(ctx, func(row *store.Session) {
		if t.desc.IsHost {
			row.HostICECandidates = append(row.HostICECandidates, c)
		} else {
			row.GuestICECandidates = append(row.GuestICECandidates, c)
		}
	})
}

func (t *storeTransport) update(ctx context.Context, fn func(row *store.Session)) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := t.store.Update(ctx, t.desc.SessionID, func(row *store.Session, exists bool) error {
		if !exists {
			return store.ErrNotFound
		}
		fn(row)
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrClosed):
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	default:
		return err
	}
}

// Close marks this peer's role as left and clears the fields it owns so a
// later attempt never sees them. It returns once the reader has stopped, so
// the store may be closed right after.
func (t *storeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		t.cancel()
		t.inbox.close()
		t.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		defer cancel()
		_, err := t.store.Update(ctx, t.desc.SessionID, func(row *store.Session, exists bool) error {
			if !exists {
				return store.ErrNotFound
			}
			if t.desc.IsHost {
				if row.HostID != t.desc.LocalUserID {
					return nil
				}
				row.Offer = nil
				row.HostICECandidates = nil
				row.Status = store.StatusHostLeft
			} else {
				if row.GuestID != t.desc.LocalUserID {
					return nil
				}
				row.Answer = nil
				row.GuestICECandidates = nil
				row.Status = store.StatusGuestLeft
			}
			return nil
		})
		if err != nil {
			t.log.Debug("mark left failed", "err", err)
		}
	})
	return nil
}

var _ Transport = (*storeTransport)(nil)
