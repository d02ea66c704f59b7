package testutils

import (
	"context"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// FakeGuestManager admits guests instantly unless AdmitErr or Block is set.
// Lose simulates an ICE failure.
type FakeGuestManager struct {
	mu          sync.Mutex
	AdmitErr    error
	Block       chan struct{}
	guests      map[domain.GuestID]domain.Guest
	order       []domain.GuestID
	disconnects map[domain.GuestID]int
	closed      bool

	events chan domain.Event
}

func NewFakeGuestManager() *FakeGuestManager {
	return &FakeGuestManager{
		guests:      make(map[domain.GuestID]domain.Guest),
		disconnects: make(map[domain.GuestID]int),
		events:      make(chan domain.Event, 32),
	}
}

func (f *FakeGuestManager) Events() <-chan domain.Event { return f.events }

func (f *FakeGuestManager) Admit(ctx context.Context, offer ports.GuestOffer) (domain.Guest, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return domain.Guest{}, domain.ErrNegotiationFailed.Wrap(ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AdmitErr != nil {
		return domain.Guest{}, f.AdmitErr
	}
	g := domain.Guest{
		ID:          offer.GuestID,
		Name:        offer.Name,
		IsConnected: true,
		StreamID:    domain.SourceID("src_" + string(offer.GuestID)),
	}
	f.guests[g.ID] = g
	f.order = append(f.order, g.ID)
	return g, nil
}

func (f *FakeGuestManager) AddICECandidate(id domain.GuestID, _ webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.guests[id]; !ok {
		return domain.ErrGuestNotFound
	}
	return nil
}

func (f *FakeGuestManager) SetMuted(id domain.GuestID, muted bool) (domain.Guest, bool) {
	return f.update(id, func(g *domain.Guest) { g.IsMuted = muted })
}

func (f *FakeGuestManager) SetVideoOff(id domain.GuestID, off bool) (domain.Guest, bool) {
	return f.update(id, func(g *domain.Guest) { g.IsVideoOff = off })
}

func (f *FakeGuestManager) update(id domain.GuestID, fn func(*domain.Guest)) (domain.Guest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return domain.Guest{}, false
	}
	fn(&g)
	f.guests[id] = g
	return g, true
}

func (f *FakeGuestManager) Disconnect(id domain.GuestID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[id]++
	f.removeLocked(id)
}

// Lose drops a connected guest and reports GuestLost.
func (f *FakeGuestManager) Lose(id domain.GuestID) {
	f.mu.Lock()
	f.removeLocked(id)
	f.mu.Unlock()

	ev := domain.NewEvent(domain.EventGuestLost).WithErr(domain.ErrGuestLost)
	ev.GuestID = id
	f.Emit(ev)
}

func (f *FakeGuestManager) removeLocked(id domain.GuestID) {
	if _, ok := f.guests[id]; !ok {
		return
	}
	delete(f.guests, id)
	for i, gid := range f.order {
		if gid == id {
			f.order = append(f.order[:i:i], f.order[i+1:]...)
			break
		}
	}
}

// Emit drops the event once the buffer is full or the manager is closed.
func (f *FakeGuestManager) Emit(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *FakeGuestManager) Sources() []domain.MediaSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MediaSource, 0, len(f.order))
	for _, id := range f.order {
		g := f.guests[id]
		out = append(out, domain.MediaSource{ID: g.StreamID, Kind: domain.SourceGuest, Label: g.Name, GuestID: g.ID})
	}
	return out
}

func (f *FakeGuestManager) DisconnectCount(id domain.GuestID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects[id]
}

func (f *FakeGuestManager) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}
