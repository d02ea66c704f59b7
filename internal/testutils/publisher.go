package testutils

import (
	"context"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
)

// FakePublisher connects instantly. Errs makes StartPublishing fail for a
// platform; Lose simulates exhausted retries.
type FakePublisher struct {
	mu         sync.Mutex
	Errs       map[domain.PlatformID]error
	publishing map[domain.PlatformID]bool
	starts     map[domain.PlatformID]int
	stops      map[domain.PlatformID]int
	closed     bool

	events chan domain.Event
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{
		Errs:       make(map[domain.PlatformID]error),
		publishing: make(map[domain.PlatformID]bool),
		starts:     make(map[domain.PlatformID]int),
		stops:      make(map[domain.PlatformID]int),
		events:     make(chan domain.Event, 32),
	}
}

func (f *FakePublisher) Events() <-chan domain.Event { return f.events }

func (f *FakePublisher) StartPublishing(_ context.Context, platform domain.StreamPlatform, _ ports.CompositedStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[platform.ID]++
	if f.publishing[platform.ID] {
		return domain.ErrAlreadyPublishing
	}
	if err := f.Errs[platform.ID]; err != nil {
		return err
	}
	f.publishing[platform.ID] = true
	return nil
}

func (f *FakePublisher) StopPublishing(id domain.PlatformID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[id]++
	delete(f.publishing, id)
}

func (f *FakePublisher) IsPublishing(id domain.PlatformID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishing[id]
}

func (f *FakePublisher) Lose(id domain.PlatformID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.publishing, id)
	if f.closed {
		return
	}
	ev := domain.NewEvent(domain.EventPlatformLost).WithErr(domain.ErrPlatformLost)
	ev.PlatformID = id
	select {
	case f.events <- ev:
	default:
	}
}

func (f *FakePublisher) StartCount(id domain.PlatformID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[id]
}

func (f *FakePublisher) StopCount(id domain.PlatformID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[id]
}

func (f *FakePublisher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}
