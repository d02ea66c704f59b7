package testutils

import (
	"context"
	"errors"
	"sync"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
)

// FakeIngestSession records written frames. Setting WriteErr makes every
// following write fail.
type FakeIngestSession struct {
	mu       sync.Mutex
	WriteErr error
	frames   []domain.Frame
	closed   bool
	bytes    uint64
}

func (s *FakeIngestSession) WriteFrame(frame domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.frames = append(s.frames, frame)
	s.bytes += 1024
	return nil
}

func (s *FakeIngestSession) Stats() ports.IngestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.IngestStats{FramesSent: uint64(len(s.frames)), BytesSent: s.bytes}
}

func (s *FakeIngestSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeIngestSession) Fail(err error) {
	s.mu.Lock()
	s.WriteErr = err
	s.mu.Unlock()
}

func (s *FakeIngestSession) Frames() []domain.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Frame(nil), s.frames...)
}

func (s *FakeIngestSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeIngestDialer hands out FakeIngestSessions. Errors queued with FailNext
// are returned by the following dials, one each, before Err.
type FakeIngestDialer struct {
	mu       sync.Mutex
	Err      error
	Block    bool
	queued   []error
	sessions map[string][]*FakeIngestSession
	dials    map[string]int
}

func NewFakeIngestDialer() *FakeIngestDialer {
	return &FakeIngestDialer{
		sessions: make(map[string][]*FakeIngestSession),
		dials:    make(map[string]int),
	}
}

func (d *FakeIngestDialer) Dial(ctx context.Context, url, streamKey string) (ports.IngestSession, error) {
	d.mu.Lock()
	d.dials[url]++
	block := d.Block
	var err error
	if len(d.queued) > 0 {
		err, d.queued = d.queued[0], d.queued[1:]
	} else {
		err = d.Err
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s := &FakeIngestSession{}
	d.mu.Lock()
	d.sessions[url] = append(d.sessions[url], s)
	d.mu.Unlock()
	return s, nil
}

func (d *FakeIngestDialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.queued = append(d.queued, errs...)
	d.mu.Unlock()
}

func (d *FakeIngestDialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

func (d *FakeIngestDialer) SetBlock(block bool) {
	d.mu.Lock()
	d.Block = block
	d.mu.Unlock()
}

func (d *FakeIngestDialer) Sessions(url string) []*FakeIngestSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeIngestSession(nil), d.sessions[url]...)
}

func (d *FakeIngestDialer) DialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

// FakeStream is a CompositedStream fed by Push.
type FakeStream struct {
	mu   sync.Mutex
	subs map[int]chan domain.Frame
	next int
	seq  uint64
}

func NewFakeStream() *FakeStream {
	return &FakeStream{subs: make(map[int]chan domain.Frame)}
}

func (s *FakeStream) Subscribe() (<-chan domain.Frame, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan domain.Frame, 64)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *FakeStream) Resolution() domain.Resolution { return domain.QualityHD.Resolution() }

// Push sends the next frame to every subscriber and returns its Seq.
func (s *FakeStream) Push() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	frame := domain.Frame{Seq: s.seq, Quality: domain.QualityHD, Resolution: domain.QualityHD.Resolution()}
	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	return s.seq
}

func (s *FakeStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// End closes every subscriber channel.
func (s *FakeStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
