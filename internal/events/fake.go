package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Fake is an in-memory [Provider] for testing. It captures all recorded
// events in the Events slice. Safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	seq    uint64
	Events []Event
}

// NewFake returns a ready-to-use [Fake] provider.
func NewFake() *Fake {
	return &Fake{}
}

// Record appends the event to the Events slice, auto-filling Seq and Ts
// the same way [FileRecorder.Record] does.
func (f *Fake) Record(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	e.Seq = f.seq
	if e.Ts.IsZero() {
		e.Ts = time.Now()
	}
	f.Events = append(f.Events, e)
}

// List returns the recorded events matching filter.
func (f *Fake) List(filter Filter) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.Events {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// LatestSeq returns the highest Seq recorded so far.
func (f *Fake) LatestSeq() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq, nil
}

// Watch returns a Watcher that polls the in-memory slice for events
// past afterSeq.
func (f *Fake) Watch(ctx context.Context, afterSeq uint64) (Watcher, error) {
	return &fakeWatcher{fake: f, ctx: ctx, afterSeq: afterSeq, poll: 10 * time.Millisecond}, nil
}

// Close is a no-op for Fake.
func (f *Fake) Close() error { return nil }

type fakeWatcher struct {
	fake     *Fake
	ctx      context.Context
	afterSeq uint64
	poll     time.Duration
}

func (w *fakeWatcher) Next() (Event, error) {
	for {
		evts, err := w.fake.List(Filter{AfterSeq: w.afterSeq})
		if err != nil {
			return Event{}, err
		}
		if len(evts) > 0 {
			w.afterSeq = evts[0].Seq
			return evts[0], nil
		}
		select {
		case <-w.ctx.Done():
			return Event{}, w.ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

func (w *fakeWatcher) Close() error { return nil }

// FailFake is a [Provider] whose read operations always fail, for
// exercising error paths in callers.
type FailFake struct{}

// NewFailFake returns a FailFake.
func NewFailFake() *FailFake { return &FailFake{} }

func (*FailFake) Record(Event) {}

func (*FailFake) List(Filter) ([]Event, error) {
	return nil, errors.New("fail fake: list failed")
}

func (*FailFake) LatestSeq() (uint64, error) {
	return 0, errors.New("fail fake: latest-seq failed")
}

func (*FailFake) Watch(context.Context, uint64) (Watcher, error) {
	return nil, errors.New("fail fake: watch failed")
}

func (*FailFake) Close() error { return nil }
