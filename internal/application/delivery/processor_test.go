package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluencyhub/fluency-sync/internal/domain/queue"
)

// fakeQueueStore mimics the persistence contract: ListDeliverable filters
// on sent, attempts and backoff deadline, MarkFailed increments attempts
// and pushes the deadline out.
type fakeQueueStore struct {
	mu     sync.Mutex
	events map[int64]*queue.Event
	now    func() time.Time

	sentCalls   []int64
	failedCalls []int64
	lastError   string

	markSentErr error
}

func newFakeQueueStore(now func() time.Time, events ...queue.Event) *fakeQueueStore {
	s := &fakeQueueStore{events: make(map[int64]*queue.Event), now: now}
	for i := range events {
		e := events[i]
		s.events[e.ID] = &e
	}
	return s
}

func (s *fakeQueueStore) ListDeliverable(_ context.Context, limit int) ([]queue.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.Event
	for _, e := range s.events {
		if len(out) >= limit {
			break
		}
		if !e.Deliverable(s.now()) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeQueueStore) MarkSent(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markSentErr != nil {
		return s.markSentErr
	}
	s.sentCalls = append(s.sentCalls, eventID)
	s.events[eventID].Sent = true
	return nil
}

func (s *fakeQueueStore) MarkFailed(_ context.Context, eventID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failedCalls = append(s.failedCalls, eventID)
	s.lastError = message

	e := s.events[eventID]
	e.Attempts++
	deadline := s.now().Add(time.Duration(1<<e.Attempts) * time.Minute)
	e.NextRetryAt = &deadline
	return nil
}

func (s *fakeQueueStore) counts() (sent, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sentCalls), len(s.failedCalls)
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	fn    func(payload queue.Payload) error
}

func (p *fakePublisher) Publish(_ context.Context, payload queue.Payload) error {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()

	if fn != nil {
		return fn(payload)
	}
	return nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testEvent(id int64) queue.Event {
	return queue.Event{
		ID: id,
		Payload: queue.Payload{
			LearnerID:       "learner-1",
			ResourceID:      "mult-0-5",
			CompletedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			DurationSeconds: 120,
			CorrectCount:    38,
			TotalCount:      40,
		},
	}
}

func newTestProcessor(store QueueStore, pub Publisher) *Processor {
	config := DefaultConfig()
	return NewProcessor(config, store, pub)
}

func TestProcessorDeliversAndMarksSent(t *testing.T) {
	store := newFakeQueueStore(time.Now, testEvent(1), testEvent(2))
	pub := &fakePublisher{}
	p := newTestProcessor(store, pub)

	p.sweep(context.Background())
	p.wg.Wait()

	sent, failed := store.counts()
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, pub.callCount())
}

func TestProcessorMarksFailedWithTruncatedError(t *testing.T) {
	store := newFakeQueueStore(time.Now, testEvent(1))
	pub := &fakePublisher{fn: func(queue.Payload) error {
		return errors.New(strings.Repeat("x", 2000))
	}}
	p := newTestProcessor(store, pub)

	p.sweep(context.Background())
	p.wg.Wait()

	sent, failed := store.counts()
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)
	assert.Len(t, store.lastError, errMessageLimit)
	assert.Equal(t, 1, store.events[1].Attempts)
	require.NotNil(t, store.events[1].NextRetryAt)
}

func TestProcessorSingleAttemptPerEvent(t *testing.T) {
	store := newFakeQueueStore(time.Now, testEvent(1))

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	pub := &fakePublisher{fn: func(queue.Payload) error {
		started <- struct{}{}
		<-release
		return nil
	}}
	p := newTestProcessor(store, pub)

	ctx := context.Background()
	p.sweep(ctx)
	<-started

	// Further sweeps while the attempt is in flight must not start a
	// second attempt for the same id.
	p.sweep(ctx)
	p.sweep(ctx)
	assert.Equal(t, 1, pub.callCount())

	close(release)
	p.wg.Wait()

	sent, _ := store.counts()
	assert.Equal(t, 1, sent)
}

func TestProcessorSkipsExhaustedEvents(t *testing.T) {
	exhausted := testEvent(1)
	exhausted.Attempts = queue.MaxAttempts
	store := newFakeQueueStore(time.Now, exhausted)
	pub := &fakePublisher{}
	p := newTestProcessor(store, pub)

	p.sweep(context.Background())
	// Even if the event reaches dispatch directly, it must be dropped.
	p.dispatch(context.Background(), exhausted)
	p.wg.Wait()

	assert.Equal(t, 0, pub.callCount())
	sent, failed := store.counts()
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, failed)
}

func TestProcessorHonorsBackoffDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(4 * time.Minute)

	waiting := testEvent(1)
	waiting.Attempts = 2
	waiting.NextRetryAt = &later

	clock := func() time.Time { return now }
	store := newFakeQueueStore(clock, waiting)
	pub := &fakePublisher{}
	p := newTestProcessor(store, pub)
	p.now = clock

	p.sweep(context.Background())
	p.dispatch(context.Background(), waiting)
	p.wg.Wait()
	assert.Equal(t, 0, pub.callCount())

	// Once the deadline passes the event becomes deliverable again.
	now = later.Add(time.Second)
	p.sweep(context.Background())
	p.wg.Wait()
	assert.Equal(t, 1, pub.callCount())
}

func TestProcessorStopsAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := newFakeQueueStore(clock, testEvent(1))
	pub := &fakePublisher{fn: func(queue.Payload) error {
		return errors.New("upstream unavailable")
	}}
	p := newTestProcessor(store, pub)
	p.now = clock

	// Drive sweeps past every backoff window.
	for i := 0; i < 10; i++ {
		p.sweep(context.Background())
		p.wg.Wait()
		now = now.Add(time.Hour)
	}

	assert.Equal(t, queue.MaxAttempts, pub.callCount())
	_, failed := store.counts()
	assert.Equal(t, queue.MaxAttempts, failed)
	assert.Equal(t, queue.MaxAttempts, store.events[1].Attempts)
}

func TestProcessorMarkSentFailureLeavesEventUnsent(t *testing.T) {
	store := newFakeQueueStore(time.Now, testEvent(1))
	store.markSentErr = errors.New("connection reset")
	pub := &fakePublisher{}
	p := newTestProcessor(store, pub)

	p.sweep(context.Background())
	p.wg.Wait()

	// The POST happened but the store still shows the event unsent; the
	// next sweep will redeliver it.
	assert.Equal(t, 1, pub.callCount())
	assert.False(t, store.events[1].Sent)
	_, failed := store.counts()
	assert.Equal(t, 0, failed)
}

func TestProcessorWakeTriggersSweep(t *testing.T) {
	store := newFakeQueueStore(time.Now)
	delivered := make(chan struct{}, 1)
	pub := &fakePublisher{fn: func(queue.Payload) error {
		delivered <- struct{}{}
		return nil
	}}

	config := DefaultConfig()
	config.PollInterval = time.Hour
	p := NewProcessor(config, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	store.mu.Lock()
	e := testEvent(1)
	store.events[1] = &e
	store.mu.Unlock()

	p.Wake()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not trigger a sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestProcessorWakeNeverBlocks(t *testing.T) {
	p := newTestProcessor(newFakeQueueStore(time.Now), &fakePublisher{})
	for i := 0; i < 100; i++ {
		p.Wake()
	}
}
