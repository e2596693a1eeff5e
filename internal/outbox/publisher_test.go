package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testStore is an in-memory Store double; the publisher tests never call
// Append, so it is a no-op satisfying the interface.
type testStore struct {
	mu       sync.Mutex
	pending  []Event
	resolved []Outcome
}

func (s *testStore) Append(ctx context.Context, tx pgx.Tx, evt Event) error { return nil }

func (s *testStore) ClaimBatch(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *testStore) Resolve(ctx context.Context, outcomes []Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, outcomes...)
	return nil
}

type fakeBroker struct {
	mu        sync.Mutex
	published []string // exchange names
	failNext  int
}

func (f *fakeBroker) Publish(ctx context.Context, exchange, routingKey string, headers map[string]any, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errSimulatedBrokerFailure
	}
	f.published = append(f.published, exchange)
	return nil
}

var errSimulatedBrokerFailure = fakeErr("simulated broker failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newEvent(id int64, eventType string) Event {
	return Event{ID: id, EventID: uuid.New(), EventType: eventType, AggregateType: "submission", AggregateID: id, Payload: []byte(`{}`)}
}

func TestPublisher_RoutesDispatchVsDomainExchange(t *testing.T) {
	store := &testStore{pending: []Event{
		newEvent(1, "submission.judged"),
		newEvent(2, "dispatch.judge-submission"),
	}}
	broker := &fakeBroker{}
	pub := NewPublisher(store, broker, zap.NewNop(), PublisherConfig{
		DomainExchange:   "judge.events",
		DispatchExchange: "judge.dispatch",
	})

	require.NoError(t, pub.pollOnce(context.Background()))

	require.Len(t, broker.published, 2)
	assert.Contains(t, broker.published, "judge.events")
	assert.Contains(t, broker.published, "judge.dispatch")

	require.Len(t, store.resolved, 2)
	for _, o := range store.resolved {
		assert.True(t, o.Published)
	}
}

func TestPublisher_RetriesOnFailureWithBackoff(t *testing.T) {
	evt := newEvent(7, "submission.judged")
	evt.RetryCount = 1
	store := &testStore{pending: []Event{evt}}
	broker := &fakeBroker{failNext: 1}
	pub := NewPublisher(store, broker, zap.NewNop(), PublisherConfig{
		DomainExchange:   "judge.events",
		DispatchExchange: "judge.dispatch",
	})

	require.NoError(t, pub.pollOnce(context.Background()))

	require.Len(t, store.resolved, 1)
	o := store.resolved[0]
	assert.False(t, o.Published)
	assert.True(t, o.Retry)
	assert.Equal(t, 2, o.RetryCount)
	assert.True(t, o.NextRetryAt.After(time.Now()))
}

func TestPublisher_EscalatesAfterRetryBudget(t *testing.T) {
	evt := newEvent(9, "submission.judged")
	evt.RetryCount = maxRetries
	store := &testStore{pending: []Event{evt}}
	broker := &fakeBroker{failNext: 1}
	pub := NewPublisher(store, broker, zap.NewNop(), PublisherConfig{
		DomainExchange:   "judge.events",
		DispatchExchange: "judge.dispatch",
	})

	require.NoError(t, pub.pollOnce(context.Background()))

	require.Len(t, store.resolved, 1)
	o := store.resolved[0]
	assert.False(t, o.Published)
	assert.False(t, o.Retry)
	assert.Equal(t, maxRetries+1, o.RetryCount, "escalated outcome must still carry retry_count for Resolve to persist")
	assert.NotEmpty(t, o.LastError)
}

func TestNextBackoff_CapsGrowth(t *testing.T) {
	assert.Equal(t, 1*time.Minute, NextBackoff(0))
	assert.Equal(t, 2*time.Minute, NextBackoff(1))
	assert.Equal(t, NextBackoff(backoffCap), NextBackoff(backoffCap+5))
}

func TestShouldEscalate(t *testing.T) {
	assert.False(t, ShouldEscalate(maxRetries-1))
	assert.True(t, ShouldEscalate(maxRetries))
}
