package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// scriptedStore fails its first N appends, then accepts everything.
type scriptedStore struct {
	mu       sync.Mutex
	failures int
	appends  int
	entries  []Entry
}

func (s *scriptedStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *scriptedStore) stored() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *scriptedStore) appendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Entry) error {
	return errors.New("sink unavailable")
}

func newTestRecorder(store Store, opts ...RecorderOption) *Recorder {
	base := []RecorderOption{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(3, 5*time.Millisecond),
	}
	return NewRecorder(store, append(base, opts...)...)
}

func TestRecordNeverFailsCallerDuringStoreOutage(t *testing.T) {
	store := &scriptedStore{failures: 2}
	recorder := newTestRecorder(store)

	// The store is down; Record has no error to return and must not
	// panic or block. Nothing is persisted yet.
	recorder.Record(context.Background(), Entry{Action: ActionLoginFailed})
	require.Empty(t, store.stored())
	require.Equal(t, 1, store.appendCalls())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recorder.Run(ctx)

	// Run drains the retry queue: one more failure, then the write lands.
	require.Eventually(t, func() bool {
		return len(store.stored()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, store.appendCalls())
	require.Equal(t, ActionLoginFailed, store.stored()[0].Action)
	require.NotEqual(t, uuid.Nil, store.stored()[0].ID)
	require.False(t, store.stored()[0].Timestamp.IsZero())
}

func TestEntryDroppedAfterRetryBudget(t *testing.T) {
	store := &scriptedStore{failures: 1 << 30}
	recorder := newTestRecorder(store)

	recorder.Record(context.Background(), Entry{Action: ActionSessionRevoked})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	recorder.Run(ctx)

	// One append from Record plus maxRetries from Run, then the entry
	// is dropped rather than retried forever.
	require.Equal(t, 4, store.appendCalls())
	require.Empty(t, store.stored())
}

func TestEnqueueDropsWhenRetryQueueFull(t *testing.T) {
	store := &scriptedStore{failures: 1 << 30}
	recorder := newTestRecorder(store)
	recorder.retryQueue = make(chan retryItem, 2)

	for i := 0; i < 5; i++ {
		recorder.Record(context.Background(), Entry{Action: ActionLoginFailed})
	}

	// Overflow is dropped, not blocked on.
	require.Len(t, recorder.retryQueue, 2)
	require.Equal(t, 5, store.appendCalls())
}

func TestSinkFailureDoesNotAffectRecord(t *testing.T) {
	store := &scriptedStore{}
	recorder := newTestRecorder(store, WithSink(failingSink{}))

	recorder.Record(context.Background(), Entry{Action: ActionLoginSucceeded})

	require.Len(t, store.stored(), 1)
	require.Zero(t, len(recorder.retryQueue))
}
