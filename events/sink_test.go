package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNewStampsIDAndTime(t *testing.T) {
	a := New(PhaseStarted, "case-1")
	b := New(PhaseStarted, "case-1")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, -1, a.PhaseIndex)
	assert.False(t, a.Timestamp.IsZero())
	assert.True(t, PhaseSkipped.Valid())
	assert.False(t, Type("phase.paused").Valid())
}

func TestSubscribeFiltersByType(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	sub := sink.Subscribe(PhaseCompleted)
	sink.Publish(New(PhaseStarted, "c"))
	sink.Publish(New(PhaseCompleted, "c"))

	e := receive(t, sub)
	assert.Equal(t, PhaseCompleted, e.Type)
	assert.Equal(t, 0, sub.Pending())
}

func TestSubscribeForCase(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	sub := sink.SubscribeWith(ForCase("b"))
	sink.Publish(New(PhaseStarted, "a"))
	sink.Publish(New(PhaseStarted, "b"))

	e := receive(t, sub)
	assert.Equal(t, "b", e.CaseID)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	sub := sink.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			e := New(PhaseProgress, "c")
			e.Progress = i
			sink.Publish(e)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}

	for i := 0; i < 500; i++ {
		e := receive(t, sub)
		require.Equal(t, i, e.Progress, "events arrive in publish order")
	}
}

func TestSubscribeFuncRecoversPanics(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	var mu sync.Mutex
	var seen []Type
	sink.SubscribeFunc(func(e Event) {
		if e.Type == PhaseFailed {
			panic("observer bug")
		}
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	sink.Publish(New(PhaseStarted, "c"))
	sink.Publish(New(PhaseFailed, "c"))
	sink.Publish(New(PhaseCompleted, "c"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []Type{PhaseStarted, PhaseCompleted}, seen)
	mu.Unlock()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	sink := NewSink()
	defer sink.Close()

	sub := sink.Subscribe()
	assert.Equal(t, 1, sink.Subscribers())
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, sink.Subscribers())

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestCloseStopsSubscribers(t *testing.T) {
	sink := NewSink()
	sub := sink.Subscribe()
	sink.Close()
	sink.Close()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	late := sink.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok)
	sink.Publish(New(PhaseStarted, "c"))
}

func TestEventCloneIsDeep(t *testing.T) {
	e := New(PhaseFailed, "c")
	e.Actionable = []string{"retry"}
	cp := e.Clone()
	cp.Actionable[0] = "skip"
	assert.Equal(t, "retry", e.Actionable[0])
}
