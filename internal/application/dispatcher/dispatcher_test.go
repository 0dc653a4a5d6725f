package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mischa23v/caseflow/internal/domain/event"
)

func testEvent(t event.Type) *event.Event {
	return &event.Event{
		ID:         "evt-1",
		InstanceID: "inst-1",
		Sequence:   1,
		Type:       t,
	}
}

func TestDispatchRoutesToTypedHandlers(t *testing.T) {
	d := New(zap.NewNop())

	var approved, rejected int
	d.Subscribe(event.TypeApproved, "approved-counter", func(_ context.Context, _ *event.Event) error {
		approved++
		return nil
	})
	d.Subscribe(event.TypeRejected, "rejected-counter", func(_ context.Context, _ *event.Event) error {
		rejected++
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), testEvent(event.TypeApproved)))
	require.NoError(t, d.Dispatch(context.Background(), testEvent(event.TypeApproved)))

	assert.Equal(t, 2, approved)
	assert.Equal(t, 0, rejected)
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	d := New(zap.NewNop())

	var seen []event.Type
	d.SubscribeAll("audit", func(_ context.Context, evt *event.Event) error {
		seen = append(seen, evt.Type)
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), testEvent(event.TypeStarted)))
	require.NoError(t, d.Dispatch(context.Background(), testEvent(event.TypeCompleted)))

	assert.Equal(t, []event.Type{event.TypeStarted, event.TypeCompleted}, seen)
}

func TestDispatchReturnsFirstHandlerError(t *testing.T) {
	d := New(zap.NewNop())

	d.Subscribe(event.TypeApproved, "failing", func(_ context.Context, _ *event.Event) error {
		return fmt.Errorf("downstream unavailable")
	})

	err := d.Dispatch(context.Background(), testEvent(event.TypeApproved))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Contains(t, err.Error(), "downstream unavailable")
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	d := New(zap.NewNop())

	d.Subscribe(event.TypeApproved, "panicky", func(_ context.Context, _ *event.Event) error {
		panic("boom")
	})

	err := d.Dispatch(context.Background(), testEvent(event.TypeApproved))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestDispatchAsyncDoesNotBlockOnHandlers(t *testing.T) {
	d := New(zap.NewNop())

	var mu sync.Mutex
	var count int
	release := make(chan struct{})
	d.Subscribe(event.TypeApproved, "slow", func(_ context.Context, _ *event.Event) error {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	done := make(chan struct{})
	go func() {
		d.DispatchAsync(context.Background(), testEvent(event.TypeApproved))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DispatchAsync blocked on a slow handler")
	}

	close(release)
	require.NoError(t, d.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "Close waits for in-flight handlers")
}

func TestClosedDispatcherRefusesEvents(t *testing.T) {
	d := New(zap.NewNop())
	require.NoError(t, d.Close())

	err := d.Dispatch(context.Background(), testEvent(event.TypeApproved))
	require.Error(t, err)

	// Async drops are silent by contract.
	d.DispatchAsync(context.Background(), testEvent(event.TypeApproved))

	assert.Error(t, d.Close(), "closing twice is an error")
}
