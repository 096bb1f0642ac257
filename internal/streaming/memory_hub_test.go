package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	all, cancelAll, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelAll()

	onlyExec1, cancelExec1, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec_1"})
	require.NoError(t, err)
	defer cancelExec1()

	onlyFailures, cancelFailures, err := hub.Subscribe(ctx, Filter{Types: []string{"step_failed"}})
	require.NoError(t, err)
	defer cancelFailures()

	events := []Event{
		{ExecutionID: "exec_1", Type: "step_started", StepID: "a"},
		{ExecutionID: "exec_2", Type: "step_failed", StepID: "b"},
		{ExecutionID: "exec_1", Type: "step_failed", StepID: "c"},
	}
	for _, ev := range events {
		require.NoError(t, hub.Publish(ctx, ev))
	}

	assert.Len(t, drain(all), 3)

	got := drain(onlyExec1)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].StepID)
	assert.Equal(t, "c", got[1].StepID)

	got = drain(onlyFailures)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].StepID)
	assert.Equal(t, "c", got[1].StepID)
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec_1", Type: "step_started"}))
	assert.Empty(t, drain(ch))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; Publish must never block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec_1", Type: "step_started"}))
	}
	assert.Len(t, drain(ch), defaultChannelBuffer)
}

func TestPublishAfterContextCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, Event{}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
