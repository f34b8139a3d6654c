package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusOrderedStreamUntilTerminal(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Announce("r1")
	ch := b.Subscribe("r1")

	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseStart})
	b.Publish(RunEvent{RunID: "r1", Kind: EventAssistant, Delta: "hel"})
	b.Publish(RunEvent{RunID: "r1", Kind: EventAssistant, Delta: "lo"})
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})

	var got []RunEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, PhaseStart, got[0].Phase)
	assert.Equal(t, "hel", got[1].Delta)
	assert.Equal(t, "lo", got[2].Delta)
	assert.True(t, got[3].Terminal())
}

func TestEventBusSlowSubscriberStillGetsEveryEvent(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Announce("r1")
	ch := b.Subscribe("r1")

	// More events than the subscriber buffer holds, published with nobody
	// reading yet. The publisher must wait out the backpressure instead of
	// silently dropping deltas.
	const total = 80
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(RunEvent{RunID: "r1", Kind: EventAssistant, Delta: "d"})
		}
		b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})
	}()

	var got []RunEvent
	for ev := range ch {
		got = append(got, ev)
		time.Sleep(time.Millisecond)
	}
	<-done
	require.Len(t, got, total+1, "a consuming subscriber sees every event")
	assert.True(t, got[len(got)-1].Terminal())
}

func TestEventBusStalledSubscriberDisconnected(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Announce("r1")
	stalled := b.Subscribe("r1")

	start := time.Now()
	// Fill the buffer, then one more with no reader; the publisher backs
	// off for the grace period and cuts the subscriber loose.
	for i := 0; i < 65; i++ {
		b.Publish(RunEvent{RunID: "r1", Kind: EventAssistant, Delta: "d"})
	}
	assert.GreaterOrEqual(t, time.Since(start), publishGrace, "publisher waited out the grace period")

	drained := 0
	for range stalled {
		drained++
	}
	assert.Equal(t, 64, drained, "channel was closed after its buffer filled")

	// The run is still live for other subscribers.
	fresh := b.Subscribe("r1")
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})
	ev := <-fresh
	assert.True(t, ev.Terminal())
}

func TestEventBusSubscribeAfterTerminalYieldsClosedChannel(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})

	ch := b.Subscribe("r1")
	_, open := <-ch
	assert.False(t, open)
}

func TestEventBusPublishAfterTerminalDropped(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseError, Status: "error"})

	// Must not panic or resurrect the run.
	b.Publish(RunEvent{RunID: "r1", Kind: EventAssistant, Delta: "late"})

	out, err := b.Wait(context.Background(), "r1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", out.Status)
}

func TestEventBusWaitResolvesOnTerminal(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Announce("r1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseStart})
		b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok", Payload: "done"})
	}()

	out, err := b.Wait(context.Background(), "r1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "done", out.Summary)
	assert.False(t, out.EndedAt.IsZero())
}

func TestEventBusWaitTimeoutLeavesRunAlive(t *testing.T) {
	b := NewEventBus(time.Minute)
	b.Announce("r1")

	_, err := b.Wait(context.Background(), "r1", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	// The run can still terminate and resolve a later wait.
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})
	out, err := b.Wait(context.Background(), "r1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
}

func TestEventBusWaitUnknownRun(t *testing.T) {
	b := NewEventBus(time.Minute)
	_, err := b.Wait(context.Background(), "nope", time.Second)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestEventBusTapSeesEveryEvent(t *testing.T) {
	b := NewEventBus(time.Minute)
	var seen []EventKind
	b.Tap(func(ev RunEvent) { seen = append(seen, ev.Kind) })

	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseStart})
	b.Publish(RunEvent{RunID: "r1", Kind: EventTool, Phase: PhaseStart, ToolName: "search"})
	b.Publish(RunEvent{RunID: "r1", Kind: EventLifecycle, Phase: PhaseEnd, Status: "ok"})

	assert.Equal(t, []EventKind{EventLifecycle, EventTool, EventLifecycle}, seen)
}
