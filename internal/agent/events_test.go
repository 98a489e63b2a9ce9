package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

func TestEventBusRoutesByType(t *testing.T) {
	logger, _ := setupTestLogger(t)
	bus := NewEventBus(logger, 4)
	defer bus.Shutdown()

	states, unsubscribe := bus.Subscribe(schemas.EventStateChange)
	defer unsubscribe()
	all, unsubscribeAll := bus.Subscribe()
	defer unsubscribeAll()

	bus.Emit(schemas.EventMouseMove, map[string]interface{}{"x": 1, "y": 2})
	bus.Emit(schemas.EventStateChange, map[string]interface{}{"to": "ARMED"})

	got := <-states
	assert.Equal(t, schemas.EventStateChange, got.Type)
	assert.Equal(t, "ARMED", got.Payload["to"])
	assert.NotEmpty(t, got.ID)

	assert.Equal(t, schemas.EventMouseMove, (<-all).Type)
	assert.Equal(t, schemas.EventStateChange, (<-all).Type)
	select {
	case e := <-states:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestEventBusEmitNeverBlocks(t *testing.T) {
	logger, _ := setupTestLogger(t)
	bus := NewEventBus(logger, 2)
	defer bus.Shutdown()

	_, unsubscribe := bus.Subscribe(schemas.EventMouseMove)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.Emit(schemas.EventMouseMove, map[string]interface{}{"x": i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.Equal(t, uint64(48), bus.Dropped())
}

func TestEventBusShutdown(t *testing.T) {
	logger, _ := setupTestLogger(t)
	bus := NewEventBus(logger, 0)

	ch, unsubscribe := bus.Subscribe(schemas.EventVisualLog)
	bus.Shutdown()
	_, open := <-ch
	assert.False(t, open, "shutdown closes subscribers")

	assert.NotPanics(t, func() {
		bus.Emit(schemas.EventVisualLog, nil)
		unsubscribe()
		bus.Shutdown()
	})

	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestEventBusConcurrentSubscribers(t *testing.T) {
	logger, _ := setupTestLogger(t)
	bus := NewEventBus(logger, 16)
	defer bus.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, unsubscribe := bus.Subscribe(schemas.EventThoughtLog)
			bus.Emit(schemas.EventThoughtLog, map[string]interface{}{"text": "hi"})
			<-ch
			unsubscribe()
		}()
	}
	wg.Wait()
}

type bufferCloser struct {
	mu     sync.Mutex
	lines  []byte
	closed bool
	err    error
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	b.lines = append(b.lines, p...)
	return len(p), nil
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestTranscript(t *testing.T) {
	logger, logs := setupTestLogger(t)
	buf := &bufferCloser{}
	tr := newTranscriptWriter(logger, buf)
	tr.now = func() time.Time { return time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC) }

	tr.Log("user", "/actua 10")
	tr.Log("assistant", "Autonomy active.")

	lines := splitLines(buf.lines)
	require.Len(t, lines, 2)
	var first TranscriptEntry
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "user", first.Role)
	assert.Equal(t, "/actua 10", first.Content)
	assert.True(t, first.Time.Equal(tr.now()))

	buf.err = errors.New("disk full")
	tr.Log("system", "dropped")
	assert.Equal(t, 1, logs.FilterMessage("Failed to append transcript entry.").Len())

	require.NoError(t, tr.Close())
	assert.True(t, buf.closed)

	var disabled *Transcript
	assert.NotPanics(t, func() { disabled.Log("user", "x") })
	assert.NoError(t, NewTranscript(logger, "").Close())
}

func splitLines(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, b[start:i])
			start = i + 1
		}
	}
	return out
}

type scriptedPointer struct {
	mu        sync.Mutex
	positions [][2]int
	i         int
}

func (p *scriptedPointer) Position(context.Context) (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.i >= len(p.positions) {
		last := p.positions[len(p.positions)-1]
		return last[0], last[1], nil
	}
	pos := p.positions[p.i]
	p.i++
	return pos[0], pos[1], nil
}

func TestPointerTelemetryEmitsOnlyChanges(t *testing.T) {
	logger, _ := setupTestLogger(t)
	sink := &recordingSink{}
	reader := &scriptedPointer{positions: [][2]int{{10, 10}, {10, 10}, {12, 11}, {12, 11}, {30, 40}}}
	p := NewPointerTelemetry(logger, reader, sink, 200)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(sink.ofType(schemas.EventMouseMove)) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	moves := sink.ofType(schemas.EventMouseMove)
	require.Len(t, moves, 3)
	assert.Equal(t, 30, moves[2].Payload["x"])
	assert.Equal(t, 40, moves[2].Payload["y"])
}
