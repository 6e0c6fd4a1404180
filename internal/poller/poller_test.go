package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/voice_answer/internal/clock"
	"github.com/Vovarama1992/voice_answer/internal/conversation"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

type fakeProber struct {
	mu     sync.Mutex
	calls  map[string]int
	answer func(ref string, attempt int) (bool, error)
}

func newFakeProber(answer func(ref string, attempt int) (bool, error)) *fakeProber {
	return &fakeProber{calls: make(map[string]int), answer: answer}
}

func (f *fakeProber) ProbeArtifact(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	f.calls[ref]++
	n := f.calls[ref]
	f.mu.Unlock()
	return f.answer(ref, n)
}

func (f *fakeProber) FetchArtifact(context.Context, string) (*ports.Artifact, error) {
	return nil, errors.New("not used")
}

func (f *fakeProber) count(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func generating(t *testing.T, s *conversation.Store) ports.MessageID {
	t.Helper()
	id, err := s.Append(ports.Message{Role: ports.RoleAssistant, Text: "A", AudioState: ports.AudioGenerating})
	require.NoError(t, err)
	return id
}

// drive lets the grace delay pass, then n probe intervals.
func drive(clk *clock.Fake, cfg Config, n int) {
	clk.BlockUntil(1)
	clk.Advance(cfg.GraceDelay)
	for i := 1; i < n; i++ {
		clk.BlockUntil(1)
		clk.Advance(cfg.Interval)
	}
}

func TestTaskTransitions(t *testing.T) {
	task := NewTask(7, "r1", 3)
	assert.Equal(t, OutcomePending, task.Outcome)

	task = task.Advance(false).Advance(false)
	assert.Equal(t, OutcomePending, task.Outcome)
	assert.Equal(t, 2, task.Attempt)

	task = task.Advance(false)
	assert.Equal(t, OutcomeTimedOut, task.Outcome)
	assert.Equal(t, 3, task.Attempt)

	again := task.Advance(true).Cancel()
	assert.Equal(t, task, again, "resolved task never changes")

	ready := NewTask(7, "r1", 3).Advance(true)
	p, ok := ready.Patch()
	require.True(t, ok)
	assert.Equal(t, ports.AudioReady, p.State)
	assert.Equal(t, "r1", *p.Ref)

	_, ok = NewTask(7, "r1", 3).Cancel().Patch()
	assert.False(t, ok)
}

func TestReadyOnThirdProbe(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(_ string, n int) (bool, error) { return n == 3, nil })
	cfg := DefaultConfig()
	p := New(store, prober, cfg, WithClock(clk))

	h := p.Start(context.Background(), id, "r1")
	drive(clk, cfg, 3)
	<-h.Done()

	assert.Equal(t, OutcomeReady, h.Outcome())
	assert.Equal(t, 3, prober.count("r1"))
	assert.Equal(t, 0, clk.Sleepers(), "no further probes scheduled")

	msg, _ := store.Get(id)
	assert.Equal(t, ports.AudioReady, msg.AudioState)
	assert.Equal(t, "r1", msg.AudioRef)
	assert.False(t, p.Active(id))
}

func TestTimesOutAfterMaxAttempts(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return false, nil })
	cfg := DefaultConfig()

	var mu sync.Mutex
	var resolved []Task
	p := New(store, prober, cfg, WithClock(clk), WithOnResolved(func(_ ports.MessageID, task Task) {
		mu.Lock()
		resolved = append(resolved, task)
		mu.Unlock()
	}))

	h := p.Start(context.Background(), id, "r1")
	drive(clk, cfg, cfg.MaxAttempts)
	<-h.Done()
	p.Wait()

	assert.Equal(t, OutcomeTimedOut, h.Outcome())
	assert.Equal(t, 40, prober.count("r1"))
	assert.Equal(t, 0, clk.Sleepers())

	clk.Advance(time.Minute)
	assert.Equal(t, 40, prober.count("r1"), "never probes again")

	msg, _ := store.Get(id)
	assert.Equal(t, ports.AudioFailed, msg.AudioState)
	assert.Empty(t, msg.AudioRef)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, OutcomeTimedOut, resolved[0].Outcome)
}

func TestProbeErrorsCountAsAttempts(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return false, errors.New("connection refused") })
	cfg := Config{GraceDelay: time.Second, Interval: 500 * time.Millisecond, MaxAttempts: 3, ProbeTimeout: time.Second}
	p := New(store, prober, cfg, WithClock(clk))

	h := p.Start(context.Background(), id, "r1")
	drive(clk, cfg, 3)
	<-h.Done()

	assert.Equal(t, OutcomeTimedOut, h.Outcome())
	assert.Equal(t, 3, prober.count("r1"))
}

func TestSecondPollSupersedesFirst(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return true, nil })
	cfg := DefaultConfig()
	p := New(store, prober, cfg, WithClock(clk))

	first := p.Start(context.Background(), id, "old")
	clk.BlockUntil(1)

	second := p.Start(context.Background(), id, "new")
	<-first.Done()
	assert.Equal(t, OutcomeCancelled, first.Outcome())

	drive(clk, cfg, 1)
	<-second.Done()

	assert.Equal(t, OutcomeReady, second.Outcome())
	assert.Equal(t, 0, prober.count("old"))

	msg, _ := store.Get(id)
	assert.Equal(t, "new", msg.AudioRef)
}

func TestClearedMessageOutcomeIsNoop(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return true, nil })
	cfg := DefaultConfig()
	p := New(store, prober, cfg, WithClock(clk))

	h := p.Start(context.Background(), id, "r1")
	clk.BlockUntil(1)
	store.Clear()

	drive(clk, cfg, 1)
	<-h.Done()

	assert.Equal(t, OutcomeReady, h.Outcome())
	assert.Empty(t, store.List())
}

func TestCancelStopsProbing(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return false, nil })
	cfg := DefaultConfig()
	p := New(store, prober, cfg, WithClock(clk))

	h := p.Start(context.Background(), id, "r1")
	drive(clk, cfg, 2)
	clk.BlockUntil(1)

	p.CancelAll()
	<-h.Done()

	assert.Equal(t, OutcomeCancelled, h.Outcome())
	assert.Equal(t, 2, prober.count("r1"))

	msg, _ := store.Get(id)
	assert.Equal(t, ports.AudioGenerating, msg.AudioState, "cancelled task leaves the store alone")
}

func TestParentContextCancels(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return true, nil })
	p := New(store, prober, DefaultConfig(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	h := p.Start(ctx, id, "r1")
	clk.BlockUntil(1)
	cancel()
	<-h.Done()

	assert.Equal(t, OutcomeCancelled, h.Outcome())
	assert.Equal(t, 0, prober.count("r1"))
}

func TestExitedTaskIsForgotten(t *testing.T) {
	store := conversation.NewStore()
	id := generating(t, store)
	clk := clock.NewFake(time.Unix(0, 0))
	prober := newFakeProber(func(string, int) (bool, error) { return false, nil })
	p := New(store, prober, DefaultConfig(), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	h := p.Start(ctx, id, "r1")
	assert.True(t, p.Active(id))

	cancel()
	<-h.Done()
	assert.False(t, p.Active(id))
}
