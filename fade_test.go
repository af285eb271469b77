package main

// ===========================
// Crossfade Tests
// ===========================

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gainRecorder struct {
	mu    sync.Mutex
	gains []float64
}

func (r *gainRecorder) apply(g float64) {
	r.mu.Lock()
	r.gains = append(r.gains, g)
	r.mu.Unlock()
}

func (r *gainRecorder) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.gains...)
}

func TestClampCrossfadeMs(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, MinCrossfadeMs},
		{0, MinCrossfadeMs},
		{999, MinCrossfadeMs},
		{1000, 1000},
		{3000, 3000},
		{10000, 10000},
		{10001, MaxCrossfadeMs},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampCrossfadeMs(tt.in), "in=%d", tt.in)
	}
}

func TestFadeOutRampsToSilenceThenStops(t *testing.T) {
	rec := &gainRecorder{}
	var stopped atomic.Int32
	f := NewFader(rec.apply, func() bool { return true }, func() { stopped.Add(1) })

	f.FadeOut(40)

	gains := rec.snapshot()
	require.Len(t, gains, FadeSteps)
	for i := 1; i < len(gains); i++ {
		assert.Less(t, gains[i], gains[i-1], "step %d", i)
	}
	assert.Equal(t, 0.0, gains[len(gains)-1])
	assert.Equal(t, 0.0, f.Gain())
	assert.Equal(t, int32(1), stopped.Load())
}

func TestFadeOutWithoutOutputIsNoop(t *testing.T) {
	rec := &gainRecorder{}
	var stopped atomic.Int32
	f := NewFader(rec.apply, func() bool { return false }, func() { stopped.Add(1) })

	f.FadeOut(40)

	assert.Empty(t, rec.snapshot())
	assert.Zero(t, stopped.Load())
	assert.Equal(t, 1.0, f.Gain())
}

func TestFadeInRampsFromSilenceToFull(t *testing.T) {
	rec := &gainRecorder{}
	f := NewFader(rec.apply, func() bool { return true }, nil)

	f.FadeIn(40)

	assert.Eventually(t, func() bool {
		g := rec.snapshot()
		return len(g) > 0 && g[len(g)-1] == 1.0
	}, 2*time.Second, 5*time.Millisecond)

	gains := rec.snapshot()
	require.Len(t, gains, FadeSteps+1, "silence drop plus the ramp")
	assert.Equal(t, 0.0, gains[0])
	for i := 1; i < len(gains); i++ {
		assert.Greater(t, gains[i], gains[i-1], "step %d", i)
	}
	assert.Equal(t, 1.0, f.Gain())
}

// A fade-in arriving mid fade-out takes over the gain: the old ramp is
// cancelled before it reaches silence and its stop callback never runs.
func TestFadeInCancelsRunningFadeOut(t *testing.T) {
	rec := &gainRecorder{}
	var stopped atomic.Int32
	f := NewFader(rec.apply, func() bool { return true }, func() { stopped.Add(1) })

	done := make(chan struct{})
	go func() {
		f.FadeOut(2000)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	f.FadeIn(40)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled fade-out never returned")
	}
	assert.Eventually(t, func() bool { return f.Gain() == 1.0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, stopped.Load())
}
