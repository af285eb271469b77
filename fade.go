package main

import (
	"context"
	"sync"
	"time"
)

// Crossfade engine. Playback gain ramps between 0.0 and 1.0 in fixed
// discrete steps; the transcoder multiplies samples by the current gain
// on top of the user volume. Fade-out blocks its caller so the play loop
// cannot advance mid-ramp, fade-in runs in the background so playback
// starts immediately.

const (
	// FadeSteps is the number of discrete gain updates per ramp.
	FadeSteps = 20

	DefaultCrossfadeMs = 3000
	MinCrossfadeMs     = 1000
	MaxCrossfadeMs     = 10000

	// FadeGainScale is the fixed-point factor for gain as stored in the
	// transcoder's atomic: 1.0 -> 1000.
	FadeGainScale = 1000
)

// ClampCrossfadeMs bounds a configured crossfade duration to the
// supported range.
func ClampCrossfadeMs(ms int) int {
	if ms < MinCrossfadeMs {
		return MinCrossfadeMs
	}
	if ms > MaxCrossfadeMs {
		return MaxCrossfadeMs
	}
	return ms
}

// Fader owns the playback gain for one session. A new ramp cancels any
// ramp still in flight, so concurrent FadeOut/FadeIn calls never fight
// over the gain value.
type Fader struct {
	mu     sync.Mutex
	gain   float64
	cancel context.CancelFunc

	apply  func(gain float64)
	active func() bool
	stop   func()
}

// NewFader returns a Fader at full gain. apply receives every gain
// change, active reports whether audio output is currently attached and
// stop halts that output once a fade-out completes.
func NewFader(apply func(float64), active func() bool, stop func()) *Fader {
	return &Fader{
		gain:   1.0,
		apply:  apply,
		active: active,
		stop:   stop,
	}
}

// Gain returns the current gain in [0.0, 1.0].
func (f *Fader) Gain() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gain
}

// beginRamp cancels any in-flight ramp and returns the context for the
// new one.
func (f *Fader) beginRamp() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	return ctx
}

// FadeOut ramps the gain down to silence over durationMs and then stops
// the output. It blocks until the ramp completes or is cancelled. When
// no output is active it returns immediately without touching the gain.
func (f *Fader) FadeOut(durationMs int) {
	if f.active != nil && !f.active() {
		return
	}

	ctx := f.beginRamp()

	f.mu.Lock()
	from := f.gain
	f.mu.Unlock()

	LogFade(MsgFadeOutStart, IntervalMsToDuration(durationMs), FadeSteps)
	if !f.ramp(ctx, from, 0.0, durationMs) {
		return
	}
	if f.stop != nil {
		f.stop()
	}
}

// FadeIn drops the gain to silence and ramps it back to full volume in
// the background. Call it after the new track's output is attached.
func (f *Fader) FadeIn(durationMs int) {
	ctx := f.beginRamp()
	f.setGain(0.0)

	LogFade(MsgFadeInStart, IntervalMsToDuration(durationMs), FadeSteps)
	safeGo(func() {
		f.ramp(ctx, 0.0, 1.0, durationMs)
	})
}

// ramp moves the gain from one value to another in FadeSteps equal
// increments spread over durationMs. Returns false if the ramp was
// cancelled before reaching the target.
func (f *Fader) ramp(ctx context.Context, from, to float64, durationMs int) bool {
	if durationMs < FadeSteps {
		durationMs = FadeSteps
	}
	ticker := time.NewTicker(IntervalMsToDuration(durationMs / FadeSteps))
	defer ticker.Stop()

	for step := 1; step <= FadeSteps; step++ {
		select {
		case <-ctx.Done():
			LogFade(MsgFadeCancelled, step, FadeSteps)
			return false
		case <-ticker.C:
			f.setGain(from + (to-from)*float64(step)/FadeSteps)
		}
	}
	return true
}

func (f *Fader) setGain(gain float64) {
	f.mu.Lock()
	f.gain = gain
	f.mu.Unlock()
	if f.apply != nil {
		f.apply(gain)
	}
}
