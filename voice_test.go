package main

// ===========================
// Playback Session Tests
// ===========================

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	SetSilentMode(true)
	os.Exit(m.Run())
}

// playRecorder stands in for the transcoder pipeline: it records every
// track handed to it and optionally blocks like a live stream until the
// track context is cancelled.
type playRecorder struct {
	mu    sync.Mutex
	urls  []string
	block chan struct{}
}

func (p *playRecorder) play(ctx context.Context, t *Track, m *ResolvedMedia) error {
	p.mu.Lock()
	p.urls = append(p.urls, t.URL)
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *playRecorder) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []SessionEvent
}

func (l *eventLog) add(ev SessionEvent) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind SessionEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) firstOf(kind SessionEventKind) (SessionEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.evs {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return SessionEvent{}, false
}

// newTestSession wires a session for loop tests: instant resolution,
// recorded streaming, zero backoff and captured events. The play loop
// is not started; tests call startLoop once their queue is staged.
func newTestSession(t *testing.T) (*RadioSession, *playRecorder, *eventLog) {
	t.Helper()
	s := newRadioSession(snowflake.ID(100))
	rec := &playRecorder{}
	evs := &eventLog{}
	s.playStream = rec.play
	s.onEvent = evs.add
	s.backoff = func(int) time.Duration { return 0 }
	s.resolve = func(ctx context.Context, url string) (*ResolvedMedia, error) {
		return &ResolvedMedia{StreamURL: "stream://" + url}, nil
	}
	t.Cleanup(s.cancelFunc)
	return s, rec, evs
}

func trk(url string) *Track {
	return NewTrack(url, "Song "+url, "Artist", UserOrigin(snowflake.ID(1), "tester"))
}

func queueURLs(s *RadioSession) []string {
	snap := s.QueueSnapshot()
	out := make([]string, 0, len(snap))
	for _, t := range snap {
		out = append(out, t.URL)
	}
	return out
}

func TestPlayLoopDrainsQueueInOrder(t *testing.T) {
	s, rec, evs := newTestSession(t)

	s.EnqueueAll([]*Track{trk("a"), trk("b"), trk("c")}, "", 0)
	s.Enqueue(trk("p"), true)
	s.startLoop()

	assert.Eventually(t, func() bool { return len(rec.played()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"p", "a", "b", "c"}, rec.played())
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, evs.count(EventTrackStarted))
	assert.Equal(t, 4, evs.count(EventTrackEnded))
	assert.Nil(t, s.Current())
}

// The queue-empty notice fires once per drain: never on a fresh idle
// session, once when a queue runs out, and again only after another
// enqueue re-arms it.
func TestQueueEmptyNoticeFiresOncePerDrain(t *testing.T) {
	s, rec, evs := newTestSession(t)

	s.startLoop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, evs.count(EventQueueEmpty), "fresh session parks silently")

	s.Enqueue(trk("a"), false)
	assert.Eventually(t, func() bool { return evs.count(EventQueueEmpty) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, evs.count(EventQueueEmpty), "idle session does not repeat the notice")
	assert.Equal(t, []string{"a"}, rec.played())

	s.Enqueue(trk("b"), false)
	assert.Eventually(t, func() bool { return evs.count(EventQueueEmpty) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestRetryCeilingBlacklistsURL(t *testing.T) {
	s, rec, evs := newTestSession(t)
	var calls atomic.Int32
	s.resolve = func(ctx context.Context, url string) (*ResolvedMedia, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}

	s.Enqueue(trk("bad"), false)
	s.startLoop()

	assert.Eventually(t, func() bool { return evs.count(EventError) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(MaxTrackRetries+1), calls.Load(), "initial attempt plus the retries")
	assert.Contains(t, s.FailedURLs(), "bad")
	assert.Empty(t, rec.played())
	assert.Zero(t, evs.count(EventTrackStarted))

	ev, ok := evs.firstOf(EventError)
	require.True(t, ok)
	assert.Contains(t, ev.Err.Error(), "Song bad")

	// Once listed, the URL is skipped without a single new attempt.
	s.Enqueue(trk("bad"), false)
	assert.Eventually(t, func() bool { return evs.count(EventQueueEmpty) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(MaxTrackRetries+1), calls.Load())
	assert.Equal(t, 1, evs.count(EventError))
}

// A play-now command must not wait out a stuck resolution; the pending
// attempt is abandoned without counting against the old track.
func TestPlayNowInterruptsResolution(t *testing.T) {
	s, rec, evs := newTestSession(t)
	resolving := make(chan struct{}, 1)
	s.resolve = func(ctx context.Context, url string) (*ResolvedMedia, error) {
		if url == "slow" {
			select {
			case resolving <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &ResolvedMedia{StreamURL: "stream://" + url}, nil
	}

	s.Enqueue(trk("slow"), false)
	s.startLoop()

	select {
	case <-resolving:
	case <-time.After(2 * time.Second):
		t.Fatal("resolution never started")
	}
	s.EnqueueAll([]*Track{trk("urgent")}, "now", 0)

	assert.Eventually(t, func() bool {
		p := rec.played()
		return len(p) == 1 && p[0] == "urgent"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.FailedURLs(), "a superseded attempt is not a failure")
	assert.Zero(t, evs.count(EventError))
}

func TestSkipAdvancesToNextTrack(t *testing.T) {
	s, rec, _ := newTestSession(t)
	rec.block = make(chan struct{})

	s.Enqueue(trk("first"), false)
	s.Enqueue(trk("second"), false)
	s.startLoop()

	require.Eventually(t, func() bool {
		cur := s.Current()
		return s.State() == StatePlaying && cur != nil && cur.URL == "first"
	}, 2*time.Second, 10*time.Millisecond)

	title, err := s.Skip()
	require.NoError(t, err)
	assert.Equal(t, "Song first", title)

	assert.Eventually(t, func() bool {
		cur := s.Current()
		return cur != nil && cur.URL == "second"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, rec.played())
}

func TestSkipWithNothingPlaying(t *testing.T) {
	s, _, _ := newTestSession(t)

	_, err := s.Skip()
	assert.ErrorIs(t, err, errNothingPlaying)
}

func TestPauseResume(t *testing.T) {
	s, rec, _ := newTestSession(t)
	rec.block = make(chan struct{})

	s.Enqueue(trk("x"), false)
	s.startLoop()
	require.Eventually(t, func() bool { return s.State() == StatePlaying }, 2*time.Second, 10*time.Millisecond)

	assert.False(t, s.Resume(), "resume without a pause")
	assert.True(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())
	assert.False(t, s.Pause(), "double pause")
	assert.True(t, s.Resume())
	assert.Equal(t, StatePlaying, s.State())
}

// Auto pause and resume yield to the user: an automatic resume never
// reverses a manual pause, while an automatic pause is reversible by
// either side.
func TestAutoPauseNeverOverridesManualPause(t *testing.T) {
	s, rec, _ := newTestSession(t)
	rec.block = make(chan struct{})

	s.Enqueue(trk("x"), false)
	s.startLoop()
	require.Eventually(t, func() bool { return s.State() == StatePlaying }, 2*time.Second, 10*time.Millisecond)

	require.True(t, s.Pause())
	assert.False(t, s.resumeInternal(true), "auto resume blocked by manual pause")
	assert.Equal(t, StatePaused, s.State())
	require.True(t, s.Resume())

	require.True(t, s.pauseInternal(true))
	assert.True(t, s.resumeInternal(true), "auto resume reverses auto pause")
	assert.Equal(t, StatePlaying, s.State())
}

func TestDisconnectResetsSession(t *testing.T) {
	s, rec, _ := newTestSession(t)
	rec.block = make(chan struct{})

	s.EnqueueAll([]*Track{trk("x"), trk("y")}, "", 0)
	s.SetRadioMode(true)
	s.SetDiscoveryMode(true)
	s.SetCrossfadeMs(8000)
	s.Volume.Store(150)
	s.startLoop()
	require.Eventually(t, func() bool { return s.Current() != nil }, 2*time.Second, 10*time.Millisecond)

	s.selector.remember("u", "a", 5, 5)
	s.queueMu.Lock()
	s.failedURLs["dead"] = struct{}{}
	s.queueMu.Unlock()
	require.True(t, s.RadioMode())
	require.Equal(t, 8000, s.CrossfadeMs())

	s.Disconnect(context.Background())

	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.Current())
	assert.Empty(t, s.QueueSnapshot())
	assert.Empty(t, s.FailedURLs())
	assert.False(t, s.RadioMode())
	assert.False(t, s.DiscoveryMode())
	assert.Equal(t, int32(100), s.Volume.Load())
	assert.Equal(t, DefaultCrossfadeMs, s.CrossfadeMs())
	songs, artists := s.selector.HistorySizes()
	assert.Zero(t, songs)
	assert.Zero(t, artists)
}

func TestEnqueueAllModes(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.EnqueueAll([]*Track{trk("a"), trk("b")}, "", 0)
	s.EnqueueAll([]*Track{trk("c")}, "next", 0)
	s.EnqueueAll([]*Track{trk("d")}, "", 2)
	assert.Equal(t, []string{"c", "d", "a", "b"}, queueURLs(s))

	s.EnqueueAll([]*Track{trk("e")}, "", 99)
	assert.Equal(t, []string{"c", "d", "a", "b", "e"}, queueURLs(s))

	s.EnqueueAll([]*Track{trk("n")}, "now", 0)
	assert.Equal(t, []string{"n"}, queueURLs(s))

	assert.Equal(t, 1, s.Clear())
	assert.Empty(t, s.QueueSnapshot())
}

func TestProvideOpusFrameDrainsTailWithSilence(t *testing.T) {
	s := newRadioSession(snowflake.ID(5))
	t.Cleanup(s.cancelFunc)
	p := NewStreamProvider(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.SetContext(ctx)
	var finished atomic.Int32
	p.OnFinish = func() { finished.Add(1) }

	p.PushFrame([]byte{1, 2})
	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, f)

	// A nil frame marks end of stream; the tail is padded with silence
	// before the provider signals completion.
	p.PushFrame(nil)
	silences := 0
	for {
		f, err = p.ProvideOpusFrame()
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		assert.Equal(t, OpusSilence, f)
		silences++
		require.Less(t, silences, 200, "provider never drained")
	}
	assert.Equal(t, 1+int(SilenceDuration.Milliseconds()/20), silences)
	assert.Equal(t, int32(1), finished.Load())
}

func TestProvideOpusFrameEOFAfterCancel(t *testing.T) {
	s := newRadioSession(snowflake.ID(6))
	t.Cleanup(s.cancelFunc)
	p := NewStreamProvider(s)
	ctx, cancel := context.WithCancel(context.Background())
	p.SetContext(ctx)
	cancel()

	_, err := p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestProvideOpusFramePadsStarvation(t *testing.T) {
	s := newRadioSession(snowflake.ID(7))
	t.Cleanup(s.cancelFunc)
	p := NewStreamProvider(s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.SetContext(ctx)

	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, OpusSilence, f, "an underrun is padded, not ended")
}

func TestNewTrackNormalizesMetadata(t *testing.T) {
	tr := NewTrack("https://x", "", "NA", RadioOrigin())
	assert.Equal(t, "https://x", tr.Title)
	assert.Equal(t, UnknownArtist, tr.Artist)

	m := &ResolvedMedia{Title: "Real", Artist: "Band", Duration: 3 * time.Minute, Thumbnail: "thumb"}
	enriched := tr.withMetadata(m)
	assert.Equal(t, "Real", enriched.Title)
	assert.Equal(t, "Band", enriched.Artist)
	assert.Equal(t, 3*time.Minute, enriched.Duration)
	assert.Equal(t, "thumb", enriched.Thumbnail)
	assert.Equal(t, "https://x", tr.Title, "queued original is untouched")
	assert.Equal(t, UnknownArtist, tr.Artist)

	kept := NewTrack("u", "Kept", "Me", UserOrigin(snowflake.ID(2), "me"))
	enriched = kept.withMetadata(m)
	assert.Equal(t, "Kept", enriched.Title)
	assert.Equal(t, "Me", enriched.Artist)
}

func TestPlaybackStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "idle", PlaybackState(99).String())
}

func TestMalformedTrackEmitsError(t *testing.T) {
	s, rec, evs := newTestSession(t)

	s.Enqueue(&Track{Title: "ghost"}, false)
	s.startLoop()

	assert.Eventually(t, func() bool { return evs.count(EventError) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.played())
	ev, ok := evs.firstOf(EventError)
	require.True(t, ok)
	assert.Equal(t, ErrResolverTrackMalformed, ev.Err.Error())
}

func TestSleepTimerArmAndClear(t *testing.T) {
	s, _, _ := newTestSession(t)

	assert.False(t, s.ClearSleep())
	s.ArmSleep(time.Now().Add(time.Hour))
	assert.True(t, s.ClearSleep())
	assert.False(t, s.ClearSleep())
}

func TestGetSessionUnknownGuild(t *testing.T) {
	assert.Nil(t, GetVoiceManager().GetSession(snowflake.ID(424242)))
}

func TestResolveQueryRejectsEmptyInput(t *testing.T) {
	_, err := GetVoiceManager().ResolveQuery(context.Background(), "   ", RadioOrigin())
	assert.Error(t, err)
}
