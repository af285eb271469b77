package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/sho0pi/naturaltime"
	"golang.org/x/time/rate"
)

// ===========================
// Command Registration
// ===========================

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if VoiceManager != nil {
					LogVoice("Shutting down Voice Manager...")
					VoiceManager.Shutdown(context.Background())
				}
			}
		})
		RegisterDaemon(LogResolver, StartQueryCacheGC)

		// Rate limit failsafe
		OnRateLimitExceeded(func() {
			LogVoice("Rate limit fail-safe triggered. Muting channel notices for 10 minutes.")
			muteNotices(10 * time.Minute)
		})

		vm := GetVoiceManager()
		RegisterVoiceStateUpdateHandler(vm.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Voice playback and radio",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song or playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:         "queue",
						Description:  "Playback mode (now, next, or a position number)",
						Required:     false,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "radio",
						Description: "Keep playing from everyone's history after the queue",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave the channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue without stopping the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "radio",
				Description: "Toggle radio mode",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "enabled",
						Description: "Enable or disable radio mode",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "discovery",
				Description: "Toggle discovery mode (needs radio mode)",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "enabled",
						Description: "Enable or disable discovery mode",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust the volume of the current session",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "fade",
				Description: "Set the crossfade duration",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "duration",
						Description: "Crossfade duration in milliseconds (1000-10000)",
						Required:    true,
						MinValue:    intPtr(MinCrossfadeMs),
						MaxValue:    intPtr(MaxCrossfadeMs),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "sleep",
				Description: "Stop playback at a time ('in 30 minutes', 'at 10pm', 'off')",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "when",
						Description: "When to stop, in natural language",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "history",
				Description: "Show the most requested songs",
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleVoiceAutocomplete)
}

// ===========================
// Constants & Variables
// ===========================

var (
	// System
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once

	// Audio
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second

	// Sleep timer parser
	sleepParser     *naturaltime.Parser
	sleepParserOnce sync.Once

	// Raised while a voice-status REST call is in flight so the log
	// handler can drop the rate-limit noise those calls produce.
	isUpdatingVoiceStatus int32

	// Unix nanos until which channel notices and voice-status updates
	// stay muted after a rate-limit fail-safe trip.
	noticesMutedUntil int64

	errNothingPlaying = errors.New("nothing playing")
	errSuperseded     = errors.New("attempt superseded")
	errTrackFailed    = errors.New("track failed permanently")
)

// ===========================
// Structs
// ===========================

// PlaybackState is the session's coarse lifecycle state. There is at
// most one current track, and only a Playing session has a live stream.
type PlaybackState int32

const (
	StateIdle PlaybackState = iota
	StatePlaying
	StatePaused
)

func (p PlaybackState) String() string {
	switch p {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// SessionEventKind enumerates the events a session reports to its host
// channel. The set is fixed: hosts format these, the engine never does.
type SessionEventKind int

const (
	EventTrackStarted SessionEventKind = iota
	EventTrackEnded
	EventQueueEmpty
	EventError
)

// SessionEvent carries one host-facing notification.
type SessionEvent struct {
	Kind  SessionEventKind
	Track *Track
	Err   error
}

// Track is one immutable queue entry. Construct it once with all the
// metadata known at the time; enrichment copies, never mutates.
type Track struct {
	URL       string
	Title     string
	Artist    string
	Duration  time.Duration
	Thumbnail string
	Origin    Origin
}

// NewTrack normalizes the metadata a caller has on hand: the artist
// falls back to Unknown, an empty title falls back to the URL.
func NewTrack(url, title, artist string, origin Origin) *Track {
	if artist == "" || artist == "NA" {
		artist = UnknownArtist
	}
	if title == "" {
		title = url
	}
	return &Track{URL: url, Title: title, Artist: artist, Origin: origin}
}

// withMetadata returns a copy with missing display fields filled from a
// resolved stream. The queued original is left untouched.
func (t *Track) withMetadata(m *ResolvedMedia) *Track {
	c := *t
	if c.Title == "" || c.Title == c.URL {
		c.Title = m.Title
	}
	if (c.Artist == "" || c.Artist == UnknownArtist) && m.Artist != "" {
		c.Artist = m.Artist
	}
	if c.Duration == 0 {
		c.Duration = m.Duration
	}
	if c.Thumbnail == "" {
		c.Thumbnail = m.Thumbnail
	}
	return &c
}

// VoiceSystem manages all radio sessions across guilds.
type VoiceSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*RadioSession
	cache    *QueryCache
}

// RadioSession owns playback for one guild: the explicit queue, the
// current track, radio/discovery state and the voice connection. Every
// transition funnels through one play loop per session, so concurrent
// commands can only ever observe a consistent state.
type RadioSession struct {
	GuildID         snowflake.ID
	ChannelID       snowflake.ID
	NoticeChannelID snowflake.ID
	channelMu       sync.RWMutex
	Conn            voice.Conn
	client          *bot.Client

	queueMu      sync.Mutex
	queue        []*Track
	current      *Track
	failedURLs   map[string]struct{}
	retryCount   int
	streamCancel context.CancelFunc
	trackCancel  context.CancelFunc
	provider     *StreamProvider
	transcoder   *Transcoder
	idleNotified bool
	poolNotified bool
	lastActivity time.Time
	queueUpdate  chan struct{}

	state         atomic.Int32
	radioMode     atomic.Bool
	discoveryMode atomic.Bool
	crossfadeMs   atomic.Int32
	generation    atomic.Uint64
	Volume        atomic.Int32
	fadeGain      atomic.Int32

	selector *RadioSelector
	fader    *Fader

	// Injected so the play loop is testable without a voice connection.
	resolve    func(ctx context.Context, url string) (*ResolvedMedia, error)
	playStream func(ctx context.Context, t *Track, m *ResolvedMedia) error
	backoff    func(retry int) time.Duration
	onEvent    func(ev SessionEvent)

	pauseMu    sync.RWMutex
	pauseChan  chan struct{}
	autoPaused bool

	sleepMu    sync.Mutex
	sleepTimer *time.Timer
	sleepAt    time.Time

	statusMu   sync.Mutex
	statusChan chan string
	lastStatus string

	noticeLimiter *rate.Limiter
	idleTimeout   time.Duration

	joined       bool
	joinedMu     sync.Mutex
	cancelCtx    context.Context
	cancelFunc   context.CancelFunc
	goroutineWg  sync.WaitGroup
	loopStarted  bool
	loopStartMu  sync.Mutex
}

// StreamProvider feeds opus frames from the transcoder to the voice
// connection, padding gaps and the tail with silence.
type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	sess          *RadioSession
	ctx           context.Context
	draining      bool
	silenceFrames int
}

// ===========================
// Voice Manager
// ===========================

// GetVoiceManager returns the singleton VoiceSystem instance.
func GetVoiceManager() *VoiceSystem {
	OnceVoice.Do(func() {
		VoiceManager = &VoiceSystem{
			sessions: make(map[snowflake.ID]*RadioSession),
			cache: &QueryCache{
				items: make(map[string]cachedItem),
			},
		}
	})
	return VoiceManager
}

// GetSession retrieves the radio session for a guild, or nil.
func (vs *VoiceSystem) GetSession(guildID snowflake.ID) *RadioSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.sessions[guildID]
}

// ActiveSessions snapshots the live sessions, for stats and status.
func (vs *VoiceSystem) ActiveSessions() []*RadioSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]*RadioSession, 0, len(vs.sessions))
	for _, s := range vs.sessions {
		out = append(out, s)
	}
	return out
}

// newRadioSession builds a session with its default collaborators
// wired in. The Discord client and voice connection are attached by
// Prepare; everything else works without them.
func newRadioSession(guildID snowflake.ID) *RadioSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RadioSession{
		GuildID:       guildID,
		failedURLs:    make(map[string]struct{}),
		queueUpdate:   make(chan struct{}, 1),
		statusChan:    make(chan string, 10),
		pauseChan:     make(chan struct{}),
		cancelCtx:     ctx,
		cancelFunc:    cancel,
		selector:      NewRadioSelector(),
		resolve:       resolveMedia,
		backoff:       RetryBackoff,
		noticeLimiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
		idleTimeout:   5 * time.Minute,
		lastActivity:  time.Now(),
		// The queue-empty notice is armed by the first enqueue; a fresh
		// session parks without announcing anything.
		idleNotified: true,
	}
	close(s.pauseChan)
	s.playStream = s.streamResolved
	s.Volume.Store(100)
	s.fadeGain.Store(FadeGainScale)
	s.crossfadeMs.Store(int32(DefaultCrossfadeMs))
	s.fader = NewFader(
		func(gain float64) { s.fadeGain.Store(int32(gain * FadeGainScale)) },
		s.hasLiveOutput,
		s.stopOutput,
	)
	return s
}

// Prepare creates or retrieves the session for a guild and points it at
// the given voice and notice channels.
func (vs *VoiceSystem) Prepare(client *bot.Client, guildID, channelID, noticeChannelID snowflake.ID) *RadioSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if sess, ok := vs.sessions[guildID]; ok {
		if sess.cancelCtx.Err() != nil {
			delete(vs.sessions, guildID)
		} else {
			sess.channelMu.Lock()
			oldChannelID := sess.ChannelID
			sess.ChannelID = channelID
			sess.NoticeChannelID = noticeChannelID
			sess.channelMu.Unlock()
			if oldChannelID != 0 && oldChannelID != channelID {
				go func(cid snowflake.ID) {
					clearVoiceStatus(client, cid)
				}(oldChannelID)
			}
			return sess
		}
	}

	sess := newRadioSession(guildID)
	sess.client = client
	sess.ChannelID = channelID
	sess.NoticeChannelID = noticeChannelID
	sess.Conn = client.VoiceManager.CreateConn(guildID)
	sess.onEvent = sess.postNotice
	if GlobalConfig != nil {
		sess.crossfadeMs.Store(int32(GlobalConfig.CrossfadeMs))
		sess.idleTimeout = GlobalConfig.IdleTimeout
	}
	sess.restorePrefs()

	sess.goroutineWg.Add(2)
	go func() {
		defer sess.goroutineWg.Done()
		sess.statusManager()
	}()
	go func() {
		defer sess.goroutineWg.Done()
		sess.idleWatch()
	}()

	vs.sessions[guildID] = sess
	LogVoice(MsgVoiceSessionCreated, guildID)
	return sess
}

// Join opens the voice connection for a prepared session. A connect
// failure is surfaced to the caller once and is not retried here.
func (vs *VoiceSystem) Join(ctx context.Context, sess *RadioSession) error {
	sess.channelMu.RLock()
	channelID := sess.ChannelID
	sess.channelMu.RUnlock()

	sess.joinedMu.Lock()
	if sess.joined {
		sess.joinedMu.Unlock()
		sess.startLoop()
		return nil
	}
	sess.joinedMu.Unlock()

	LogVoice(MsgVoiceJoining, channelID, sess.GuildID)

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := sess.Conn.Open(openCtx, channelID, false, false); err != nil {
		LogVoice(MsgVoiceJoinFail, err)
		sess.Conn.Close(ctx)
		return err
	}

	sess.joinedMu.Lock()
	sess.joined = true
	sess.joinedMu.Unlock()
	sess.startLoop()
	return nil
}

// startLoop launches the play loop once per session lifetime.
func (s *RadioSession) startLoop() {
	s.loopStartMu.Lock()
	defer s.loopStartMu.Unlock()
	if s.loopStarted || s.cancelCtx.Err() != nil {
		return
	}
	s.loopStarted = true
	s.goroutineWg.Add(1)
	go func() {
		defer s.goroutineWg.Done()
		s.playLoop()
	}()
}

// Leave disconnects a guild's session and destroys it.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	if !ok {
		vs.mu.Unlock()
		return
	}
	delete(vs.sessions, guildID)
	vs.mu.Unlock()

	sess.channelMu.RLock()
	channelID := sess.ChannelID
	sess.channelMu.RUnlock()
	if sess.client != nil {
		clearVoiceStatus(sess.client, channelID)
	}

	sess.Disconnect(ctx)
	LogVoice(MsgVoiceSessionDestroyed, guildID)
}

// Shutdown gracefully stops all sessions.
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	vs.mu.Lock()
	sessions := make([]*RadioSession, 0, len(vs.sessions))
	for id, sess := range vs.sessions {
		sessions = append(sessions, sess)
		delete(vs.sessions, id)
	}
	vs.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *RadioSession) {
			defer wg.Done()
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()
			if s.client != nil {
				clearVoiceStatus(s.client, channelID)
			}
			s.Disconnect(ctx)
		}(sess)
	}
	wg.Wait()
}

// ResolveQuery turns a play argument into queueable tracks: playlist
// URLs expand, plain URLs resolve their metadata, anything else goes
// through search and takes the top result.
func (vs *VoiceSystem) ResolveQuery(ctx context.Context, q string, origin Origin) ([]*Track, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, errors.New("empty query")
	}

	if strings.Contains(q, "list=") {
		if tracks, err := resolvePlaylistTracks(ctx, q, 100, origin); err == nil && len(tracks) > 0 {
			return tracks, nil
		}
	}

	if strings.HasPrefix(q, "http") {
		resolveCtx, cancel := context.WithTimeout(ctx, MediaResolveTimeout)
		defer cancel()
		m, err := resolveMedia(resolveCtx, q)
		if err != nil {
			return nil, err
		}
		t := NewTrack(q, m.Title, m.Artist, origin)
		t.Duration = m.Duration
		t.Thumbnail = m.Thumbnail
		return []*Track{t}, nil
	}

	results, err := vs.Search(q)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no search results")
	}
	top := results[0]
	title := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(top.Title, getYTMusicPrefix()), getYoutubePrefix()))
	return []*Track{NewTrack(top.URL, title, top.ChannelName, origin)}, nil
}

// ===========================
// Voice State Updates
// ===========================

// onVoiceStateUpdate keeps sessions in step with the channel: the bot
// being kicked or moved, and auto-pause when the last human leaves.
func (vs *VoiceSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	vs.mu.Lock()
	s, ok := vs.sessions[event.VoiceState.GuildID]
	vs.mu.Unlock()

	if event.VoiceState.UserID == event.Client().ID() {
		vs.handleBotVoiceStateUpdate(event, s, ok)
		return
	}

	if ok {
		s.updateAutoPause()
	}
}

func (vs *VoiceSystem) handleBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate, s *RadioSession, ok bool) {
	if event.VoiceState.ChannelID == nil {
		if ok {
			LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			vs.Leave(context.Background(), event.VoiceState.GuildID)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.Lock()
	oldChannelID := s.ChannelID
	if *event.VoiceState.ChannelID != oldChannelID {
		s.ChannelID = *event.VoiceState.ChannelID
		s.channelMu.Unlock()
		LogVoice("Bot moved from %s to %s in guild %s", oldChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)
		if oldChannelID != 0 {
			clearVoiceStatus(event.Client(), oldChannelID)
		}
		s.updateAutoPause()
		return
	}
	s.channelMu.Unlock()
}

// ActiveListeners takes a fresh snapshot of the non-bot, non-deafened
// members in the session's voice channel. The snapshot is never cached
// or persisted; selection and listen recording always look again.
func (s *RadioSession) ActiveListeners() []snowflake.ID {
	if s.client == nil {
		return nil
	}
	s.channelMu.RLock()
	channelID := s.ChannelID
	s.channelMu.RUnlock()
	if channelID == 0 {
		return nil
	}

	var listeners []snowflake.ID
	for state := range s.client.Caches.VoiceStates(s.GuildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == s.client.ID() {
			continue
		}
		if state.SelfDeaf || state.GuildDeaf {
			continue
		}
		if m, ok := s.client.Caches.Member(s.GuildID, state.UserID); ok && m.User.Bot {
			continue
		}
		listeners = append(listeners, state.UserID)
	}
	return listeners
}

// updateAutoPause pauses a playing session when its channel has no
// human listeners and resumes it when one returns. A manual pause is
// never overridden.
func (s *RadioSession) updateAutoPause() {
	humans := len(s.ActiveListeners())

	if humans == 0 {
		if s.State() == StatePlaying && s.pauseInternal(true) {
			LogVoice(MsgVoiceAutoPaused, s.GuildID)
		}
		return
	}

	s.pauseMu.RLock()
	wasAuto := s.autoPaused
	s.pauseMu.RUnlock()
	if wasAuto && s.resumeInternal(true) {
		LogVoice(MsgVoiceAutoResumed, s.GuildID)
	}

	// A listener appearing can make radio selection viable again.
	if s.State() == StateIdle && s.radioMode.Load() {
		s.kick()
	}
}

// ===========================
// Session Operations
// ===========================

// State reports the session's playback state.
func (s *RadioSession) State() PlaybackState {
	return PlaybackState(s.state.Load())
}

// Current returns the track playing right now, or nil.
func (s *RadioSession) Current() *Track {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.current
}

// QueueSnapshot copies the explicit queue for display.
func (s *RadioSession) QueueSnapshot() []*Track {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	out := make([]*Track, len(s.queue))
	copy(out, s.queue)
	return out
}

// Enqueue appends a track to the explicit queue, or puts it ahead of
// every not-yet-played track when front is set. It never fails and
// never touches the current track; the play loop is woken to drain.
func (s *RadioSession) Enqueue(t *Track, front bool) int {
	s.queueMu.Lock()
	if front {
		s.queue = append([]*Track{t}, s.queue...)
	} else {
		s.queue = append(s.queue, t)
	}
	pos := len(s.queue)
	s.lastActivity = time.Now()
	s.idleNotified = false
	s.queueMu.Unlock()
	s.kick()
	return pos
}

// EnqueueAll inserts tracks according to the play command's queue mode:
// "now" replaces the queue and cuts the current track over, "next"
// front-inserts, a positive position splices, anything else appends.
func (s *RadioSession) EnqueueAll(tracks []*Track, mode string, pos int) {
	if len(tracks) == 0 {
		return
	}

	s.queueMu.Lock()
	switch {
	case mode == "now":
		s.queue = append([]*Track(nil), tracks...)
	case mode == "next":
		s.queue = append(append([]*Track(nil), tracks...), s.queue...)
	case pos > 0:
		idx := pos - 1
		if idx >= len(s.queue) {
			s.queue = append(s.queue, tracks...)
		} else {
			newQueue := make([]*Track, 0, len(s.queue)+len(tracks))
			newQueue = append(newQueue, s.queue[:idx]...)
			newQueue = append(newQueue, tracks...)
			newQueue = append(newQueue, s.queue[idx:]...)
			s.queue = newQueue
		}
	default:
		s.queue = append(s.queue, tracks...)
	}
	s.lastActivity = time.Now()
	s.idleNotified = false
	// A track is in flight from registration through stream end, so
	// "now" also cuts off a resolution that has not produced audio yet.
	inFlight := s.trackCancel != nil
	s.queueMu.Unlock()

	if mode == "now" && inFlight {
		s.interrupt()
	}
	s.kick()
}

// Clear empties the explicit queue without touching the current track.
func (s *RadioSession) Clear() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	n := len(s.queue)
	s.queue = nil
	return n
}

// Skip fades out the current track and lets the play loop take the
// same path it takes on a natural end, so retry and radio selection
// are never bypassed. Returns the skipped title.
func (s *RadioSession) Skip() (string, error) {
	s.queueMu.Lock()
	cur := s.current
	s.lastActivity = time.Now()
	s.queueMu.Unlock()
	if cur == nil {
		return "", errNothingPlaying
	}

	s.interrupt()
	return cur.Title, nil
}

// interrupt supersedes the in-flight attempt: later resolutions are
// discarded by generation, the live stream is faded to silence and
// stopped, and a pending resolve or backoff wait is cancelled.
func (s *RadioSession) interrupt() {
	s.generation.Add(1)
	s.fader.FadeOut(s.CrossfadeMs())

	s.queueMu.Lock()
	cancel := s.trackCancel
	s.queueMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause suspends frame delivery. Reports false when nothing is playing
// or the session is already paused.
func (s *RadioSession) Pause() bool {
	return s.pauseInternal(false)
}

// Resume reverses a pause. Reports false if not paused.
func (s *RadioSession) Resume() bool {
	return s.resumeInternal(false)
}

func (s *RadioSession) pauseInternal(auto bool) bool {
	if s.State() != StatePlaying {
		return false
	}
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
	default:
		s.pauseMu.Unlock()
		return false // already paused
	}
	s.pauseChan = make(chan struct{})
	s.autoPaused = auto
	s.pauseMu.Unlock()
	s.state.Store(int32(StatePaused))

	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	if status != "" {
		status = "▶️ " + strings.TrimPrefix(status, "⏸️ ")
	} else {
		status = "▶️ Paused"
	}
	s.setVoiceStatus(status)
	return true
}

func (s *RadioSession) resumeInternal(auto bool) bool {
	if s.State() != StatePaused {
		return false
	}
	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
		s.pauseMu.Unlock()
		return false // not paused
	default:
	}
	if auto && !s.autoPaused {
		s.pauseMu.Unlock()
		return false // manual pause stays until the user resumes
	}
	close(s.pauseChan)
	s.autoPaused = false
	s.pauseMu.Unlock()
	s.state.Store(int32(StatePlaying))

	s.statusMu.Lock()
	status := s.lastStatus
	s.statusMu.Unlock()
	if status != "" {
		s.setVoiceStatus(status)
	}
	return true
}

// SetRadioMode flips radio mode. Enabling while idle wakes the play
// loop so the first rotation pick starts immediately.
func (s *RadioSession) SetRadioMode(enabled bool) {
	s.radioMode.Store(enabled)
	if enabled {
		LogRadio(MsgRadioEnabled, s.GuildID)
		s.kick()
	} else {
		LogRadio(MsgRadioDisabled, s.GuildID)
	}
}

// SetDiscoveryMode flips the discovery flag. It only influences
// selection while radio mode is on; the selector enforces that.
func (s *RadioSession) SetDiscoveryMode(enabled bool) {
	s.discoveryMode.Store(enabled)
}

// RadioMode reports whether radio mode is on.
func (s *RadioSession) RadioMode() bool { return s.radioMode.Load() }

// DiscoveryMode reports whether discovery mode is on.
func (s *RadioSession) DiscoveryMode() bool { return s.discoveryMode.Load() }

// CrossfadeMs returns the crossfade duration for the next ramp.
func (s *RadioSession) CrossfadeMs() int {
	return int(s.crossfadeMs.Load())
}

// SetCrossfadeMs bounds and stores the crossfade duration. In-flight
// ramps keep their old duration.
func (s *RadioSession) SetCrossfadeMs(ms int) int {
	ms = ClampCrossfadeMs(ms)
	s.crossfadeMs.Store(int32(ms))
	return ms
}

// FailedURLs copies the session's blacklist, for inspection.
func (s *RadioSession) FailedURLs() map[string]struct{} {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	out := make(map[string]struct{}, len(s.failedURLs))
	for u := range s.failedURLs {
		out[u] = struct{}{}
	}
	return out
}

// Disconnect stops playback, releases the voice connection and resets
// every session field to its initial value.
func (s *RadioSession) Disconnect(ctx context.Context) {
	s.generation.Add(1)
	s.ClearSleep()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}

	s.cancelFunc()
	s.stopOutput()
	if s.Conn != nil {
		s.Conn.Close(ctx)
	}
	s.reset()
	LogVoice(MsgVoiceLeft, s.GuildID)
}

// reset returns all mutable state to initial values. The blacklist and
// the selection histories only ever shrink here, on full teardown.
func (s *RadioSession) reset() {
	s.queueMu.Lock()
	s.queue = nil
	s.current = nil
	s.failedURLs = make(map[string]struct{})
	s.retryCount = 0
	s.idleNotified = true
	s.poolNotified = false
	s.queueMu.Unlock()

	s.selector.Reset()
	s.radioMode.Store(false)
	s.discoveryMode.Store(false)
	s.state.Store(int32(StateIdle))
	s.fadeGain.Store(FadeGainScale)
	s.Volume.Store(100)
	s.crossfadeMs.Store(int32(DefaultCrossfadeMs))

	s.pauseMu.Lock()
	select {
	case <-s.pauseChan:
	default:
		close(s.pauseChan)
	}
	s.autoPaused = false
	s.pauseMu.Unlock()
}

// kick wakes the play loop without blocking.
func (s *RadioSession) kick() {
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
}

// touch marks the session active for the idle-disconnect watchdog.
func (s *RadioSession) touch() {
	s.queueMu.Lock()
	s.lastActivity = time.Now()
	s.queueMu.Unlock()
}

// ===========================
// Sleep Timer
// ===========================

func getSleepParser() *naturaltime.Parser {
	sleepParserOnce.Do(func() {
		var err error
		sleepParser, err = naturaltime.New()
		if err != nil {
			LogError("Failed to initialize sleep timer parser: %v", err)
		}
	})
	return sleepParser
}

// ArmSleep schedules a disconnect at the given time, replacing any
// earlier timer.
func (s *RadioSession) ArmSleep(at time.Time) {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
	}
	s.sleepAt = at
	s.sleepTimer = time.AfterFunc(time.Until(at), func() {
		LogVoice(MsgVoiceSleepFired, s.GuildID)
		GetVoiceManager().Leave(context.Background(), s.GuildID)
	})
	LogVoice(MsgVoiceSleepArmed, FormatDuration(time.Until(at)), s.GuildID)
}

// ClearSleep cancels a pending sleep timer. Reports whether one was set.
func (s *RadioSession) ClearSleep() bool {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()
	if s.sleepTimer == nil {
		return false
	}
	s.sleepTimer.Stop()
	s.sleepTimer = nil
	s.sleepAt = time.Time{}
	return true
}

// ===========================
// Play Loop
// ===========================

// playLoop is the session's single actor: it drains the explicit queue,
// falls back to radio selection, and parks idle until woken. All state
// transitions happen on this goroutine; commands only signal it.
func (s *RadioSession) playLoop() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: playLoop panic recovered: %v", r)
		}
	}()

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		default:
		}

		t := s.dequeue()
		radioTried := false
		if t == nil && s.radioMode.Load() {
			t = s.radioPick()
			radioTried = true
		}

		if t == nil {
			s.enterIdle(!radioTried)
			select {
			case <-s.queueUpdate:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}

		s.playTrack(t)
	}
}

// dequeue pops the front of the explicit queue.
func (s *RadioSession) dequeue() *Track {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t
}

// radioPick asks the selector for the next rotation track. Pool
// exhaustion is a soft failure: one notice per occurrence, the session
// stays alive and keeps accepting queue pushes.
func (s *RadioSession) radioPick() *Track {
	listeners := s.ActiveListeners()
	if len(listeners) == 0 {
		s.notifyEmptyPool(errors.New(ErrRadioNoListeners))
		return nil
	}

	ctx, cancel := context.WithTimeout(s.cancelCtx, 10*time.Second)
	defer cancel()
	t, err := s.selector.PickNext(ctx, listeners, s.discoveryMode.Load())
	if err != nil {
		LogRadio(MsgRadioEmptyPool, s.GuildID, len(listeners))
		s.notifyEmptyPool(errors.New(ErrRadioEmptyPool))
		return nil
	}

	s.queueMu.Lock()
	s.poolNotified = false
	s.queueMu.Unlock()
	return t
}

func (s *RadioSession) notifyEmptyPool(err error) {
	s.queueMu.Lock()
	already := s.poolNotified
	s.poolNotified = true
	s.queueMu.Unlock()
	if !already {
		s.emit(SessionEvent{Kind: EventError, Err: err})
	}
}

// enterIdle parks the session with no current track. The queue-empty
// notice fires exactly once per idle transition, and only when the
// queue (not an exhausted radio pool) ran dry.
func (s *RadioSession) enterIdle(emitQueueEmpty bool) {
	s.queueMu.Lock()
	s.current = nil
	already := s.idleNotified
	s.idleNotified = true
	s.queueMu.Unlock()

	s.state.Store(int32(StateIdle))
	s.setVoiceStatus("")

	if emitQueueEmpty && !already {
		LogVoice(MsgVoiceQueueEmptyIdle, s.GuildID)
		s.emit(SessionEvent{Kind: EventQueueEmpty})
	}
}

// playTrack runs one track's full lifecycle: failure-recovery wrapped
// resolution, listen recording, streaming with crossfade, and the
// terminal events. It never leaves the loop stuck; any exit path lands
// back in playLoop which advances.
func (s *RadioSession) playTrack(t *Track) {
	gen := s.generation.Load()

	if t.URL == "" {
		// A track without a URL is a contract violation by whoever
		// built it. Fail it loudly and move on.
		LogError("Malformed track (no url): %+v", t)
		s.emit(SessionEvent{Kind: EventError, Track: t, Err: errors.New(ErrResolverTrackMalformed)})
		return
	}

	if s.isFailed(t.URL) {
		LogResolver(MsgResolverSkippingListed, t.URL)
		return
	}

	tctx, tcancel := context.WithCancel(s.cancelCtx)
	defer tcancel()
	s.queueMu.Lock()
	s.trackCancel = tcancel
	s.queueMu.Unlock()
	defer func() {
		s.queueMu.Lock()
		if s.trackCancel != nil {
			s.trackCancel = nil
		}
		s.queueMu.Unlock()
	}()

	media, err := s.resolveWithRecovery(tctx, t, gen)
	if err != nil {
		if errors.Is(err, errTrackFailed) {
			s.emit(SessionEvent{Kind: EventError, Track: t, Err: fmt.Errorf(ErrResolverTrackFailed, t.Title)})
		}
		return
	}
	if s.generation.Load() != gen {
		// A skip or disconnect raced the resolution; this result is
		// stale and must never reach the audio output.
		return
	}

	cur := t.withMetadata(media)
	s.queueMu.Lock()
	s.current = cur
	s.idleNotified = false
	s.poolNotified = false
	s.lastActivity = time.Now()
	s.queueMu.Unlock()
	s.state.Store(int32(StatePlaying))

	if listeners := s.ActiveListeners(); len(listeners) > 0 {
		if err := RecordSongListens(s.cancelCtx, listeners, cur.URL, cur.Title); err != nil {
			LogVoice(MsgVoiceListenRecordFail, cur.Title, err)
		} else {
			LogStats(MsgStatsListenBatch, len(listeners), cur.Title)
		}
	}

	LogVoice(MsgVoiceTrackStarted, cur.Title, cur.Origin)
	s.emit(SessionEvent{Kind: EventTrackStarted, Track: cur})

	streamErr := s.playStream(tctx, cur, media)
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		LogVoice("Stream ended with error for %s: %v", cur.Title, streamErr)
	}

	s.queueMu.Lock()
	s.current = nil
	s.queueMu.Unlock()

	LogVoice(MsgVoiceTrackEnded, cur.Title)
	s.emit(SessionEvent{Kind: EventTrackEnded, Track: cur})
}

// resolveWithRecovery wraps stream acquisition with the per-track retry
// state machine: bounded attempts with exponential backoff, then the
// URL joins the session blacklist and the failure is permanent. The
// retry counter resets on success and on permanent failure.
func (s *RadioSession) resolveWithRecovery(ctx context.Context, t *Track, gen uint64) (*ResolvedMedia, error) {
	s.queueMu.Lock()
	s.retryCount = 0
	s.queueMu.Unlock()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, MediaResolveTimeout)
		LogResolver(MsgResolverResolving, t.URL)
		media, err := s.resolve(attemptCtx, t.URL)
		cancel()

		if err == nil {
			s.queueMu.Lock()
			s.retryCount = 0
			s.queueMu.Unlock()
			return media, nil
		}

		if ctx.Err() != nil || s.generation.Load() != gen {
			return nil, errSuperseded
		}

		s.queueMu.Lock()
		retries := s.retryCount
		if retries >= MaxTrackRetries {
			s.failedURLs[t.URL] = struct{}{}
			s.retryCount = 0
			s.queueMu.Unlock()
			LogResolver(MsgResolverBlacklisted, MaxTrackRetries+1, t.URL)
			return nil, fmt.Errorf("%w: %v", errTrackFailed, err)
		}
		s.retryCount++
		retries = s.retryCount
		s.queueMu.Unlock()

		wait := s.backoff(retries)
		LogResolver(MsgResolverRetry, retries, MaxTrackRetries, t.URL, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, errSuperseded
		}
	}
}

func (s *RadioSession) isFailed(url string) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	_, ok := s.failedURLs[url]
	return ok
}

// hasLiveOutput reports whether a stream is attached, for the fader.
func (s *RadioSession) hasLiveOutput() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.streamCancel != nil
}

// stopOutput halts the live stream. The fader calls this when a
// fade-out ramp reaches silence.
func (s *RadioSession) stopOutput() {
	s.queueMu.Lock()
	cancel := s.streamCancel
	s.queueMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// streamResolved pushes the resolved stream through the transcoder to
// the voice connection and blocks until it ends or is cancelled. The
// fade-in ramp starts only after the provider is attached.
func (s *RadioSession) streamResolved(ctx context.Context, t *Track, m *ResolvedMedia) error {
	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	p := NewStreamProvider(s)
	s.provider = p
	done := make(chan struct{})
	p.OnFinish = func() { close(done) }
	sctx, cancel := context.WithCancel(ctx)
	s.streamCancel = cancel
	p.SetContext(sctx)
	s.queueMu.Unlock()

	defer func() {
		cancel()
		s.queueMu.Lock()
		if s.streamCancel != nil {
			s.streamCancel = nil
		}
		s.queueMu.Unlock()
	}()

	go func() {
		defer p.PushFrame(nil)
		tr := NewTranscoder()
		tr.volume = &s.Volume
		tr.fadeGain = &s.fadeGain
		defer func() {
			s.queueMu.Lock()
			if s.transcoder == tr {
				s.transcoder = nil
			}
			s.queueMu.Unlock()
		}()
		defer tr.Close()
		if err := tr.OpenInput(m.StreamURL); err != nil {
			LogVoice("Transcoder OpenInput failed: %v", err)
			return
		}

		s.queueMu.Lock()
		s.transcoder = tr
		s.queueMu.Unlock()

		if err := tr.SetupDecoder(); err != nil {
			LogVoice("Transcoder SetupDecoder failed: %v", err)
			return
		}
		if err := tr.SetupEncoder(); err != nil {
			LogVoice("Transcoder SetupEncoder failed: %v", err)
			return
		}

		if err := tr.Transcode(sctx, p.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			LogVoice("Transcoder finished for: %s (Err: %v)", t.Title, err)
		}
	}()

	if s.Conn != nil {
		s.setOpusFrameProviderSafe(p)
		s.setSpeakingSafe(voice.SpeakingFlagMicrophone)
	}

	s.fader.FadeIn(s.CrossfadeMs())

	sep := ""
	if t.Artist != "" && t.Artist != UnknownArtist {
		sep = " · "
	}
	s.setVoiceStatus(TruncateWithPreserve(t.Title, 128, "⏸️ ", sep+artistOrEmpty(t)))

	select {
	case <-done:
		LogVoice("Playback finished: %s", t.Title)
	case <-sctx.Done():
		LogVoice("Playback stopped: %s", t.Title)
	case <-s.cancelCtx.Done():
		cancel()
	}

	if s.Conn != nil {
		s.queueMu.Lock()
		mine := s.provider == p
		s.queueMu.Unlock()
		if mine {
			s.setVoiceStatus("")
			s.setOpusFrameProviderSafe(nil)
			s.setSpeakingSafe(0)
		}
	}
	return nil
}

func artistOrEmpty(t *Track) string {
	if t.Artist == UnknownArtist {
		return ""
	}
	return t.Artist
}

// ===========================
// Events & Notices
// ===========================

// emit hands a session event to the host hook, if any.
func (s *RadioSession) emit(ev SessionEvent) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// muteNotices silences channel notices and voice-status updates for
// the given duration. The rate-limit fail-safe trips this.
func muteNotices(d time.Duration) {
	atomic.StoreInt64(&noticesMutedUntil, time.Now().Add(d).UnixNano())
}

func noticesMuted() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&noticesMutedUntil)
}

// postNotice is the default host hook: it turns the terminal events
// into short messages in the channel that last commanded the session,
// rate limited so a failing rotation cannot flood anyone.
func (s *RadioSession) postNotice(ev SessionEvent) {
	var content string
	switch ev.Kind {
	case EventQueueEmpty:
		content = ErrVoiceQueueEmptyNotice
	case EventError:
		if ev.Err != nil {
			content = ev.Err.Error()
		}
	default:
		return
	}
	if content == "" || s.client == nil {
		return
	}

	s.channelMu.RLock()
	channelID := s.NoticeChannelID
	s.channelMu.RUnlock()
	if channelID == 0 || noticesMuted() || !s.noticeLimiter.Allow() {
		return
	}

	safeGo(func() {
		if _, err := SendMessageV2(*s.client, channelID, NewV2Container(NewTextDisplay(content)), nil); err != nil {
			LogVoice("Failed to post notice: %v", err)
		}
	})
}

// ===========================
// Voice Channel Status
// ===========================

func clearVoiceStatus(client *bot.Client, channelID snowflake.ID) {
	if channelID == 0 {
		return
	}
	atomic.AddInt32(&isUpdatingVoiceStatus, 1)
	defer atomic.AddInt32(&isUpdatingVoiceStatus, -1)
	route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
	_ = client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
}

// setVoiceStatus queues a channel status update.
func (s *RadioSession) setVoiceStatus(status string) {
	select {
	case s.statusChan <- status:
	default:
	}
}

// statusManager serializes voice channel status updates, collapsing
// bursts down to the latest value.
func (s *RadioSession) statusManager() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: statusManager panic recovered: %v", r)
		}
	}()
	var cur string
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case n := <-s.statusChan:
		drain:
			for {
				select {
				case m := <-s.statusChan:
					n = m
				default:
					break drain
				}
			}

			if n == cur || s.client == nil || noticesMuted() {
				continue
			}

			s.statusMu.Lock()
			target := n
			if len([]rune(target)) > 128 {
				target = TruncateCenter(target, 128)
			}
			if target != "" && !strings.HasPrefix(target, "▶️") {
				s.lastStatus = target
			}
			s.channelMu.RLock()
			channelID := s.ChannelID
			s.channelMu.RUnlock()

			go func(cid snowflake.ID, status string) {
				atomic.AddInt32(&isUpdatingVoiceStatus, 1)
				defer atomic.AddInt32(&isUpdatingVoiceStatus, -1)
				err := s.client.Rest.Do(rest.NewEndpoint(http.MethodPut, "/channels/"+cid.String()+"/voice-status").Compile(nil), map[string]string{"status": status}, nil)
				if err != nil {
					LogVoice(MsgVoiceStatusUpdateFail, err)
				}
			}(channelID, target)

			cur = target
			s.statusMu.Unlock()
		}
	}
}

// idleWatch disconnects the session after it has sat idle past the
// configured timeout.
func (s *RadioSession) idleWatch() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: idleWatch panic recovered: %v", r)
		}
	}()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
			if s.State() != StateIdle {
				continue
			}
			s.queueMu.Lock()
			last := s.lastActivity
			s.queueMu.Unlock()
			if time.Since(last) > s.idleTimeout {
				LogVoice(MsgVoiceIdleDisconnect, s.idleTimeout, s.GuildID)
				GetVoiceManager().Leave(context.Background(), s.GuildID)
				return
			}
		}
	}
}

// setOpusFrameProviderSafe sets the opus frame provider, recovering
// from the panics a half-closed connection can throw.
func (s *RadioSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if s.cancelCtx.Err() != nil && provider != nil {
		return
	}
	if s.Conn == nil || (reflect.ValueOf(s.Conn).Kind() == reflect.Ptr && reflect.ValueOf(s.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if s.trySetOpusFrameProvider(provider) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogVoice("Exhausted retries for SetOpusFrameProvider in guild %s", s.GuildID)
}

func (s *RadioSession) trySetOpusFrameProvider(provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetOpusFrameProvider(provider)
	return true
}

func (s *RadioSession) setSpeakingSafe(flags voice.SpeakingFlags) {
	if s.cancelCtx.Err() != nil && flags != 0 {
		return
	}
	if s.Conn == nil || (reflect.ValueOf(s.Conn).Kind() == reflect.Ptr && reflect.ValueOf(s.Conn).IsNil()) {
		return
	}

	for i := range 3 {
		if s.trySetSpeaking(flags) {
			return
		}
		if i < 2 {
			time.Sleep(150 * time.Millisecond)
		}
	}
	LogVoice("Exhausted retries for SetSpeaking in guild %s", s.GuildID)
}

func (s *RadioSession) trySetSpeaking(flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	s.Conn.SetSpeaking(s.cancelCtx, flags)
	return true
}

// ===========================
// Stream Provider
// ===========================

func NewStreamProvider(s *RadioSession) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		sess:   s,
	}
}

func (p *StreamProvider) SetContext(ctx context.Context) {
	p.ctx = ctx
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.sess.cancelCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.sess.pauseMu.RLock()
	pauseChan := p.sess.pauseChan
	p.sess.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.sess.cancelCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.sess.cancelCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Command Handlers
// ===========================

// handleVoice routes voice subcommands to their respective handlers.
func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleVoicePlay(event, data)
	case "skip":
		handleVoiceSkip(event)
	case "pause":
		handleVoicePause(event)
	case "resume":
		handleVoiceResume(event)
	case "stop":
		handleVoiceStop(event)
	case "clear":
		handleVoiceClear(event)
	case "queue":
		handleVoiceQueue(event)
	case "radio":
		handleVoiceRadio(event, data)
	case "discovery":
		handleVoiceDiscovery(event, data)
	case "volume":
		handleVoiceVolume(event, data)
	case "fade":
		handleVoiceFade(event, data)
	case "sleep":
		handleVoiceSleep(event, data)
	case "history":
		handleVoiceHistory(event)
	}
}

func respondEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content)), true)
}

func respondPublic(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content)), false)
}

// sessionFor fetches the caller's session, replying when there is none.
func sessionFor(event *events.ApplicationCommandInteractionCreate) *RadioSession {
	guildID := event.GuildID()
	if guildID == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return nil
	}
	s := GetVoiceManager().GetSession(*guildID)
	if s == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return nil
	}
	return s
}

func handleVoicePlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q := data.String("query")
	mode, pos := parseQueueOption(data)
	radioFlag, radioSet := data.OptBool("radio")

	guildID := event.GuildID()
	if guildID == nil {
		respondEphemeral(event, ErrVoiceNotInChannel)
		return
	}

	vstate, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vstate.ChannelID == nil {
		respondEphemeral(event, ErrVoiceNotInChannel)
		return
	}

	_ = event.DeferCreateMessage(false)
	LogVoice("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, q)

	vm := GetVoiceManager()
	sess := vm.Prepare(event.Client(), *guildID, *vstate.ChannelID, event.Channel().ID())
	if err := vm.Join(AppContext, sess); err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrVoiceConnectFail)))
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()
	origin := UserOrigin(event.User().ID, event.User().Username)
	tracks, err := vm.ResolveQuery(ctx, q, origin)
	if err != nil || len(tracks) == 0 {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrResolverNoResults)))
		return
	}

	for _, t := range tracks {
		if err := RecordSongRequest(AppContext, origin.UserID, origin.UserName, t.URL, t.Title, t.Artist); err != nil {
			LogStats(MsgStatsQueryFail, err)
		}
	}
	LogStats(MsgStatsRequestRecorded, tracks[0].Title, origin.UserName)

	sess.EnqueueAll(tracks, mode, pos)
	if radioSet {
		sess.SetRadioMode(radioFlag)
		sess.persistPrefs()
	}

	first := tracks[0]
	var content string
	switch {
	case len(tracks) > 1:
		content = fmt.Sprintf("Queued **%d** tracks from playlist.", len(tracks))
	case mode == "now":
		content = fmt.Sprintf(MsgVoiceNowPlaying, first.Title)
	case mode == "next":
		content = fmt.Sprintf(MsgVoiceEnqueuedFront, first.Title)
	default:
		content = fmt.Sprintf(MsgVoiceEnqueuedBack, first.Title, len(sess.QueueSnapshot()))
	}
	if radioSet && radioFlag {
		content += "\n" + MsgRadioOn
	}

	if first.Thumbnail != "" {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content), NewMediaGallery(first.Thumbnail)))
		return
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(content)))
}

// parseQueueOption maps the play command's queue argument onto the
// enqueue mode: "now", "next", or a 1-based position.
func parseQueueOption(data discord.SlashCommandInteractionData) (mode string, pos int) {
	qv, _ := data.OptString("queue")
	switch qv {
	case "now", "next":
		return qv, 0
	case "":
		return "", 0
	default:
		p, _ := strconv.Atoi(qv)
		return "", p
	}
}

func handleVoiceSkip(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)
	guildID := event.GuildID()
	if guildID == nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrVoiceNoSession)))
		return
	}
	s := GetVoiceManager().GetSession(*guildID)
	if s == nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrVoiceNoSession)))
		return
	}

	title, err := s.Skip()
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrVoiceNoSession)))
		return
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(fmt.Sprintf(MsgVoiceSkipped, title))))
}

func handleVoicePause(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil {
		return
	}
	if !s.Pause() {
		respondEphemeral(event, ErrVoiceAlreadyPaused)
		return
	}
	respondPublic(event, MsgVoicePaused)
}

func handleVoiceResume(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil {
		return
	}
	if !s.Resume() {
		respondEphemeral(event, ErrVoiceAlreadyPlaying)
		return
	}
	respondPublic(event, MsgVoiceResumed)
}

func handleVoiceStop(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		respondEphemeral(event, ErrVoiceNoSession)
		return
	}
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *guildID)
	GetVoiceManager().Leave(context.Background(), *guildID)
	respondPublic(event, MsgVoiceStopped)
}

func handleVoiceClear(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil {
		return
	}
	n := s.Clear()
	respondPublic(event, fmt.Sprintf(MsgVoiceCleared, n))
}

func handleVoiceQueue(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil {
		return
	}

	var components []interface{}
	if cur := s.Current(); cur != nil {
		components = append(components, NewTextDisplay(fmt.Sprintf(MsgVoiceQueueNowPlaying, fmt.Sprintf("[%s](%s) · %s", cur.Title, cur.URL, cur.Origin))))
		if cur.Thumbnail != "" {
			components = append(components, NewMediaGallery(cur.Thumbnail))
		}
		components = append(components, NewSeparator(true))
	}

	queue := s.QueueSnapshot()
	components = append(components, NewTextDisplay(fmt.Sprintf(MsgVoiceQueueHeader, len(queue))))
	if len(queue) == 0 {
		components = append(components, NewTextDisplay(MsgVoiceQueueEmptyDisp))
	} else {
		var b strings.Builder
		for i, t := range queue {
			if i >= 10 {
				b.WriteString(fmt.Sprintf(MsgVoiceQueueMore, len(queue)-10))
				break
			}
			b.WriteString(fmt.Sprintf(MsgVoiceQueueItem, i+1, t.Title, t.Origin))
		}
		components = append(components, NewTextDisplay(b.String()))
	}

	if s.RadioMode() {
		mode := "Radio"
		if s.DiscoveryMode() {
			mode = "Radio + Discovery"
		}
		songs, artists := s.selector.HistorySizes()
		components = append(components, NewSeparator(true), NewTextDisplay(fmt.Sprintf("**%s:** Enabled · history window %d songs / %d artists", mode, songs, artists)))
	}

	_ = RespondInteractionV2(*event.Client(), event, NewV2Container(components...), true)
}

func handleVoiceRadio(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	enabled := data.Bool("enabled")
	guildID := event.GuildID()
	if guildID == nil {
		respondEphemeral(event, ErrVoiceNotInChannel)
		return
	}

	vm := GetVoiceManager()
	s := vm.GetSession(*guildID)
	if s == nil {
		if !enabled {
			respondEphemeral(event, ErrVoiceNoSession)
			return
		}
		// Enabling radio from cold: join the caller's channel first.
		vstate, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
		if !ok || vstate.ChannelID == nil {
			respondEphemeral(event, ErrVoiceNotInChannel)
			return
		}
		s = vm.Prepare(event.Client(), *guildID, *vstate.ChannelID, event.Channel().ID())
		if err := vm.Join(AppContext, s); err != nil {
			respondEphemeral(event, ErrVoiceConnectFail)
			return
		}
	}

	s.SetRadioMode(enabled)
	s.persistPrefs()
	if enabled {
		respondPublic(event, MsgRadioOn)
	} else {
		respondPublic(event, MsgRadioOff)
	}
}

func handleVoiceDiscovery(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	enabled := data.Bool("enabled")
	s := sessionFor(event)
	if s == nil {
		return
	}
	if enabled && !s.RadioMode() {
		respondEphemeral(event, ErrRadioNeedsRadioMode)
		return
	}
	s.SetDiscoveryMode(enabled)
	s.persistPrefs()
	if enabled {
		respondPublic(event, MsgRadioDiscoveryOn)
	} else {
		respondPublic(event, MsgRadioDiscoveryOff)
	}
}

func handleVoiceVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	vol := data.Int("set")
	s := sessionFor(event)
	if s == nil {
		return
	}
	s.Volume.Store(int32(vol))
	respondPublic(event, fmt.Sprintf(MsgVoiceVolumeSet, vol))
}

func handleVoiceFade(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	ms := data.Int("duration")
	if ms < MinCrossfadeMs || ms > MaxCrossfadeMs {
		respondEphemeral(event, ErrFadeBadDuration)
		return
	}
	s := sessionFor(event)
	if s == nil {
		return
	}
	applied := s.SetCrossfadeMs(ms)
	s.persistPrefs()
	respondPublic(event, fmt.Sprintf(MsgFadeDurationSet, applied))
}

func handleVoiceSleep(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	when := strings.TrimSpace(data.String("when"))
	s := sessionFor(event)
	if s == nil {
		return
	}

	if strings.EqualFold(when, "off") {
		if s.ClearSleep() {
			respondPublic(event, MsgVoiceSleepCleared)
		} else {
			respondEphemeral(event, MsgVoiceSleepCleared)
		}
		return
	}

	parser := getSleepParser()
	if parser == nil {
		respondEphemeral(event, ErrVoiceSleepParseFailed)
		return
	}
	at, err := parser.ParseDate(when, time.Now())
	if err != nil || at == nil {
		if d, derr := time.ParseDuration(when); derr == nil {
			t := time.Now().Add(d)
			at = &t
		} else {
			respondEphemeral(event, ErrVoiceSleepParseFailed)
			return
		}
	}
	if at.Before(time.Now()) {
		respondEphemeral(event, ErrVoiceSleepPastTime)
		return
	}

	s.ArmSleep(*at)
	respondPublic(event, fmt.Sprintf(MsgVoiceSleepSet, fmt.Sprintf("<t:%d:R>", at.Unix())))
}

func handleVoiceHistory(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	stats, err := GetTopRequestedSongs(AppContext, 10)
	if err != nil || len(stats) == 0 {
		_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrRadioEmptyPool)))
		return
	}

	var b strings.Builder
	b.WriteString("**Most requested songs**\n\n")
	for i, st := range stats {
		b.WriteString(fmt.Sprintf("`%d.` [%s](%s) · %s · %d request(s) from %d listener(s)\n", i+1, st.Title, st.URL, st.Artist, st.TotalRequests, st.UserCount))
	}
	_ = EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(b.String())))
}

// handleVoiceAutocomplete serves the play command's query and queue
// options. An empty query is seeded from the request history so a bare
// /voice play suggests something personal.
func handleVoiceAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name == "queue" {
		v := f.String()
		cs := []discord.AutocompleteChoice{
			discord.AutocompleteChoiceString{Name: "Play Now", Value: "now"},
			discord.AutocompleteChoiceString{Name: "Play Next", Value: "next"},
		}
		if v != "" {
			if _, err := strconv.Atoi(v); err == nil {
				cs = append([]discord.AutocompleteChoice{discord.AutocompleteChoiceString{Name: "Position: " + v, Value: v}}, cs...)
			}
		}
		_ = event.AutocompleteResult(cs)
		return
	}
	if f.Name != "query" {
		return
	}

	q := f.String()
	if q == "" {
		q = randomSeedQuery()
	} else if strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	results, err := GetVoiceManager().Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := r.Title
		if len(name) > 100 {
			name = name[:97] + "..."
		}
		value := r.URL
		if len(value) > 100 {
			value = name
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: name, Value: value})
	}
	_ = event.AutocompleteResult(cs)
}

// randomSeedQuery builds a search seed from the request history, or a
// generic fallback when the store is empty.
func randomSeedQuery() string {
	stats, err := GetTopRequestedSongs(AppContext, 5)
	if err == nil && len(stats) > 0 {
		st := stats[RandomIntRange(0, len(stats)-1)]
		if st.Artist != "" && st.Artist != UnknownArtist {
			return "Mix - " + st.Artist
		}
		return "Mix - " + st.Title
	}
	return "Trending Music"
}

// ===========================
// Guild Preferences
// ===========================

// restorePrefs loads the guild's saved radio settings into a fresh
// session.
func (s *RadioSession) restorePrefs() {
	prefs, err := GetGuildRadioPrefs(context.Background(), s.GuildID)
	if err != nil || prefs == nil {
		return
	}
	s.radioMode.Store(prefs.RadioEnabled)
	s.discoveryMode.Store(prefs.DiscoveryEnabled)
	if prefs.CrossfadeMs > 0 {
		s.crossfadeMs.Store(int32(ClampCrossfadeMs(prefs.CrossfadeMs)))
	}
}

// persistPrefs writes the current radio settings back to the store.
func (s *RadioSession) persistPrefs() {
	prefs := &GuildRadioPrefs{
		GuildID:          s.GuildID,
		RadioEnabled:     s.radioMode.Load(),
		DiscoveryEnabled: s.discoveryMode.Load(),
		CrossfadeMs:      s.CrossfadeMs(),
	}
	ctx := AppContext
	if ctx == nil {
		ctx = context.Background()
	}
	if err := SetGuildRadioPrefs(ctx, prefs); err != nil {
		LogVoice("Failed to persist guild prefs: %v", err)
	}
}

// ===========================
// Transcoder
// ===========================

// Transcoder decodes an HTTP audio stream and re-encodes it to 48kHz
// stereo opus frames. Volume and fade gain are applied to the raw
// samples between resample and encode.
type Transcoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
	volume                 *atomic.Int32 // Pointer to session volume
	fadeGain               *atomic.Int32 // Pointer to session fade gain
}

func NewTranscoder() *Transcoder {
	return &Transcoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

func (t *Transcoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	var opts *astiav.Dictionary
	if strings.HasPrefix(in, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *Transcoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *Transcoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *Transcoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	// 1. Panic Recovery
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogVoice("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	// 2. Resource Cleanup
	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 3. Reuse Packet (Unref at the end of loop or before read)
		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}

			if err := t.pushToFifo(); err != nil {
				return err
			}

			t.frame.Unref()
		}
	}

	// Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *Transcoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		// Reuse Packet
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *Transcoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *Transcoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		vol := int64(100)
		if t.volume != nil {
			vol = int64(t.volume.Load())
		}
		fade := int64(FadeGainScale)
		if t.fadeGain != nil {
			fade = int64(t.fadeGain.Load())
		}
		if vol != 100 || fade != FadeGainScale {
			data, _ := t.resampleFrame.Data().Bytes(1)
			limit := sz * 4
			if limit > len(data) {
				limit = len(data)
			}
			for i := 0; i+1 < limit; i += 2 {
				sample := int16(data[i]) | int16(data[i+1])<<8
				scaled := int64(sample) * vol * fade / (100 * FadeGainScale)
				if scaled > 32767 {
					scaled = 32767
				} else if scaled < -32768 {
					scaled = -32768
				}
				data[i] = byte(scaled)
				data[i+1] = byte(scaled >> 8)
			}
			_ = t.resampleFrame.Data().SetBytes(data, 1)
		}

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *Transcoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
