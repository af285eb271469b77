package main

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor      = color.New()
	voiceColor         = color.New(color.FgMagenta)
	radioColor         = color.New(color.FgMagenta)
	fadeColor          = color.New(color.FgMagenta)
	resolverColor      = color.New(color.FgMagenta)
	statsColor         = color.New(color.FgMagenta)
	statusRotatorColor = color.New(color.FgMagenta)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logFile             *os.File
	logMu               sync.Mutex
	errorMapCache       map[string]string
	errorMapOnce        sync.Once
	onRateLimitExceeded func()
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogVoice(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "voice"))
}

func LogRadio(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "radio"))
}

func LogFade(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "fade"))
}

func LogResolver(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "resolver"))
}

func LogStats(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "stats"))
}

func LogStatusRotator(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "session"))
}

func LogCustom(tag string, tagColor *color.Color, format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", tag))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	if r.Level >= slog.LevelWarn && strings.Contains(strings.ToLower(r.Message), "rate limit exceeded") {
		if onRateLimitExceeded != nil {
			go onRateLimitExceeded()
		}

		if atomic.LoadInt32(&isUpdatingVoiceStatus) > 0 {
			return nil
		}
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "VOICE":
		return voiceColor
	case "RADIO":
		return radioColor
	case "FADE":
		return fadeColor
	case "RESOLVER":
		return resolverColor
	case "STATS":
		return statsColor
	case "SESSION":
		return statusRotatorColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- Utilities & State ---

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

func OnRateLimitExceeded(fn func()) {
	logMu.Lock()
	defer logMu.Unlock()
	onRateLimitExceeded = fn
}

func GetUserErrors() map[string]string {
	errorMapOnce.Do(func() {
		errorMapCache = make(map[string]string)

		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			return
		}

		fset := token.NewFileSet()
		node, err := parser.ParseFile(fset, filename, nil, 0)
		if err != nil {
			return
		}

		ast.Inspect(node, func(n ast.Node) bool {
			genDecl, isGenDecl := n.(*ast.GenDecl)
			if isGenDecl && genDecl.Tok == token.CONST {
				for _, spec := range genDecl.Specs {
					valueSpec, isValueSpec := spec.(*ast.ValueSpec)
					if isValueSpec {
						for i, name := range valueSpec.Names {
							constName := name.Name
							if strings.HasPrefix(constName, "Err") || strings.HasPrefix(constName, "Msg") {
								if len(valueSpec.Values) > i {
									if basicLit, isBasicLit := valueSpec.Values[i].(*ast.BasicLit); isBasicLit && basicLit.Kind == token.STRING {
										constValue := strings.Trim(basicLit.Value, `"`)
										if !strings.Contains(constValue, "%") {
											errorMapCache[constName] = constValue
										}
									}
								}
							}
						}
					}
				}
			}
			return true
		})
	})

	return errorMapCache
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotKillFail         = "Failed to kill old instance: %v"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgBotPIDWriteFail     = "Failed to write PID file: %v"
	MsgBotRegisterFail     = "Command registration failed: %v"
	MsgBotAPIStatusError   = "discord API returned status %d"
	MsgGenericError        = "%v"

	// --- Command Loader & Registry ---
	MsgLoaderSyncCommands       = "Syncing %s commands..."
	MsgLoaderTransition         = "[TRANSITION] Switching from %s to %s mode."
	MsgLoaderCleanup            = "[CLEANUP] Removing commands from previous dev guild: %s"
	MsgLoaderDevStarting        = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered      = "[DEV] Registered: %s"
	MsgLoaderDevFail            = "[DEV] Registration failed: %v"
	MsgLoaderDevGlobalClear     = "[DEV] Verifying global commands are cleared..."
	MsgLoaderDevGlobalClearFail = "[DEV] Global clear skipped (likely rate limited): %v"
	MsgLoaderProdStarting       = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered     = "[PROD] Registered: %s"
	MsgLoaderProdFail           = "[PROD] Global registration failed: %w"
	MsgLoaderScanStarting       = "[SCAN] Checking all guilds for ghost commands..."
	MsgLoaderScanCleared        = "[SCAN] Cleared ghost commands from: %s (%s)"
	MsgLoaderPanicRecovered     = "Panic recovered in handler: %v"

	// --- Voice Session ---
	MsgVoiceJoining            = "Joining channel %s in guild %s"
	MsgVoiceJoinRetry          = "Join attempt %d/%d failed: %v (retrying in %v)"
	MsgVoiceJoinFail           = "Failed to join voice channel: %v"
	MsgVoiceLeft               = "Left voice channel in guild %s"
	MsgVoiceSessionCreated     = "Created session for guild %s"
	MsgVoiceSessionDestroyed   = "Destroyed session for guild %s"
	MsgVoiceTrackStarted       = "Now playing: %s (%s)"
	MsgVoiceTrackEnded         = "Track ended: %s"
	MsgVoiceQueueEmptyIdle     = "Queue drained, going idle in guild %s"
	MsgVoiceAutoPaused         = "Auto-paused (channel empty) in guild %s"
	MsgVoiceAutoResumed        = "Auto-resumed (listener returned) in guild %s"
	MsgVoiceIdleDisconnect     = "Idle for %v, disconnecting from guild %s"
	MsgVoiceSleepArmed         = "Sleep timer armed for %s in guild %s"
	MsgVoiceSleepFired         = "Sleep timer fired in guild %s"
	MsgVoiceStatusUpdateFail   = "Failed to update channel status: %v"
	MsgVoiceListenRecordFail   = "Failed to record listen for %s: %v"
	ErrVoiceNotInChannel       = "You need to be in a voice channel first!"
	ErrVoiceNoSession          = "Nothing is playing right now."
	ErrVoiceConnectFail        = "Could not connect to the voice channel. Try again in a moment."
	ErrVoiceAlreadyPaused      = "Playback is already paused."
	ErrVoiceAlreadyPlaying     = "Playback is not paused."
	ErrVoiceQueueEmptyNotice   = "Queue is empty. Add something with `/voice play` or enable `/voice radio`."
	ErrVoiceSleepParseFailed   = "Could not parse that time. Try 'in 30 minutes' or 'at 10pm'."
	ErrVoiceSleepPastTime      = "The sleep time must be in the future!"
	MsgVoiceSleepSet           = "Sleep timer set: playback stops %s."
	MsgVoiceSleepCleared       = "Sleep timer cleared."
	MsgVoicePaused             = "Paused."
	MsgVoiceResumed            = "Resumed."
	MsgVoiceSkipped            = "Skipped **%s**."
	MsgVoiceStopped            = "Stopped and left the channel."
	MsgVoiceCleared            = "Cleared **%d** queued track(s)."
	MsgVoiceEnqueuedBack       = "Queued **%s** (position %d)."
	MsgVoiceEnqueuedFront      = "Queued **%s** (up next)."
	MsgVoiceNowPlaying         = "Now playing **%s**."
	MsgVoiceVolumeSet          = "Volume set to **%d%%**."
	MsgVoiceQueueHeader        = "**Queue** (%d track(s))\n\n"
	MsgVoiceQueueNowPlaying    = "**Now Playing:** %s\n\n"
	MsgVoiceQueueItem          = "%d. **%s** (%s)\n"
	MsgVoiceQueueEmptyDisp     = "The queue is empty."
	MsgVoiceQueueMore          = "> ...and %d more."

	// --- Radio Selector ---
	MsgRadioEnabled          = "Radio mode enabled for guild %s"
	MsgRadioDisabled         = "Radio mode disabled for guild %s"
	MsgRadioSelecting        = "Selecting from pool of %d (history %d, artists %d)"
	MsgRadioSelected         = "Selected: %s (weight %d, pool %d)"
	MsgRadioVarietyBoost     = "Variety boost: uniform pick from pool of %d"
	MsgRadioHistoryTrimmed   = "Filters exhausted pool, trimmed history %d -> %d"
	MsgRadioHistoryCleared   = "Filters exhausted pool twice, history cleared"
	MsgRadioEmptyPool        = "No candidates for guild %s (listeners: %d)"
	MsgRadioDiscoverySeed    = "Discovery seed: %s (query: %q)"
	MsgRadioDiscoveryPicked  = "Discovery picked: %s"
	MsgRadioDiscoveryFallback = "Discovery fell back to radio: %v"
	MsgRadioOn               = "Radio mode **on**. I'll keep the music going from everyone's history."
	MsgRadioOff              = "Radio mode **off**."
	MsgRadioDiscoveryOn      = "Discovery mode **on**. Expect the occasional wildcard."
	MsgRadioDiscoveryOff     = "Discovery mode **off**."
	ErrRadioNeedsRadioMode   = "Discovery mode only works while radio mode is on. Enable `/voice radio` first."
	ErrRadioNoListeners      = "Nobody is listening, so I can't pick a radio track."
	ErrRadioEmptyPool        = "No request history for the current listeners yet. Play some songs first!"

	// --- Crossfade ---
	MsgFadeOutStart   = "Fade out over %v (%d steps)"
	MsgFadeInStart    = "Fade in over %v (%d steps)"
	MsgFadeCancelled  = "Ramp cancelled at step %d/%d"
	MsgFadeDurationSet = "Crossfade duration set to **%d ms**."
	ErrFadeBadDuration = "Crossfade duration must be between 1000 and 10000 ms."

	// --- Resolver & Recovery ---
	MsgResolverResolving      = "Resolving: %s"
	MsgResolverResolved       = "Resolved %q in %dms"
	MsgResolverRetry          = "Attempt %d/%d failed for %s: %v (backing off %v)"
	MsgResolverBlacklisted    = "Blacklisted after %d attempts: %s"
	MsgResolverSkippingListed = "Skipping blacklisted url: %s"
	MsgResolverTimeout        = "Stream acquisition timed out after %v: %s"
	MsgResolverSearchFail     = "Search failed for %q: %v"
	MsgResolverCacheHit       = "Query cache hit: %q"
	MsgResolverCacheGC        = "Query cache GC: evicted %d of %d entries"
	ErrResolverTrackFailed    = "Couldn't play **%s** after several tries. Skipping it."
	ErrResolverTrackMalformed = "That track is missing required data and was skipped."
	ErrResolverNoResults      = "No results found for that query."

	// --- Statistics Store ---
	MsgStatsRequestRecorded = "Recorded request: %s by %s"
	MsgStatsListenBatch     = "Recorded %d listen(s) for %s"
	MsgStatsQueryFail       = "Aggregate query failed: %v"
	MsgStatsPruned          = "Pruned %d stale request rows"

	// --- Session System ---
	MsgSessionRebootCommanded    = "Reboot commanded by user %s (%s)"
	MsgSessionShutdownCommanded  = "Shutdown commanded by user %s (%s)"
	MsgSessionLogReadFail        = "Failed to read log file: %v"
	MsgSessionRebooting          = "**Rebooting...**"
	MsgSessionRebootBuilding     = "**Building...**"
	MsgSessionRebootBuildFail    = "❌ **Build Failed**\n```\n%s\n```"
	MsgSessionRebootBuildSuccess = "✅ **Build Successful**"
	MsgSessionShuttingDown       = "**Shutting down...**"
	MsgSessionStatsLoading       = "Loading stats..."
	MsgSessionStatusUpdated      = "Status visibility updated!"
	MsgSessionStatusEnabled      = "Status rotation enabled!"
	MsgSessionStatusDisabled     = "Status rotation disabled!"
	MsgSessionConsoleDisabled    = "Logging to file is disabled."
	MsgSessionConsoleEmpty       = "No logs available."
	MsgSessionStatsSendFail      = "Failed to send initial stats: %v"
	MsgSessionConsoleBtnOldest   = "[Oldest]"
	MsgSessionConsoleBtnOlder    = "[Older]"
	MsgSessionConsoleBtnRefresh  = "[Refresh]"
	MsgSessionConsoleBtnNewer    = "[Newer]"
	MsgSessionConsoleBtnLatest   = "[Latest]"
	MsgDebugStatusCmdFail        = "Failed to respond to status command: %v"

	// --- Status & Activity ---
	MsgStatusUpdateFail        = "Update failed: %v"
	MsgStatusRotated           = "Status rotated to: \"%s\" (Next rotate in %v)"
	MsgStatusRotatedNoInterval = "Status rotated to: \"%s\""
)
