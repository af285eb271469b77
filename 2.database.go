package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token         string
	GuildID       string
	DatabasePath  string
	StreamingURL  string
	OwnerIDs      []string
	Silent        bool
	YoutubePrefix string
	YTMusicPrefix string
	YTCookiesPath string
	YTProxyURL    string
	CrossfadeMs   int
	IdleTimeout   time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
// Everything the playback engine needs is resolved here once; the engine
// itself never reads the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	ytPrefix := os.Getenv("VOICE_YT_PREFIX")
	if ytPrefix == "" {
		ytPrefix = "[YT]"
	}

	ytmPrefix := os.Getenv("VOICE_YTM_PREFIX")
	if ytmPrefix == "" {
		ytmPrefix = "[YTM]"
	}

	streamingURL := os.Getenv("STREAMING_URL")
	if streamingURL == "" {
		streamingURL = "https://www.twitch.tv/videos/1110069047"
	}

	crossfadeMs := DefaultCrossfadeMs
	if v := os.Getenv("CROSSFADE_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			crossfadeMs = ClampCrossfadeMs(parsed)
		}
	}

	idleTimeout := 5 * time.Minute
	if v := os.Getenv("IDLE_TIMEOUT_MIN"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			idleTimeout = time.Duration(parsed) * time.Minute
		}
	}

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:         token,
		GuildID:       os.Getenv("GUILD_ID"),
		DatabasePath:  dbPath,
		StreamingURL:  streamingURL,
		OwnerIDs:      ownerIDs,
		Silent:        silent,
		YoutubePrefix: ytPrefix,
		YTMusicPrefix: ytmPrefix,
		YTCookiesPath: os.Getenv("YT_COOKIES"),
		YTProxyURL:    os.Getenv("YT_PROXY"),
		CrossfadeMs:   crossfadeMs,
		IdleTimeout:   idleTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	if c.YTCookiesPath != "" {
		if _, err := os.Stat(c.YTCookiesPath); err != nil {
			return fmt.Errorf("YT_COOKIES file not readable: %w", err)
		}
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_configs (
			guild_id TEXT PRIMARY KEY,
			radio_enabled INTEGER DEFAULT 0,
			discovery_enabled INTEGER DEFAULT 0,
			crossfade_ms INTEGER DEFAULT 3000,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS song_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			artist TEXT NOT NULL DEFAULT 'Unknown',
			requested_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS song_listens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			listened_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_song_requests_user ON song_requests(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_song_requests_url ON song_requests(url)`,
		`CREATE INDEX IF NOT EXISTS idx_song_listens_user ON song_listens(user_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE song_requests ADD COLUMN artist TEXT NOT NULL DEFAULT 'Unknown'",
		"ALTER TABLE guild_configs ADD COLUMN discovery_enabled INTEGER DEFAULT 0",
		"ALTER TABLE guild_configs ADD COLUMN crossfade_ms INTEGER DEFAULT 3000",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 4: Song Statistics Store ---

// SongStat is one aggregated row of the listener-set query: how popular a
// track is among the given users. Feeds the radio selector directly.
type SongStat struct {
	URL             string
	Title           string
	Artist          string
	TotalRequests   int
	UserCount       int
	LastRequestedAt time.Time
}

func RecordSongRequest(ctx context.Context, userID snowflake.ID, userName, url, title, artist string) error {
	if artist == "" {
		artist = UnknownArtist
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO song_requests (user_id, user_name, url, title, artist)
		VALUES (?, ?, ?, ?, ?)
	`, userID.String(), userName, url, title, artist)
	return err
}

// QuerySongsForUsers aggregates the request history of the given user set,
// ranked by distinct-requester count, then total requests, then recency.
func QuerySongsForUsers(ctx context.Context, userIDs []snowflake.ID, limit int) ([]*SongStat, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, 0, len(userIDs)+1)
	for _, id := range userIDs {
		args = append(args, id.String())
	}
	args = append(args, limit)

	rows, err := DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT url, title, artist, COUNT(*), COUNT(DISTINCT user_id), MAX(requested_at)
		FROM song_requests
		WHERE user_id IN (%s)
		GROUP BY url
		ORDER BY COUNT(DISTINCT user_id) DESC, COUNT(*) DESC, MAX(requested_at) DESC
		LIMIT ?
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*SongStat
	for rows.Next() {
		s := &SongStat{}
		var lastAt string
		if err := rows.Scan(&s.URL, &s.Title, &s.Artist, &s.TotalRequests, &s.UserCount, &lastAt); err != nil {
			return nil, fmt.Errorf("failed to scan song stat: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", lastAt); err == nil {
			s.LastRequestedAt = t
		}
		if s.Artist == "" {
			s.Artist = UnknownArtist
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func RecordSongListen(ctx context.Context, userID snowflake.ID, url, title string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO song_listens (user_id, url, title) VALUES (?, ?, ?)
	`, userID.String(), url, title)
	return err
}

// RecordSongListens writes one listen row per user in a single transaction.
// Called at track start with the current listener snapshot.
func RecordSongListens(ctx context.Context, userIDs []snowflake.ID, url, title string) error {
	if len(userIDs) == 0 {
		return nil
	}
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO song_listens (user_id, url, title) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range userIDs {
		if _, err := stmt.ExecContext(ctx, id.String(), url, title); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- Phase 5: Stats Counters (session command surface) ---

func GetSongRequestCount(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM song_requests").Scan(&count)
	return count, err
}

func GetSongListenCount(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM song_listens").Scan(&count)
	return count, err
}

func GetDistinctRequesterCount(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(DISTINCT user_id) FROM song_requests").Scan(&count)
	return count, err
}

func GetDistinctSongCount(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(DISTINCT url) FROM song_requests").Scan(&count)
	return count, err
}

// GetTopRequestedSongs feeds the /voice history display.
func GetTopRequestedSongs(ctx context.Context, limit int) ([]*SongStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := DB.QueryContext(ctx, `
		SELECT url, title, artist, COUNT(*), COUNT(DISTINCT user_id), MAX(requested_at)
		FROM song_requests
		GROUP BY url
		ORDER BY COUNT(*) DESC, MAX(requested_at) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*SongStat
	for rows.Next() {
		s := &SongStat{}
		var lastAt string
		if err := rows.Scan(&s.URL, &s.Title, &s.Artist, &s.TotalRequests, &s.UserCount, &lastAt); err != nil {
			return nil, fmt.Errorf("failed to scan song stat: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", lastAt); err == nil {
			s.LastRequestedAt = t
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// --- Phase 6: Guild Radio Preferences ---

type GuildRadioPrefs struct {
	GuildID          snowflake.ID
	RadioEnabled     bool
	DiscoveryEnabled bool
	CrossfadeMs      int
	UpdatedAt        time.Time
}

func SetGuildRadioPrefs(ctx context.Context, prefs *GuildRadioPrefs) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_configs (guild_id, radio_enabled, discovery_enabled, crossfade_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			radio_enabled = excluded.radio_enabled,
			discovery_enabled = excluded.discovery_enabled,
			crossfade_ms = excluded.crossfade_ms,
			updated_at = CURRENT_TIMESTAMP
	`, prefs.GuildID.String(), boolToInt(prefs.RadioEnabled), boolToInt(prefs.DiscoveryEnabled), prefs.CrossfadeMs)
	return err
}

func GetGuildRadioPrefs(ctx context.Context, guildID snowflake.ID) (*GuildRadioPrefs, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT radio_enabled, discovery_enabled, crossfade_ms, updated_at
		FROM guild_configs WHERE guild_id = ?
	`, guildID.String())

	prefs := &GuildRadioPrefs{GuildID: guildID}
	var radioOn, discoveryOn int
	var updatedAt string
	err := row.Scan(&radioOn, &discoveryOn, &prefs.CrossfadeMs, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefs.RadioEnabled = radioOn == 1
	prefs.DiscoveryEnabled = discoveryOn == 1
	prefs.CrossfadeMs = ClampCrossfadeMs(prefs.CrossfadeMs)
	if t, err := time.Parse("2006-01-02 15:04:05", updatedAt); err == nil {
		prefs.UpdatedAt = t
	}
	return prefs, nil
}
