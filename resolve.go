package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"
)

// Media resolution. Tracks enter the system as page URLs; yt-dlp turns
// them into direct audio stream URLs plus display metadata. Resolution
// failures are retried with exponential backoff up to a fixed ceiling,
// after which the URL is blacklisted for the rest of the session.

const (
	// MaxTrackRetries is how many times a failed resolution is retried
	// before the URL is blacklisted. The first attempt is not a retry,
	// so a track gets MaxTrackRetries+1 attempts total.
	MaxTrackRetries = 3

	// MediaResolveTimeout bounds a single stream acquisition.
	MediaResolveTimeout = 15 * time.Second

	RetryBackoffBaseMs = 1000
	RetryBackoffCapMs  = 5000

	QueryCacheTTL        = 1 * time.Hour
	QueryCacheGCInterval = 10 * time.Minute
)

var (
	jsOnce       sync.Once
	cachedJSArgs []string

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)

	// searchLimiter smooths bursts from autocomplete keystrokes.
	searchLimiter = rate.NewLimiter(rate.Every(300*time.Millisecond), 5)
)

// RetryBackoff returns the wait before the given retry (1-based),
// doubling from the base and capped.
func RetryBackoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	ms := RetryBackoffBaseMs << uint(retry-1)
	if ms > RetryBackoffCapMs {
		ms = RetryBackoffCapMs
	}
	return IntervalMsToDuration(ms)
}

// ResolvedMedia is the playable output of a resolution: a direct audio
// stream URL and the metadata yt-dlp reported for the page.
type ResolvedMedia struct {
	StreamURL string
	Title     string
	Artist    string
	Duration  time.Duration
	Thumbnail string
}

type SearchResult struct{ Title, ChannelName, URL string }

type ytdlpSearchResult struct {
	URL, Title, Uploader string
	Duration             time.Duration
}

// newYtdlp returns a yt-dlp command configured from the loaded config.
func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if GlobalConfig != nil {
		if GlobalConfig.YTProxyURL != "" {
			cmd.Proxy(GlobalConfig.YTProxyURL)
		}
		if GlobalConfig.YTCookiesPath != "" {
			cmd.Cookies(GlobalConfig.YTCookiesPath)
		}
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

// resolveMedia asks yt-dlp for the direct audio stream URL and metadata
// of a track page. It never downloads; the stream URL is handed to the
// transcoder which reads over HTTP.
func resolveMedia(ctx context.Context, u string) (*ResolvedMedia, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	started := time.Now()
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("yt-dlp: %w, stderr: %s", err, Truncate(res.Stderr, 300))
		}
		return nil, err
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		artist := ps[2]
		if artist == "" || artist == "NA" {
			artist = UnknownArtist
		}
		thumb := ps[4]
		if thumb == "NA" {
			thumb = ""
		}
		m := &ResolvedMedia{StreamURL: ps[0], Title: ps[1], Artist: artist, Duration: d, Thumbnail: thumb}
		LogResolver(MsgResolverResolved, m.Title, time.Since(started).Milliseconds())
		return m, nil
	}
	return nil, errors.New("failed to parse metadata")
}

func ytdlpSearch(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		PreferFreeFormats().
		Run(ctx, append(args, fmt.Sprintf("ytsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if extractVideoID(u) != "" {
			rs = append(rs, ytdlpSearchResult{u, ps[1], ps[2], d})
		}
	}
	return rs, nil
}

func ytdlpSearchYTM(ctx context.Context, q string, m int) ([]ytdlpSearchResult, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, fmt.Sprintf("ytmsearch%d:%s", m, q))...)

	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	rs := make([]ytdlpSearchResult, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		u := ps[0]
		if extractVideoID(u) != "" {
			rs = append(rs, ytdlpSearchResult{URL: u, Title: ps[1], Uploader: ps[2], Duration: d})
		}
	}
	return rs, nil
}

// discoverySearch backs the discovery policy. YouTube Music first for
// music-focused results, plain YouTube search as fallback.
func discoverySearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rs, err := ytdlpSearchYTM(ctx, query, limit)
	if err != nil || len(rs) == 0 {
		rs, err = ytdlpSearch(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, errors.New("no search results")
	}

	out := make([]SearchResult, 0, len(rs))
	for _, r := range rs {
		out = append(out, SearchResult{Title: r.Title, ChannelName: r.Uploader, URL: r.URL})
	}
	return out, nil
}

// resolvePlaylistTracks expands a playlist URL into individual tracks,
// all tagged with the given origin.
func resolvePlaylistTracks(ctx context.Context, u string, m int, origin Origin) ([]*Track, error) {
	cmd := newYtdlp()

	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, u, "--yes-playlist")...)

	if err != nil {
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	ts := make([]*Track, 0, len(ls))
	isYouTube := isYouTubeURL(u) || strings.Contains(u, "music.youtube.com")

	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 || ps[1] == "" || ps[1] == "NA" {
			continue
		}
		trackURL := ps[0]
		if isYouTube && len(ps) >= 4 {
			if id := ps[3]; id != "" && id != "NA" {
				trackURL = "https://www.youtube.com/watch?v=" + id
			}
		}
		artist := ps[2]
		if artist == "" || artist == "NA" {
			artist = UnknownArtist
		}
		ts = append(ts, &Track{URL: trackURL, Title: ps[1], Artist: artist, Origin: origin})
	}
	return ts, nil
}

// QueryCache holds recent search results keyed by the raw query, so
// autocomplete keystrokes and the final play command reuse one lookup.
type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// gc drops expired entries and reports how many were evicted.
func (qc *QueryCache) gc() (evicted, total int) {
	now := time.Now()
	qc.Lock()
	defer qc.Unlock()
	total = len(qc.items)
	for q, item := range qc.items {
		if now.After(item.expiresAt) {
			delete(qc.items, q)
			evicted++
		}
	}
	return evicted, total
}

// StartQueryCacheGC runs the periodic cache sweep as a daemon.
func StartQueryCacheGC(ctx context.Context) (bool, func(), func()) {
	run := func() {
		ticker := time.NewTicker(QueryCacheGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted, total := GetVoiceManager().cache.gc()
				if evicted > 0 {
					LogResolver(MsgResolverCacheGC, evicted, total)
				}
			}
		}
	}
	return true, run, func() {}
}

// Search runs the autocomplete lookup: YouTube Music and YouTube in
// parallel, merged with the preferred source first, deduplicated by
// video id and cached for an hour.
func (vs *VoiceSystem) Search(q string) ([]SearchResult, error) {
	vs.cache.RLock()
	if item, ok := vs.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			vs.cache.RUnlock()
			LogResolver(MsgResolverCacheHit, q)
			return item.results, nil
		}
	}
	vs.cache.RUnlock()

	src, query := "ytmusic", q
	ytp, ytmp := getYoutubePrefix(), getYTMusicPrefix()
	if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytp)) {
		src, query = "youtube", strings.TrimSpace(q[len(ytp):])
	} else if strings.HasPrefix(strings.ToUpper(q), strings.ToUpper(ytmp)) {
		query = strings.TrimSpace(q[len(ytmp):])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	if err := searchLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			name, art := "", ""
			if len(v.Artists) > 0 {
				name = v.Artists[0].Name
				art = " - " + name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, ytmp+" ", art), ChannelName: name})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, query)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, ytp+" ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	var fin []SearchResult
	if src == "youtube" {
		fin = append(yt, ytm...)
	} else {
		fin = append(ytm, yt...)
	}
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 {
		vs.cache.Lock()
		vs.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(QueryCacheTTL)}
		vs.cache.Unlock()
	}

	return fin, nil
}

func getYoutubePrefix() string {
	if GlobalConfig != nil && GlobalConfig.YoutubePrefix != "" {
		return GlobalConfig.YoutubePrefix
	}
	return "[YT]"
}

func getYTMusicPrefix() string {
	if GlobalConfig != nil && GlobalConfig.YTMusicPrefix != "" {
		return GlobalConfig.YTMusicPrefix
	}
	return "[YTM]"
}

// extractVideoID pulls the video id out of the URL forms YouTube uses.
// Returns "" when the URL does not look like a single video.
func extractVideoID(u string) string {
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		return matches[1]
	}
	if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		return matches[1]
	}
	for _, marker := range []string{"youtu.be/", "shorts/"} {
		if strings.Contains(u, marker) {
			rest := strings.SplitN(u, marker, 2)[1]
			if id := strings.SplitN(rest, "?", 2)[0]; id != "" {
				return id
			}
		}
	}
	return ""
}

func isYouTubeURL(u string) bool {
	return extractVideoID(u) != "" || strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be")
}
