package main

// ===========================
// Resolver Tests
// ===========================

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBackoffDoublesToCap(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryBackoff(tt.retry), "retry=%d", tt.retry)
	}
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct{ url, want string }{
		{"https://www.youtube.com/watch?v=abc123", "abc123"},
		{"https://www.youtube.com/watch?feature=share&v=xyz", "xyz"},
		{"https://music.youtube.com/watch?v=mmm&list=OLAK5uy", "mmm"},
		{"https://example.com/page?id=raw7", "raw7"},
		{"https://youtu.be/shortid", "shortid"},
		{"https://youtu.be/shortid?t=30", "shortid"},
		{"https://www.youtube.com/shorts/sss", "sss"},
		{"https://example.com/video", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractVideoID(tt.url), "url=%s", tt.url)
	}
}

func TestIsYouTubeURL(t *testing.T) {
	assert.True(t, isYouTubeURL("https://www.youtube.com/watch?v=abc"))
	assert.True(t, isYouTubeURL("https://youtu.be/abc"))
	assert.True(t, isYouTubeURL("https://www.youtube.com/playlist?list=PLx"))
	assert.False(t, isYouTubeURL("https://soundcloud.com/some-track"))
}

func TestQueryCacheGC(t *testing.T) {
	qc := &QueryCache{items: map[string]cachedItem{
		"stale": {expiresAt: time.Now().Add(-time.Minute)},
		"fresh": {expiresAt: time.Now().Add(time.Hour)},
	}}

	evicted, total := qc.gc()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 2, total)

	_, staleLeft := qc.items["stale"]
	_, freshLeft := qc.items["fresh"]
	assert.False(t, staleLeft)
	assert.True(t, freshLeft)
}

func TestQueryCacheGCDaemonStarter(t *testing.T) {
	ok, run, shutdown := StartQueryCacheGC(t.Context())
	assert.True(t, ok)
	assert.NotNil(t, run)
	require.NotNil(t, shutdown)
	shutdown()
}

func TestSearchServesFromCache(t *testing.T) {
	vm := GetVoiceManager()
	vm.cache.Lock()
	vm.cache.items["prewarmed query"] = cachedItem{
		results:   []SearchResult{{Title: "hit", URL: "https://www.youtube.com/watch?v=hit1"}},
		expiresAt: time.Now().Add(time.Hour),
	}
	vm.cache.Unlock()

	res, err := vm.Search("prewarmed query")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "hit", res[0].Title)
}

func TestSourcePrefixDefaults(t *testing.T) {
	old := GlobalConfig
	defer func() { GlobalConfig = old }()

	GlobalConfig = nil
	assert.Equal(t, "[YT]", getYoutubePrefix())
	assert.Equal(t, "[YTM]", getYTMusicPrefix())

	GlobalConfig = &Config{YoutubePrefix: "<yt>", YTMusicPrefix: "<ytm>"}
	assert.Equal(t, "<yt>", getYoutubePrefix())
	assert.Equal(t, "<ytm>", getYTMusicPrefix())
}
