package main

// ===========================
// Radio Selector Tests
// ===========================

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSelector returns a selector with all randomness and I/O pinned:
// the pool query always returns pool, search always fails, the random
// float never triggers discovery or variety boosts, and weighted draws
// always land on the first candidate.
func testSelector(pool []*SongStat) *RadioSelector {
	r := NewRadioSelector()
	r.queryPool = func(ctx context.Context, userIDs []snowflake.ID, limit int) ([]*SongStat, error) {
		return pool, nil
	}
	r.search = func(ctx context.Context, query string, limit int) ([]SearchResult, error) {
		return nil, errors.New("search disabled")
	}
	r.randFloat = func() float64 { return 1.0 }
	r.randIntn = func(n int) int { return 0 }
	return r
}

func statPool(n int) []*SongStat {
	pool := make([]*SongStat, 0, n)
	for i := range n {
		pool = append(pool, &SongStat{
			URL:           fmt.Sprintf("url-%d", i),
			Title:         fmt.Sprintf("Song %d", i),
			Artist:        fmt.Sprintf("Artist %d", i),
			UserCount:     1,
			TotalRequests: 1,
		})
	}
	return pool
}

func TestPickNextRequiresListeners(t *testing.T) {
	r := testSelector(statPool(3))

	_, err := r.PickNext(context.Background(), nil, false)
	assert.ErrorIs(t, err, errNoListeners)
}

func TestPickNextEmptyPool(t *testing.T) {
	r := testSelector(nil)

	_, err := r.PickNext(context.Background(), []snowflake.ID{1}, false)
	assert.ErrorIs(t, err, errEmptyPool)
}

func TestCandidateWeight(t *testing.T) {
	tests := []struct {
		users, total int
		want         int
	}{
		{0, 0, 1},
		{1, 1, 2},
		{2, 2, 4},
		{3, 10, 5},
		{4, 11, 5},
		{100, 100000, 5},
	}
	for _, tt := range tests {
		got := candidateWeight(&SongStat{UserCount: tt.users, TotalRequests: tt.total})
		assert.Equal(t, tt.want, got, "users=%d total=%d", tt.users, tt.total)
	}
}

func TestCeilLog2(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 3},
		{9, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ceilLog2(tt.n), "n=%d", tt.n)
	}
}

// A song requested by three listeners ten times outweighs a song one
// listener asked for once, and the draw boundaries land where the
// cumulative weights say they should.
func TestWeightedPickFavorsPopularSongs(t *testing.T) {
	pool := []*SongStat{
		{URL: "a", Title: "Song A", Artist: "One", UserCount: 3, TotalRequests: 10},
		{URL: "b", Title: "Song B", Artist: "Two", UserCount: 1, TotalRequests: 1},
	}
	require.Equal(t, 5, candidateWeight(pool[0]))
	require.Equal(t, 2, candidateWeight(pool[1]))

	tests := []struct {
		draw int
		want string
	}{
		{0, "a"},
		{4, "a"},
		{5, "b"},
		{6, "b"},
	}
	for _, tt := range tests {
		got := weightedPick(pool, func(n int) int {
			require.Equal(t, 7, n)
			return tt.draw
		})
		assert.Equal(t, tt.want, got.URL, "draw=%d", tt.draw)
	}
}

func TestPickRadioNeverRepeatsLastSong(t *testing.T) {
	r := testSelector(statPool(10))
	ctx := context.Background()
	listeners := []snowflake.ID{1, 2}

	last := ""
	for range 30 {
		stat, err := r.PickNext(ctx, listeners, false)
		require.NoError(t, err)
		assert.NotEqual(t, last, stat.URL)
		last = stat.URL
	}
}

func TestHistoryWindowsScaleWithPool(t *testing.T) {
	r := testSelector(statPool(10))
	ctx := context.Background()
	listeners := []snowflake.ID{1}

	for range 30 {
		_, err := r.PickNext(ctx, listeners, false)
		require.NoError(t, err)
	}

	songs, artists := r.HistorySizes()
	assert.Equal(t, 6, songs, "song window holds 60%% of a 10-song pool")
	assert.Equal(t, 1, artists, "artist window holds 15%% of a 10-song pool")

	r.Reset()
	songs, artists = r.HistorySizes()
	assert.Zero(t, songs)
	assert.Zero(t, artists)
}

// A tiny pool whose every song is already in the history must still
// produce a pick instead of starving.
func TestPickRadioRecoversFromSaturatedHistory(t *testing.T) {
	pool := []*SongStat{
		{URL: "a", Title: "Song A", Artist: "One", UserCount: 1, TotalRequests: 1},
		{URL: "b", Title: "Song B", Artist: "Two", UserCount: 1, TotalRequests: 1},
	}
	r := testSelector(pool)
	r.recentSongs = []string{"a", "b"}
	r.recentArtists = []string{"One", "Two"}

	stat, err := r.PickNext(context.Background(), []snowflake.ID{1}, false)
	require.NoError(t, err)
	require.NotNil(t, stat)

	songs, artists := r.HistorySizes()
	assert.Equal(t, 1, songs, "history restarts with just the new pick")
	assert.Zero(t, artists, "a 2-song pool keeps no artist history")
}

func TestDiscoveryPicksUnheardResult(t *testing.T) {
	library := []*SongStat{
		{URL: "known", Title: "Known Song", Artist: "Seed Artist", UserCount: 2, TotalRequests: 5},
	}
	r := testSelector(library)
	r.randFloat = func() float64 { return 0.0 }
	r.search = func(ctx context.Context, query string, limit int) ([]SearchResult, error) {
		assert.Equal(t, "Seed Artist similar songs", query)
		return []SearchResult{
			{URL: "known", Title: "Known Song", ChannelName: "Seed Artist"},
			{URL: "fresh", Title: "Fresh Song"},
		}, nil
	}

	track, err := r.PickNext(context.Background(), []snowflake.ID{7}, true)
	require.NoError(t, err)
	assert.Equal(t, "fresh", track.URL)
	assert.Equal(t, "Fresh Song", track.Title)
	assert.Equal(t, UnknownArtist, track.Artist)
	assert.Equal(t, OriginDiscovery, track.Origin.Kind)
}

func TestDiscoveryFallsBackToRadioOnSearchFailure(t *testing.T) {
	pool := statPool(3)
	calls := 0
	r := testSelector(pool)
	r.queryPool = func(ctx context.Context, userIDs []snowflake.ID, limit int) ([]*SongStat, error) {
		calls++
		return pool, nil
	}
	r.randFloat = func() float64 { return 0.0 }

	track, err := r.PickNext(context.Background(), []snowflake.ID{1}, true)
	require.NoError(t, err)
	assert.Equal(t, OriginRadio, track.Origin.Kind)
	assert.Equal(t, 2, calls, "discovery seed query plus radio pool query")
}

func TestDiscoveryFallsBackToRadioOnEmptyLibrary(t *testing.T) {
	calls := 0
	r := testSelector(nil)
	r.queryPool = func(ctx context.Context, userIDs []snowflake.ID, limit int) ([]*SongStat, error) {
		calls++
		return nil, nil
	}
	r.randFloat = func() float64 { return 0.0 }

	_, err := r.PickNext(context.Background(), []snowflake.ID{1}, true)
	assert.ErrorIs(t, err, errEmptyPool)
	assert.Equal(t, 2, calls, "radio path still runs after discovery finds nothing")
}

func TestDiscoveryQueryWithoutArtist(t *testing.T) {
	r := testSelector(nil)

	q := r.discoveryQuery(&SongStat{Title: "Mystery Tune", Artist: UnknownArtist})
	assert.Equal(t, "songs like Mystery Tune", q)
}

func TestFilterByArtistKeepsUnknown(t *testing.T) {
	pool := []*SongStat{
		{URL: "x", Artist: UnknownArtist},
		{URL: "y", Artist: "Seen"},
		{URL: "z", Artist: ""},
	}

	out := filterByArtist(pool, []string{"Seen"})
	require.Len(t, out, 2)
	assert.Equal(t, "x", out[0].URL)
	assert.Equal(t, "z", out[1].URL)
}

func TestTailOf(t *testing.T) {
	s := []string{"a", "b", "c", "d"}

	assert.Equal(t, []string{"c", "d"}, tailOf(s, 2))
	assert.Equal(t, s, tailOf(s, 10))
	assert.Empty(t, tailOf(s, 0))
}

func TestOriginString(t *testing.T) {
	assert.Equal(t, "radio", RadioOrigin().String())
	assert.Equal(t, "discovery", DiscoveryOrigin().String())
	assert.Equal(t, "kai", UserOrigin(snowflake.ID(1), "kai").String())
}
