package main

// ===========================
// Database Tests
// ===========================

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestDB(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, InitDatabase(context.Background(), path))
	t.Cleanup(CloseDatabase)
}

func TestQuerySongsForUsersRanking(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	u1, u2, u3 := snowflake.ID(1), snowflake.ID(2), snowflake.ID(3)

	// "a" has two distinct requesters, "b" one requester asking thrice.
	require.NoError(t, RecordSongRequest(ctx, u1, "one", "a", "Song A", "X"))
	require.NoError(t, RecordSongRequest(ctx, u2, "two", "a", "Song A", "X"))
	for range 3 {
		require.NoError(t, RecordSongRequest(ctx, u2, "two", "b", "Song B", "Y"))
	}
	require.NoError(t, RecordSongRequest(ctx, u3, "three", "c", "Song C", "Z"))

	stats, err := QuerySongsForUsers(ctx, []snowflake.ID{u1, u2}, 10)
	require.NoError(t, err)
	require.Len(t, stats, 2, "songs outside the listener set are excluded")

	assert.Equal(t, "a", stats[0].URL, "distinct requesters outrank raw request counts")
	assert.Equal(t, 2, stats[0].UserCount)
	assert.Equal(t, 2, stats[0].TotalRequests)
	assert.Equal(t, "b", stats[1].URL)
	assert.Equal(t, 1, stats[1].UserCount)
	assert.Equal(t, 3, stats[1].TotalRequests)
	assert.False(t, stats[0].LastRequestedAt.IsZero())

	solo, err := QuerySongsForUsers(ctx, []snowflake.ID{u2}, 10)
	require.NoError(t, err)
	require.Len(t, solo, 2)
	assert.Equal(t, "b", solo[0].URL, "total requests break the distinct-user tie")
}

func TestQuerySongsForUsersEmptySet(t *testing.T) {
	initTestDB(t)

	stats, err := QuerySongsForUsers(context.Background(), nil, 10)
	assert.NoError(t, err)
	assert.Nil(t, stats)
}

func TestRecordSongRequestDefaultsArtist(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, RecordSongRequest(ctx, snowflake.ID(9), "nine", "u", "Untitled", ""))

	stats, err := QuerySongsForUsers(ctx, []snowflake.ID{snowflake.ID(9)}, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, UnknownArtist, stats[0].Artist)
}

func TestListenCounters(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, RecordSongListens(ctx, []snowflake.ID{1, 2, 3}, "a", "Song A"))
	require.NoError(t, RecordSongListen(ctx, snowflake.ID(9), "a", "Song A"))
	require.NoError(t, RecordSongListens(ctx, nil, "a", "Song A"), "empty batch is a no-op")

	n, err := GetSongListenCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestRequestCounters(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, RecordSongRequest(ctx, snowflake.ID(1), "one", "a", "Song A", "X"))
	require.NoError(t, RecordSongRequest(ctx, snowflake.ID(1), "one", "b", "Song B", "Y"))
	require.NoError(t, RecordSongRequest(ctx, snowflake.ID(2), "two", "a", "Song A", "X"))

	requests, err := GetSongRequestCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, requests)

	requesters, err := GetDistinctRequesterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, requesters)

	songs, err := GetDistinctSongCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, songs)
}

func TestTopRequestedSongs(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	// Distinct counts per song so the ordering has no ties.
	for i := range 3 {
		require.NoError(t, RecordSongRequest(ctx, snowflake.ID(i+1), "u", "x", "Song X", "A"))
	}
	for i := range 2 {
		require.NoError(t, RecordSongRequest(ctx, snowflake.ID(i+1), "u", "y", "Song Y", "B"))
	}
	require.NoError(t, RecordSongRequest(ctx, snowflake.ID(1), "u", "z", "Song Z", "C"))

	top, err := GetTopRequestedSongs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "x", top[0].URL)
	assert.Equal(t, 3, top[0].TotalRequests)
	assert.Equal(t, "y", top[1].URL)
}

func TestBotConfigRoundTrip(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	v, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, SetBotConfig(ctx, "k", "v1"))
	v, err = GetBotConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, SetBotConfig(ctx, "k", "v2"))
	v, err = GetBotConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestGuildRadioPrefsRoundTrip(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	gid := snowflake.ID(4242)

	got, err := GetGuildRadioPrefs(ctx, gid)
	require.NoError(t, err)
	assert.Nil(t, got, "unknown guild has no stored preferences")

	require.NoError(t, SetGuildRadioPrefs(ctx, &GuildRadioPrefs{
		GuildID:          gid,
		RadioEnabled:     true,
		DiscoveryEnabled: false,
		CrossfadeMs:      4200,
	}))
	got, err = GetGuildRadioPrefs(ctx, gid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.RadioEnabled)
	assert.False(t, got.DiscoveryEnabled)
	assert.Equal(t, 4200, got.CrossfadeMs)
	assert.False(t, got.UpdatedAt.IsZero())

	// The upsert replaces, and out-of-range fades come back clamped.
	require.NoError(t, SetGuildRadioPrefs(ctx, &GuildRadioPrefs{GuildID: gid, CrossfadeMs: 50}))
	got, err = GetGuildRadioPrefs(ctx, gid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.RadioEnabled)
	assert.Equal(t, MinCrossfadeMs, got.CrossfadeMs)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, (&Config{}).Validate(), "token is required")
	assert.Error(t, (&Config{Token: "t", GuildID: "123"}).Validate(), "short guild id")
	assert.NoError(t, (&Config{Token: "t", GuildID: "123456789012345678"}).Validate())
	assert.NoError(t, (&Config{Token: "t"}).Validate(), "guild id is optional")
	assert.Error(t, (&Config{Token: "t", YTCookiesPath: filepath.Join(t.TempDir(), "missing.txt")}).Validate())
}
