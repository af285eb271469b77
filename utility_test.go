package main

// ===========================
// Utility Tests
// ===========================

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMax(t *testing.T) {
	assert.Equal(t, 1, Min(1, 2))
	assert.Equal(t, -3, Min(5, -3))
	assert.Equal(t, 2, Max(1, 2))
	assert.Equal(t, 5, Max(5, -3))
}

func TestAtoi(t *testing.T) {
	assert.Equal(t, 42, Atoi("42"))
	assert.Equal(t, -7, Atoi("-7"))
	assert.Equal(t, 0, Atoi("nope"))
}

func TestBoolToInt(t *testing.T) {
	assert.Equal(t, 1, boolToInt(true))
	assert.Equal(t, 0, boolToInt(false))
}

func TestRandomIntRange(t *testing.T) {
	assert.Equal(t, 5, RandomIntRange(5, 5))
	for range 50 {
		v := RandomIntRange(1, 3)
		assert.GreaterOrEqual(t, v, 1)
		assert.LessOrEqual(t, v, 3)
	}
	// Swapped bounds are tolerated.
	for range 50 {
		v := RandomIntRange(7, 3)
		assert.GreaterOrEqual(t, v, 3)
		assert.LessOrEqual(t, v, 7)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hello...", Truncate("hello world", 8))
	assert.Equal(t, "abc", Truncate("abcdef", 3))
}

func TestTruncateCenter(t *testing.T) {
	assert.Equal(t, "short", TruncateCenter("short", 10))
	assert.Equal(t, "ab...ij", TruncateCenter("abcdefghij", 7))
	assert.Equal(t, "ab", TruncateCenter("abcdefghij", 2))
}

func TestTruncateWithPreserve(t *testing.T) {
	short := TruncateWithPreserve("title", 100, "[YT] ", " - artist")
	assert.Equal(t, "[YT] title - artist", short)

	long := TruncateWithPreserve(strings.Repeat("x", 200), 50, "[YT] ", " - artist")
	assert.LessOrEqual(t, utf8.RuneCountInString(long), 50)
	assert.Contains(t, long, "...")
	assert.True(t, strings.HasPrefix(long, "[YT] "))
	assert.True(t, strings.HasSuffix(long, " - artist"))
}

func TestContainsIgnoreCase(t *testing.T) {
	assert.True(t, ContainsIgnoreCase("Hello World", "WORLD"))
	assert.True(t, ContainsIgnoreCase("abc", ""))
	assert.False(t, ContainsIgnoreCase("abc", "zz"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "∞", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45*time.Second))
	assert.Equal(t, "1m 30s", FormatDuration(90*time.Second))
	assert.Equal(t, "3h 25m", FormatDuration(3*time.Hour+25*time.Minute))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"90", 90 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"10S", 10 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, "in=%q", tt.in)
		assert.Equal(t, tt.want, got, "in=%q", tt.in)
	}

	_, err := ParseDuration("abc")
	assert.Error(t, err)
	_, err = ParseDuration("5d")
	assert.Error(t, err)
}
