package main

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"math/rand"
	"sort"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// Radio track selection. When the explicit queue runs dry the selector
// builds a candidate pool from the listeners' aggregated request
// history and draws the next track from it, weighted by how many people
// asked for a song and how often. Discovery mode occasionally swaps the
// weighted pick for a similarity-search result the listeners have not
// requested before.

const UnknownArtist = "Unknown"

const (
	// RadioPoolCap bounds the statistics query for the weighted pick.
	RadioPoolCap = 100
	// DiscoveryPoolCap bounds the library query used for seeds and the
	// already-known exclusion list.
	DiscoveryPoolCap = 50
	// DiscoverySearchCap bounds the similarity search.
	DiscoverySearchCap = 10
	// DiscoveryChance is the fraction of radio picks diverted to
	// discovery while the mode is on.
	DiscoveryChance = 0.30

	HistoryCapCeiling = 50
	ArtistCapCeiling  = 10

	MinSongWeight = 1
	MaxSongWeight = 5
)

var (
	errNoListeners = errors.New("no active listeners")
	errEmptyPool   = errors.New("empty candidate pool")
)

// OriginKind says who or what put a track into playback.
type OriginKind int

const (
	OriginUser OriginKind = iota
	OriginRadio
	OriginDiscovery
)

// Origin tags a track with its source. User-requested tracks carry the
// requester's identity, selector picks carry only their kind.
type Origin struct {
	Kind     OriginKind
	UserID   snowflake.ID
	UserName string
}

func UserOrigin(id snowflake.ID, name string) Origin {
	return Origin{Kind: OriginUser, UserID: id, UserName: name}
}

func RadioOrigin() Origin { return Origin{Kind: OriginRadio} }

func DiscoveryOrigin() Origin { return Origin{Kind: OriginDiscovery} }

func (o Origin) String() string {
	switch o.Kind {
	case OriginRadio:
		return "radio"
	case OriginDiscovery:
		return "discovery"
	default:
		return o.UserName
	}
}

// RadioSelector picks tracks for one session. It owns the recent-song
// and recent-artist histories that keep the rotation from looping; the
// statistics query, the similarity search and the randomness source are
// injected so selection is testable in isolation.
type RadioSelector struct {
	mu            sync.Mutex
	recentSongs   []string
	recentArtists []string

	queryPool func(ctx context.Context, userIDs []snowflake.ID, limit int) ([]*SongStat, error)
	search    func(ctx context.Context, query string, limit int) ([]SearchResult, error)
	randFloat func() float64
	randIntn  func(n int) int
}

func NewRadioSelector() *RadioSelector {
	return &RadioSelector{
		queryPool: QuerySongsForUsers,
		search:    discoverySearch,
		randFloat: rand.Float64,
		randIntn:  rand.Intn,
	}
}

// PickNext selects the next track for the given listeners. While
// discovery mode is on a fraction of picks go through similarity
// search; any discovery failure falls back to the weighted radio pick.
func (r *RadioSelector) PickNext(ctx context.Context, listeners []snowflake.ID, discovery bool) (*Track, error) {
	if len(listeners) == 0 {
		return nil, errNoListeners
	}
	if discovery && r.randFloat() < DiscoveryChance {
		t, err := r.pickDiscovery(ctx, listeners)
		if err == nil {
			return t, nil
		}
		LogRadio(MsgRadioDiscoveryFallback, err)
	}
	return r.pickRadio(ctx, listeners)
}

// pickRadio draws a weighted pick from the listeners' combined request
// history, filtered against the recent-song and recent-artist windows.
// When the filters would starve the pool the windows shrink until at
// least one candidate survives, so a pick always comes out of a
// non-empty pool.
func (r *RadioSelector) pickRadio(ctx context.Context, listeners []snowflake.ID) (*Track, error) {
	pool, err := r.queryPool(ctx, listeners, RadioPoolCap)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, errEmptyPool
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	historyCap := Min(len(pool)*6/10, HistoryCapCeiling)
	artistCap := Min(len(pool)*15/100, ArtistCapCeiling)

	LogRadio(MsgRadioSelecting, len(pool), len(r.recentSongs), len(r.recentArtists))

	filtered := filterByURL(pool, r.recentSongs)
	// The artist filter only applies while the pool is healthy: enough
	// absolute candidates, a survivor ratio of at least 20%, and it may
	// not drop the candidate count below 30% of the URL-filtered pool.
	if len(filtered) >= 10 && len(filtered)*5 >= len(pool) {
		strict := filterByArtist(filtered, r.recentArtists)
		if len(strict)*10 >= len(filtered)*3 {
			filtered = strict
		}
	}

	trimmed := false
	if len(filtered) == 0 {
		keep := Max(len(r.recentSongs)/5, 3)
		if keep < len(r.recentSongs) {
			LogRadio(MsgRadioHistoryTrimmed, len(r.recentSongs), keep)
			r.recentSongs = tailOf(r.recentSongs, keep)
		}
		r.recentArtists = tailOf(r.recentArtists, 2)
		trimmed = true
		filtered = filterByURL(pool, r.recentSongs)
	}
	if len(filtered) == 0 {
		LogRadio(MsgRadioHistoryCleared)
		r.recentSongs = nil
		r.recentArtists = nil
		filtered = pool
	}

	var pick *SongStat
	if trimmed || len(filtered)*2 < len(pool) {
		// Starved pools get a 50% uniform draw so the same few heavy
		// hitters do not monopolize what little variety is left.
		if r.randFloat() < 0.5 {
			LogRadio(MsgRadioVarietyBoost, len(filtered))
			pick = filtered[r.randIntn(len(filtered))]
		}
	}
	if pick == nil {
		pick = weightedPick(filtered, r.randIntn)
	}

	r.remember(pick.URL, pick.Artist, historyCap, artistCap)
	LogRadio(MsgRadioSelected, pick.Title, candidateWeight(pick), len(filtered))

	return &Track{
		URL:      pick.URL,
		Title:    pick.Title,
		Artist:   pick.Artist,
		Duration: 0,
		Origin:   RadioOrigin(),
	}, nil
}

// pickDiscovery seeds a similarity search from the listeners' library
// and returns a uniformly random result they have not requested before.
func (r *RadioSelector) pickDiscovery(ctx context.Context, listeners []snowflake.ID) (*Track, error) {
	library, err := r.queryPool(ctx, listeners, DiscoveryPoolCap)
	if err != nil {
		return nil, err
	}
	if len(library) == 0 {
		return nil, errEmptyPool
	}

	seed := library[r.randIntn(len(library))]
	query := r.discoveryQuery(seed)
	LogRadio(MsgRadioDiscoverySeed, seed.Title, query)

	results, err := r.search(ctx, query, DiscoverySearchCap)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(library))
	for _, s := range library {
		known[s.URL] = struct{}{}
	}
	var fresh []SearchResult
	for _, res := range results {
		if _, ok := known[res.URL]; !ok {
			fresh = append(fresh, res)
		}
	}
	if len(fresh) == 0 {
		return nil, errors.New("no unheard results")
	}

	pick := fresh[r.randIntn(len(fresh))]
	LogRadio(MsgRadioDiscoveryPicked, pick.Title)

	artist := pick.ChannelName
	if artist == "" {
		artist = UnknownArtist
	}
	return &Track{
		URL:    pick.URL,
		Title:  pick.Title,
		Artist: artist,
		Origin: DiscoveryOrigin(),
	}, nil
}

// discoveryQuery builds the similarity search text for a seed song.
// Seeds without a usable artist always search by title.
func (r *RadioSelector) discoveryQuery(seed *SongStat) string {
	if seed.Artist == "" || seed.Artist == UnknownArtist {
		return fmt.Sprintf("songs like %s", seed.Title)
	}
	switch r.randIntn(3) {
	case 0:
		return fmt.Sprintf("%s similar songs", seed.Artist)
	case 1:
		return fmt.Sprintf("%s best songs", seed.Artist)
	default:
		return fmt.Sprintf("songs like %s", seed.Title)
	}
}

// remember appends a pick to both histories, evicting the oldest
// entries beyond the caps computed for this selection.
func (r *RadioSelector) remember(url, artist string, historyCap, artistCap int) {
	r.recentSongs = append(r.recentSongs, url)
	if len(r.recentSongs) > historyCap {
		r.recentSongs = tailOf(r.recentSongs, historyCap)
	}
	if artist != "" && artist != UnknownArtist {
		r.recentArtists = append(r.recentArtists, artist)
		if len(r.recentArtists) > artistCap {
			r.recentArtists = tailOf(r.recentArtists, artistCap)
		}
	}
}

// Reset drops both histories.
func (r *RadioSelector) Reset() {
	r.mu.Lock()
	r.recentSongs = nil
	r.recentArtists = nil
	r.mu.Unlock()
}

// HistorySizes reports the current window fill, for display.
func (r *RadioSelector) HistorySizes() (songs, artists int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recentSongs), len(r.recentArtists)
}

// candidateWeight maps request stats to a selection weight in
// [MinSongWeight, MaxSongWeight]. The log2 curve keeps heavy
// repeat-requesters from drowning out everyone else.
func candidateWeight(s *SongStat) int {
	w := ceilLog2(s.UserCount+1) + ceilLog2(s.TotalRequests+1)
	if w < MinSongWeight {
		return MinSongWeight
	}
	if w > MaxSongWeight {
		return MaxSongWeight
	}
	return w
}

// ceilLog2 returns ceil(log2(n)) for n >= 1.
func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// weightedPick draws one candidate with probability proportional to its
// weight, via a cumulative-sum table and binary search.
func weightedPick(pool []*SongStat, randIntn func(int) int) *SongStat {
	cum := make([]int, len(pool))
	total := 0
	for i, s := range pool {
		total += candidateWeight(s)
		cum[i] = total
	}
	target := randIntn(total)
	return pool[sort.SearchInts(cum, target+1)]
}

func filterByURL(pool []*SongStat, exclude []string) []*SongStat {
	if len(exclude) == 0 {
		return pool
	}
	seen := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		seen[u] = struct{}{}
	}
	var out []*SongStat
	for _, s := range pool {
		if _, ok := seen[s.URL]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// filterByArtist drops candidates whose artist was played recently.
// Candidates without a real artist always pass.
func filterByArtist(pool []*SongStat, exclude []string) []*SongStat {
	if len(exclude) == 0 {
		return pool
	}
	seen := make(map[string]struct{}, len(exclude))
	for _, a := range exclude {
		seen[a] = struct{}{}
	}
	var out []*SongStat
	for _, s := range pool {
		if s.Artist == "" || s.Artist == UnknownArtist {
			out = append(out, s)
			continue
		}
		if _, ok := seen[s.Artist]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// tailOf returns a copy of the newest n entries.
func tailOf(s []string, n int) []string {
	if n > len(s) {
		n = len(s)
	}
	out := make([]string, n)
	copy(out, s[len(s)-n:])
	return out
}
