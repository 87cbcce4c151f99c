package webhook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchDebouncerFoldsEpisodes(t *testing.T) {
	var mu sync.Mutex
	var fired [][]Batch
	d := NewBatchDebouncer(50*time.Millisecond, func(b []Batch) {
		mu.Lock()
		fired = append(fired, b)
		mu.Unlock()
	})
	defer d.Stop()

	d.Add(NewItem{ID: "m1", Name: "Movie One", Type: "Movie"})
	d.Add(NewItem{ID: "e1", Name: "S1E1", Type: "Episode", SeriesID: "s1", SeriesName: "Show"})
	d.Add(NewItem{ID: "e2", Name: "S1E2", Type: "Episode", SeriesID: "s1", SeriesName: "Show"})
	d.Add(NewItem{ID: "e3", Name: "S2E9", Type: "Episode", SeriesID: "s2", SeriesName: "Other"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	batches := fired[0]
	require.Len(t, batches, 3)

	assert.Equal(t, "m1", batches[0].ParentID)
	assert.Equal(t, "Movie", batches[0].Type)
	assert.Empty(t, batches[0].EpisodeIDs)

	assert.Equal(t, "s1", batches[1].ParentID)
	assert.Equal(t, "Show", batches[1].ParentName)
	assert.Equal(t, "Series", batches[1].Type)
	assert.Equal(t, []string{"e1", "e2"}, batches[1].EpisodeIDs)

	assert.Equal(t, "s2", batches[2].ParentID)
	assert.Equal(t, []string{"e3"}, batches[2].EpisodeIDs)
}

func TestBatchDebouncerRestartsWindow(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := NewBatchDebouncer(60*time.Millisecond, func([]Batch) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer d.Stop()

	// Events spaced inside the window coalesce into one flush.
	for i := 0; i < 4; i++ {
		d.Add(NewItem{ID: "m1", Type: "Movie"})
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestUpdateDebouncerLastWriterWins(t *testing.T) {
	var mu sync.Mutex
	var fired []Update
	d := NewUpdateDebouncer(50*time.Millisecond, "", func(u Update) {
		mu.Lock()
		fired = append(fired, u)
		mu.Unlock()
	})
	defer d.Stop()

	d.Add(Update{ItemID: "s1", Description: "first"})
	d.Add(Update{ItemID: "s1", Description: "second"})
	d.Add(Update{ItemID: "s1", Description: "third"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "third", fired[0].Description)
}

func TestUpdateDebouncerCoalescedDescription(t *testing.T) {
	var mu sync.Mutex
	var fired []Update
	d := NewUpdateDebouncer(50*time.Millisecond, "Multiple image updates detected", func(u Update) {
		mu.Lock()
		fired = append(fired, u)
		mu.Unlock()
	})
	defer d.Stop()

	d.Add(Update{ItemID: "s1", Description: "poster changed"})
	d.Add(Update{ItemID: "s1", Description: "backdrop changed"})
	d.Add(Update{ItemID: "s1", Description: "logo changed"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Multiple image updates detected", fired[0].Description)
	assert.True(t, fired[0].Coalesced)
}

func TestUpdateDebouncerSingleEventKeepsDescription(t *testing.T) {
	var mu sync.Mutex
	var fired []Update
	d := NewUpdateDebouncer(30*time.Millisecond, "Multiple image updates detected", func(u Update) {
		mu.Lock()
		fired = append(fired, u)
		mu.Unlock()
	})
	defer d.Stop()

	d.Add(Update{ItemID: "s1", Description: "poster changed"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "poster changed", fired[0].Description)
	assert.False(t, fired[0].Coalesced)
}

func TestUpdateDebouncerIndependentKeys(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	d := NewUpdateDebouncer(30*time.Millisecond, "", func(u Update) {
		mu.Lock()
		seen[u.ItemID]++
		mu.Unlock()
	})
	defer d.Stop()

	d.Add(Update{ItemID: "a"})
	d.Add(Update{ItemID: "b"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a"] == 1 && seen["b"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSuppressorSingleShot(t *testing.T) {
	s := NewSuppressor(time.Second)

	assert.False(t, s.Consume("u1"))

	s.Mark("u1")
	assert.True(t, s.Consume("u1"))
	assert.False(t, s.Consume("u1"), "marker is single-shot")
}

func TestSuppressorTTL(t *testing.T) {
	s := NewSuppressor(10 * time.Millisecond)
	s.Mark("u1")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, s.Consume("u1"))
}
