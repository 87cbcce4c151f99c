package webhook

import (
	"sync"
	"time"
)

// NewItem is one enqueued new-item event before batching.
type NewItem struct {
	ID         string
	Name       string
	Type       string
	SeriesID   string
	SeriesName string
}

// Batch is one deduplicated parent after the window closes. Episodes
// fold into their series; the specific episode IDs survive on the
// parent record.
type Batch struct {
	ParentID   string
	ParentName string
	Type       string
	EpisodeIDs []string
}

// BatchDebouncer collects new-item events and fires once per quiet
// window with the deduplicated parent batches.
type BatchDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending []NewItem
	timer   *time.Timer
	fire    func([]Batch)
}

// NewBatchDebouncer creates a debouncer that calls fire on its own
// goroutine once no event has arrived for the given window.
func NewBatchDebouncer(window time.Duration, fire func([]Batch)) *BatchDebouncer {
	return &BatchDebouncer{window: window, fire: fire}
}

// Add enqueues an event and restarts the window.
func (d *BatchDebouncer) Add(item NewItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, item)
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// Stop cancels any pending window without firing.
func (d *BatchDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

func (d *BatchDebouncer) flush() {
	d.mu.Lock()
	items := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if len(items) == 0 {
		return
	}
	d.fire(foldBatches(items))
}

// foldBatches deduplicates events by parent, preserving first-seen
// order of parents and collecting episode IDs per series.
func foldBatches(items []NewItem) []Batch {
	index := make(map[string]int)
	var out []Batch

	for _, it := range items {
		parentID, parentName, typ := it.ID, it.Name, it.Type
		var episodeID string
		if it.Type == "Episode" && it.SeriesID != "" {
			parentID = it.SeriesID
			parentName = it.SeriesName
			typ = "Series"
			episodeID = it.ID
		}

		i, seen := index[parentID]
		if !seen {
			index[parentID] = len(out)
			out = append(out, Batch{ParentID: parentID, ParentName: parentName, Type: typ})
			i = len(out) - 1
		}
		if episodeID != "" {
			out[i].EpisodeIDs = append(out[i].EpisodeIDs, episodeID)
		}
	}
	return out
}

// Update is the payload of a metadata or image update event.
type Update struct {
	ItemID      string
	Description string
	Coalesced   bool
}

// UpdateDebouncer keeps one timer per item key. A later event for the
// same key replaces the pending payload (last writer wins); coalesced
// image updates carry a generic description.
type UpdateDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	generic string // description used once events coalesce, empty keeps the latest
	pending map[string]*pendingUpdate
	fire    func(Update)
}

type pendingUpdate struct {
	update Update
	timer  *time.Timer
	count  int
}

// NewUpdateDebouncer creates a per-key debouncer. When generic is
// non-empty, a coalesced payload's description is replaced with it.
func NewUpdateDebouncer(window time.Duration, generic string, fire func(Update)) *UpdateDebouncer {
	return &UpdateDebouncer{
		window:  window,
		generic: generic,
		pending: make(map[string]*pendingUpdate),
		fire:    fire,
	}
}

// Add schedules or replaces the pending update for the item.
func (d *UpdateDebouncer) Add(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[u.ItemID]
	if ok {
		p.timer.Stop()
		p.count++
		p.update = u
		if d.generic != "" {
			p.update.Description = d.generic
			p.update.Coalesced = true
		}
	} else {
		p = &pendingUpdate{update: u, count: 1}
		d.pending[u.ItemID] = p
	}

	itemID := u.ItemID
	p.timer = time.AfterFunc(d.window, func() { d.flush(itemID) })
}

// Stop cancels all pending timers without firing.
func (d *UpdateDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingUpdate)
}

func (d *UpdateDebouncer) flush(itemID string) {
	d.mu.Lock()
	p, ok := d.pending[itemID]
	if ok {
		delete(d.pending, itemID)
	}
	d.mu.Unlock()

	if ok {
		d.fire(p.update)
	}
}
