// Package metadata owns the cached media metadata store and the cast
// processing pipeline that enriches library items.
package metadata

import "time"

// Item types as stored on media_metadata rows.
const (
	TypeMovie   = "Movie"
	TypeSeries  = "Series"
	TypeSeason  = "Season"
	TypeEpisode = "Episode"
)

// Subscription statuses.
const (
	StatusNone           = "NONE"
	StatusWanted         = "WANTED"
	StatusPendingRelease = "PENDING_RELEASE"
	StatusSubscribed     = "SUBSCRIBED"
	StatusIgnored        = "IGNORED"
	StatusPaused         = "PAUSED"
)

// PersonRef is one credited person on a media record.
type PersonRef struct {
	MetadataPersonID int64  `json:"metadata_person_id,omitempty"`
	Name             string `json:"name"`
	Role             string `json:"role,omitempty"`
}

// SubscriptionSource records why an item is subscribed. Type is the
// source kind (collection, actor, watchlist); ID identifies the source
// within its kind.
type SubscriptionSource struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Record is one media_metadata row.
type Record struct {
	MetadataID             int64
	ItemType               string
	Title                  string
	OriginalTitle          string
	ReleaseYear            int
	ReleaseDate            string
	UnifiedRating          string
	RuntimeMinutes         int
	Rating                 float64
	Overview               string
	OverviewEmbedding      []float64
	Genres                 []string
	Countries              []string
	Studios                []string
	Tags                   []string
	Keywords               []string
	Actors                 []PersonRef
	Directors              []PersonRef
	LibraryItemIDs         []string
	ParentSeriesMetadataID int64
	SeasonNumber           *int
	EpisodeNumber          *int
	InLibrary              bool
	SubscriptionStatus     string
	SubscriptionSources    []SubscriptionSource
	DateAdded              *time.Time
	LastSyncedAt           *time.Time
}

// Asset is one asset_details row: the permission-relevant facts about
// a concrete library item.
type Asset struct {
	LibraryItemID   string
	MetadataID      int64
	ItemType        string
	SourceLibraryID string
	AncestorIDs     []string
	Tags            []string
	UnifiedRating   string
	DateCreated     *time.Time
}

// ReviewEntry is one parked item on the review queue.
type ReviewEntry struct {
	LibraryItemID string
	ItemName      string
	Reason        string
	CreatedAt     time.Time
}
