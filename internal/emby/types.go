package emby

// Person is a cast or crew entry on a library item.
type Person struct {
	Name            string            `json:"Name"`
	ID              string            `json:"Id,omitempty"`
	Role            string            `json:"Role,omitempty"`
	Type            string            `json:"Type,omitempty"` // Actor, Director, Writer...
	PrimaryImageTag string            `json:"PrimaryImageTag,omitempty"`
	ProviderIds     map[string]string `json:"ProviderIds,omitempty"`
}

// UserData carries per-user playback state on an item.
type UserData struct {
	IsFavorite            bool   `json:"IsFavorite"`
	Played                bool   `json:"Played"`
	PlaybackPositionTicks int64  `json:"PlaybackPositionTicks"`
	LastPlayedDate        string `json:"LastPlayedDate,omitempty"`
}

// MediaStream describes a single stream within a media source.
type MediaStream struct {
	Type   string `json:"Type"` // Video, Audio, Subtitle
	Codec  string `json:"Codec,omitempty"`
	Width  int    `json:"Width,omitempty"`
	Height int    `json:"Height,omitempty"`
}

// MediaSource describes one playable version of an item.
type MediaSource struct {
	ID           string        `json:"Id"`
	Path         string        `json:"Path,omitempty"`
	Size         int64         `json:"Size,omitempty"`
	Container    string        `json:"Container,omitempty"`
	Bitrate      int64         `json:"Bitrate,omitempty"`
	MediaStreams []MediaStream `json:"MediaStreams,omitempty"`
}

// Item is a library item as returned by the Items endpoints.
type Item struct {
	ID                  string            `json:"Id"`
	Name                string            `json:"Name"`
	OriginalTitle       string            `json:"OriginalTitle,omitempty"`
	ServerID            string            `json:"ServerId,omitempty"`
	Type                string            `json:"Type"` // Movie, Series, Season, Episode, CollectionFolder, BoxSet
	CollectionType      string            `json:"CollectionType,omitempty"`
	IsFolder            bool              `json:"IsFolder,omitempty"`
	SeriesID            string            `json:"SeriesId,omitempty"`
	SeriesName          string            `json:"SeriesName,omitempty"`
	SeasonID            string            `json:"SeasonId,omitempty"`
	ParentID            string            `json:"ParentId,omitempty"`
	IndexNumber         *int              `json:"IndexNumber,omitempty"`
	ParentIndexNumber   *int              `json:"ParentIndexNumber,omitempty"`
	ProductionYear      int               `json:"ProductionYear,omitempty"`
	PremiereDate        string            `json:"PremiereDate,omitempty"`
	DateCreated         string            `json:"DateCreated,omitempty"`
	OfficialRating      string            `json:"OfficialRating,omitempty"`
	CommunityRating     float64           `json:"CommunityRating,omitempty"`
	RunTimeTicks        int64             `json:"RunTimeTicks,omitempty"`
	Overview            string            `json:"Overview,omitempty"`
	Genres              []string          `json:"Genres,omitempty"`
	Tags                []string          `json:"Tags,omitempty"`
	ProductionLocations []string          `json:"ProductionLocations,omitempty"`
	Studios             []NamedItem       `json:"Studios,omitempty"`
	People              []Person          `json:"People,omitempty"`
	ProviderIds         map[string]string `json:"ProviderIds,omitempty"`
	UserData            *UserData         `json:"UserData,omitempty"`
	ImageTags           map[string]string `json:"ImageTags,omitempty"`
	MediaSources        []MediaSource     `json:"MediaSources,omitempty"`
	Path                string            `json:"Path,omitempty"`
}

// NamedItem is a {Name, Id} pair used for studios and similar lists.
type NamedItem struct {
	Name string `json:"Name"`
	ID   string `json:"Id,omitempty"`
}

// ItemsPage is the paged envelope all Items queries return.
type ItemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// View is one entry of a user's Views response.
type View = Item

// ViewsResponse is the envelope of GET /Users/{id}/Views.
type ViewsResponse struct {
	Items            []View `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// UserPolicy mirrors the Library Server per-user policy document. Only
// fields the permission filter and template push care about are typed;
// the rest round-trips through Extra.
type UserPolicy struct {
	IsAdministrator          bool     `json:"IsAdministrator"`
	EnableAllFolders         bool     `json:"EnableAllFolders"`
	EnabledFolders           []string `json:"EnabledFolders"`
	ExcludedSubFolders       []string `json:"ExcludedSubFolders"`
	BlockedTags              []string `json:"BlockedTags"`
	MaxParentalRating        *int     `json:"MaxParentalRating"`
	BlockUnratedItems        []string `json:"BlockUnratedItems"`
	RemoteClientBitrateLimit int      `json:"RemoteClientBitrateLimit"`
	SimultaneousStreamLimit  int      `json:"SimultaneousStreamLimit"`
}

// User is a Library Server user record.
type User struct {
	ID     string      `json:"Id"`
	Name   string      `json:"Name"`
	Policy *UserPolicy `json:"Policy,omitempty"`
}

// AuthenticationResult is the response of AuthenticateByName.
type AuthenticationResult struct {
	User        User   `json:"User"`
	AccessToken string `json:"AccessToken"`
	ServerID    string `json:"ServerId"`
}

// SystemInfo is the /System/Info response subset we use.
type SystemInfo struct {
	ID      string `json:"Id"`
	Version string `json:"Version"`
}
