package tmdb

// Genre is a {id, name} pair.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CastMember is one acting credit on a movie or show.
type CastMember struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Character   string `json:"character"`
	Order       int    `json:"order"`
	ProfilePath string `json:"profile_path"`
}

// CrewMember is one crew credit.
type CrewMember struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Job  string `json:"job"`
}

// Credits aggregates cast and crew.
type Credits struct {
	Cast []CastMember `json:"cast"`
	Crew []CrewMember `json:"crew"`
}

// ExternalIDs carries cross-provider identifiers.
type ExternalIDs struct {
	IMDBID string `json:"imdb_id"`
}

// Keyword is a {id, name} pair.
type Keyword struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Movie is the movie details document.
type Movie struct {
	ID                  int          `json:"id"`
	Title               string       `json:"title"`
	OriginalTitle       string       `json:"original_title"`
	OriginalLanguage    string       `json:"original_language"`
	Overview            string       `json:"overview"`
	ReleaseDate         string       `json:"release_date"`
	Runtime             int          `json:"runtime"`
	VoteAverage         float64      `json:"vote_average"`
	VoteCount           int          `json:"vote_count"`
	Popularity          float64      `json:"popularity"`
	Genres              []Genre      `json:"genres"`
	PosterPath          string       `json:"poster_path"`
	ProductionCountries []struct {
		ISO  string `json:"iso_3166_1"`
		Name string `json:"name"`
	} `json:"production_countries"`
	ProductionCompanies []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"production_companies"`
	Credits     *Credits     `json:"credits,omitempty"`
	ExternalIDs *ExternalIDs `json:"external_ids,omitempty"`
	Keywords    *struct {
		Keywords []Keyword `json:"keywords"`
	} `json:"keywords,omitempty"`
}

// EpisodeStub is a minimal episode record inside TV details.
type EpisodeStub struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	AirDate       string `json:"air_date"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
}

// SeasonStub is a minimal season record inside TV details.
type SeasonStub struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	SeasonNumber int    `json:"season_number"`
	EpisodeCount int    `json:"episode_count"`
	AirDate      string `json:"air_date"`
	PosterPath   string `json:"poster_path"`
}

// TV is the series details document.
type TV struct {
	ID               int          `json:"id"`
	Name             string       `json:"name"`
	OriginalName     string       `json:"original_name"`
	OriginalLanguage string       `json:"original_language"`
	Overview         string       `json:"overview"`
	FirstAirDate     string       `json:"first_air_date"`
	LastAirDate      string       `json:"last_air_date"`
	InProduction     bool         `json:"in_production"`
	Status           string       `json:"status"` // Returning Series, Ended, Canceled
	NumberOfSeasons  int          `json:"number_of_seasons"`
	NumberOfEpisodes int          `json:"number_of_episodes"`
	EpisodeRunTime   []int        `json:"episode_run_time"`
	VoteAverage      float64      `json:"vote_average"`
	VoteCount        int          `json:"vote_count"`
	Popularity       float64      `json:"popularity"`
	Genres           []Genre      `json:"genres"`
	PosterPath       string       `json:"poster_path"`
	OriginCountry    []string     `json:"origin_country"`
	Networks         []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"networks"`
	Seasons          []SeasonStub `json:"seasons"`
	NextEpisodeToAir *EpisodeStub `json:"next_episode_to_air"`
	LastEpisodeToAir *EpisodeStub `json:"last_episode_to_air"`
	Credits          *Credits     `json:"credits,omitempty"`
	ExternalIDs      *ExternalIDs `json:"external_ids,omitempty"`
	Keywords         *struct {
		Results []Keyword `json:"results"`
	} `json:"keywords,omitempty"`
}

// Season is the season details document.
type Season struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	SeasonNumber int           `json:"season_number"`
	AirDate      string        `json:"air_date"`
	Episodes     []EpisodeStub `json:"episodes"`
}

// Person is the person details document.
type Person struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	AlsoKnownAs []string     `json:"also_known_as"`
	Biography   string       `json:"biography"`
	ProfilePath string       `json:"profile_path"`
	IMDBID      string       `json:"imdb_id"`
	Popularity  float64      `json:"popularity"`
	KnownFor    string       `json:"known_for_department"`
	ExternalIDs *ExternalIDs `json:"external_ids,omitempty"`
}

// PersonCredit is one filmography entry from combined_credits.
type PersonCredit struct {
	ID            int     `json:"id"`
	MediaType     string  `json:"media_type"` // movie or tv
	Title         string  `json:"title"`      // movies
	Name          string  `json:"name"`       // tv
	OriginalTitle string  `json:"original_title"`
	OriginalName  string  `json:"original_name"`
	Character     string  `json:"character"`
	Order         int     `json:"order"`
	ReleaseDate   string  `json:"release_date"`
	FirstAirDate  string  `json:"first_air_date"`
	VoteAverage   float64 `json:"vote_average"`
	VoteCount     int     `json:"vote_count"`
	Popularity    float64 `json:"popularity"`
	GenreIDs      []int   `json:"genre_ids"`
	PosterPath    string  `json:"poster_path"`
}

// PersonCredits is the combined_credits envelope.
type PersonCredits struct {
	Cast []PersonCredit `json:"cast"`
}

// SearchResult is one entry of a search or discover page.
type SearchResult struct {
	ID            int     `json:"id"`
	MediaType     string  `json:"media_type"`
	Title         string  `json:"title"`
	Name          string  `json:"name"`
	OriginalTitle string  `json:"original_title"`
	OriginalName  string  `json:"original_name"`
	ReleaseDate   string  `json:"release_date"`
	FirstAirDate  string  `json:"first_air_date"`
	Overview      string  `json:"overview"`
	Popularity    float64 `json:"popularity"`
	VoteAverage   float64 `json:"vote_average"`
	PosterPath    string  `json:"poster_path"`
}

// Page is the generic paged envelope.
type Page struct {
	Page         int            `json:"page"`
	TotalPages   int            `json:"total_pages"`
	TotalResults int            `json:"total_results"`
	Results      []SearchResult `json:"results"`
}

// ListItem is one entry of a provider list.
type ListItem = SearchResult

// ListPage is the paged list envelope.
type ListPage struct {
	Page       int        `json:"page"`
	TotalPages int        `json:"total_pages"`
	Items      []ListItem `json:"items"`
}

// DisplayTitle returns the localized title regardless of media type.
func (r SearchResult) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Name
}

// Date returns release_date for movies and first_air_date for tv.
func (r SearchResult) Date() string {
	if r.ReleaseDate != "" {
		return r.ReleaseDate
	}
	return r.FirstAirDate
}

// DisplayTitle returns the localized title regardless of media type.
func (p PersonCredit) DisplayTitle() string {
	if p.MediaType == "movie" {
		return p.Title
	}
	return p.Name
}

// Date returns the release date regardless of media type.
func (p PersonCredit) Date() string {
	if p.MediaType == "movie" {
		return p.ReleaseDate
	}
	return p.FirstAirDate
}
