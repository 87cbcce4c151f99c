package metadata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/ai"
	"github.com/castbridge/castbridge/internal/douban"
	"github.com/castbridge/castbridge/internal/emby"
	"github.com/castbridge/castbridge/internal/identity"
	"github.com/castbridge/castbridge/internal/tmdb"
)

// Hooks are fan-out callbacks fired after an item is fully processed.
// Nil hooks are skipped.
type Hooks struct {
	// OnSeriesProcessed lets the watchlist track a processed series.
	OnSeriesProcessed func(ctx context.Context, item *emby.Item, metadataID int64)
	// OnItemProcessed lets the collection engine live-match the item.
	OnItemProcessed func(ctx context.Context, rec *Record)
	// OnLibraryChanged triggers cover regeneration for a library.
	OnLibraryChanged func(ctx context.Context, libraryID string)
}

// Result is the outcome of one Process call.
type Result struct {
	OK            bool
	NeedsReview   bool
	Reason        string
	Score         float64
	SkippedCached bool
}

// Processor runs the cast enrichment pipeline for library items.
type Processor struct {
	emby       *emby.Client
	tmdb       *tmdb.Client
	douban     *douban.Client
	ai         *ai.Client
	identities *identity.Store
	translator *identity.Translator
	store      *Store

	scoreThreshold float64
	hooks          Hooks
	logger         zerolog.Logger
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Emby           *emby.Client
	TMDB           *tmdb.Client
	Douban         *douban.Client
	AI             *ai.Client
	Identities     *identity.Store
	Translator     *identity.Translator
	Store          *Store
	ScoreThreshold float64
	Hooks          Hooks
	Logger         zerolog.Logger
}

// NewProcessor creates a metadata processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		emby:           cfg.Emby,
		tmdb:           cfg.TMDB,
		douban:         cfg.Douban,
		ai:             cfg.AI,
		identities:     cfg.Identities,
		translator:     cfg.Translator,
		store:          cfg.Store,
		scoreThreshold: cfg.ScoreThreshold,
		hooks:          cfg.Hooks,
		logger:         cfg.Logger.With().Str("component", "metadata-processor").Logger(),
	}
}

// Process runs the full pipeline for one library item. Episodes are
// resolved to their owning series first. With force false, an
// already-processed item short-circuits via the processed cache.
func (p *Processor) Process(ctx context.Context, libraryItemID string, force bool) (*Result, error) {
	item, err := p.emby.GetItem(ctx, libraryItemID)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", libraryItemID, err)
	}

	if item.Type == TypeEpisode && item.SeriesID != "" {
		item, err = p.emby.GetItem(ctx, item.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("resolve series of %s: %w", libraryItemID, err)
		}
	}

	if force {
		if err := p.store.ClearProcessed(ctx, item.ID); err != nil {
			return nil, err
		}
	} else {
		done, err := p.store.IsProcessed(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if done {
			return &Result{OK: true, SkippedCached: true}, nil
		}
	}

	tmdbID := providerID(item, "Tmdb")
	imdbID := item.ProviderIds["Imdb"]

	// Permission facts do not depend on cast quality, so they are
	// written before the pipeline can park the item for review.
	if err := p.syncAsset(ctx, item, tmdbID); err != nil {
		return nil, err
	}

	details := p.fetchProviderDetails(ctx, item, tmdbID)
	subject := p.fetchSubject(ctx, item, imdbID)

	var candidates []douban.Celebrity
	if subject != nil {
		candidates, err = p.douban.GetCredits(ctx, subject.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("subject", subject.ID).Msg("cultural credits unavailable")
		}
	}

	cast, err := p.buildCast(ctx, item, details, candidates)
	if err != nil {
		return nil, err
	}

	scored := make([]identity.ScoredActor, len(cast))
	for i, a := range cast {
		scored[i] = identity.ScoredActor{Name: a.Name, Role: a.Role}
	}
	score := identity.ScoreCast(scored, identity.ScoreOptions{
		AnimationOrDocumentary: isAnimationOrDocumentary(item.Genres),
		ExpectedCount:          details.expectedCastCount(),
		OriginalCount:          countActors(item.People),
	})

	if score < p.scoreThreshold {
		reason := fmt.Sprintf("quality below threshold: %.1f", score)
		if err := p.store.AddReview(ctx, item.ID, item.Name, reason); err != nil {
			return nil, err
		}
		p.logger.Info().Str("item", item.Name).Float64("score", score).Msg("parked for review")
		return &Result{NeedsReview: true, Reason: reason, Score: score}, nil
	}

	if err := p.writeBackCast(ctx, item, cast); err != nil {
		return nil, err
	}

	rec := p.buildRecord(item, tmdbID, details, cast)
	if rec.MetadataID != 0 {
		if err := p.store.Upsert(ctx, rec); err != nil {
			return nil, err
		}
		p.embedOverview(ctx, rec)
	}
	if err := p.store.MarkProcessed(ctx, item.ID, score); err != nil {
		return nil, err
	}
	if err := p.store.DeleteReview(ctx, item.ID); err != nil {
		return nil, err
	}

	if item.Type == TypeSeries && p.hooks.OnSeriesProcessed != nil {
		p.hooks.OnSeriesProcessed(ctx, item, rec.MetadataID)
	}
	if p.hooks.OnItemProcessed != nil {
		p.hooks.OnItemProcessed(ctx, rec)
	}
	if p.hooks.OnLibraryChanged != nil && item.ParentID != "" {
		p.hooks.OnLibraryChanged(ctx, item.ParentID)
	}

	p.logger.Info().Str("item", item.Name).Float64("score", score).Msg("item processed")
	return &Result{OK: true, Score: score}, nil
}

// LightSync refreshes the cached record of an item without rerunning
// the cast pipeline or touching the processed cache.
func (p *Processor) LightSync(ctx context.Context, libraryItemID string) error {
	item, err := p.emby.GetItem(ctx, libraryItemID)
	if err != nil {
		return err
	}
	if item.Type == TypeEpisode && item.SeriesID != "" {
		item, err = p.emby.GetItem(ctx, item.SeriesID)
		if err != nil {
			return err
		}
	}

	tmdbID := providerID(item, "Tmdb")
	if err := p.syncAsset(ctx, item, tmdbID); err != nil {
		return err
	}
	details := p.fetchProviderDetails(ctx, item, tmdbID)

	existing, err := p.store.GetByLibraryItemID(ctx, item.ID)
	var cast []emby.Person
	if err == nil {
		for _, a := range existing.Actors {
			cast = append(cast, emby.Person{Name: a.Name, Role: a.Role, Type: "Actor"})
		}
	}

	rec := p.buildRecord(item, tmdbID, details, cast)
	if rec.MetadataID == 0 {
		return nil
	}
	return p.store.Upsert(ctx, rec)
}

// syncAsset records the permission-relevant facts of a library item:
// its source library, ancestor chain, tags and rating. Synthetic views
// filter against these rows instead of asking the library server.
func (p *Processor) syncAsset(ctx context.Context, item *emby.Item, metadataID int64) error {
	asset := &Asset{
		LibraryItemID: item.ID,
		MetadataID:    metadataID,
		ItemType:      item.Type,
		Tags:          item.Tags,
		UnifiedRating: item.OfficialRating,
		DateCreated:   parseEmbyDate(item.DateCreated),
	}

	ancestors, err := p.emby.GetAncestors(ctx, item.ID)
	if err != nil {
		p.logger.Warn().Err(err).Str("item", item.ID).Msg("ancestor lookup failed")
	}
	for _, a := range ancestors {
		asset.AncestorIDs = append(asset.AncestorIDs, a.ID)
		if asset.SourceLibraryID == "" && a.Type == "CollectionFolder" {
			asset.SourceLibraryID = a.ID
		}
	}
	if asset.SourceLibraryID == "" {
		asset.SourceLibraryID = item.ParentID
	}

	return p.store.UpsertAsset(ctx, asset)
}

// embedOverview persists an overview embedding for the record unless
// one already exists. A provider failure only costs the vector; the
// item stays processed.
func (p *Processor) embedOverview(ctx context.Context, rec *Record) {
	if p.ai == nil || rec.Overview == "" {
		return
	}
	existing, err := p.store.Get(ctx, rec.MetadataID, rec.ItemType)
	if err != nil || len(existing.OverviewEmbedding) > 0 {
		return
	}

	vectors, err := p.ai.Embed(ctx, []string{rec.Overview})
	if err != nil {
		p.logger.Warn().Err(err).Int64("metadataId", rec.MetadataID).Msg("overview embedding unavailable")
		return
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return
	}
	if err := p.store.SetEmbedding(ctx, rec.MetadataID, rec.ItemType, vectors[0]); err != nil {
		p.logger.Warn().Err(err).Int64("metadataId", rec.MetadataID).Msg("embedding write failed")
	}
}

// ApplyCastToEpisodes copies the series' processed cast onto the given
// episodes without reprocessing.
func (p *Processor) ApplyCastToEpisodes(ctx context.Context, seriesID string, episodeIDs []string) error {
	series, err := p.emby.GetItem(ctx, seriesID)
	if err != nil {
		return err
	}

	for _, epID := range episodeIDs {
		ep, err := p.emby.GetItem(ctx, epID)
		if err != nil {
			p.logger.Warn().Err(err).Str("episode", epID).Msg("episode fetch failed, skipping")
			continue
		}
		ep.People = series.People
		if err := p.emby.UpdateItem(ctx, ep); err != nil {
			p.logger.Warn().Err(err).Str("episode", epID).Msg("episode cast apply failed")
		}
	}
	return nil
}

// providerDetails is the union of movie and tv provider documents.
type providerDetails struct {
	movie *tmdb.Movie
	tv    *tmdb.TV
}

func (d providerDetails) expectedCastCount() int {
	if d.movie != nil && d.movie.Credits != nil {
		return len(d.movie.Credits.Cast)
	}
	if d.tv != nil && d.tv.Credits != nil {
		return len(d.tv.Credits.Cast)
	}
	return 0
}

func (d providerDetails) credits() *tmdb.Credits {
	if d.movie != nil {
		return d.movie.Credits
	}
	if d.tv != nil {
		return d.tv.Credits
	}
	return nil
}

func (p *Processor) fetchProviderDetails(ctx context.Context, item *emby.Item, tmdbID int64) providerDetails {
	var d providerDetails
	if tmdbID == 0 {
		return d
	}

	var err error
	switch item.Type {
	case TypeMovie:
		d.movie, err = p.tmdb.GetMovie(ctx, int(tmdbID))
	case TypeSeries:
		d.tv, err = p.tmdb.GetTV(ctx, int(tmdbID))
	}
	if err != nil {
		p.logger.Warn().Err(err).Int64("tmdbId", tmdbID).Msg("provider details unavailable")
	}
	return d
}

func (p *Processor) fetchSubject(ctx context.Context, item *emby.Item, imdbID string) *douban.Subject {
	title := item.OriginalTitle
	if title == "" {
		title = item.Name
	}
	subject, err := p.douban.FindSubject(ctx, imdbID, title, item.ProductionYear)
	if err != nil {
		p.logger.Debug().Err(err).Str("title", title).Msg("cultural subject not found")
		return nil
	}
	return subject
}

// buildCast runs matching, translation, identity resolution and role
// selection over the item's local cast.
func (p *Processor) buildCast(ctx context.Context, item *emby.Item, details providerDetails, candidates []douban.Celebrity) ([]emby.Person, error) {
	candidateIndex := indexCelebrities(candidates)
	creditIndex := indexCredits(details.credits())

	var toTranslate []string
	type pending struct {
		local     emby.Person
		candidate *douban.Celebrity
		name      string
		role      string
	}
	var work []pending

	for _, person := range item.People {
		if person.Type != "Actor" {
			continue
		}

		cand := p.matchCelebrity(ctx, person, creditIndex, candidateIndex)

		name := person.Name
		if !identity.ContainsCJK(name) && cand != nil && identity.ContainsCJK(cand.Name) {
			name = cand.Name
		}

		localRole := identity.CleanRole(person.Role)
		candidateRole := ""
		if cand != nil {
			candidateRole = identity.CleanRole(cand.Character)
			if candidateRole == "" && len(cand.Roles) > 0 {
				candidateRole = identity.CleanRole(cand.Roles[0])
			}
		}
		role := identity.ChooseRole(localRole, candidateRole)

		if !identity.ContainsCJK(name) {
			toTranslate = append(toTranslate, name)
		}
		if role != "" && !identity.ContainsCJK(role) && !identity.IsPlaceholderRole(role) {
			toTranslate = append(toTranslate, role)
		}

		work = append(work, pending{local: person, candidate: cand, name: name, role: role})
	}

	translations, err := p.translator.TranslateAll(ctx, toTranslate)
	if err != nil {
		return nil, err
	}

	cast := make([]emby.Person, 0, len(work))
	for _, w := range work {
		name := w.name
		if v, ok := translations[name]; ok {
			name = v
		}
		role := w.role
		if v, ok := translations[role]; ok {
			role = v
		}

		p.resolveIdentity(ctx, w.local, w.candidate, creditIndex, name)

		out := w.local
		out.Name = name
		out.Role = role
		cast = append(cast, out)
	}
	return cast, nil
}

func (p *Processor) resolveIdentity(ctx context.Context, person emby.Person, cand *douban.Celebrity, credits map[string]tmdb.CastMember, finalName string) {
	ids := identity.IDs{}
	if person.ID != "" {
		libID := person.ID
		ids.LibraryPersonID = &libID
	}
	if imdb := person.ProviderIds["Imdb"]; imdb != "" {
		ids.IMDBID = &imdb
	}
	if cand != nil && cand.ID != "" {
		culturalID := cand.ID
		ids.CulturalPersonID = &culturalID
	}
	if cm, ok := credits[identity.NormalizeName(person.Name)]; ok {
		metaID := int64(cm.ID)
		ids.MetadataPersonID = &metaID
	}
	if ids.LibraryPersonID == nil && ids.MetadataPersonID == nil &&
		ids.IMDBID == nil && ids.CulturalPersonID == nil {
		return
	}

	var aliases []string
	if person.Name != finalName {
		aliases = append(aliases, person.Name)
	}
	if cand != nil && cand.LatinName != "" {
		aliases = append(aliases, cand.LatinName)
	}

	if _, err := p.identities.Resolve(ctx, ids, finalName, aliases); err != nil {
		p.logger.Warn().Err(err).Str("person", person.Name).Msg("identity resolution failed")
	}
}

func (p *Processor) writeBackCast(ctx context.Context, item *emby.Item, cast []emby.Person) error {
	people := make([]emby.Person, 0, len(item.People))
	i := 0
	for _, person := range item.People {
		if person.Type == "Actor" && i < len(cast) {
			people = append(people, cast[i])
			i++
			continue
		}
		people = append(people, person)
	}

	updated := *item
	updated.People = people
	if err := p.emby.UpdateItem(ctx, &updated); err != nil {
		return fmt.Errorf("write back cast for %s: %w", item.ID, err)
	}
	return nil
}

func (p *Processor) buildRecord(item *emby.Item, tmdbID int64, details providerDetails, cast []emby.Person) *Record {
	rec := &Record{
		MetadataID:     tmdbID,
		ItemType:       item.Type,
		Title:          item.Name,
		OriginalTitle:  item.OriginalTitle,
		ReleaseYear:    item.ProductionYear,
		UnifiedRating:  item.OfficialRating,
		Rating:         item.CommunityRating,
		Overview:       item.Overview,
		Genres:         item.Genres,
		Countries:      item.ProductionLocations,
		Tags:           item.Tags,
		LibraryItemIDs: []string{item.ID},
		InLibrary:      true,
	}
	if item.RunTimeTicks > 0 {
		rec.RuntimeMinutes = int(time.Duration(item.RunTimeTicks*100) / time.Minute)
	}
	for _, s := range item.Studios {
		rec.Studios = append(rec.Studios, s.Name)
	}
	if t := parseEmbyDate(item.PremiereDate); t != nil {
		rec.ReleaseDate = t.Format("2006-01-02")
	}
	if t := parseEmbyDate(item.DateCreated); t != nil {
		rec.DateAdded = t
	}

	creditIndex := indexCredits(details.credits())
	for _, a := range cast {
		ref := PersonRef{Name: a.Name, Role: a.Role}
		if cm, ok := creditIndex[identity.NormalizeName(a.Name)]; ok {
			ref.MetadataPersonID = int64(cm.ID)
		}
		rec.Actors = append(rec.Actors, ref)
	}
	for _, person := range item.People {
		if person.Type == "Director" {
			rec.Directors = append(rec.Directors, PersonRef{Name: person.Name})
		}
	}

	switch {
	case details.movie != nil:
		m := details.movie
		if m.ReleaseDate != "" {
			rec.ReleaseDate = m.ReleaseDate
		}
		if m.Keywords != nil {
			for _, k := range m.Keywords.Keywords {
				rec.Keywords = append(rec.Keywords, k.Name)
			}
		}
		if rec.Overview == "" {
			rec.Overview = m.Overview
		}
	case details.tv != nil:
		tv := details.tv
		if tv.FirstAirDate != "" {
			rec.ReleaseDate = tv.FirstAirDate
		}
		if tv.Keywords != nil {
			for _, k := range tv.Keywords.Results {
				rec.Keywords = append(rec.Keywords, k.Name)
			}
		}
		if rec.Overview == "" {
			rec.Overview = tv.Overview
		}
	}

	return rec
}

// celebrityIndex holds cultural candidates keyed by provider ID and by
// every normalized name variant.
type celebrityIndex struct {
	byID   map[string]*douban.Celebrity
	byName map[string]*douban.Celebrity
}

func indexCelebrities(candidates []douban.Celebrity) celebrityIndex {
	index := celebrityIndex{
		byID:   make(map[string]*douban.Celebrity, len(candidates)),
		byName: make(map[string]*douban.Celebrity, len(candidates)*2),
	}
	for i := range candidates {
		c := &candidates[i]
		if c.ID != "" {
			index.byID[c.ID] = c
		}
		for _, key := range append([]string{c.Name, c.LatinName}, c.Aliases...) {
			if key == "" {
				continue
			}
			norm := identity.NormalizeName(key)
			if _, taken := index.byName[norm]; !taken {
				index.byName[norm] = c
			}
		}
	}
	return index
}

func indexCredits(credits *tmdb.Credits) map[string]tmdb.CastMember {
	index := make(map[string]tmdb.CastMember)
	if credits == nil {
		return index
	}
	for _, cm := range credits.Cast {
		norm := identity.NormalizeName(cm.Name)
		if _, taken := index[norm]; !taken {
			index[norm] = cm
		}
	}
	return index
}

// matchCelebrity resolves the cultural candidate for one local cast
// entry. Known identity-map bindings are tried first: the person's
// IMDb or metadata ID can point at a cultural ID even when the
// provider spells the name differently. Normalized names are the
// fallback.
func (p *Processor) matchCelebrity(ctx context.Context, person emby.Person, credits map[string]tmdb.CastMember, index celebrityIndex) *douban.Celebrity {
	if len(index.byID) > 0 {
		ids := identity.IDs{}
		if person.ID != "" {
			libID := person.ID
			ids.LibraryPersonID = &libID
		}
		if imdb := person.ProviderIds["Imdb"]; imdb != "" {
			ids.IMDBID = &imdb
		}
		if cm, ok := credits[identity.NormalizeName(person.Name)]; ok {
			metaID := int64(cm.ID)
			ids.MetadataPersonID = &metaID
		}
		row, err := p.identities.Lookup(ctx, ids)
		if err != nil {
			p.logger.Warn().Err(err).Str("person", person.Name).Msg("identity lookup failed")
		} else if row != nil && row.IDs.CulturalPersonID != nil {
			if c, ok := index.byID[*row.IDs.CulturalPersonID]; ok {
				return c
			}
		}
	}
	return index.byName[identity.NormalizeName(person.Name)]
}

func countActors(people []emby.Person) int {
	n := 0
	for _, p := range people {
		if p.Type == "Actor" {
			n++
		}
	}
	return n
}

var animationGenres = []string{"animation", "动画", "documentary", "纪录"}

func isAnimationOrDocumentary(genres []string) bool {
	for _, g := range genres {
		lower := strings.ToLower(g)
		for _, marker := range animationGenres {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

func providerID(item *emby.Item, key string) int64 {
	raw := item.ProviderIds[key]
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func parseEmbyDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
