package proxy

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/emby"
)

// detailBatch caps the number of IDs per upstream details request.
const detailBatch = 200

// defaultLatestLimit matches the library server's own latest shelf.
const defaultLatestLimit = 16

// itemFields is requested on every detail fetch so rebuilt responses
// look like native ones.
const itemFields = "PrimaryImageAspectRatio,BasicSyncInfo,ProductionYear,CommunityRating,DateCreated,PremiereDate"

// handleChildren answers the item listing of a synthetic view.
func (p *Proxy) handleChildren(c echo.Context, userID string, collectionID int64) error {
	ctx := c.Request().Context()
	col, err := p.collections.Store().Get(ctx, collectionID)
	if err != nil || !col.VisibleTo(userID) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown view")
	}

	limitHint := queryInt(c, "Limit", 0) + queryInt(c, "StartIndex", 0)
	ids := p.resolveMembers(ctx, col, userID, limitHint)

	policy, err := p.userPolicy(ctx, userID)
	if err != nil {
		p.logger.Warn().Err(err).Str("user", userID).Msg("policy fetch failed")
		return echo.NewHTTPError(http.StatusBadGateway, "policy unavailable")
	}
	ids, err = p.allowedItems(ctx, ids, policy)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "permission filter failed")
	}

	total := len(ids)
	sortBy := firstField(c.QueryParam("SortBy"))
	descending := strings.EqualFold(c.QueryParam("SortOrder"), "Descending")

	// Without a sort request the rule-engine order holds, so the slice
	// can happen before the detail fetch.
	var items []emby.Item
	if sortBy == "" {
		ids = slicePage(ids, queryInt(c, "StartIndex", 0), queryInt(c, "Limit", 0))
		items, err = p.fetchItems(ctx, c.Request(), userID, ids)
	} else {
		items, err = p.fetchItems(ctx, c.Request(), userID, ids)
		if err == nil {
			sortItems(items, sortBy, descending)
			items = slicePageItems(items, queryInt(c, "StartIndex", 0), queryInt(c, "Limit", 0))
		}
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("collection", col.Name).Msg("detail fetch failed")
		return echo.NewHTTPError(http.StatusBadGateway, "library unavailable")
	}

	return c.JSON(http.StatusOK, emby.ItemsPage{Items: items, TotalRecordCount: total})
}

// handleLatest serves the latest shelf. A mimicked ParentId scopes it
// to one collection; no ParentId aggregates every collection flagged
// show_in_latest. Anything else forwards to the library server.
func (p *Proxy) handleLatest(c echo.Context, userID string) error {
	ctx := c.Request().Context()
	parent := c.QueryParam("ParentId")

	var ids []string
	switch {
	case parent == "":
		cols, err := p.collections.Store().List(ctx, true)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "collection listing failed")
		}
		seen := map[string]bool{}
		for _, col := range cols {
			if !col.ShowInLatest || !col.VisibleTo(userID) {
				continue
			}
			for _, id := range p.resolveMembers(ctx, col, userID, 0) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	default:
		collectionID, ok := FromMimickedID(parent)
		if !ok {
			p.upstream.ServeHTTP(c.Response(), c.Request())
			return nil
		}
		col, err := p.collections.Store().Get(ctx, collectionID)
		if err != nil || !col.VisibleTo(userID) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown view")
		}
		ids = p.resolveMembers(ctx, col, userID, 0)
	}

	policy, err := p.userPolicy(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "policy unavailable")
	}
	limit := queryInt(c, "Limit", defaultLatestLimit)
	ids, err = p.latestAllowed(ctx, ids, policy, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "permission filter failed")
	}

	items, err := p.fetchItems(ctx, c.Request(), userID, ids)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "library unavailable")
	}
	// Latest responses are a bare array, not an Items envelope.
	return c.JSON(http.StatusOK, items)
}

// resolveMembers produces the ordered library item IDs of a collection.
func (p *Proxy) resolveMembers(ctx context.Context, col *collections.Collection, userID string, limitHint int) []string {
	switch col.Type {
	case collections.TypeFilter:
		records, err := p.collections.EvaluateFilter(ctx, &col.Definition)
		if err != nil {
			p.logger.Warn().Err(err).Str("collection", col.Name).Msg("filter evaluation failed")
			return nil
		}
		var ids []string
		for _, rec := range records {
			if len(rec.LibraryItemIDs) > 0 {
				ids = append(ids, rec.LibraryItemIDs[0])
			}
		}
		return ids

	case collections.TypeAI:
		limit := col.Definition.RecommendCount
		if limitHint > limit {
			limit = limitHint
		}
		refs := p.collections.RecommendFor(ctx, userID, limit)
		return refLibraryIDs(refs)

	default: // list and global recommendations read the precomputed set
		return refLibraryIDs(col.Media)
	}
}

func refLibraryIDs(refs []collections.MediaRef) []string {
	var ids []string
	for _, ref := range refs {
		if ref.LibraryItemID != "" {
			ids = append(ids, ref.LibraryItemID)
		}
	}
	return ids
}

// userPolicy loads the caller's policy through the admin client.
func (p *Proxy) userPolicy(ctx context.Context, userID string) (*emby.UserPolicy, error) {
	user, err := p.emby.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Policy, nil
}

// fetchItems pulls full item documents under the caller's identity in
// batches, preserving the requested order.
func (p *Proxy) fetchItems(ctx context.Context, original *http.Request, userID string, ids []string) ([]emby.Item, error) {
	if len(ids) == 0 {
		return []emby.Item{}, nil
	}

	byID := map[string]emby.Item{}
	for start := 0; start < len(ids); start += detailBatch {
		end := start + detailBatch
		if end > len(ids) {
			end = len(ids)
		}

		q := url.Values{}
		q.Set("Ids", strings.Join(ids[start:end], ","))
		q.Set("Fields", itemFields)

		var page emby.ItemsPage
		if err := p.userGet(ctx, original, "/emby/Users/"+userID+"/Items", q, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			byID[item.ID] = item
		}
	}

	out := make([]emby.Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// sortItems orders fetched items by a native sort field.
func sortItems(items []emby.Item, sortBy string, descending bool) {
	less := func(a, b emby.Item) bool { return a.Name < b.Name }
	switch sortBy {
	case "SortName", "Name":
		// default comparator
	case "DateCreated":
		less = func(a, b emby.Item) bool { return a.DateCreated < b.DateCreated }
	case "PremiereDate":
		less = func(a, b emby.Item) bool { return a.PremiereDate < b.PremiereDate }
	case "ProductionYear":
		less = func(a, b emby.Item) bool { return a.ProductionYear < b.ProductionYear }
	case "CommunityRating":
		less = func(a, b emby.Item) bool { return a.CommunityRating < b.CommunityRating }
	default:
		return
	}

	sort.SliceStable(items, func(i, j int) bool {
		if descending {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

// firstField takes the leading entry of a comma-separated SortBy.
func firstField(raw string) string {
	if i := strings.IndexByte(raw, ','); i >= 0 {
		return raw[:i]
	}
	return raw
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func slicePage(ids []string, start, limit int) []string {
	if start >= len(ids) {
		return nil
	}
	ids = ids[start:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

func slicePageItems(items []emby.Item, start, limit int) []emby.Item {
	if start >= len(items) {
		return nil
	}
	items = items[start:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
