package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/castbridge/castbridge/internal/collections"
	"github.com/castbridge/castbridge/internal/emby"
)

// handleViews rebuilds the user's Views response: native views run
// through the configured selection and ordering, then one synthetic
// view per visible active collection is merged in.
func (p *Proxy) handleViews(c echo.Context, userID string) error {
	var native emby.ViewsResponse
	if err := p.passthrough(c.Request(), &native); err != nil {
		p.logger.Warn().Err(err).Str("user", userID).Msg("native views fetch failed")
		p.upstream.ServeHTTP(c.Response(), c.Request())
		return nil
	}

	kept := p.selectNativeViews(native.Items)
	synthetic := p.syntheticViews(c, userID)

	var items []emby.View
	if p.cfg.MergeOrder == "before" {
		items = append(synthetic, kept...)
	} else {
		items = append(kept, synthetic...)
	}

	return c.JSON(http.StatusOK, emby.ViewsResponse{
		Items:            items,
		TotalRecordCount: len(items),
	})
}

// selectNativeViews applies the native view whitelist and, when
// configured, an explicit ordering.
func (p *Proxy) selectNativeViews(views []emby.View) []emby.View {
	kept := views
	if len(p.cfg.NativeViewIDs) > 0 {
		allowed := map[string]bool{}
		for _, id := range p.cfg.NativeViewIDs {
			allowed[id] = true
		}
		kept = nil
		for _, v := range views {
			if allowed[v.ID] {
				kept = append(kept, v)
			}
		}
	}

	if len(p.cfg.NativeViewOrder) == 0 {
		return kept
	}
	rank := map[string]int{}
	for i, id := range p.cfg.NativeViewOrder {
		rank[id] = i
	}
	ordered := make([]emby.View, 0, len(kept))
	var tail []emby.View
	for _, v := range kept {
		if _, ok := rank[v.ID]; ok {
			ordered = append(ordered, v)
		} else {
			tail = append(tail, v)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && rank[ordered[j].ID] < rank[ordered[j-1].ID]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return append(ordered, tail...)
}

// syntheticViews builds one CollectionFolder per visible collection.
func (p *Proxy) syntheticViews(c echo.Context, userID string) []emby.View {
	cols, err := p.collections.Store().List(c.Request().Context(), true)
	if err != nil {
		p.logger.Warn().Err(err).Msg("collection listing failed")
		return nil
	}

	var out []emby.View
	for _, col := range cols {
		if !col.VisibleTo(userID) {
			continue
		}
		out = append(out, p.syntheticView(col))
	}
	return out
}

// syntheticView shapes a collection as a library view. The primary
// image tag carries the real collection ID plus a timestamp so clients
// re-fetch the cover after every sync.
func (p *Proxy) syntheticView(col *collections.Collection) emby.View {
	view := emby.View{
		ID:             ToMimickedID(col.ID),
		Name:           col.Name,
		Type:           "CollectionFolder",
		CollectionType: col.CollectionType(),
		IsFolder:       true,
	}
	if col.LibraryItemID != "" {
		view.ImageTags = map[string]string{
			"Primary": fmt.Sprintf("%s_%d", col.LibraryItemID, time.Now().Unix()),
		}
	}
	return view
}

// handleSyntheticItem answers the item-details request for a view.
func (p *Proxy) handleSyntheticItem(c echo.Context, userID string, collectionID int64) error {
	col, err := p.collections.Store().Get(c.Request().Context(), collectionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown view")
	}
	if !col.VisibleTo(userID) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown view")
	}
	return c.JSON(http.StatusOK, p.syntheticView(col))
}

// handleImage forwards a synthetic view's cover request to the real
// collection that hosts the generated artwork.
func (p *Proxy) handleImage(c echo.Context, collectionID int64) error {
	col, err := p.collections.Store().Get(c.Request().Context(), collectionID)
	if err != nil || col.LibraryItemID == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no cover")
	}

	r := c.Request().Clone(c.Request().Context())
	r.URL.Path = "/emby/Items/" + col.LibraryItemID + "/Images/Primary"
	p.upstream.ServeHTTP(c.Response(), r)
	return nil
}
