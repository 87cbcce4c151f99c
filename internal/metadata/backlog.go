package metadata

import (
	"context"
	"fmt"
)

// backlogPageSize is how many catalog entries one listing request pulls.
const backlogPageSize = 500

// ScanBacklog walks the whole catalog and processes every movie and
// series missing from the processed cache. Webhooks normally keep the
// cache current; this pass catches items added while the service was
// down or whose webhook got lost. stopped is polled between items.
func (p *Processor) ScanBacklog(ctx context.Context, stopped func() bool, progress func(pct float64, msg string)) error {
	var pending []string
	total := 0

	for start := 0; ; start += backlogPageSize {
		page, err := p.emby.ListLibraryItems(ctx, TypeMovie+","+TypeSeries, start, backlogPageSize)
		if err != nil {
			return fmt.Errorf("list catalog: %w", err)
		}
		total = page.TotalRecordCount

		for _, item := range page.Items {
			done, err := p.store.IsProcessed(ctx, item.ID)
			if err != nil {
				return err
			}
			if !done {
				pending = append(pending, item.ID)
			}
		}
		if start+backlogPageSize >= total || len(page.Items) == 0 {
			break
		}
	}

	if len(pending) == 0 {
		p.logger.Info().Int("catalog", total).Msg("backlog scan found nothing to do")
		return nil
	}
	p.logger.Info().Int("pending", len(pending)).Int("catalog", total).Msg("backlog scan starting")

	for i, id := range pending {
		if stopped != nil && stopped() {
			return nil
		}
		if progress != nil {
			progress(float64(i)/float64(len(pending))*100, fmt.Sprintf("补齐处理: %d/%d", i+1, len(pending)))
		}
		if _, err := p.Process(ctx, id, false); err != nil {
			p.logger.Warn().Err(err).Str("item", id).Msg("backlog item failed")
		}
	}
	return nil
}
