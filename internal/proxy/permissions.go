package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/castbridge/castbridge/internal/emby"
)

// permissionChunk bounds the IN clause size per query.
const permissionChunk = 500

// allowedItems filters candidate library item IDs down to those the
// policy permits, preserving the input order. The whole check runs in
// SQL against asset_details.
func (p *Proxy) allowedItems(ctx context.Context, ids []string, policy *emby.UserPolicy) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if policy == nil {
		return ids, nil
	}
	if !policy.EnableAllFolders && len(policy.EnabledFolders) == 0 {
		return nil, nil
	}

	allowed := map[string]bool{}
	for start := 0; start < len(ids); start += permissionChunk {
		end := start + permissionChunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := p.queryAllowed(ctx, ids[start:end], policy, allowed); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(allowed))
	for _, id := range ids {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (p *Proxy) queryAllowed(ctx context.Context, ids []string, policy *emby.UserPolicy, allowed map[string]bool) error {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT library_item_id FROM asset_details WHERE library_item_id IN (`)
	sb.WriteString(placeholders(len(ids)))
	sb.WriteString(`)`)
	for _, id := range ids {
		args = append(args, id)
	}

	if !policy.EnableAllFolders {
		sb.WriteString(` AND source_library_id IN (`)
		sb.WriteString(placeholders(len(policy.EnabledFolders)))
		sb.WriteString(`)`)
		for _, id := range policy.EnabledFolders {
			args = append(args, id)
		}
	}
	if len(policy.ExcludedSubFolders) > 0 {
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM json_each(asset_details.ancestor_ids) WHERE json_each.value IN (`)
		sb.WriteString(placeholders(len(policy.ExcludedSubFolders)))
		sb.WriteString(`))`)
		for _, id := range policy.ExcludedSubFolders {
			args = append(args, id)
		}
	}
	if len(policy.BlockedTags) > 0 {
		sb.WriteString(` AND NOT EXISTS (SELECT 1 FROM json_each(asset_details.tags) WHERE json_each.value IN (`)
		sb.WriteString(placeholders(len(policy.BlockedTags)))
		sb.WriteString(`))`)
		for _, tag := range policy.BlockedTags {
			args = append(args, tag)
		}
	}
	// Unrated items store a NULL rating, and CAST(NULL) stays NULL, so
	// both rules coalesce to 0: the cap then lets unrated through and
	// only the explicit unrated block drops them.
	if policy.MaxParentalRating != nil {
		sb.WriteString(` AND COALESCE(CAST(unified_rating AS INTEGER), 0) <= ?`)
		args = append(args, *policy.MaxParentalRating)
	}
	if len(policy.BlockUnratedItems) > 0 {
		sb.WriteString(` AND COALESCE(CAST(unified_rating AS INTEGER), 0) > 0`)
	}

	rows, err := p.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("permission query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		allowed[id] = true
	}
	return rows.Err()
}

// latestAllowed returns permitted IDs ordered by date_created
// descending, limited.
func (p *Proxy) latestAllowed(ctx context.Context, ids []string, policy *emby.UserPolicy, limit int) ([]string, error) {
	filtered, err := p.allowedItems(ctx, ids, policy)
	if err != nil || len(filtered) == 0 {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString(`SELECT library_item_id FROM asset_details WHERE library_item_id IN (`)
	sb.WriteString(placeholders(len(filtered)))
	sb.WriteString(`) ORDER BY date_created DESC`)
	for _, id := range filtered {
		args = append(args, id)
	}
	if limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := p.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("latest query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
