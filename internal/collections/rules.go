package collections

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/castbridge/castbridge/internal/metadata"
)

// primary credit cutoffs: billing positions that count as lead roles.
const (
	primaryActors    = 3
	primaryDirectors = 1
)

// Evaluator applies filter definitions to cached media records. The
// airing set and the series runtime resolver are injected per run so a
// batch evaluation can prefetch both.
type Evaluator struct {
	// Airing holds metadata IDs of series currently on air.
	Airing map[int64]bool
	// SeriesRuntime resolves a series' average episode runtime in
	// minutes. May be nil, in which case the record's own value is used.
	SeriesRuntime func(metadataID int64) int
	// Now anchors date-window rules; the zero value means time.Now.
	Now time.Time
}

// Matches evaluates a definition against one record, combining the
// per-rule results with the definition's logic.
func (e *Evaluator) Matches(def *Definition, rec *metadata.Record) bool {
	if len(def.ItemTypes) > 0 && !containsFold(def.ItemTypes, rec.ItemType) {
		return false
	}
	if len(def.Rules) == 0 {
		return true
	}

	or := strings.EqualFold(def.Logic, "OR")
	for _, rule := range def.Rules {
		ok := e.matchRule(rule, rec)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func (e *Evaluator) matchRule(rule Rule, rec *metadata.Record) bool {
	switch rule.Field {
	case "actors":
		return matchPeople(rec.Actors, rule, primaryActors)
	case "directors":
		return matchPeople(rec.Directors, rule, primaryDirectors)
	case "genres":
		return matchStringList(rec.Genres, rule)
	case "countries":
		return matchStringList(rec.Countries, rule)
	case "studios":
		return matchStringList(rec.Studios, rule)
	case "tags":
		return matchStringList(rec.Tags, rule)
	case "keywords":
		return matchStringList(rec.Keywords, rule)
	case "release_date":
		return e.matchDate(rec.ReleaseDate, rule)
	case "date_added":
		added := ""
		if rec.DateAdded != nil {
			added = rec.DateAdded.Format("2006-01-02")
		}
		return e.matchDate(added, rule)
	case "unified_rating":
		return matchEnum(rec.UnifiedRating, rule)
	case "is_in_progress":
		want := false
		json.Unmarshal(rule.Value, &want)
		return e.Airing[rec.MetadataID] == want
	case "runtime":
		return matchNumeric(float64(e.runtimeOf(rec)), rule)
	case "release_year":
		return matchNumeric(float64(rec.ReleaseYear), rule)
	case "rating":
		return matchNumeric(rec.Rating, rule)
	case "title":
		return matchTitle(rec.Title, rule)
	default:
		return false
	}
}

// runtimeOf substitutes the average episode runtime for series.
func (e *Evaluator) runtimeOf(rec *metadata.Record) int {
	if rec.ItemType == metadata.TypeSeries && e.SeriesRuntime != nil {
		if avg := e.SeriesRuntime(rec.MetadataID); avg > 0 {
			return avg
		}
	}
	return rec.RuntimeMinutes
}

// personValue is one operand of a people rule: a provider ID, a name,
// or both.
type personValue struct {
	ID   int64
	Name string
}

func parsePersonValues(raw json.RawMessage) []personValue {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		items = []json.RawMessage{raw}
	}

	var out []personValue
	for _, item := range items {
		var obj struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		}
		if json.Unmarshal(item, &obj) == nil && (obj.ID != 0 || obj.Name != "") {
			out = append(out, personValue{ID: obj.ID, Name: obj.Name})
			continue
		}
		var n int64
		if json.Unmarshal(item, &n) == nil {
			out = append(out, personValue{ID: n})
			continue
		}
		var s string
		if json.Unmarshal(item, &s) == nil && s != "" {
			if id, err := strconv.ParseInt(s, 10, 64); err == nil {
				out = append(out, personValue{ID: id})
			} else {
				out = append(out, personValue{Name: s})
			}
		}
	}
	return out
}

func personMatches(p metadata.PersonRef, v personValue) bool {
	if v.ID != 0 && p.MetadataPersonID != 0 {
		return p.MetadataPersonID == v.ID
	}
	return v.Name != "" && strings.EqualFold(p.Name, v.Name)
}

func matchPeople(people []metadata.PersonRef, rule Rule, primaryCount int) bool {
	values := parsePersonValues(rule.Value)

	anyOf := func(scope []metadata.PersonRef) bool {
		for _, p := range scope {
			for _, v := range values {
				if personMatches(p, v) {
					return true
				}
			}
		}
		return false
	}

	switch rule.Operator {
	case "is_one_of", "contains":
		return anyOf(people)
	case "is_none_of":
		return !anyOf(people)
	case "is_primary":
		if len(people) > primaryCount {
			people = people[:primaryCount]
		}
		return anyOf(people)
	default:
		return false
	}
}

func parseStringValues(raw json.RawMessage) []string {
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var single string
	if json.Unmarshal(raw, &single) == nil && single != "" {
		return []string{single}
	}
	return nil
}

func matchStringList(have []string, rule Rule) bool {
	values := parseStringValues(rule.Value)

	intersects := false
	for _, v := range values {
		if containsFold(have, v) {
			intersects = true
			break
		}
	}

	switch rule.Operator {
	case "is_one_of":
		return intersects
	case "is_none_of":
		return !intersects
	case "contains":
		// Every requested value must be present.
		for _, v := range values {
			if !containsFold(have, v) {
				return false
			}
		}
		return len(values) > 0
	default:
		return false
	}
}

func (e *Evaluator) matchDate(date string, rule Rule) bool {
	var days int
	if err := json.Unmarshal(rule.Value, &days); err != nil {
		var s string
		if json.Unmarshal(rule.Value, &s) != nil {
			return false
		}
		days, _ = strconv.Atoi(s)
	}

	now := e.Now
	if now.IsZero() {
		now = time.Now()
	}
	inWindow := false
	if t, err := time.Parse("2006-01-02", date); err == nil {
		floor := now.AddDate(0, 0, -days)
		inWindow = !t.Before(floor.Truncate(24*time.Hour)) && !t.After(now)
	}

	switch rule.Operator {
	case "in_last_days":
		return inWindow
	case "not_in_last_days":
		return !inWindow
	default:
		return false
	}
}

func matchEnum(value string, rule Rule) bool {
	values := parseStringValues(rule.Value)
	switch rule.Operator {
	case "eq":
		return len(values) == 1 && strings.EqualFold(value, values[0])
	case "is_one_of":
		return containsFold(values, value)
	case "is_none_of":
		return !containsFold(values, value)
	default:
		return false
	}
}

func matchNumeric(have float64, rule Rule) bool {
	var want float64
	if err := json.Unmarshal(rule.Value, &want); err != nil {
		var s string
		if json.Unmarshal(rule.Value, &s) != nil {
			return false
		}
		want, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return false
		}
	}

	switch rule.Operator {
	case "gte":
		return have >= want
	case "lte":
		return have <= want
	case "eq":
		return have == want
	default:
		return false
	}
}

func matchTitle(title string, rule Rule) bool {
	var want string
	if json.Unmarshal(rule.Value, &want) != nil {
		return false
	}
	t, w := strings.ToLower(title), strings.ToLower(want)

	switch rule.Operator {
	case "contains":
		return strings.Contains(t, w)
	case "does_not_contain":
		return !strings.Contains(t, w)
	case "starts_with":
		return strings.HasPrefix(t, w)
	case "ends_with":
		return strings.HasSuffix(t, w)
	default:
		return false
	}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
