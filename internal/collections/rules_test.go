package collections

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/castbridge/castbridge/internal/metadata"
)

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func sampleRecord() *metadata.Record {
	added := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	return &metadata.Record{
		MetadataID:     603,
		ItemType:       metadata.TypeMovie,
		Title:          "黑客帝国",
		ReleaseYear:    1999,
		ReleaseDate:    "1999-03-31",
		UnifiedRating:  "15",
		RuntimeMinutes: 136,
		Rating:         8.7,
		Genres:         []string{"科幻", "动作"},
		Countries:      []string{"美国"},
		Tags:           []string{"经典"},
		Actors: []metadata.PersonRef{
			{MetadataPersonID: 6384, Name: "基努·里维斯"},
			{MetadataPersonID: 2975, Name: "劳伦斯·菲什伯恩"},
			{MetadataPersonID: 530, Name: "凯瑞-安·莫斯"},
			{MetadataPersonID: 1331, Name: "雨果·维文"},
		},
		Directors: []metadata.PersonRef{
			{MetadataPersonID: 9339, Name: "莉莉·沃卓斯基"},
			{MetadataPersonID: 9340, Name: "拉娜·沃卓斯基"},
		},
		DateAdded: &added,
	}
}

func TestEvaluatorRules(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	eval := &Evaluator{Airing: map[int64]bool{1399: true}, Now: now}
	rec := sampleRecord()

	tests := []struct {
		name   string
		rule   Rule
		expect bool
	}{
		{"actor is_one_of by id", Rule{Field: "actors", Operator: "is_one_of", Value: rawJSON(t, []int{6384})}, true},
		{"actor is_one_of by name", Rule{Field: "actors", Operator: "is_one_of", Value: rawJSON(t, []string{"雨果·维文"})}, true},
		{"actor is_none_of", Rule{Field: "actors", Operator: "is_none_of", Value: rawJSON(t, []int{6384})}, false},
		{"actor is_primary lead", Rule{Field: "actors", Operator: "is_primary", Value: rawJSON(t, []int{530})}, true},
		{"actor is_primary supporting", Rule{Field: "actors", Operator: "is_primary", Value: rawJSON(t, []int{1331})}, false},
		{"director is_primary cutoff one", Rule{Field: "directors", Operator: "is_primary", Value: rawJSON(t, []int{9340})}, false},
		{"genre is_one_of", Rule{Field: "genres", Operator: "is_one_of", Value: rawJSON(t, []string{"科幻", "恐怖"})}, true},
		{"genre contains all", Rule{Field: "genres", Operator: "contains", Value: rawJSON(t, []string{"科幻", "动作"})}, true},
		{"genre contains missing", Rule{Field: "genres", Operator: "contains", Value: rawJSON(t, []string{"科幻", "恐怖"})}, false},
		{"country is_none_of", Rule{Field: "countries", Operator: "is_none_of", Value: rawJSON(t, []string{"日本"})}, true},
		{"date_added in window", Rule{Field: "date_added", Operator: "in_last_days", Value: rawJSON(t, 7)}, true},
		{"release_date outside window", Rule{Field: "release_date", Operator: "in_last_days", Value: rawJSON(t, 30)}, false},
		{"release_date not_in_last_days", Rule{Field: "release_date", Operator: "not_in_last_days", Value: rawJSON(t, 30)}, true},
		{"rating enum eq", Rule{Field: "unified_rating", Operator: "eq", Value: rawJSON(t, []string{"15"})}, true},
		{"rating enum is_none_of", Rule{Field: "unified_rating", Operator: "is_none_of", Value: rawJSON(t, []string{"18"})}, true},
		{"not airing", Rule{Field: "is_in_progress", Operator: "eq", Value: rawJSON(t, true)}, false},
		{"runtime gte", Rule{Field: "runtime", Operator: "gte", Value: rawJSON(t, 120)}, true},
		{"runtime lte", Rule{Field: "runtime", Operator: "lte", Value: rawJSON(t, 120)}, false},
		{"release_year eq", Rule{Field: "release_year", Operator: "eq", Value: rawJSON(t, 1999)}, true},
		{"rating gte", Rule{Field: "rating", Operator: "gte", Value: rawJSON(t, 8.5)}, true},
		{"title contains", Rule{Field: "title", Operator: "contains", Value: rawJSON(t, "黑客")}, true},
		{"title does_not_contain", Rule{Field: "title", Operator: "does_not_contain", Value: rawJSON(t, "骇客")}, true},
		{"title starts_with", Rule{Field: "title", Operator: "starts_with", Value: rawJSON(t, "帝国")}, false},
		{"title ends_with", Rule{Field: "title", Operator: "ends_with", Value: rawJSON(t, "帝国")}, true},
		{"unknown field", Rule{Field: "bogus", Operator: "eq", Value: rawJSON(t, 1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &Definition{Rules: []Rule{tt.rule}}
			assert.Equal(t, tt.expect, eval.Matches(def, rec))
		})
	}
}

func TestEvaluatorLogic(t *testing.T) {
	eval := &Evaluator{}
	rec := sampleRecord()

	hit := Rule{Field: "release_year", Operator: "eq", Value: rawJSON(t, 1999)}
	miss := Rule{Field: "release_year", Operator: "eq", Value: rawJSON(t, 2001)}

	assert.False(t, eval.Matches(&Definition{Logic: "AND", Rules: []Rule{hit, miss}}, rec))
	assert.True(t, eval.Matches(&Definition{Logic: "AND", Rules: []Rule{hit, hit}}, rec))
	assert.True(t, eval.Matches(&Definition{Logic: "OR", Rules: []Rule{miss, hit}}, rec))
	assert.False(t, eval.Matches(&Definition{Logic: "OR", Rules: []Rule{miss, miss}}, rec))
}

func TestEvaluatorItemTypeGate(t *testing.T) {
	eval := &Evaluator{}
	rec := sampleRecord()

	assert.True(t, eval.Matches(&Definition{ItemTypes: []string{"Movie"}}, rec))
	assert.False(t, eval.Matches(&Definition{ItemTypes: []string{"Series"}}, rec))
}

func TestEvaluatorSeriesRuntime(t *testing.T) {
	rec := sampleRecord()
	rec.ItemType = metadata.TypeSeries
	rec.RuntimeMinutes = 0

	eval := &Evaluator{SeriesRuntime: func(int64) int { return 45 }}
	rule := Rule{Field: "runtime", Operator: "gte", Value: rawJSON(t, 40)}
	assert.True(t, eval.Matches(&Definition{Rules: []Rule{rule}}, rec))

	eval = &Evaluator{}
	assert.False(t, eval.Matches(&Definition{Rules: []Rule{rule}}, rec))
}

func TestEvaluatorAiring(t *testing.T) {
	rec := sampleRecord()
	rec.ItemType = metadata.TypeSeries
	rec.MetadataID = 1399

	eval := &Evaluator{Airing: map[int64]bool{1399: true}}
	rule := Rule{Field: "is_in_progress", Operator: "eq", Value: rawJSON(t, true)}
	assert.True(t, eval.Matches(&Definition{Rules: []Rule{rule}}, rec))
}
