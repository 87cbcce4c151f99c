package collections

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/metadata"
	"github.com/castbridge/castbridge/internal/testutil"
)

func seedEmbedded(t *testing.T, media *metadata.Store, id int64, title string, vector []float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, media.Upsert(ctx, &metadata.Record{
		MetadataID: id,
		ItemType:   metadata.TypeMovie,
		Title:      title,
	}))
	require.NoError(t, media.SetEmbedding(ctx, id, metadata.TypeMovie, vector))
}

func TestSimilarByEmbedding(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	media := metadata.NewStore(tdb.Conn, tdb.Logger)

	// History points along the x axis; candidates at varying angles.
	seedEmbedded(t, media, 1, "看过的片", []float64{1, 0, 0})
	seedEmbedded(t, media, 2, "几乎一样", []float64{0.9999, 0.001, 0}) // above ceiling
	seedEmbedded(t, media, 3, "很相似", []float64{0.8, 0.6, 0})        // cos 0.8
	seedEmbedded(t, media, 4, "还行", []float64{0.5, 0.866, 0})       // cos 0.5
	seedEmbedded(t, media, 5, "无关", []float64{0, 1, 0})             // cos 0

	r := NewRecommender(nil, nil, media, tdb.Logger)
	history := []HistoryItem{{MetadataID: 1, ItemType: metadata.TypeMovie, Title: "看过的片"}}
	exclude := map[string]bool{refKey(1, metadata.TypeMovie): true}

	refs := r.similarByEmbedding(context.Background(), history, 10, exclude)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(3), refs[0].MetadataID, "highest in-band score first")
	assert.Equal(t, int64(4), refs[1].MetadataID)
}

func TestSimilarByEmbeddingTitleFallback(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	media := metadata.NewStore(tdb.Conn, tdb.Logger)

	seedEmbedded(t, media, 1, "History Movie", []float64{1, 0})
	seedEmbedded(t, media, 2, "Candidate", []float64{0.7, 0.714})

	r := NewRecommender(nil, nil, media, tdb.Logger)
	// History carries no usable ID, only the title.
	history := []HistoryItem{{MetadataID: 999, ItemType: metadata.TypeMovie, Title: "history movie"}}

	refs := r.similarByEmbedding(context.Background(), history, 10,
		map[string]bool{refKey(1, metadata.TypeMovie): true})
	require.Len(t, refs, 1)
	assert.Equal(t, int64(2), refs[0].MetadataID)
}

func TestRecommendWithoutModel(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	media := metadata.NewStore(tdb.Conn, tdb.Logger)

	seedEmbedded(t, media, 1, "看过的片", []float64{1, 0})
	seedEmbedded(t, media, 2, "相似的片", []float64{0.8, 0.6})

	r := NewRecommender(nil, nil, media, tdb.Logger)
	history := []HistoryItem{{MetadataID: 1, ItemType: metadata.TypeMovie, Title: "看过的片"}}

	// With no AI client, strategy A yields nothing and strategy B fills in.
	refs := r.Recommend(context.Background(), history, 5)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(2), refs[0].MetadataID)
}

func TestNormalizeAndDot(t *testing.T) {
	v := normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-9)
	assert.InDelta(t, 0.8, v[1], 1e-9)
	assert.InDelta(t, 1.0, math.Hypot(v[0], v[1]), 1e-9)

	assert.InDelta(t, 1.0, dot(v, v), 1e-9)
	assert.Zero(t, dot([]float64{1}, []float64{1, 2}), "dimension mismatch scores zero")
}
