package collections

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPoster(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCoverGenerateWithoutPosters(t *testing.T) {
	g := NewCoverGenerator("", zerolog.Nop())

	data, err := g.Generate(1, nil, "榜单")
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, coverWidth, img.Bounds().Dx())
	assert.Equal(t, coverHeight, img.Bounds().Dy())
}

func TestCoverGenerateSkipsNilPosters(t *testing.T) {
	g := NewCoverGenerator("", zerolog.Nop())

	posters := []image.Image{
		nil,
		solidPoster(200, 300, color.RGBA{200, 0, 0, 255}),
		nil,
		solidPoster(200, 300, color.RGBA{0, 200, 0, 255}),
	}
	data, err := g.Generate(2, posters, "推荐")
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestCoverGenerateDeterministic(t *testing.T) {
	g := NewCoverGenerator("", zerolog.Nop())
	poster := solidPoster(100, 150, color.RGBA{10, 20, 30, 255})

	a, err := g.Generate(5, []image.Image{poster}, "热榜")
	require.NoError(t, err)
	b, err := g.Generate(5, []image.Image{poster}, "热榜")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCoverCrop(t *testing.T) {
	// Wide source into a tall tile trims the sides.
	r := coverCrop(image.Rect(0, 0, 400, 200), 100, 150)
	assert.Equal(t, 200, r.Dy())
	assert.True(t, r.Dx() < 400)

	// Tall source into a wide tile trims top and bottom.
	r = coverCrop(image.Rect(0, 0, 200, 400), 150, 100)
	assert.Equal(t, 200, r.Dx())
	assert.True(t, r.Dy() < 400)
}

func TestBadgeFor(t *testing.T) {
	assert.Equal(t, "榜单", BadgeFor(&Collection{Type: TypeList}))
	assert.Equal(t, "混合", BadgeFor(&Collection{Type: TypeFilter}))
	assert.Equal(t, "推荐", BadgeFor(&Collection{Type: TypeAI}))
	assert.Equal(t, "热榜", BadgeFor(&Collection{Type: TypeAIGlobal}))
	assert.Equal(t, "自定义", BadgeFor(&Collection{Type: TypeList, Definition: Definition{CoverStyle: "自定义"}}))
	assert.Equal(t, "", BadgeFor(&Collection{Type: "other"}))
}
