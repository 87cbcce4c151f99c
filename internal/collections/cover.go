package collections

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Canvas and grid geometry of generated covers.
const (
	coverWidth  = 960
	coverHeight = 540
	maxTiles    = 9
	tileGap     = 8
	badgeHeight = 56
	badgePadX   = 18
)

// Badge texts per collection type. Item-count badges are built by the
// caller.
var badgeByType = map[string]string{
	TypeList:     "榜单",
	TypeFilter:   "混合",
	TypeAI:       "推荐",
	TypeAIGlobal: "热榜",
}

// BadgeFor returns the badge text for a collection, preferring an
// explicit cover style from the definition.
func BadgeFor(c *Collection) string {
	if c.Definition.CoverStyle != "" {
		return c.Definition.CoverStyle
	}
	if badge, ok := badgeByType[c.Type]; ok {
		return badge
	}
	return ""
}

// CoverGenerator composes collection covers from poster tiles. It is
// deterministic for a given (collection id, posters, badge) input.
type CoverGenerator struct {
	face   font.Face
	logger zerolog.Logger
}

// NewCoverGenerator creates a generator. fontPath may point to a TTF
// for badge text; when empty or unreadable, badges render as a plain
// ribbon without text.
func NewCoverGenerator(fontPath string, logger zerolog.Logger) *CoverGenerator {
	g := &CoverGenerator{
		logger: logger.With().Str("component", "cover-generator").Logger(),
	}
	if fontPath == "" {
		return g
	}

	data, err := os.ReadFile(fontPath)
	if err != nil {
		g.logger.Warn().Err(err).Str("path", fontPath).Msg("badge font unavailable")
		return g
	}
	parsed, err := opentype.Parse(data)
	if err != nil {
		g.logger.Warn().Err(err).Str("path", fontPath).Msg("badge font unreadable")
		return g
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{Size: 36, DPI: 72})
	if err == nil {
		g.face = face
	}
	return g
}

// backgroundPalette provides per-collection background tints, indexed
// by collection ID so regeneration is stable.
var backgroundPalette = []color.RGBA{
	{24, 32, 48, 255},
	{40, 24, 48, 255},
	{20, 44, 40, 255},
	{48, 36, 20, 255},
	{32, 32, 32, 255},
}

// Generate renders a cover as JPEG bytes. Nil entries in posters are
// skipped; with no posters at all the cover is background plus badge.
func (g *CoverGenerator) Generate(collectionID int64, posters []image.Image, badge string) ([]byte, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, coverWidth, coverHeight))

	bg := backgroundPalette[int(collectionID)%len(backgroundPalette)]
	fillVerticalGradient(canvas, bg)

	var tiles []image.Image
	for _, p := range posters {
		if p == nil {
			continue
		}
		tiles = append(tiles, p)
		if len(tiles) == maxTiles {
			break
		}
	}
	g.drawTiles(canvas, tiles)
	g.drawBadge(canvas, badge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: 88}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawTiles lays posters on a grid sized to the tile count: 1 fills
// the canvas, up to 4 uses 2 columns, beyond that 3 columns.
func (g *CoverGenerator) drawTiles(canvas *image.RGBA, tiles []image.Image) {
	if len(tiles) == 0 {
		return
	}

	cols := 3
	switch {
	case len(tiles) == 1:
		cols = 1
	case len(tiles) <= 4:
		cols = 2
	}
	rows := (len(tiles) + cols - 1) / cols

	tileW := (coverWidth - tileGap*(cols+1)) / cols
	tileH := (coverHeight - tileGap*(rows+1)) / rows

	for i, tile := range tiles {
		col, row := i%cols, i/cols
		x0 := tileGap + col*(tileW+tileGap)
		y0 := tileGap + row*(tileH+tileGap)
		dst := image.Rect(x0, y0, x0+tileW, y0+tileH)
		xdraw.ApproxBiLinear.Scale(canvas, dst, tile, coverCrop(tile.Bounds(), tileW, tileH), xdraw.Over, nil)
	}
}

// coverCrop returns the largest centered sub-rectangle of src matching
// the destination aspect ratio, so posters scale without distortion.
func coverCrop(src image.Rectangle, dstW, dstH int) image.Rectangle {
	srcW, srcH := src.Dx(), src.Dy()
	if srcW == 0 || srcH == 0 || dstW == 0 || dstH == 0 {
		return src
	}

	if srcW*dstH > srcH*dstW {
		// Source wider than target: trim sides.
		want := srcH * dstW / dstH
		off := (srcW - want) / 2
		return image.Rect(src.Min.X+off, src.Min.Y, src.Min.X+off+want, src.Max.Y)
	}
	want := srcW * dstH / dstW
	off := (srcH - want) / 2
	return image.Rect(src.Min.X, src.Min.Y+off, src.Max.X, src.Min.Y+off+want)
}

func (g *CoverGenerator) drawBadge(canvas *image.RGBA, badge string) {
	if badge == "" {
		return
	}

	textW := 0
	if g.face != nil {
		textW = font.MeasureString(g.face, badge).Ceil()
	} else {
		textW = len([]rune(badge)) * 24
	}
	w := textW + 2*badgePadX

	x0 := coverWidth - w
	ribbon := image.Rect(x0, 0, coverWidth, badgeHeight)
	fillRect(canvas, ribbon, color.RGBA{200, 32, 40, 230})

	if g.face == nil {
		return
	}
	d := font.Drawer{
		Dst:  canvas,
		Src:  image.White,
		Face: g.face,
		Dot: fixed.Point26_6{
			X: fixed.I(x0 + badgePadX),
			Y: fixed.I(badgeHeight - 16),
		},
	}
	d.DrawString(badge)
}

func fillVerticalGradient(canvas *image.RGBA, base color.RGBA) {
	bounds := canvas.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		// Darken towards the bottom.
		f := 1.0 - 0.4*float64(y-bounds.Min.Y)/float64(bounds.Dy())
		row := color.RGBA{
			R: uint8(float64(base.R) * f),
			G: uint8(float64(base.G) * f),
			B: uint8(float64(base.B) * f),
			A: 255,
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			canvas.SetRGBA(x, y, row)
		}
	}
}

func fillRect(canvas *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			canvas.SetRGBA(x, y, c)
		}
	}
}
