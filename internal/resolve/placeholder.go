package resolve

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Placeholder geometry.
const (
	PlaceholderWidth  = 1600
	PlaceholderHeight = 900

	placeholderBorder = 12
	placeholderLabel  = "PLACEHOLDER IMAGE"
	wrapWidth         = 60
	maxDescLines      = 4
)

// palette pairs a background with a foreground. Successive placeholders
// rotate through it.
var palette = [][2]color.NRGBA{
	{hex(0x2C3E50), hex(0xECF0F1)},
	{hex(0x1A5276), hex(0xD4E6F1)},
	{hex(0x145A32), hex(0xD5F5E3)},
	{hex(0x6C3483), hex(0xE8DAEF)},
	{hex(0x922B21), hex(0xFADBD8)},
	{hex(0x1B4F72), hex(0xAED6F1)},
}

var paletteIndex atomic.Uint64

func hex(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// RenderPlaceholder writes a labelled placeholder PNG describing the
// missing image to path.
func RenderPlaceholder(description, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	colors := palette[(paletteIndex.Add(1)-1)%uint64(len(palette))]
	bg, fg := colors[0], colors[1]

	img := imaging.New(PlaceholderWidth, PlaceholderHeight, bg)
	w, h := PlaceholderWidth, PlaceholderHeight
	b := placeholderBorder

	strokeRect(img, image.Rect(b, b, w-b, h-b), 4, fg)
	line(img, b, b, w-b, h-b, 2, fg)
	line(img, w-b, b, b, h-b, 2, fg)

	y := h/2 - 120
	y = drawCentered(img, placeholderLabel, y, 5, 20, bg, fg)
	y += 20
	lines := wrap(description, wrapWidth)
	if len(lines) > maxDescLines {
		lines = lines[:maxDescLines]
	}
	for _, l := range lines {
		y = drawCentered(img, l, y, 3, 8, bg, fg) + 16
	}

	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save placeholder: %w", err)
	}
	return nil
}

func strokeRect(img *image.NRGBA, r image.Rectangle, width int, c color.Color) {
	u := image.NewUniform(c)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y), u, image.Point{}, draw.Src)
}

// line draws a straight segment by stepping along its major axis.
func line(img *image.NRGBA, x0, y0, x1, y1, width int, c color.NRGBA) {
	dx, dy := x1-x0, y1-y0
	steps := max(abs(dx), abs(dy))
	if steps == 0 {
		return
	}
	for i := 0; i <= steps; i++ {
		x := x0 + dx*i/steps
		y := y0 + dy*i/steps
		for o := 0; o < width; o++ {
			img.SetNRGBA(x, y+o, c)
		}
	}
}

// drawCentered renders s with the 7x13 bitmap face scaled by scale,
// centred horizontally on a padded background box. It returns the y just
// below the box.
func drawCentered(img *image.NRGBA, s string, y, scale, pad int, bg, fg color.NRGBA) int {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, s).Ceil()
	th := face.Metrics().Height.Ceil()
	if tw == 0 {
		return y
	}

	small := imaging.New(tw, th, bg)
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	text := imaging.Resize(small, tw*scale, th*scale, imaging.NearestNeighbor)
	w := text.Bounds().Dx()
	if limit := img.Bounds().Dx() - 2*(placeholderBorder+pad+8); w > limit {
		text = imaging.Resize(text, limit, 0, imaging.NearestNeighbor)
		w = limit
	}
	x := (img.Bounds().Dx() - w) / 2
	hgt := text.Bounds().Dy()

	draw.Draw(img, image.Rect(x-pad, y-pad, x+w+pad, y+hgt+pad), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x, y, x+w, y+hgt), text, image.Point{}, draw.Src)
	return y + hgt + pad
}

// wrap greedily breaks text into lines of at most width characters.
func wrap(text string, width int) []string {
	var (
		lines   []string
		current string
	)
	for _, word := range strings.Fields(text) {
		switch {
		case current == "":
			current = word
		case len(current)+len(word)+1 <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" {
		lines = append(lines, current)
	}
	return lines
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
