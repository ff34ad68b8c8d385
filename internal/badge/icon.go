package badge

import (
	"image"
	"image/color"
)

// DefaultIconSize is the overlay icon edge in pixels.
const DefaultIconSize = 16

var (
	badgeRed   = color.RGBA{R: 0xff, G: 0x44, B: 0x44, A: 0xff}
	badgeWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// glyphs is a 3x5 pixel font covering the characters Text produces.
var glyphs = map[rune][5]string{
	'0': {"###", "#.#", "#.#", "#.#", "###"},
	'1': {".#.", "##.", ".#.", ".#.", "###"},
	'2': {"###", "..#", "###", "#..", "###"},
	'3': {"###", "..#", "###", "..#", "###"},
	'4': {"#.#", "#.#", "###", "..#", "..#"},
	'5': {"###", "#..", "###", "..#", "###"},
	'6': {"###", "#..", "###", "#.#", "###"},
	'7': {"###", "..#", "..#", "..#", "..#"},
	'8': {"###", "#.#", "###", "#.#", "###"},
	'9': {"###", "#.#", "###", "..#", "###"},
	'+': {"...", ".#.", "###", ".#.", "..."},
}

const (
	glyphWidth  = 3
	glyphHeight = 5
	glyphGap    = 1
)

// RenderIcon draws text in white on a red disc of the given size. Unknown
// characters are skipped. The text is scaled up when the disc has room.
func RenderIcon(text string, size int) *image.RGBA {
	if size <= 0 {
		size = DefaultIconSize
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	r := float64(size) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)+0.5-r, float64(y)+0.5-r
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, badgeRed)
			}
		}
	}

	var runes []rune
	for _, ch := range text {
		if _, ok := glyphs[ch]; ok {
			runes = append(runes, ch)
		}
	}
	if len(runes) == 0 {
		return img
	}

	width := len(runes)*glyphWidth + (len(runes)-1)*glyphGap
	scale := 1
	for (width*(scale+1)) <= size*3/4 && (glyphHeight*(scale+1)) <= size*3/4 {
		scale++
	}
	left := (size - width*scale) / 2
	top := (size - glyphHeight*scale) / 2

	for i, ch := range runes {
		ox := left + i*(glyphWidth+glyphGap)*scale
		for row, line := range glyphs[ch] {
			for col, px := range line {
				if px != '#' {
					continue
				}
				for sy := 0; sy < scale; sy++ {
					for sx := 0; sx < scale; sx++ {
						x, y := ox+col*scale+sx, top+row*scale+sy
						if image.Pt(x, y).In(img.Rect) {
							img.SetRGBA(x, y, badgeWhite)
						}
					}
				}
			}
		}
	}
	return img
}
