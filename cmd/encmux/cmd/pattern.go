package cmd

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// barColors are the seven 75% color bars, left to right.
var barColors = []color.RGBA{
	{191, 191, 191, 255},
	{191, 191, 0, 255},
	{0, 191, 191, 255},
	{0, 191, 0, 255},
	{191, 0, 191, 255},
	{191, 0, 0, 255},
	{0, 0, 191, 255},
}

// testPattern renders frame n of a color bar pattern with a white block
// that moves 4 pixels per frame along the bottom.
func testPattern(n int64, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for i, c := range barColors {
		x0 := i * width / len(barColors)
		x1 := (i + 1) * width / len(barColors)
		draw.Draw(img, image.Rect(x0, 0, x1, height), image.NewUniform(c), image.Point{}, draw.Src)
	}

	block := max(height/8, 2)
	travel := max(width-block, 1)
	x := int(n*4) % travel
	y := height - 2*block
	if y < 0 {
		y = 0
	}
	draw.Draw(img, image.Rect(x, y, x+block, y+block), image.White, image.Point{}, draw.Src)
	return img
}
