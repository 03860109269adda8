// Package render draws canvas elements to a PNG image.
package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/fogleman/gg"

	"github.com/betomoedano/sketch-app/internal/models"
)

type Options struct {
	// Width and Height of 0 fit the image to the elements.
	Width, Height int
	Margin        float64
	Selected      string
	Background    color.Color
}

// DefaultOptions returns a white, auto-sized canvas.
func DefaultOptions() Options {
	return Options{Margin: 20, Background: color.White}
}

// Draw paints elements in order, so later elements end up on top.
func Draw(elements []models.Element, opts Options) image.Image {
	w, h, offX, offY := bounds(elements, opts)

	if opts.Background == nil {
		opts.Background = color.White
	}
	dc := gg.NewContext(w, h)
	dc.SetColor(opts.Background)
	dc.Clear()

	for i := range elements {
		el := &elements[i]
		x := el.Position.X + offX
		y := el.Position.Y + offY
		shape(dc, el, x, y)
		dc.SetHexColor(el.Style.Color)
		if el.ID == opts.Selected {
			dc.FillPreserve()
			dc.SetLineWidth(3)
			dc.SetRGB(0.1, 0.1, 0.1)
			dc.Stroke()
			continue
		}
		dc.Fill()
	}
	return dc.Image()
}

// WritePNG renders elements and encodes the result to w.
func WritePNG(w io.Writer, elements []models.Element, opts Options) error {
	img := Draw(elements, opts)
	dc := gg.NewContextForImage(img)
	if err := dc.EncodePNG(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// SavePNG renders elements to a file.
func SavePNG(path string, elements []models.Element, opts Options) error {
	dc := gg.NewContextForImage(Draw(elements, opts))
	return dc.SavePNG(path)
}

func shape(dc *gg.Context, el *models.Element, x, y float64) {
	w, h := el.Style.Width, el.Style.Height
	switch el.Kind {
	case models.KindCircle:
		dc.DrawEllipse(x+w/2, y+h/2, w/2, h/2)
	case models.KindTriangle:
		dc.MoveTo(x+w/2, y)
		dc.LineTo(x+w, y+h)
		dc.LineTo(x, y+h)
		dc.ClosePath()
	default:
		dc.DrawRectangle(x, y, w, h)
	}
}

// bounds picks the image size and the offset that maps canvas coordinates
// into it. Fixed sizes keep canvas coordinates as pixel coordinates.
func bounds(elements []models.Element, opts Options) (w, h int, offX, offY float64) {
	if opts.Width > 0 && opts.Height > 0 {
		return opts.Width, opts.Height, 0, 0
	}
	if len(elements) == 0 {
		return 200, 200, 0, 0
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, el := range elements {
		minX = math.Min(minX, el.Position.X)
		minY = math.Min(minY, el.Position.Y)
		maxX = math.Max(maxX, el.Position.X+el.Style.Width)
		maxY = math.Max(maxY, el.Position.Y+el.Style.Height)
	}
	w = int(math.Ceil(maxX-minX+2*opts.Margin))
	h = int(math.Ceil(maxY-minY+2*opts.Margin))
	return w, h, opts.Margin - minX, opts.Margin - minY
}
