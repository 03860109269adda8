package render_test

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/render"
)

func element(t *testing.T, kind models.Kind, x, y float64, hex string) models.Element {
	t.Helper()
	el, err := models.NewElement(kind, models.Position{X: x, Y: y}, models.StyleInput{Color: hex})
	if err != nil {
		t.Fatal(err)
	}
	return el
}

func rgb(c color.Color) (uint32, uint32, uint32) {
	r, g, b, _ := c.RGBA()
	return r >> 8, g >> 8, b >> 8
}

func TestDrawPaintsShapesInOrder(t *testing.T) {
	red := element(t, models.KindRectangle, 10, 10, "#ff0000")
	blue := element(t, models.KindCircle, 60, 30, "#0000ff")

	opts := render.DefaultOptions()
	opts.Width, opts.Height = 300, 200
	img := render.Draw([]models.Element{red, blue}, opts)

	if r, g, b := rgb(img.At(20, 20)); r != 255 || g != 0 || b != 0 {
		t.Errorf("rectangle pixel = %d,%d,%d", r, g, b)
	}
	// circle center overlaps the rectangle and is drawn later
	if r, g, b := rgb(img.At(100, 70)); r != 0 || g != 0 || b != 255 {
		t.Errorf("circle pixel = %d,%d,%d", r, g, b)
	}
	if r, g, b := rgb(img.At(250, 180)); r != 255 || g != 255 || b != 255 {
		t.Errorf("background pixel = %d,%d,%d", r, g, b)
	}
}

func TestWritePNGFitsElements(t *testing.T) {
	tri := element(t, models.KindTriangle, 500, 400, "#00ff00")

	var buf bytes.Buffer
	if err := render.WritePNG(&buf, []models.Element{tri}, render.DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != 130 || b.Dy() != 120 {
		t.Fatalf("got %dx%d, want 130x120", b.Dx(), b.Dy())
	}
	// just above the middle of the base
	if r, g, bl := rgb(img.At(65, 95)); r != 0 || g != 255 || bl != 0 {
		t.Errorf("triangle pixel = %d,%d,%d", r, g, bl)
	}
}
