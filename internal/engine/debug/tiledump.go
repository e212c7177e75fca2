// Package debug writes baked cache tiles to disk for inspection.
package debug

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
)

// TileDumper saves tiles as PNG strips, one cell per material component.
type TileDumper struct {
	outputDir string
	prefix    string
}

// NewTileDumper creates a dumper writing into outputDir.
func NewTileDumper(outputDir, prefix string) *TileDumper {
	return &TileDumper{outputDir: outputDir, prefix: prefix}
}

// layerImage wraps one RGBA8 layer, flipped vertically since OpenGL has its
// origin at the bottom-left.
func layerImage(pixels []byte, size int) (*image.RGBA, error) {
	if len(pixels) != size*size*4 {
		return nil, fmt.Errorf("pixel data size mismatch: expected %d, got %d", size*size*4, len(pixels))
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	rowSize := size * 4
	for y := 0; y < size; y++ {
		src := (size - 1 - y) * rowSize
		dst := y * img.Stride
		copy(img.Pix[dst:dst+rowSize], pixels[src:src+rowSize])
	}
	return img, nil
}

// Strip lays the component layers of one tile out left to right, each
// scaled to cell x cell texels.
func Strip(layers [][]byte, size, cell int) (*image.RGBA, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("tile has no layers")
	}
	if cell < 1 {
		cell = size
	}
	out := image.NewRGBA(image.Rect(0, 0, cell*len(layers), cell))
	for i, px := range layers {
		img, err := layerImage(px, size)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		dst := image.Rect(i*cell, 0, (i+1)*cell, cell)
		xdraw.NearestNeighbor.Scale(out, dst, img, img.Bounds(), xdraw.Src, nil)
	}
	return out, nil
}

// Filename returns the path a tile named name is written to.
func (d *TileDumper) Filename(name string) string {
	filename := fmt.Sprintf("%s_%s.png", d.prefix, name)
	if d.outputDir != "" {
		filename = filepath.Join(d.outputDir, filename)
	}
	return filename
}

// Dump writes the strip of one tile and returns its path.
func (d *TileDumper) Dump(name string, layers [][]byte, size, cell int) (string, error) {
	img, err := Strip(layers, size, cell)
	if err != nil {
		return "", err
	}

	if d.outputDir != "" {
		if err := os.MkdirAll(d.outputDir, 0755); err != nil {
			return "", fmt.Errorf("creating output dir: %w", err)
		}
	}

	filename := d.Filename(name)
	file, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return "", fmt.Errorf("encoding PNG: %w", err)
	}
	return filename, nil
}
