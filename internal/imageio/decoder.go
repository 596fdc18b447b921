// Package imageio turns image files on disk into frames.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/andresmejia3/featurepipe/internal/types"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// ErrUnsupported is returned for files whose format has no registered decoder.
var ErrUnsupported = errors.New("imageio: unsupported image format")

// Decoder reads one image file.
type Decoder interface {
	Decode(path string) (types.Frame, error)
}

// FileDecoder decodes jpg, png, bmp and ppm files into 8-bit BGR frames,
// the layout a color imread produces.
type FileDecoder struct{}

// Decode implements Decoder. Frame.Filename is the base name of path.
func (FileDecoder) Decode(path string) (types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Frame{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return types.Frame{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(path))
		}
		return types.Frame{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	frame := FrameFromImage(img)
	frame.Filename = filepath.Base(path)
	return frame, nil
}

// FrameFromImage converts any image to an 8-bit 3-channel BGR frame.
func FrameFromImage(img image.Image) types.Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	pixels := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		out := pixels[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			out[3*x+0] = row[4*x+2]
			out[3*x+1] = row[4*x+1]
			out[3*x+2] = row[4*x+0]
		}
	}

	return types.Frame{
		Width:     uint32(w),
		Height:    uint32(h),
		Channels:  3,
		PixelType: types.PixelType8UC3,
		Pixels:    pixels,
	}
}
