package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/featurepipe/internal/types"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestDecodePNGAsBGR(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.Set(1, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	path := filepath.Join(dir, "b.png")
	writePNG(t, path, img)

	frame, err := FileDecoder{}.Decode(path)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if frame.Filename != "b.png" {
		t.Errorf("Expected filename b.png, got %q", frame.Filename)
	}
	if frame.Width != 2 || frame.Height != 1 || frame.Channels != 3 || frame.PixelType != types.PixelType8UC3 {
		t.Errorf("Unexpected metadata %+v", frame)
	}
	want := []byte{30, 20, 10, 50, 100, 200}
	for i := range want {
		if frame.Pixels[i] != want[i] {
			t.Fatalf("Pixel bytes %v, want %v", frame.Pixels, want)
		}
	}
	if err := frame.Validate(); err != nil {
		t.Errorf("Decoded frame invalid: %v", err)
	}
}

func TestDecodeCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.bmp")
	if err := os.WriteFile(path, []byte("this is not a bitmap"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := (FileDecoder{}).Decode(path); err == nil {
		t.Fatal("Expected an error for a corrupt file")
	}
}

func TestDecodeMissingFile(t *testing.T) {
	if _, err := (FileDecoder{}).Decode(filepath.Join(t.TempDir(), "gone.png")); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}

func TestDecodePPM(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "Binary P6",
			data: append([]byte("P6\n# made by hand\n2 1\n255\n"), 255, 0, 0, 0, 0, 255),
		},
		{
			name: "ASCII P3",
			data: []byte("P3\n2 1\n15\n15 0 0   0 0 15\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "x.ppm")
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			frame, err := FileDecoder{}.Decode(path)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			// red then blue, stored BGR
			want := []byte{0, 0, 255, 255, 0, 0}
			for i := range want {
				if frame.Pixels[i] != want[i] {
					t.Fatalf("Pixels %v, want %v", frame.Pixels, want)
				}
			}
		})
	}
}

func TestDecodePPMTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.ppm")
	if err := os.WriteFile(path, []byte("P6\n4 4\n255\n\x00\x01"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (FileDecoder{}).Decode(path); err == nil {
		t.Fatal("Expected truncated raster to fail")
	}
}
