// Package features detects scale and rotation invariant keypoints in frames.
package features

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/andresmejia3/featurepipe/internal/types"
)

// ErrEmptyImage is returned when a frame does not reconstruct to a usable image.
var ErrEmptyImage = errors.New("features: empty image")

// Mat is a read-only view over a frame's pixel bytes. It does not copy them.
type Mat struct {
	Rows int
	Cols int
	Type uint32
	Data []byte
}

// FromFrame wraps the pixels of f after checking the metadata describes them.
func FromFrame(f types.Frame) (Mat, error) {
	if err := f.Validate(); err != nil {
		return Mat{}, err
	}
	return Mat{Rows: int(f.Height), Cols: int(f.Width), Type: f.PixelType, Data: f.Pixels}, nil
}

// Empty reports whether the view holds no pixels.
func (m Mat) Empty() bool { return m.Rows == 0 || m.Cols == 0 || len(m.Data) == 0 }

// Channels is the channel count encoded in the pixel type.
func (m Mat) Channels() int { return int(types.PixelChannels(m.Type)) }

// Gray returns luminance normalised to [0,1] for integer depths. Three and
// four channel images are read as BGR(A).
func (m Mat) Gray() []float32 {
	depth := types.PixelDepth(m.Type)
	bpc := types.BytesPerChannel(depth)
	ch := m.Channels()
	out := make([]float32, m.Rows*m.Cols)
	if bpc == 0 {
		return out
	}

	sample := func(off int) float32 {
		b := m.Data[off:]
		switch depth {
		case types.Depth8U:
			return float32(b[0]) / 255
		case types.Depth8S:
			return (float32(int8(b[0])) + 128) / 255
		case types.Depth16U:
			return float32(binary.LittleEndian.Uint16(b)) / 65535
		case types.Depth16S:
			return (float32(int16(binary.LittleEndian.Uint16(b))) + 32768) / 65535
		case types.Depth32S:
			return float32((float64(int32(binary.LittleEndian.Uint32(b))) + 2147483648) / 4294967295)
		case types.Depth32F:
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		case types.Depth64F:
			return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
		return 0
	}

	stride := ch * bpc
	for i := range out {
		base := i * stride
		if ch >= 3 {
			bl, g, r := sample(base), sample(base+bpc), sample(base+2*bpc)
			out[i] = 0.114*bl + 0.587*g + 0.299*r
		} else {
			out[i] = sample(base)
		}
	}
	return out
}

// Detector finds keypoints in an image. Implementations must not retain or
// modify the pixels and return keypoints in a deterministic order.
type Detector interface {
	Detect(m Mat) ([]types.Keypoint, error)
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(m Mat) ([]types.Keypoint, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(m Mat) ([]types.Keypoint, error) { return f(m) }
