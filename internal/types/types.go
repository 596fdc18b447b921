package types

import (
	"errors"
	"fmt"
)

// Pixel depths, numbered the way OpenCV encodes them in the low three bits of a type.
const (
	Depth8U  = 0
	Depth8S  = 1
	Depth16U = 2
	Depth16S = 3
	Depth32S = 4
	Depth32F = 5
	Depth64F = 6
)

// PixelType8UC3 is the layout every decoded file is normalised to (8-bit BGR).
var PixelType8UC3 = MakePixelType(Depth8U, 3)

// PixelType8UC1 is 8-bit single channel (grayscale).
var PixelType8UC1 = MakePixelType(Depth8U, 1)

// ErrCorruptFrame is returned when a frame's metadata does not describe its pixels.
var ErrCorruptFrame = errors.New("corrupt frame")

// MakePixelType packs a depth and channel count into a pixel type value.
func MakePixelType(depth, channels uint32) uint32 {
	return (depth & 7) + (channels-1)<<3
}

// PixelDepth extracts the depth from a pixel type.
func PixelDepth(pixelType uint32) uint32 { return pixelType & 7 }

// PixelChannels extracts the channel count from a pixel type.
func PixelChannels(pixelType uint32) uint32 { return (pixelType >> 3) + 1 }

// BytesPerChannel returns the element size of a depth, or 0 if the depth is unknown.
func BytesPerChannel(depth uint32) int {
	switch depth {
	case Depth8U, Depth8S:
		return 1
	case Depth16U, Depth16S:
		return 2
	case Depth32S, Depth32F:
		return 4
	case Depth64F:
		return 8
	}
	return 0
}

// Frame is one decoded image as it travels between stages.
type Frame struct {
	Width     uint32
	Height    uint32
	Channels  uint32
	PixelType uint32
	Filename  string
	Pixels    []byte
}

// ExpectedSize is the pixel byte count implied by the frame metadata.
func (f Frame) ExpectedSize() int {
	return int(f.Width) * int(f.Height) * int(f.Channels) * BytesPerChannel(PixelDepth(f.PixelType))
}

// Validate checks that the metadata describes a well-formed image.
func (f Frame) Validate() error {
	if f.Width == 0 || f.Height == 0 || f.Channels == 0 {
		return fmt.Errorf("%w: empty dimensions %dx%dx%d", ErrCorruptFrame, f.Width, f.Height, f.Channels)
	}
	if BytesPerChannel(PixelDepth(f.PixelType)) == 0 {
		return fmt.Errorf("%w: unknown pixel type %d", ErrCorruptFrame, f.PixelType)
	}
	if PixelChannels(f.PixelType) != f.Channels {
		return fmt.Errorf("%w: pixel type %d has %d channels, frame says %d",
			ErrCorruptFrame, f.PixelType, PixelChannels(f.PixelType), f.Channels)
	}
	if want := f.ExpectedSize(); len(f.Pixels) != want {
		return fmt.Errorf("%w: %d pixel bytes, expected %d", ErrCorruptFrame, len(f.Pixels), want)
	}
	return nil
}

// Keypoint is one detected feature, field for field what the detector reports.
type Keypoint struct {
	X        float32
	Y        float32
	Size     float32
	Angle    float32 // degrees, -1 when undefined
	Response float32
	Octave   int32
	ClassID  int32 // -1 when unused
}

// FeaturePayload pairs the frame the extractor received with its keypoints in detector order.
type FeaturePayload struct {
	Frame     Frame
	Keypoints []Keypoint
}

// LogRecord is one archived row.
type LogRecord struct {
	ID            int64
	Timestamp     string
	Filename      string
	Width         int32
	Height        int32
	KeypointCount int32
	ImageData     []byte
	KeypointsBlob []byte // nil unless keypoint archiving is enabled
}

// NewLogRecord summarises a payload for archiving at the given timestamp.
func NewLogRecord(p FeaturePayload, timestamp string) LogRecord {
	return LogRecord{
		Timestamp:     timestamp,
		Filename:      p.Frame.Filename,
		Width:         int32(p.Frame.Width),
		Height:        int32(p.Frame.Height),
		KeypointCount: int32(len(p.Keypoints)),
		ImageData:     p.Frame.Pixels,
	}
}
