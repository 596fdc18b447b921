// Package wire serializes pipeline messages in the protobuf binary wire format.
//
// The layout is field-tagged and versionless:
//
//	Frame          1 width, 2 height, 3 channels, 4 pixel_type (varint), 5 filename, 6 pixels (bytes)
//	Keypoint       1 x, 2 y, 3 size, 4 angle, 5 response (fixed32), 6 octave, 7 class_id (varint)
//	FeaturePayload 1 original frame (message), 2 keypoints (repeated message)
//
// Unknown fields are skipped so older receivers keep working when fields are added.
package wire

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/featurepipe/internal/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("wire: malformed message")

const (
	frameWidth     protowire.Number = 1
	frameHeight    protowire.Number = 2
	frameChannels  protowire.Number = 3
	framePixelType protowire.Number = 4
	frameFilename  protowire.Number = 5
	framePixels    protowire.Number = 6

	kpX        protowire.Number = 1
	kpY        protowire.Number = 2
	kpSize     protowire.Number = 3
	kpAngle    protowire.Number = 4
	kpResponse protowire.Number = 5
	kpOctave   protowire.Number = 6
	kpClassID  protowire.Number = 7

	payloadFrame     protowire.Number = 1
	payloadKeypoints protowire.Number = 2
)

// MarshalFrame encodes a frame.
func MarshalFrame(f types.Frame) []byte {
	return appendFrame(make([]byte, 0, frameSize(f)), f)
}

// UnmarshalFrame decodes a frame. The returned pixels alias b.
func UnmarshalFrame(b []byte) (types.Frame, error) {
	var f types.Frame
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameWidth && typ == protowire.VarintType:
			return consumeUint32(b, &f.Width)
		case num == frameHeight && typ == protowire.VarintType:
			return consumeUint32(b, &f.Height)
		case num == frameChannels && typ == protowire.VarintType:
			return consumeUint32(b, &f.Channels)
		case num == framePixelType && typ == protowire.VarintType:
			return consumeUint32(b, &f.PixelType)
		case num == frameFilename && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Filename = string(v)
			return n, nil
		case num == framePixels && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Pixels = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return types.Frame{}, err
	}
	return f, nil
}

// MarshalPayload encodes a frame together with its keypoints.
func MarshalPayload(p types.FeaturePayload) []byte {
	fs := frameSize(p.Frame)
	size := protowire.SizeTag(payloadFrame) + protowire.SizeBytes(fs)
	for _, kp := range p.Keypoints {
		size += protowire.SizeTag(payloadKeypoints) + protowire.SizeBytes(keypointSize(kp))
	}

	b := make([]byte, 0, size)
	b = protowire.AppendTag(b, payloadFrame, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(fs))
	b = appendFrame(b, p.Frame)
	return appendKeypoints(b, p.Keypoints)
}

// UnmarshalPayload decodes a feature payload. Keypoint order is preserved.
func UnmarshalPayload(b []byte) (types.FeaturePayload, error) {
	var p types.FeaturePayload
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == payloadFrame && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f, err := UnmarshalFrame(v)
			if err != nil {
				return 0, fmt.Errorf("original frame: %w", err)
			}
			p.Frame = f
			return n, nil
		case num == payloadKeypoints && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			kp, err := unmarshalKeypoint(v)
			if err != nil {
				return 0, fmt.Errorf("keypoint %d: %w", len(p.Keypoints), err)
			}
			p.Keypoints = append(p.Keypoints, kp)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return types.FeaturePayload{}, err
	}
	return p, nil
}

// MarshalKeypoints encodes a keypoint list as a payload without a frame.
func MarshalKeypoints(kps []types.Keypoint) []byte {
	return appendKeypoints(nil, kps)
}

// UnmarshalKeypoints decodes what MarshalKeypoints produced.
func UnmarshalKeypoints(b []byte) ([]types.Keypoint, error) {
	p, err := UnmarshalPayload(b)
	if err != nil {
		return nil, err
	}
	return p.Keypoints, nil
}

func appendFrame(b []byte, f types.Frame) []byte {
	b = appendUint(b, frameWidth, uint64(f.Width))
	b = appendUint(b, frameHeight, uint64(f.Height))
	b = appendUint(b, frameChannels, uint64(f.Channels))
	b = appendUint(b, framePixelType, uint64(f.PixelType))
	if f.Filename != "" {
		b = protowire.AppendTag(b, frameFilename, protowire.BytesType)
		b = protowire.AppendString(b, f.Filename)
	}
	if len(f.Pixels) > 0 {
		b = protowire.AppendTag(b, framePixels, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Pixels)
	}
	return b
}

func frameSize(f types.Frame) int {
	n := uintSize(frameWidth, uint64(f.Width)) +
		uintSize(frameHeight, uint64(f.Height)) +
		uintSize(frameChannels, uint64(f.Channels)) +
		uintSize(framePixelType, uint64(f.PixelType))
	if f.Filename != "" {
		n += protowire.SizeTag(frameFilename) + protowire.SizeBytes(len(f.Filename))
	}
	if len(f.Pixels) > 0 {
		n += protowire.SizeTag(framePixels) + protowire.SizeBytes(len(f.Pixels))
	}
	return n
}

func appendKeypoints(b []byte, kps []types.Keypoint) []byte {
	for _, kp := range kps {
		b = protowire.AppendTag(b, payloadKeypoints, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(keypointSize(kp)))
		b = appendKeypoint(b, kp)
	}
	return b
}

func appendKeypoint(b []byte, kp types.Keypoint) []byte {
	b = appendFloat(b, kpX, kp.X)
	b = appendFloat(b, kpY, kp.Y)
	b = appendFloat(b, kpSize, kp.Size)
	b = appendFloat(b, kpAngle, kp.Angle)
	b = appendFloat(b, kpResponse, kp.Response)
	b = appendUint(b, kpOctave, uint64(int64(kp.Octave)))
	b = appendUint(b, kpClassID, uint64(int64(kp.ClassID)))
	return b
}

func keypointSize(kp types.Keypoint) int {
	n := 0
	for _, v := range []float32{kp.X, kp.Y, kp.Size, kp.Angle, kp.Response} {
		if math.Float32bits(v) != 0 {
			n += protowire.SizeTag(kpX) + protowire.SizeFixed32()
		}
	}
	n += uintSize(kpOctave, uint64(int64(kp.Octave)))
	n += uintSize(kpClassID, uint64(int64(kp.ClassID)))
	return n
}

func unmarshalKeypoint(b []byte) (types.Keypoint, error) {
	var kp types.Keypoint
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.Fixed32Type {
			var dst *float32
			switch num {
			case kpX:
				dst = &kp.X
			case kpY:
				dst = &kp.Y
			case kpSize:
				dst = &kp.Size
			case kpAngle:
				dst = &kp.Angle
			case kpResponse:
				dst = &kp.Response
			}
			if dst != nil {
				v, n := protowire.ConsumeFixed32(b)
				if n >= 0 {
					*dst = math.Float32frombits(v)
				}
				return n, nil
			}
		}
		if typ == protowire.VarintType && (num == kpOctave || num == kpClassID) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			if num == kpOctave {
				kp.Octave = int32(v)
			} else {
				kp.ClassID = int32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return kp, err
}

// walk iterates the fields of one message. field consumes the value that
// follows the tag and returns its length, or a negative protowire error code.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeUint32(b []byte, dst *uint32) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: value %d overflows uint32", ErrMalformed, v)
	}
	*dst = uint32(v)
	return n, nil
}

// appendUint writes a varint field, omitting zero like proto3.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func uintSize(num protowire.Number, v uint64) int {
	if v == 0 {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeVarint(v)
}

// appendFloat omits +0 but keeps -0.
func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if math.Float32bits(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}
