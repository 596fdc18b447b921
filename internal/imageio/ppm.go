package imageio

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strconv"
)

func init() {
	image.RegisterFormat("ppm", "P6", decodePPM, decodePPMConfig)
	image.RegisterFormat("ppm", "P3", decodePPM, decodePPMConfig)
}

type ppmHeader struct {
	magic  string
	width  int
	height int
	maxval int
}

func readPPMHeader(r *bufio.Reader) (ppmHeader, error) {
	var h ppmHeader
	magic, err := ppmToken(r)
	if err != nil {
		return h, err
	}
	if magic != "P6" && magic != "P3" {
		return h, fmt.Errorf("ppm: unsupported magic %q", magic)
	}
	h.magic = magic

	var vals [3]int
	for i := range vals {
		tok, err := ppmToken(r)
		if err != nil {
			return h, err
		}
		v, err := strconv.Atoi(tok)
		if err != nil || v <= 0 {
			return h, fmt.Errorf("ppm: bad header value %q", tok)
		}
		vals[i] = v
	}
	h.width, h.height, h.maxval = vals[0], vals[1], vals[2]
	if h.maxval > 65535 {
		return h, fmt.Errorf("ppm: maxval %d out of range", h.maxval)
	}
	if h.width > 1<<15 || h.height > 1<<15 {
		return h, fmt.Errorf("ppm: %dx%d too large", h.width, h.height)
	}
	return h, nil
}

// ppmToken reads one whitespace-separated header token, skipping # comments.
// For the last header token it also consumes the single whitespace byte
// that separates the header from binary raster data.
func ppmToken(r *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(tok) > 0 {
				return string(tok), nil
			}
			return "", fmt.Errorf("ppm: header: %w", err)
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := r.ReadString('\n'); err != nil {
				return "", fmt.Errorf("ppm: header: %w", err)
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, c)
		}
	}
}

func decodePPMConfig(r io.Reader) (image.Config, error) {
	h, err := readPPMHeader(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{ColorModel: color.RGBAModel, Width: h.width, Height: h.height}, nil
}

func decodePPM(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	h, err := readPPMHeader(br)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, h.width, h.height))
	scale := func(v int) uint8 { return uint8(v * 255 / h.maxval) }

	n := h.width * h.height * 3
	samples := make([]int, n)
	if h.magic == "P6" {
		bps := 1
		if h.maxval > 255 {
			bps = 2
		}
		raw := make([]byte, n*bps)
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("ppm: raster: %w", err)
		}
		for i := range samples {
			if bps == 1 {
				samples[i] = int(raw[i])
			} else {
				samples[i] = int(raw[2*i])<<8 | int(raw[2*i+1])
			}
		}
	} else {
		for i := range samples {
			tok, err := ppmToken(br)
			if err != nil {
				return nil, fmt.Errorf("ppm: raster: %w", err)
			}
			v, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("ppm: bad sample %q", tok)
			}
			samples[i] = v
		}
	}

	for i := 0; i < h.width*h.height; i++ {
		for c := 0; c < 3; c++ {
			v := samples[3*i+c]
			if v > h.maxval {
				return nil, fmt.Errorf("ppm: sample %d exceeds maxval %d", v, h.maxval)
			}
			img.Pix[4*i+c] = scale(v)
		}
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}
