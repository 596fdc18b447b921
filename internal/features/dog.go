package features

import (
	"math"
	"sort"

	"github.com/andresmejia3/featurepipe/internal/types"
)

const (
	imgBorder      = 5
	maxInterpSteps = 5
	initSigma      = 0.5
	oriBins        = 36
	oriRadius      = 3 * oriSigFactor
	oriSigFactor   = 1.5
	oriPeakRatio   = 0.8
)

// DoG is a difference-of-Gaussians scale-space detector in the style of SIFT:
// extrema of the DoG pyramid are localised to sub-pixel accuracy, filtered for
// low contrast and edge response, and assigned one keypoint per dominant
// gradient orientation.
type DoG struct {
	// Octaves is the number of pyramid octaves. 0 derives it from the image size.
	Octaves           int
	Layers            int
	Sigma             float64
	ContrastThreshold float64
	EdgeThreshold     float64
	// MaxFeatures keeps only the strongest responses when > 0.
	MaxFeatures int
}

// NewDoG returns a detector with the usual SIFT parameters.
func NewDoG() *DoG {
	return &DoG{
		Layers:            3,
		Sigma:             1.6,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
	}
}

type plane struct {
	w, h int
	px   []float32
}

func newPlane(w, h int) plane { return plane{w: w, h: h, px: make([]float32, w*h)} }

func (p plane) at(x, y int) float32 { return p.px[y*p.w+x] }

// Detect implements Detector.
func (d *DoG) Detect(m Mat) ([]types.Keypoint, error) {
	if m.Empty() {
		return nil, ErrEmptyImage
	}

	base := plane{w: m.Cols, h: m.Rows, px: m.Gray()}
	base = blur(base, math.Sqrt(math.Max(d.Sigma*d.Sigma-initSigma*initSigma, 0.01)))

	octaves := d.Octaves
	if octaves <= 0 {
		octaves = int(math.Round(math.Log2(float64(min(m.Cols, m.Rows))))) - 3
	}
	octaves = max(octaves, 1)

	sigmas := d.layerSigmas()
	var kps []types.Keypoint

	for o := 0; o < octaves; o++ {
		if base.w < 2*imgBorder+3 || base.h < 2*imgBorder+3 {
			break
		}

		gauss := make([]plane, d.Layers+3)
		gauss[0] = base
		for i := 1; i < len(gauss); i++ {
			gauss[i] = blur(gauss[i-1], sigmas[i])
		}
		dogs := make([]plane, d.Layers+2)
		for i := range dogs {
			dogs[i] = subtract(gauss[i+1], gauss[i])
		}

		kps = append(kps, d.scanOctave(o, gauss, dogs)...)
		base = downsample(gauss[d.Layers])
	}

	if d.MaxFeatures > 0 && len(kps) > d.MaxFeatures {
		sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })
		kps = kps[:d.MaxFeatures]
	}
	return kps, nil
}

// layerSigmas returns the incremental blur between consecutive layers.
func (d *DoG) layerSigmas() []float64 {
	sig := make([]float64, d.Layers+3)
	sig[0] = d.Sigma
	k := math.Pow(2, 1/float64(d.Layers))
	for i := 1; i < len(sig); i++ {
		prev := math.Pow(k, float64(i-1)) * d.Sigma
		total := prev * k
		sig[i] = math.Sqrt(total*total - prev*prev)
	}
	return sig
}

func (d *DoG) scanOctave(o int, gauss, dogs []plane) []types.Keypoint {
	var kps []types.Keypoint
	threshold := float32(0.5 * d.ContrastThreshold / float64(d.Layers))
	w, h := dogs[0].w, dogs[0].h

	for i := 1; i <= d.Layers; i++ {
		for y := imgBorder; y < h-imgBorder; y++ {
			for x := imgBorder; x < w-imgBorder; x++ {
				v := dogs[i].at(x, y)
				if float32(math.Abs(float64(v))) <= threshold || !isExtremum(dogs, i, x, y, v) {
					continue
				}
				kp, layer, ok := d.localize(o, dogs, i, x, y)
				if !ok {
					continue
				}
				kps = append(kps, orient(kp, gauss[layer], o)...)
			}
		}
	}
	return kps
}

func isExtremum(dogs []plane, i, x, y int, v float32) bool {
	for s := i - 1; s <= i+1; s++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if s == i && dx == 0 && dy == 0 {
					continue
				}
				n := dogs[s].at(x+dx, y+dy)
				if v > 0 && n > v {
					return false
				}
				if v < 0 && n < v {
					return false
				}
			}
		}
	}
	return true
}

// localize fits a 3D quadratic around (x, y, layer) and moves the sample
// until the offset is below half a pixel. It returns the keypoint with its
// position in input image coordinates and the layer it settled on.
func (d *DoG) localize(o int, dogs []plane, layer, x, y int) (types.Keypoint, int, bool) {
	w, h := dogs[0].w, dogs[0].h
	var xc, xr, xi float64
	var grad [3]float64
	var hess [3][3]float64

	iter := 0
	for ; iter < maxInterpSteps; iter++ {
		grad, hess = derivatives(dogs, layer, x, y)
		off, ok := solve3(hess, grad)
		if !ok {
			return types.Keypoint{}, 0, false
		}
		xc, xr, xi = -off[0], -off[1], -off[2]

		if math.Abs(xc) < 0.5 && math.Abs(xr) < 0.5 && math.Abs(xi) < 0.5 {
			break
		}
		if math.Abs(xc) > float64(w) || math.Abs(xr) > float64(h) || math.Abs(xi) > float64(d.Layers) {
			return types.Keypoint{}, 0, false
		}

		x += int(math.Round(xc))
		y += int(math.Round(xr))
		layer += int(math.Round(xi))
		if layer < 1 || layer > d.Layers || x < imgBorder || x >= w-imgBorder || y < imgBorder || y >= h-imgBorder {
			return types.Keypoint{}, 0, false
		}
	}
	if iter >= maxInterpSteps {
		return types.Keypoint{}, 0, false
	}

	contrast := float64(dogs[layer].at(x, y)) + 0.5*(grad[0]*xc+grad[1]*xr+grad[2]*xi)
	if math.Abs(contrast)*float64(d.Layers) < d.ContrastThreshold {
		return types.Keypoint{}, 0, false
	}

	// Reject edges: principal curvature ratio from the 2x2 spatial Hessian.
	tr := hess[0][0] + hess[1][1]
	det := hess[0][0]*hess[1][1] - hess[0][1]*hess[0][1]
	edge := d.EdgeThreshold
	if det <= 0 || tr*tr*edge >= (edge+1)*(edge+1)*det {
		return types.Keypoint{}, 0, false
	}

	scale := math.Ldexp(1, o)
	return types.Keypoint{
		X:        float32((float64(x) + xc) * scale),
		Y:        float32((float64(y) + xr) * scale),
		Size:     float32(d.Sigma * math.Pow(2, (float64(layer)+xi)/float64(d.Layers)) * scale * 2),
		Response: float32(math.Abs(contrast)),
		Octave:   int32(o + layer<<8 + int(math.Round((xi+0.5)*255))<<16),
		ClassID:  -1,
	}, layer, true
}

func derivatives(dogs []plane, s, x, y int) ([3]float64, [3][3]float64) {
	at := func(ds, dx, dy int) float64 { return float64(dogs[s+ds].at(x+dx, y+dy)) }
	v2 := 2 * at(0, 0, 0)

	grad := [3]float64{
		(at(0, 1, 0) - at(0, -1, 0)) * 0.5,
		(at(0, 0, 1) - at(0, 0, -1)) * 0.5,
		(at(1, 0, 0) - at(-1, 0, 0)) * 0.5,
	}

	dxx := at(0, 1, 0) + at(0, -1, 0) - v2
	dyy := at(0, 0, 1) + at(0, 0, -1) - v2
	dss := at(1, 0, 0) + at(-1, 0, 0) - v2
	dxy := (at(0, 1, 1) - at(0, -1, 1) - at(0, 1, -1) + at(0, -1, -1)) * 0.25
	dxs := (at(1, 1, 0) - at(1, -1, 0) - at(-1, 1, 0) + at(-1, -1, 0)) * 0.25
	dys := (at(1, 0, 1) - at(1, 0, -1) - at(-1, 0, 1) + at(-1, 0, -1)) * 0.25

	return grad, [3][3]float64{
		{dxx, dxy, dxs},
		{dxy, dyy, dys},
		{dxs, dys, dss},
	}
}

// solve3 solves a*x = b by Cramer's rule.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	det := func(m [3][3]float64) float64 {
		return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
			m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
			m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	}
	d := det(a)
	if math.Abs(d) < 1e-12 {
		return [3]float64{}, false
	}
	var x [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		x[col] = det(m) / d
	}
	return x, true
}

// orient assigns the dominant gradient orientations around kp. Every
// histogram peak within oriPeakRatio of the maximum yields its own keypoint.
func orient(kp types.Keypoint, g plane, o int) []types.Keypoint {
	scale := math.Ldexp(1, o)
	cx := int(math.Round(float64(kp.X) / scale))
	cy := int(math.Round(float64(kp.Y) / scale))
	sclOctv := float64(kp.Size) * 0.5 / scale
	radius := int(math.Round(oriRadius * sclOctv))
	expf := -1 / (2 * (oriSigFactor * sclOctv) * (oriSigFactor * sclOctv))

	var hist [oriBins]float64
	for dy := -radius; dy <= radius; dy++ {
		y := cy + dy
		if y <= 0 || y >= g.h-1 {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			x := cx + dx
			if x <= 0 || x >= g.w-1 {
				continue
			}
			gx := float64(g.at(x+1, y) - g.at(x-1, y))
			gy := float64(g.at(x, y-1) - g.at(x, y+1))
			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			ang := math.Atan2(gy, gx) * 180 / math.Pi
			if ang < 0 {
				ang += 360
			}
			bin := int(math.Round(ang*oriBins/360)) % oriBins
			hist[bin] += math.Exp(float64(dx*dx+dy*dy)*expf) * mag
		}
	}

	var smooth [oriBins]float64
	maxVal := 0.0
	for i := range smooth {
		at := func(k int) float64 { return hist[(k+oriBins)%oriBins] }
		smooth[i] = (at(i-2)+at(i+2))/16 + (at(i-1)+at(i+1))*4/16 + at(i)*6/16
		maxVal = math.Max(maxVal, smooth[i])
	}
	if maxVal == 0 {
		kp.Angle = -1
		return []types.Keypoint{kp}
	}

	var out []types.Keypoint
	threshold := maxVal * oriPeakRatio
	for j := 0; j < oriBins; j++ {
		l := smooth[(j-1+oriBins)%oriBins]
		r := smooth[(j+1)%oriBins]
		c := smooth[j]
		if c <= l || c <= r || c < threshold {
			continue
		}
		bin := float64(j) + 0.5*(l-r)/(l-2*c+r)
		if bin < 0 {
			bin += oriBins
		} else if bin >= oriBins {
			bin -= oriBins
		}
		angle := 360 - 360.0/oriBins*bin
		if math.Abs(angle-360) < 1e-3 {
			angle = 0
		}
		k := kp
		k.Angle = float32(angle)
		out = append(out, k)
	}
	if len(out) == 0 {
		kp.Angle = -1
		out = append(out, kp)
	}
	return out
}

// blur applies a separable Gaussian with clamped borders.
func blur(p plane, sigma float64) plane {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		return p
	}
	kernel := make([]float32, 2*radius+1)
	var sum float32
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = float32(math.Exp(-d * d / (2 * sigma * sigma)))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		row := p.px[y*p.w : (y+1)*p.w]
		for x := 0; x < p.w; x++ {
			var acc float32
			for k, kv := range kernel {
				xx := min(max(x+k-radius, 0), p.w-1)
				acc += row[xx] * kv
			}
			tmp.px[y*p.w+x] = acc
		}
	}

	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			var acc float32
			for k, kv := range kernel {
				yy := min(max(y+k-radius, 0), p.h-1)
				acc += tmp.px[yy*p.w+x] * kv
			}
			out.px[y*p.w+x] = acc
		}
	}
	return out
}

func subtract(a, b plane) plane {
	out := newPlane(a.w, a.h)
	for i := range out.px {
		out.px[i] = a.px[i] - b.px[i]
	}
	return out
}

// downsample keeps every second pixel in each direction.
func downsample(p plane) plane {
	out := newPlane(p.w/2, p.h/2)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			out.px[y*out.w+x] = p.at(2*x, 2*y)
		}
	}
	return out
}
