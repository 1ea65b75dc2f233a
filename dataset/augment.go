package dataset

import (
	"math/rand"
)

// Transform produces an augmented copy of a sample. The input is never
// modified.
type Transform interface {
	Apply(x []float32, rng *rand.Rand) []float32
}

// Identity returns an unmodified copy.
type Identity struct{}

func (Identity) Apply(x []float32, _ *rand.Rand) []float32 {
	return append([]float32(nil), x...)
}

// ImageShape describes how a flat sample maps to a CHW image. Zero
// Channels means one. A zero shape means the sample is a plain feature
// vector.
type ImageShape struct {
	Height   int
	Width    int
	Channels int
}

func (s ImageShape) planes() int {
	if s.Channels <= 0 {
		return 1
	}
	return s.Channels
}

func (s ImageShape) isImage(n int) bool {
	return s.Height > 0 && s.Width > 0 && s.Height*s.Width*s.planes() == n
}

// Weak is the flip-and-translate augmentation: a random shift of up to
// MaxShift pixels with zero padding, an optional horizontal flip and a
// little Gaussian jitter. Feature vectors only get the jitter.
type Weak struct {
	Shape    ImageShape
	MaxShift int
	Flip     bool
	Noise    float32
}

func (w Weak) Apply(x []float32, rng *rand.Rand) []float32 {
	out := append([]float32(nil), x...)
	if w.Shape.isImage(len(x)) {
		if w.Flip && rng.Intn(2) == 0 {
			flipHorizontal(out, w.Shape)
		}
		if w.MaxShift > 0 {
			dy := rng.Intn(2*w.MaxShift+1) - w.MaxShift
			dx := rng.Intn(2*w.MaxShift+1) - w.MaxShift
			out = translate(out, w.Shape, dy, dx)
		}
	}
	addNoise(out, w.Noise, rng)
	return out
}

// Strong applies the weak augmentation followed by heavier distortions:
// Cutout of a square patch for images, random feature dropout and stronger
// jitter for everything.
type Strong struct {
	Weak
	Cutout   int
	DropProb float32
	Noise    float32
}

func (s Strong) Apply(x []float32, rng *rand.Rand) []float32 {
	out := s.Weak.Apply(x, rng)
	if s.Cutout > 0 && s.Shape.isImage(len(out)) {
		cutout(out, s.Shape, s.Cutout, rng)
	}
	if s.DropProb > 0 {
		for i := range out {
			if rng.Float32() < s.DropProb {
				out[i] = 0
			}
		}
	}
	addNoise(out, s.Noise, rng)
	return out
}

func addNoise(x []float32, std float32, rng *rand.Rand) {
	if std <= 0 {
		return
	}
	for i := range x {
		x[i] += std * float32(rng.NormFloat64())
	}
}

func flipHorizontal(x []float32, s ImageShape) {
	for r := 0; r < s.planes()*s.Height; r++ {
		row := x[r*s.Width : (r+1)*s.Width]
		for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
			row[i], row[j] = row[j], row[i]
		}
	}
}

func translate(x []float32, s ImageShape, dy, dx int) []float32 {
	out := make([]float32, len(x))
	plane := s.Height * s.Width
	for p := 0; p < s.planes(); p++ {
		src, dst := x[p*plane:(p+1)*plane], out[p*plane:(p+1)*plane]
		for r := 0; r < s.Height; r++ {
			sr := r - dy
			if sr < 0 || sr >= s.Height {
				continue
			}
			for c := 0; c < s.Width; c++ {
				sc := c - dx
				if sc < 0 || sc >= s.Width {
					continue
				}
				dst[r*s.Width+c] = src[sr*s.Width+sc]
			}
		}
	}
	return out
}

func cutout(x []float32, s ImageShape, size int, rng *rand.Rand) {
	cy := rng.Intn(s.Height)
	cx := rng.Intn(s.Width)
	half := size / 2
	plane := s.Height * s.Width
	for p := 0; p < s.planes(); p++ {
		for r := cy - half; r < cy-half+size; r++ {
			if r < 0 || r >= s.Height {
				continue
			}
			for c := cx - half; c < cx-half+size; c++ {
				if c < 0 || c >= s.Width {
					continue
				}
				x[p*plane+r*s.Width+c] = 0
			}
		}
	}
}
