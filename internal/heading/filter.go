package heading

// Default coefficients.
const (
	DefaultAlpha           = 0.95
	DefaultSmoothingFactor = 0.1
)

// ComplementaryFilter blends an integrated rate signal with an absolute reference.
// Alpha weights the rate path.
type ComplementaryFilter struct {
	Alpha float64
}

// Blend returns Alpha*(prev+delta) + (1-Alpha)*absolute in [0,360).
//
// The absolute reference is unwrapped to within 180 degrees of prev+delta
// before weighting so that 359 and 1 blend near 0 rather than near 180.
func (f ComplementaryFilter) Blend(prev, delta, absolute float64) float64 {
	a := f.Alpha
	if a < 0 || a > 1 {
		a = DefaultAlpha
	}
	predicted := prev + delta
	ref := predicted + NormalizeSigned(absolute-predicted)
	return Normalize360(a*predicted + (1-a)*ref)
}

// Smoother is an exponential smoother on the circle.
type Smoother struct {
	Factor float64

	value float64
	have  bool
}

// NewSmoother returns a Smoother; factor outside (0,1] falls back to the default.
func NewSmoother(factor float64) *Smoother {
	if factor <= 0 || factor > 1 {
		factor = DefaultSmoothingFactor
	}
	return &Smoother{Factor: factor}
}

// Update folds raw into the smoothed value and returns it.
// The first sample is taken as-is.
func (s *Smoother) Update(raw float64) float64 {
	raw = Normalize360(raw)
	if !s.have {
		s.value = raw
		s.have = true
		return s.value
	}
	diff := NormalizeSigned(raw - s.value)
	s.value = Normalize360(s.value + diff*s.Factor)
	return s.value
}

// Seed sets the smoothed value directly.
func (s *Smoother) Seed(v float64) {
	s.value = Normalize360(v)
	s.have = true
}

func (s *Smoother) Value() (float64, bool) {
	return s.value, s.have
}

func (s *Smoother) Reset() {
	s.value = 0
	s.have = false
}
