package experiment

// RandGen yields uniform floats in [0,1). Injected so allocation picks
// are reproducible in tests.
type RandGen interface {
	Float64() float64
}

// lcg is a 64-bit linear congruential generator; the top 53 bits of each
// state form the float mantissa.
type lcg struct {
	state uint64
}

// NewRand returns a deterministic generator seeded with seed.
func NewRand(seed uint64) RandGen {
	return &lcg{state: seed}
}

func (l *lcg) Float64() float64 {
	l.state = l.state*6364136223846793005 + 1442695040888963407
	return float64(l.state>>11) / (1 << 53)
}
