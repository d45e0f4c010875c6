package hrm

import "fmt"

// Config holds the configuration for the hierarchical reasoning model.
// It is the only parameterization surface: nothing else changes output
// shapes. The record is treated as immutable after construction.
type Config struct {
	HiddenSize       int
	IntermediateSize int
	NumHeads         int
	VocabSize        int
	Cycles           int // N: outer cycles per forward call
	Timesteps        int // T: low-level steps per cycle
	MaxPosition      int
	RMSNormEps       float64
	RoPETheta        float64
}

// DefaultConfig returns a small configuration suitable for puzzle-scale
// token grids.
func DefaultConfig() Config {
	return Config{
		HiddenSize:       256,
		IntermediateSize: 512,
		NumHeads:         4,
		VocabSize:        16,
		Cycles:           2,
		Timesteps:        2,
		MaxPosition:      512,
		RMSNormEps:       1e-6,
		RoPETheta:        10000.0,
	}
}

// Validate fails fast on configurations that would produce wrong shapes or
// unbounded loops.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hrm: hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("hrm: hidden size %d must be divisible by num heads %d", c.HiddenSize, c.NumHeads)
	}
	if (c.HiddenSize/c.NumHeads)%2 != 0 {
		return fmt.Errorf("hrm: head dim %d must be even for rotary pairs", c.HiddenSize/c.NumHeads)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("hrm: intermediate size must be positive, got %d", c.IntermediateSize)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("hrm: vocab size must be positive, got %d", c.VocabSize)
	}
	if c.Cycles < 1 {
		return fmt.Errorf("hrm: cycles (N) must be >= 1, got %d", c.Cycles)
	}
	if c.Timesteps < 1 {
		return fmt.Errorf("hrm: timesteps (T) must be >= 1, got %d", c.Timesteps)
	}
	if c.MaxPosition < 1 {
		return fmt.Errorf("hrm: max position must be >= 1, got %d", c.MaxPosition)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("hrm: rms norm eps must be positive, got %g", c.RMSNormEps)
	}
	if c.RoPETheta <= 0 {
		return fmt.Errorf("hrm: rope theta must be positive, got %g", c.RoPETheta)
	}
	return nil
}
