package backend

import "math"

// Mode selects a decoding strategy for one generation call.
type Mode string

const (
	// ModeFast favors latency: sampling, small beam, capped output.
	ModeFast Mode = "fast"
	// ModeDeep favors quality: wide beam search with repetition
	// control and length-normalized scoring.
	ModeDeep Mode = "deep"
)

// longInputThreshold is the encoded input length above which the beam
// is narrowed and the temperature floor raised to bound decode cost.
const longInputThreshold = 512

// Config carries decoding parameters for one Generate call. The zero
// value is not usable; start from DefaultConfig.
type Config struct {
	Mode              Mode
	MaxNewTokens      int
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
	DoSample          bool

	// Beam search controls. BeamCount 1 means greedy or sampled
	// single-sequence decoding.
	BeamCount     int
	NoRepeatNGram int
	LengthPenalty float64
	EarlyStopping bool
}

// DefaultConfig returns the base decoding parameters modes derive from.
func DefaultConfig() Config {
	return Config{
		MaxNewTokens:      2048,
		Temperature:       0.7,
		TopK:              50,
		TopP:              0.9,
		RepetitionPenalty: 1.2,
		DoSample:          true,
		BeamCount:         1,
	}
}

// ForMode derives the effective per-call config from the base values.
// Deep mode trades latency for quality with a 5-wide beam; fast mode
// raises the temperature and caps output short.
func (c Config) ForMode(mode Mode) Config {
	out := c
	out.Mode = mode
	switch mode {
	case ModeDeep:
		out.BeamCount = 5
		out.Temperature = math.Max(0.5, c.Temperature)
		out.NoRepeatNGram = 3
		out.LengthPenalty = 1.2
		out.MaxNewTokens = min(c.MaxNewTokens, 800)
		out.EarlyStopping = true
	default:
		out.Mode = ModeFast
		if c.DoSample {
			out.BeamCount = 1
		} else {
			out.BeamCount = 3
		}
		out.Temperature = math.Min(0.9, c.Temperature+0.2)
		out.TopK = max(30, c.TopK)
		out.MaxNewTokens = min(c.MaxNewTokens, 400)
		out.EarlyStopping = false
	}
	return out
}

// AdjustForLongInput narrows the beam by one (floor 1) and raises the
// temperature floor to 0.4 when the encoded input exceeds the long
// input threshold. No-op otherwise.
func (c Config) AdjustForLongInput(inputTokens int) Config {
	if inputTokens <= longInputThreshold {
		return c
	}
	if c.BeamCount > 1 {
		c.BeamCount--
	}
	if c.Temperature < 0.4 {
		c.Temperature = 0.4
	}
	return c
}

// Degrade halves the output budget and floors the temperature at 0.5.
// Applied before the single retry after resource exhaustion.
func (c Config) Degrade() Config {
	c.MaxNewTokens = max(1, c.MaxNewTokens/2)
	if c.Temperature < 0.5 {
		c.Temperature = 0.5
	}
	return c
}
