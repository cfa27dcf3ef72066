package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// stopSequence ends decoding when the generated text starts a new user
// turn, which chat-tuned models sometimes emit.
const stopSequence = "User:"

// Scorer produces next-token logits for a token sequence. The
// full-precision backend drives one scorer call per decoded token.
type Scorer interface {
	// Step returns one logit per vocabulary entry for the token that
	// would follow tokens.
	Step(ctx context.Context, tokens []int) ([]float32, error)

	// Release frees the scorer's resources.
	Release() error
}

// FullPrecision decodes token by token against a scorer, applying the
// sampling or beam strategy selected by the call config.
type FullPrecision struct {
	tok    *Tokenizer
	scorer Scorer
	limit  int

	mu       sync.Mutex
	released bool
	rng      *rand.Rand
}

// LoadFullPrecision loads exported ONNX weights and their vocabulary
// from dir. Requires a build with ONNX Runtime support.
func LoadFullPrecision(dir string, contextLimit int) (*FullPrecision, error) {
	tok, err := LoadTokenizer(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	scorer, err := newONNXScorer(filepath.Join(dir, "model.onnx"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return NewFullPrecision(scorer, tok, contextLimit), nil
}

// NewFullPrecision wires a scorer and tokenizer into a backend. Used
// directly in tests with a fake scorer.
func NewFullPrecision(scorer Scorer, tok *Tokenizer, contextLimit int) *FullPrecision {
	if contextLimit <= 0 {
		contextLimit = DefaultContextLimit
	}
	return &FullPrecision{
		tok:    tok,
		scorer: scorer,
		limit:  contextLimit,
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

// SeedRNG makes sampled decoding deterministic. Test hook.
func (f *FullPrecision) SeedRNG(seed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rng = rand.New(rand.NewSource(seed))
}

func (f *FullPrecision) ContextLimit() int { return f.limit }

func (f *FullPrecision) CountTokens(text string) int {
	return len(f.tok.Encode(text))
}

func (f *FullPrecision) Truncate(text string, keepTokens int) string {
	ids := f.tok.Encode(text)
	if keepTokens < 0 {
		keepTokens = 0
	}
	if len(ids) <= keepTokens {
		return text
	}
	return f.tok.Decode(ids[:keepTokens])
}

func (f *FullPrecision) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil
	}
	f.released = true
	return f.scorer.Release()
}

// Generate encodes the prompt and decodes up to cfg.MaxNewTokens new
// tokens, returning only the newly generated text.
func (f *FullPrecision) Generate(ctx context.Context, prompt string, cfg Config) (string, error) {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return "", fmt.Errorf("%w: backend released", ErrGeneration)
	}
	rng := f.rng
	f.mu.Unlock()

	input := f.tok.Encode(prompt)
	if len(input) >= f.limit {
		input = input[len(input)-f.limit+1:]
	}
	cfg = cfg.AdjustForLongInput(len(input))

	var (
		generated []int
		err       error
	)
	if cfg.BeamCount > 1 {
		generated, err = f.beamDecode(ctx, input, cfg)
	} else {
		generated, err = f.sampleDecode(ctx, input, cfg, rng)
	}
	if err != nil {
		if exhausted(err) {
			return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text := f.tok.Decode(generated)
	if i := strings.Index(text, stopSequence); i >= 0 {
		text = text[:i]
	}
	return text, nil
}

// sampleDecode runs single-sequence decoding: greedy argmax when
// sampling is off, otherwise temperature plus top-k/top-p sampling.
func (f *FullPrecision) sampleDecode(ctx context.Context, input []int, cfg Config, rng *rand.Rand) ([]int, error) {
	seq := make([]int, len(input), len(input)+cfg.MaxNewTokens)
	copy(seq, input)

	var out []int
	for range cfg.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := f.scorer.Step(ctx, seq)
		if err != nil {
			return nil, err
		}
		scores := toFloat64(logits)
		applyRepetitionPenalty(scores, seq, cfg.RepetitionPenalty)
		if cfg.NoRepeatNGram > 0 {
			banRepeatedNGrams(scores, seq, cfg.NoRepeatNGram)
		}

		var next int
		if cfg.DoSample {
			next = sampleToken(scores, cfg, rng)
		} else {
			next = argmax(scores)
		}
		if next == f.tok.EOS() {
			break
		}
		seq = append(seq, next)
		out = append(out, next)
	}
	return out, nil
}

// beamCandidate is one hypothesis in the beam. Score is the summed
// log-probability; ranking divides by length^lengthPenalty.
type beamCandidate struct {
	tokens  []int
	logProb float64
	done    bool
}

func (b beamCandidate) rank(penalty float64) float64 {
	n := float64(len(b.tokens))
	if n == 0 {
		n = 1
	}
	if penalty == 0 {
		penalty = 1
	}
	return b.logProb / math.Pow(n, penalty)
}

// beamDecode keeps cfg.BeamCount hypotheses, expanding each live beam
// with its top continuations per step. With early stopping the search
// ends as soon as the best-ranked beam has finished.
func (f *FullPrecision) beamDecode(ctx context.Context, input []int, cfg Config) ([]int, error) {
	beams := []beamCandidate{{}}

	for range cfg.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []beamCandidate
		for _, b := range beams {
			if b.done {
				next = append(next, b)
				continue
			}
			seq := append(append([]int{}, input...), b.tokens...)
			logits, err := f.scorer.Step(ctx, seq)
			if err != nil {
				return nil, err
			}
			scores := toFloat64(logits)
			applyRepetitionPenalty(scores, seq, cfg.RepetitionPenalty)
			if cfg.NoRepeatNGram > 0 {
				banRepeatedNGrams(scores, seq, cfg.NoRepeatNGram)
			}
			logProbs := logSoftmax(scores)

			for _, tok := range topIndices(logProbs, cfg.BeamCount) {
				cand := beamCandidate{
					tokens:  append(append([]int{}, b.tokens...), tok),
					logProb: b.logProb + logProbs[tok],
				}
				if tok == f.tok.EOS() {
					cand.tokens = cand.tokens[:len(cand.tokens)-1]
					cand.done = true
				}
				next = append(next, cand)
			}
		}

		sort.SliceStable(next, func(i, j int) bool {
			return next[i].rank(cfg.LengthPenalty) > next[j].rank(cfg.LengthPenalty)
		})
		if len(next) > cfg.BeamCount {
			next = next[:cfg.BeamCount]
		}
		beams = next

		if allDone(beams) || (cfg.EarlyStopping && beams[0].done) {
			break
		}
	}
	return beams[0].tokens, nil
}

func allDone(beams []beamCandidate) bool {
	for _, b := range beams {
		if !b.done {
			return false
		}
	}
	return true
}

// applyRepetitionPenalty discounts tokens already present in seq:
// positive logits divide by the penalty, negative ones multiply.
func applyRepetitionPenalty(scores []float64, seq []int, penalty float64) {
	if penalty <= 1 {
		return
	}
	for _, tok := range seq {
		if tok < 0 || tok >= len(scores) {
			continue
		}
		if scores[tok] > 0 {
			scores[tok] /= penalty
		} else {
			scores[tok] *= penalty
		}
	}
}

// banRepeatedNGrams forbids any token that would complete an n-gram
// already present in seq.
func banRepeatedNGrams(scores []float64, seq []int, n int) {
	if len(seq) < n-1 {
		return
	}
	prefix := seq[len(seq)-(n-1):]
	for i := 0; i+n <= len(seq); i++ {
		if equalTokens(seq[i:i+n-1], prefix) {
			banned := seq[i+n-1]
			if banned >= 0 && banned < len(scores) {
				scores[banned] = math.Inf(-1)
			}
		}
	}
}

func equalTokens(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sampleToken applies temperature, top-k, then top-p filtering and
// draws from the remaining distribution.
func sampleToken(scores []float64, cfg Config, rng *rand.Rand) int {
	temp := cfg.Temperature
	if temp <= 0 {
		return argmax(scores)
	}

	scaled := make([]float64, len(scores))
	for i, s := range scores {
		scaled[i] = s / temp
	}

	order := make([]int, len(scaled))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scaled[order[i]] > scaled[order[j]]
	})

	if cfg.TopK > 0 && cfg.TopK < len(order) {
		order = order[:cfg.TopK]
	}

	probs := softmaxOver(scaled, order)
	if cfg.TopP > 0 && cfg.TopP < 1 {
		cum := 0.0
		cut := len(order)
		for i, tok := range order {
			cum += probs[tok]
			if cum >= cfg.TopP {
				cut = i + 1
				break
			}
		}
		order = order[:cut]
		probs = softmaxOver(scaled, order)
	}

	r := rng.Float64()
	cum := 0.0
	for _, tok := range order {
		cum += probs[tok]
		if r <= cum {
			return tok
		}
	}
	return order[len(order)-1]
}

// softmaxOver normalizes scaled scores over the given index subset,
// returning a sparse map keyed by token id.
func softmaxOver(scaled []float64, order []int) map[int]float64 {
	maxScore := math.Inf(-1)
	for _, i := range order {
		if scaled[i] > maxScore {
			maxScore = scaled[i]
		}
	}
	sum := 0.0
	probs := make(map[int]float64, len(order))
	for _, i := range order {
		p := math.Exp(scaled[i] - maxScore)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func logSoftmax(scores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	sum := 0.0
	for _, s := range scores {
		sum += math.Exp(s - maxScore)
	}
	logSum := maxScore + math.Log(sum)
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s - logSum
	}
	return out
}

func topIndices(scores []float64, k int) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	if k < len(order) {
		order = order[:k]
	}
	return order
}

func argmax(scores []float64) int {
	best, bestScore := 0, math.Inf(-1)
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}
