package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special tokens looked up in the vocabulary by convention.
const (
	unkToken = "<unk>"
	eosToken = "</s>"
)

// Tokenizer maps between text and token ids using a word-level
// vocabulary loaded from vocab.json.
type Tokenizer struct {
	ids    map[string]int
	tokens []string
	unkID  int
	eosID  int
}

// LoadTokenizer reads a vocab.json file mapping token strings to ids.
func LoadTokenizer(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}

	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}
	return NewTokenizer(vocab), nil
}

// NewTokenizer builds a tokenizer from an in-memory vocabulary.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	maxID := 0
	for _, id := range vocab {
		if id > maxID {
			maxID = id
		}
	}

	t := &Tokenizer{
		ids:    make(map[string]int, len(vocab)),
		tokens: make([]string, maxID+1),
		unkID:  -1,
		eosID:  -1,
	}
	for tok, id := range vocab {
		if id < 0 {
			continue
		}
		t.ids[tok] = id
		t.tokens[id] = tok
	}
	if id, ok := vocab[unkToken]; ok {
		t.unkID = id
	}
	if id, ok := vocab[eosToken]; ok {
		t.eosID = id
	}
	return t
}

// VocabSize returns the number of token id slots.
func (t *Tokenizer) VocabSize() int { return len(t.tokens) }

// EOS returns the end-of-sequence token id, or -1 if the vocabulary
// defines none.
func (t *Tokenizer) EOS() int { return t.eosID }

// Encode splits text into word and punctuation pieces and maps each to
// its id. Pieces missing from the vocabulary map to the unknown token
// when one exists and are dropped otherwise.
func (t *Tokenizer) Encode(text string) []int {
	pieces := splitPieces(text)
	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		id, ok := t.ids[p]
		if !ok {
			id, ok = t.ids[strings.ToLower(p)]
		}
		if !ok {
			if t.unkID < 0 {
				continue
			}
			id = t.unkID
		}
		out = append(out, id)
	}
	return out
}

// Decode joins token ids back into text. Punctuation attaches to the
// preceding word; unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.tokens) {
			continue
		}
		tok := t.tokens[id]
		if tok == "" || tok == unkToken || tok == eosToken {
			continue
		}
		if b.Len() > 0 && !isPunctPiece(tok) {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

// splitPieces breaks text into runs of letters/digits and single
// punctuation runes, discarding whitespace.
func splitPieces(text string) []string {
	var pieces []string
	var word []rune
	flush := func() {
		if len(word) > 0 {
			pieces = append(pieces, string(word))
			word = word[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			word = append(word, r)
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			pieces = append(pieces, string(r))
		}
	}
	flush()
	return pieces
}

func isPunctPiece(s string) bool {
	if len(s) == 0 {
		return false
	}
	runes := []rune(s)
	return len(runes) == 1 && !unicode.IsLetter(runes[0]) && !unicode.IsDigit(runes[0])
}
