// Package tokenizer segments SMILES strings against a frozen vocabulary and
// maps them to fixed-length id sequences for the encoder.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manningwu07/smilescoder/smiles"
	"github.com/manningwu07/smilescoder/vocab"
)

// ErrTooLong reports a sequence that exceeds the fixed width established
// from the training corpus. The caller must recompute the width or reject
// the string; padding never truncates.
var ErrTooLong = errors.New("encoded sequence exceeds max length")

// Tokenizer applies one immutable vocabulary. Segmentation order follows the
// vocabulary's merge ranks, so encode results are stable for the lifetime of
// the artifact.
type Tokenizer struct {
	v *vocab.Vocabulary
}

func New(v *vocab.Vocabulary) *Tokenizer {
	return &Tokenizer{v: v}
}

func (t *Tokenizer) Vocab() *vocab.Vocabulary { return t.v }

// Tokenize splits s into atomic symbols and then repeatedly merges the
// adjacent pair whose concatenation has the best (lowest) vocabulary rank,
// reproducing the segmentation the builder itself converged to.
func (t *Tokenizer) Tokenize(s string) ([]string, error) {
	syms, err := smiles.Scan(s)
	if err != nil {
		return nil, err
	}
	for {
		bestRank := -1
		for i := 0; i+1 < len(syms); i++ {
			if r, ok := t.v.Rank(syms[i] + syms[i+1]); ok {
				if bestRank < 0 || r < bestRank {
					bestRank = r
				}
			}
		}
		if bestRank < 0 {
			return syms, nil
		}
		merged, _ := t.v.Token(bestRank)
		out := syms[:0]
		for i := 0; i < len(syms); {
			if i+1 < len(syms) && syms[i]+syms[i+1] == merged {
				out = append(out, merged)
				i += 2
			} else {
				out = append(out, syms[i])
				i++
			}
		}
		syms = out
	}
}

// Encode maps s to <bos> + token ids + <eos>. Tokens outside the vocabulary
// map to <unk>.
func (t *Tokenizer) Encode(s string) ([]int, error) {
	toks, err := t.Tokenize(s)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(toks)+2)
	ids = append(ids, vocab.BosID)
	for _, tok := range toks {
		ids = append(ids, t.v.ID(tok))
	}
	return append(ids, vocab.EosID), nil
}

// Pad right-pads ids with <pad> to exactly maxLen.
func (t *Tokenizer) Pad(ids []int, maxLen int) ([]int, error) {
	if len(ids) > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLong, len(ids), maxLen)
	}
	out := make([]int, maxLen)
	copy(out, ids)
	for i := len(ids); i < maxLen; i++ {
		out[i] = vocab.PadID
	}
	return out, nil
}

// MaxEncodedLen returns the longest encoded length over the corpus,
// boundary markers included. It must be computed before anything is padded.
func (t *Tokenizer) MaxEncodedLen(corpus []string) (int, error) {
	maxLen := 0
	for i, s := range corpus {
		ids, err := t.Encode(s)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}
	return maxLen, nil
}

// Decode concatenates the tokens for ids, stopping at the first <eos> and
// skipping the remaining specials. Trailing padding therefore never changes
// the result.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id == vocab.EosID {
			break
		}
		if id < len(vocab.Specials) {
			continue
		}
		tok, err := t.v.Token(id)
		if err != nil {
			return "", err
		}
		sb.WriteString(tok)
	}
	return sb.String(), nil
}
