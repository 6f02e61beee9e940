package vocab

import (
	"fmt"
	"math/rand"
	"runtime"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/manningwu07/smilescoder/smiles"
)

// BuilderConfig bounds the induction loop.
type BuilderConfig struct {
	MaxSize       int // target vocabulary size, specials and alphabet included
	MinPairFreq   int // stop once the best pair drops below this
	AugmentFactor int // random atom-order rewrites added per input
}

type symPair struct {
	a, b string
}

// Build induces a subword vocabulary from raw SMILES strings by repeatedly
// merging the most frequent adjacent symbol pair. Any string the scanner or
// (under augmentation) the parser rejects aborts the run with the offending
// record named. The result is fully determined by corpus, config, and seed.
func Build(corpus []string, cfg BuilderConfig, rng *rand.Rand) (*Vocabulary, error) {
	if len(corpus) == 0 {
		return nil, fmt.Errorf("vocab: empty corpus")
	}

	seqs := make([][]string, 0, len(corpus)*(1+cfg.AugmentFactor))
	for i, s := range corpus {
		syms, err := smiles.Scan(s)
		if err != nil {
			return nil, fmt.Errorf("vocab: record %d: %w", i, err)
		}
		seqs = append(seqs, syms)
		for k := 0; k < cfg.AugmentFactor; k++ {
			alt, err := smiles.Randomize(s, rng)
			if err != nil {
				return nil, fmt.Errorf("vocab: record %d: %w", i, err)
			}
			altSyms, err := smiles.Scan(alt)
			if err != nil {
				return nil, fmt.Errorf("vocab: record %d: rewrite %q: %w", i, alt, err)
			}
			seqs = append(seqs, altSyms)
		}
	}

	alphabet := baseAlphabet(seqs)
	log.Info().
		Int("sequences", len(seqs)).
		Int("alphabet", len(alphabet)).
		Msg("vocabulary induction started")

	budget := cfg.MaxSize - len(Specials) - len(alphabet)
	var merges []Entry
	for len(merges) < budget {
		counts := countPairs(seqs)
		best, freq := bestPair(counts)
		if freq < cfg.MinPairFreq || freq == 0 {
			break
		}
		merged := best.a + best.b
		mergePairInPlace(seqs, best, merged)
		merges = append(merges, Entry{Token: merged, Freq: freq})
	}

	log.Info().
		Int("merges", len(merges)).
		Int("size", len(Specials)+len(merges)+len(alphabet)).
		Msg("vocabulary induction finished")

	return New(append(merges, alphabet...)), nil
}

// countPairs tallies adjacent symbol pairs across all sequences on a bounded
// worker pool. The reduction is a commutative map merge, so shard order does
// not affect the result.
func countPairs(seqs [][]string) map[symPair]int {
	workers := runtime.NumCPU()
	if workers > len(seqs) {
		workers = 1
	}
	chunk := (len(seqs) + workers - 1) / workers

	p := pool.NewWithResults[map[symPair]int]().WithMaxGoroutines(workers)
	for lo := 0; lo < len(seqs); lo += chunk {
		hi := lo + chunk
		if hi > len(seqs) {
			hi = len(seqs)
		}
		shard := seqs[lo:hi]
		p.Go(func() map[symPair]int {
			m := make(map[symPair]int, 1<<12)
			for _, seq := range shard {
				for i := 0; i+1 < len(seq); i++ {
					m[symPair{seq[i], seq[i+1]}]++
				}
			}
			return m
		})
	}

	total := make(map[symPair]int, 1<<14)
	for _, m := range p.Wait() {
		for k, v := range m {
			total[k] += v
		}
	}
	return total
}

// bestPair picks the highest-count pair with a deterministic tie-break so
// two runs over the same corpus produce identical merge tables.
func bestPair(counts map[symPair]int) (symPair, int) {
	var best symPair
	bestN := 0
	for p, n := range counts {
		if n > bestN ||
			(n == bestN && (p.a < best.a || (p.a == best.a && p.b < best.b))) {
			best, bestN = p, n
		}
	}
	return best, bestN
}

// mergePairInPlace rewrites every sequence, collapsing each non-overlapping
// occurrence of the pair left to right.
func mergePairInPlace(seqs [][]string, p symPair, merged string) {
	for si, seq := range seqs {
		out := seq[:0]
		for i := 0; i < len(seq); {
			if i+1 < len(seq) && seq[i] == p.a && seq[i+1] == p.b {
				out = append(out, merged)
				i += 2
			} else {
				out = append(out, seq[i])
				i++
			}
		}
		seqs[si] = out
	}
}

// baseAlphabet returns every atomic symbol seen in the corpus as entries
// ordered by count (desc) then token, so single symbols always remain
// encodable after the merge tokens.
func baseAlphabet(seqs [][]string) []Entry {
	counts := map[string]int{}
	for _, seq := range seqs {
		for _, s := range seq {
			counts[s]++
		}
	}
	out := make([]Entry, 0, len(counts))
	for t, n := range counts {
		out = append(out, Entry{Token: t, Freq: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Freq == out[j].Freq {
			return out[i].Token < out[j].Token
		}
		return out[i].Freq > out[j].Freq
	})
	return out
}
