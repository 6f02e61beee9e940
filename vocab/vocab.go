// Package vocab builds and holds the subword vocabulary: an ordered,
// frozen token table whose ids the trained model's weight shapes depend on.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Special token ids are fixed for the lifetime of every artifact.
const (
	PadID = 0
	BosID = 1
	EosID = 2
	UnkID = 3
)

// Specials kept at the start of the vocab.
var Specials = []string{"<pad>", "<bos>", "<eos>", "<unk>"}

// Entry is one non-special vocabulary line: the token and the corpus
// frequency it had when it entered the table.
type Entry struct {
	Token string
	Freq  int
}

// Vocabulary maps tokens to dense, contiguous ids. Entry order is
// load-bearing: merged tokens sit directly after the specials in merge-rank
// order, followed by the base atomic alphabet. Once a model is trained
// against a Vocabulary the table must never change.
type Vocabulary struct {
	Tokens []string
	Freqs  []int
	IDs    map[string]int
}

// New assembles a vocabulary from ordered non-special entries.
func New(entries []Entry) *Vocabulary {
	v := &Vocabulary{
		Tokens: append([]string(nil), Specials...),
		Freqs:  make([]int, len(Specials)),
		IDs:    make(map[string]int, len(Specials)+len(entries)),
	}
	for i, t := range v.Tokens {
		v.IDs[t] = i
	}
	for _, e := range entries {
		if _, dup := v.IDs[e.Token]; dup {
			continue
		}
		v.IDs[e.Token] = len(v.Tokens)
		v.Tokens = append(v.Tokens, e.Token)
		v.Freqs = append(v.Freqs, e.Freq)
	}
	return v
}

func (v *Vocabulary) Size() int { return len(v.Tokens) }

// ID returns the id for tok, falling back to <unk>.
func (v *Vocabulary) ID(tok string) int {
	if id, ok := v.IDs[tok]; ok {
		return id
	}
	return UnkID
}

// Rank returns the merge priority of tok: lower id wins. ok is false for
// tokens outside the table.
func (v *Vocabulary) Rank(tok string) (int, bool) {
	id, ok := v.IDs[tok]
	return id, ok
}

func (v *Vocabulary) Token(id int) (string, error) {
	if id < 0 || id >= len(v.Tokens) {
		return "", fmt.Errorf("vocab: id %d out of range (size %d)", id, len(v.Tokens))
	}
	return v.Tokens[id], nil
}

// Save writes the flat artifact: one "token freq" line per non-special
// entry, in id order. The ordering is semantically load-bearing.
func (v *Vocabulary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for id := len(Specials); id < len(v.Tokens); id++ {
		fmt.Fprintf(w, "%s %d\n", v.Tokens[id], v.Freqs[id])
	}
	return w.Flush()
}

// Load reads an artifact written by Save, preserving line order exactly.
func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if text == "" {
			continue
		}
		cut := strings.LastIndexByte(text, ' ')
		if cut <= 0 {
			return nil, fmt.Errorf("vocab: %s:%d: want \"token freq\", got %q", path, line, text)
		}
		freq, err := strconv.Atoi(text[cut+1:])
		if err != nil {
			return nil, fmt.Errorf("vocab: %s:%d: bad frequency: %w", path, line, err)
		}
		entries = append(entries, Entry{Token: text[:cut], Freq: freq})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return New(entries), nil
}
