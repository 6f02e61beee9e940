// Package smiles provides the character-level SMILES machinery the rest of
// the pipeline builds on: splitting strings into atomic symbols, parsing them
// into a molecular graph, and re-serializing that graph in a randomized atom
// order for corpus augmentation.
package smiles

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports input the scanner or parser cannot interpret. The
// offending record is identified in the wrapped message; chemical validation
// beyond symbol/structure syntax is an upstream responsibility.
var ErrMalformed = errors.New("malformed SMILES")

// Organic-subset atoms written without brackets. Two-letter symbols must be
// tried before their one-letter prefixes.
var twoLetterAtoms = []string{"Cl", "Br"}

const oneLetterAtoms = "BCNOPSFIbcnops*"

// Bond and structure characters that stand alone as symbols.
const bondChars = "-=#$:/\\"

// Scan splits a SMILES string into atomic symbols: bracket atoms ([nH+],
// [C@@H], ...) and two-letter halogens are kept as single units, everything
// else is one character. Ring-closure escapes %nn are kept whole so a
// two-digit ring number cannot be torn apart by later merging.
func Scan(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty string", ErrMalformed)
	}
	out := make([]string, 0, len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("%w: unclosed bracket atom in %q", ErrMalformed, s)
			}
			out = append(out, s[i:i+j+1])
			i += j + 1
		case c == '%':
			if i+2 >= len(s) || !isDigit(s[i+1]) || !isDigit(s[i+2]) {
				return nil, fmt.Errorf("%w: bad ring escape at %d in %q", ErrMalformed, i, s)
			}
			out = append(out, s[i:i+3])
			i += 3
		case hasTwoLetterAt(s, i):
			out = append(out, s[i:i+2])
			i += 2
		case strings.IndexByte(oneLetterAtoms, c) >= 0,
			strings.IndexByte(bondChars, c) >= 0,
			c == '(' || c == ')' || c == '.',
			isDigit(c):
			out = append(out, s[i:i+1])
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d in %q", ErrMalformed, c, i, s)
		}
	}
	return out, nil
}

func hasTwoLetterAt(s string, i int) bool {
	if i+2 > len(s) {
		return false
	}
	for _, a := range twoLetterAtoms {
		if s[i:i+2] == a {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// isAtomSymbol reports whether a scanner symbol denotes an atom (as opposed
// to a bond, branch, or ring marker).
func isAtomSymbol(sym string) bool {
	if sym[0] == '[' {
		return true
	}
	if len(sym) == 2 {
		for _, a := range twoLetterAtoms {
			if sym == a {
				return true
			}
		}
		return false
	}
	return len(sym) == 1 && strings.IndexByte(oneLetterAtoms, sym[0]) >= 0
}
