package smiles

import (
	"fmt"
	"math/rand"
	"strings"
)

// atom is one node of the molecular graph; the symbol is carried verbatim
// from the scanner.
type atom struct {
	symbol string
	bonds  []int // indices into graph.edges
}

// edge is an undirected bond. sym is "" for a default (single or aromatic)
// bond; explicit "-" is normalized away, directional "/" and "\" are
// downgraded to default since their reference frame does not survive atom
// reordering.
type edge struct {
	a, b int
	sym  string
}

type graph struct {
	atoms []atom
	edges []edge
}

func (g *graph) addEdge(a, b int, sym string) {
	id := len(g.edges)
	g.edges = append(g.edges, edge{a: a, b: b, sym: sym})
	g.atoms[a].bonds = append(g.atoms[a].bonds, id)
	g.atoms[b].bonds = append(g.atoms[b].bonds, id)
}

func (e edge) other(v int) int {
	if e.a == v {
		return e.b
	}
	return e.a
}

func normalizeBond(sym string) string {
	switch sym {
	case "-", "/", "\\":
		return ""
	default:
		return sym
	}
}

type pendingRing struct {
	atom int
	sym  string
}

// parse builds the molecular graph from scanner symbols. It enforces the
// structural invariants the randomizer relies on: matched branches, paired
// ring closures, no dangling bond symbols.
func parse(symbols []string, src string) (*graph, error) {
	g := &graph{}
	prev := -1    // atom awaiting its next neighbor
	bondSym := "" // explicit bond symbol for the next edge
	haveBond := false
	var stack []int
	rings := map[string]pendingRing{}

	for _, sym := range symbols {
		switch {
		case isAtomSymbol(sym):
			g.atoms = append(g.atoms, atom{symbol: sym})
			cur := len(g.atoms) - 1
			if prev >= 0 {
				g.addEdge(prev, cur, normalizeBond(bondSym))
			} else if haveBond {
				return nil, fmt.Errorf("%w: bond with no preceding atom in %q", ErrMalformed, src)
			}
			prev, bondSym, haveBond = cur, "", false
		case sym == "(":
			if prev < 0 {
				return nil, fmt.Errorf("%w: branch before any atom in %q", ErrMalformed, src)
			}
			stack = append(stack, prev)
		case sym == ")":
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unmatched ')' in %q", ErrMalformed, src)
			}
			prev = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case sym == ".":
			prev, bondSym, haveBond = -1, "", false
		case len(sym) == 1 && strings.IndexByte(bondChars, sym[0]) >= 0:
			bondSym, haveBond = sym, true
		case isDigit(sym[0]) || sym[0] == '%':
			if prev < 0 {
				return nil, fmt.Errorf("%w: ring closure before any atom in %q", ErrMalformed, src)
			}
			if open, ok := rings[sym]; ok {
				bs := normalizeBond(bondSym)
				if bs == "" {
					bs = normalizeBond(open.sym)
				}
				g.addEdge(open.atom, prev, bs)
				delete(rings, sym)
			} else {
				rings[sym] = pendingRing{atom: prev, sym: bondSym}
			}
			bondSym, haveBond = "", false
		default:
			return nil, fmt.Errorf("%w: unexpected symbol %q in %q", ErrMalformed, sym, src)
		}
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: unclosed branch in %q", ErrMalformed, src)
	}
	if len(rings) > 0 {
		return nil, fmt.Errorf("%w: unpaired ring closure in %q", ErrMalformed, src)
	}
	if haveBond {
		return nil, fmt.Errorf("%w: trailing bond symbol in %q", ErrMalformed, src)
	}
	if len(g.atoms) == 0 {
		return nil, fmt.Errorf("%w: no atoms in %q", ErrMalformed, src)
	}
	return g, nil
}

// Randomize parses s and re-serializes it starting from a random atom with a
// randomized traversal order. The result denotes the same molecule, which is
// exactly what the vocabulary builder wants: fresh adjacent-symbol statistics
// at zero chemical cost. Fails on input the parser rejects.
func Randomize(s string, rng *rand.Rand) (string, error) {
	symbols, err := Scan(s)
	if err != nil {
		return "", err
	}
	g, err := parse(symbols, s)
	if err != nil {
		return "", err
	}

	w := &walker{
		g:        g,
		children: make([][]int, len(g.atoms)),
		ringsAt:  make([][]int, len(g.atoms)),
		ringNum:  make(map[int]int),
		visited:  make([]bool, len(g.atoms)),
	}

	// Visit components at a random starting offset so multi-fragment records
	// also get reordered.
	offset := rng.Intn(len(g.atoms))
	var parts []string
	for k := range g.atoms {
		root := (k + offset) % len(g.atoms)
		if w.visited[root] {
			continue
		}
		w.span(root, rng)
		var sb strings.Builder
		if err := w.emit(root, "", &sb); err != nil {
			return "", err
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "."), nil
}

// walker serializes one spanning-tree pass and one emission pass. Tree edges
// keep their traversal order between passes; every non-tree edge becomes a
// ring closure anchored at both endpoints.
type walker struct {
	g        *graph
	children [][]int // tree edge ids per atom, in traversal order
	ringsAt  [][]int // ring edge ids per atom, in discovery order
	ringNum  map[int]int
	visited  []bool
	edgeSeen []bool
	next     int
}

func (w *walker) span(root int, rng *rand.Rand) {
	if w.edgeSeen == nil {
		w.edgeSeen = make([]bool, len(w.g.edges))
	}
	stack := []int{root}
	w.visited[root] = true
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order := append([]int(nil), w.g.atoms[v].bonds...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, id := range order {
			if w.edgeSeen[id] {
				continue
			}
			u := w.g.edges[id].other(v)
			w.edgeSeen[id] = true
			if w.visited[u] {
				w.ringsAt[v] = append(w.ringsAt[v], id)
				w.ringsAt[u] = append(w.ringsAt[u], id)
				continue
			}
			w.visited[u] = true
			w.children[v] = append(w.children[v], id)
			stack = append(stack, u)
		}
	}
}

func (w *walker) emit(v int, bond string, sb *strings.Builder) error {
	sb.WriteString(bond)
	sb.WriteString(w.g.atoms[v].symbol)

	for _, id := range w.ringsAt[v] {
		n, open := w.ringNum[id]
		if !open {
			if w.next++; w.next > 99 {
				return fmt.Errorf("%w: more than 99 open rings", ErrMalformed)
			}
			n = w.next
			w.ringNum[id] = n
			// bond symbol goes on the opening digit only
			sb.WriteString(w.g.edges[id].sym)
		}
		sb.WriteString(ringDigits(n))
	}

	kids := w.children[v]
	for i, id := range kids {
		u := w.g.edges[id].other(v)
		last := i == len(kids)-1
		if !last {
			sb.WriteByte('(')
		}
		if err := w.emit(u, w.g.edges[id].sym, sb); err != nil {
			return err
		}
		if !last {
			sb.WriteByte(')')
		}
	}
	return nil
}

func ringDigits(n int) string {
	if n < 10 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%%%02d", n)
}
