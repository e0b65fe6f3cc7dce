package ml

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// Node is one node of a fitted decision tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
	Samples   int     `json:"samples"`
	// MissingLeft routes an absent (NaN) value to the left child. It is set
	// to whichever child received more training samples.
	MissingLeft bool `json:"missing_left"`
}

// Tree is a binary regression tree stored as a flat node array; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict walks x down to a leaf. Values <= Threshold go left.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		v := x[n.Feature]
		switch {
		case math.IsNaN(v):
			if n.MissingLeft {
				i = n.Left
			} else {
				i = n.Right
			}
		case v <= n.Threshold:
			i = n.Left
		default:
			i = n.Right
		}
	}
}

// Depth returns the length of the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}

type criterion int

const (
	squaredError criterion = iota
	giniImpurity
)

type treeBuilder struct {
	x           [][]float64
	y           []float64
	crit        criterion
	maxFeatures int
	minSplit    int
	minLeaf     int
	maxDepth    int
	rng         *rand.Rand

	nodes []Node
	buf   []int
}

type split struct {
	feature   int
	threshold float64
	score     float64
}

func (b *treeBuilder) build(idx []int) Tree {
	b.buf = make([]int, len(idx))
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Value: b.mean(idx), Samples: len(idx)})

	if len(idx) < b.minSplit || len(idx) < 2*b.minLeaf || (b.maxDepth > 0 && depth >= b.maxDepth) || b.pure(idx) {
		return id
	}
	s, ok := b.bestSplit(idx)
	if !ok {
		return id
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.x[i][s.feature] <= s.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	n := &b.nodes[id]
	n.Feature = s.feature
	n.Threshold = s.threshold
	n.Left = l
	n.Right = r
	n.MissingLeft = len(left) >= len(right)
	return id
}

func (b *treeBuilder) mean(idx []int) float64 {
	sum := 0.0
	for _, i := range idx {
		sum += b.y[i]
	}
	return sum / float64(len(idx))
}

func (b *treeBuilder) pure(idx []int) bool {
	first := b.y[idx[0]]
	for _, i := range idx[1:] {
		if b.y[i] != first {
			return false
		}
	}
	return true
}

// bestSplit examines features in random order. It stops once maxFeatures
// non-constant features were examined and a usable split exists; if none of
// those yielded one it keeps drawing features.
func (b *treeBuilder) bestSplit(idx []int) (split, bool) {
	nf := len(b.x[0])
	best := split{score: math.Inf(-1)}
	found := false
	visited := 0

	sorted := b.buf[:len(idx)]
	for _, f := range b.rng.Perm(nf) {
		if visited >= b.maxFeatures && found {
			break
		}
		copy(sorted, idx)
		slices.SortFunc(sorted, func(a, c int) int { return cmp.Compare(b.x[a][f], b.x[c][f]) })
		if b.x[sorted[0]][f] == b.x[sorted[len(sorted)-1]][f] {
			continue
		}
		visited++

		if s, ok := b.scan(sorted, f); ok && s.score > best.score {
			best = s
			found = true
		}
	}
	return best, found
}

// scan sweeps the sorted samples once and scores every boundary between
// distinct values. Larger scores are better for both criteria.
func (b *treeBuilder) scan(sorted []int, f int) (split, bool) {
	n := len(sorted)
	total := 0.0
	for _, i := range sorted {
		total += b.y[i]
	}

	best := split{feature: f, score: math.Inf(-1)}
	found := false
	sumLeft := 0.0
	for k := 0; k < n-1; k++ {
		sumLeft += b.y[sorted[k]]
		lo, hi := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
		if lo == hi {
			continue
		}
		nl, nr := float64(k+1), float64(n-k-1)
		if k+1 < b.minLeaf || n-k-1 < b.minLeaf {
			continue
		}

		var score float64
		switch b.crit {
		case giniImpurity:
			// weighted gini for binary targets, negated
			pl, pr := sumLeft, total-sumLeft
			score = -(2*pl*(nl-pl)/nl + 2*pr*(nr-pr)/nr)
		default:
			// maximizing this minimizes the summed squared error
			sr := total - sumLeft
			score = sumLeft*sumLeft/nl + sr*sr/nr
		}

		if score > best.score {
			t := lo/2 + hi/2
			if t >= hi || math.IsInf(t, 0) {
				t = lo
			}
			best.threshold = t
			best.score = score
			found = true
		}
	}
	return best, found
}
