// Package ml implements the random-forest models and preprocessing used by
// the microgrid trainer. Fitted models are plain data and serialize to JSON
// without loss.
package ml

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	KindRegressor  = "random_forest_regressor"
	KindClassifier = "random_forest_classifier"
)

// MaxFeatures policies.
const (
	AllFeatures  = "all"
	SqrtFeatures = "sqrt"
)

// Params are the forest hyperparameters.
type Params struct {
	Trees           int    `json:"n_estimators"`
	MaxFeatures     string `json:"max_features"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MinSamplesLeaf  int    `json:"min_samples_leaf"`
	MaxDepth        int    `json:"max_depth"` // 0 grows until leaves are pure
	Bootstrap       bool   `json:"bootstrap"`
	Seed            int64  `json:"random_state"`

	// Workers bounds parallel tree construction. Zero means GOMAXPROCS.
	Workers int `json:"-"`
}

// RegressorParams returns 100 bootstrapped trees, every feature considered at
// each split, squared-error criterion.
func RegressorParams(seed int64) Params {
	return Params{Trees: 100, MaxFeatures: AllFeatures, MinSamplesSplit: 2, MinSamplesLeaf: 1, Bootstrap: true, Seed: seed}
}

// ClassifierParams returns 100 bootstrapped trees, sqrt(features) considered
// at each split, Gini criterion.
func ClassifierParams(seed int64) Params {
	return Params{Trees: 100, MaxFeatures: SqrtFeatures, MinSamplesSplit: 2, MinSamplesLeaf: 1, Bootstrap: true, Seed: seed}
}

// Forest is a fitted random forest. A regressor predicts the mean of its
// trees; a classifier predicts the mean positive-class fraction of the
// leaves reached, i.e. the positive-class probability.
type Forest struct {
	Kind      string `json:"kind"`
	Params    Params `json:"params"`
	NFeatures int    `json:"n_features"`
	Trees     []Tree `json:"trees"`
}

// NewRegressor returns an unfitted regression forest.
func NewRegressor(p Params) *Forest {
	return &Forest{Kind: KindRegressor, Params: p}
}

// NewClassifier returns an unfitted binary classification forest.
func NewClassifier(p Params) *Forest {
	return &Forest{Kind: KindClassifier, Params: p}
}

// Fit grows the trees on X (rows of equal width) and y. Classifier targets
// must be 0 or 1. Each tree draws from its own generator seeded from
// Params.Seed, so the result does not depend on scheduling.
func (f *Forest) Fit(X [][]float64, y []float64) error {
	if err := f.checkTraining(X, y); err != nil {
		return err
	}
	p := f.Params
	if p.Trees <= 0 {
		return fmt.Errorf("ml: n_estimators must be positive, got %d", p.Trees)
	}

	nf := len(X[0])
	maxFeatures, err := resolveMaxFeatures(p.MaxFeatures, nf)
	if err != nil {
		return err
	}
	crit := squaredError
	if f.Kind == KindClassifier {
		crit = giniImpurity
	}

	master := rand.New(rand.NewSource(p.Seed))
	seeds := make([]int64, p.Trees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]Tree, p.Trees)
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[i]))
			idx := sampleRows(rng, len(X), p.Bootstrap)
			b := &treeBuilder{
				x:           X,
				y:           y,
				crit:        crit,
				maxFeatures: maxFeatures,
				minSplit:    max(p.MinSamplesSplit, 2),
				minLeaf:     max(p.MinSamplesLeaf, 1),
				maxDepth:    p.MaxDepth,
				rng:         rng,
			}
			trees[i] = b.build(idx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.NFeatures = nf
	f.Trees = trees
	return nil
}

// Predict returns the forest output for one row. NaN entries are treated as
// missing and follow the majority branch at each split.
func (f *Forest) Predict(x []float64) (float64, error) {
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("ml: %s is not fitted", f.Kind)
	}
	if len(x) != f.NFeatures {
		return 0, fmt.Errorf("ml: %s expects %d features, got %d", f.Kind, f.NFeatures, len(x))
	}
	sum := 0.0
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees)), nil
}

// PredictProba is Predict for classifiers, named for readability at call sites.
func (f *Forest) PredictProba(x []float64) (float64, error) {
	if f.Kind != KindClassifier {
		return 0, fmt.Errorf("ml: PredictProba on %s", f.Kind)
	}
	return f.Predict(x)
}

// PredictBatch predicts every row of X.
func (f *Forest) PredictBatch(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, x := range X {
		v, err := f.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Validate checks a deserialized forest for structural consistency.
func (f *Forest) Validate() error {
	if f.Kind != KindRegressor && f.Kind != KindClassifier {
		return fmt.Errorf("ml: unknown model kind %q", f.Kind)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("ml: %s has no trees", f.Kind)
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("ml: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Feature >= f.NFeatures || n.Left <= ni || n.Right <= ni || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
				return fmt.Errorf("ml: tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return nil
}

func (f *Forest) checkTraining(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("ml: no training rows")
	}
	if len(X) != len(y) {
		return fmt.Errorf("ml: %d rows but %d targets", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return fmt.Errorf("ml: rows have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("ml: row %d has %d features, want %d", i, len(row), width)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("ml: row %d feature %d is not finite", i, j)
			}
		}
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return fmt.Errorf("ml: target %d is not finite", i)
		}
		if f.Kind == KindClassifier && y[i] != 0 && y[i] != 1 {
			return fmt.Errorf("ml: classifier target %d is %v, want 0 or 1", i, y[i])
		}
	}
	return nil
}

func resolveMaxFeatures(policy string, nf int) (int, error) {
	switch policy {
	case "", AllFeatures:
		return nf, nil
	case SqrtFeatures:
		return max(1, int(math.Sqrt(float64(nf)))), nil
	default:
		return 0, fmt.Errorf("ml: unknown max_features %q", policy)
	}
}

func sampleRows(rng *rand.Rand, n int, bootstrap bool) []int {
	idx := make([]int, n)
	for i := range idx {
		if bootstrap {
			idx[i] = rng.Intn(n)
		} else {
			idx[i] = i
		}
	}
	return idx
}
