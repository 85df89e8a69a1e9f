package ml

import (
	"fmt"
	"math"
	"math/rand"
)

// IsolationForestConfig holds the forest hyperparameters.
type IsolationForestConfig struct {
	NumTrees      int   // default 100
	SubsampleSize int   // default 256
	MaxDepth      int   // default ceil(log2(SubsampleSize))
	Seed          int64 // 0 picks a random seed
}

// DefaultIsolationForestConfig returns 100 trees over 256-point subsamples.
func DefaultIsolationForestConfig() IsolationForestConfig {
	return IsolationForestConfig{NumTrees: 100, SubsampleSize: 256, Seed: 42}
}

// IsolationNode is one node of an isolation tree. Leaves carry the number
// of training points that reached them.
type IsolationNode struct {
	Left    *IsolationNode `msgpack:"l,omitempty"`
	Right   *IsolationNode `msgpack:"r,omitempty"`
	Feature int            `msgpack:"f"`
	Value   float64        `msgpack:"v"`
	Size    int            `msgpack:"s"`
	Leaf    bool           `msgpack:"leaf"`
}

// IsolationForest is a trained, read-only ensemble of isolation trees.
type IsolationForest struct {
	Trees         []*IsolationNode `msgpack:"trees"`
	SubsampleSize int              `msgpack:"subsample_size"`
	Width         int              `msgpack:"width"`
}

// FitIsolationForest builds a forest over data. All rows must have the same
// width.
func FitIsolationForest(data [][]float64, cfg IsolationForestConfig) (*IsolationForest, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("isolation forest needs at least 2 samples, got %d", len(data))
	}
	width := len(data[0])
	if width == 0 {
		return nil, fmt.Errorf("isolation forest needs at least one feature")
	}
	for i, row := range data {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), width)
		}
	}

	def := DefaultIsolationForestConfig()
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = def.NumTrees
	}
	if cfg.SubsampleSize <= 0 {
		cfg.SubsampleSize = def.SubsampleSize
	}
	if cfg.SubsampleSize > len(data) {
		cfg.SubsampleSize = len(data)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = int(math.Ceil(math.Log2(float64(cfg.SubsampleSize))))
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	b := &treeBuilder{
		rng:      rand.New(rand.NewSource(seed)),
		width:    width,
		maxDepth: cfg.MaxDepth,
	}

	forest := &IsolationForest{
		Trees:         make([]*IsolationNode, 0, cfg.NumTrees),
		SubsampleSize: cfg.SubsampleSize,
		Width:         width,
	}
	for i := 0; i < cfg.NumTrees; i++ {
		forest.Trees = append(forest.Trees, b.build(b.subsample(data, cfg.SubsampleSize), 0))
	}
	return forest, nil
}

// Score returns the anomaly score of x in (0, 1]. Scores near 1 are easy to
// isolate; scores well below 0.5 sit inside dense regions.
func (f *IsolationForest) Score(x []float64) (float64, error) {
	if len(x) != f.Width {
		return 0, fmt.Errorf("vector has %d features, forest expects %d", len(x), f.Width)
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("forest has no trees")
	}

	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	mean := total / float64(len(f.Trees))

	c := averagePathLength(f.SubsampleSize)
	if c == 0 {
		return 0.5, nil
	}
	return math.Pow(2, -mean/c), nil
}

type treeBuilder struct {
	rng      *rand.Rand
	width    int
	maxDepth int
}

// subsample draws size rows without replacement.
func (b *treeBuilder) subsample(data [][]float64, size int) [][]float64 {
	if len(data) <= size {
		return data
	}
	out := make([][]float64, size)
	for i, idx := range b.rng.Perm(len(data))[:size] {
		out[i] = data[idx]
	}
	return out
}

func (b *treeBuilder) build(data [][]float64, depth int) *IsolationNode {
	if len(data) <= 1 || depth >= b.maxDepth {
		return &IsolationNode{Size: len(data), Leaf: true}
	}

	// only features that still vary in this node can split it
	candidates := make([]int, 0, b.width)
	mins := make([]float64, b.width)
	maxs := make([]float64, b.width)
	for j := 0; j < b.width; j++ {
		mins[j], maxs[j] = minMax(data, j)
		if maxs[j] > mins[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &IsolationNode{Size: len(data), Leaf: true}
	}

	feature := candidates[b.rng.Intn(len(candidates))]
	split := mins[feature] + b.rng.Float64()*(maxs[feature]-mins[feature])

	var left, right [][]float64
	for _, row := range data {
		if row[feature] <= split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &IsolationNode{
		Left:    b.build(left, depth+1),
		Right:   b.build(right, depth+1),
		Feature: feature,
		Value:   split,
		Size:    len(data),
	}
}

func minMax(data [][]float64, feature int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range data {
		v := row[feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// pathLength walks x down the tree. Leaves holding several training points
// add the expected depth of an unbuilt subtree of that size.
func pathLength(node *IsolationNode, x []float64, depth float64) float64 {
	for node != nil && !node.Leaf {
		if x[node.Feature] <= node.Value {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	if node == nil {
		return depth
	}
	return depth + averagePathLength(node.Size)
}

// averagePathLength is the mean unsuccessful search depth of a binary
// search tree with n nodes: 2H(n-1) - 2(n-1)/n.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	harmonic := 0.0
	for i := 1; i <= n-1; i++ {
		harmonic += 1.0 / float64(i)
	}
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
