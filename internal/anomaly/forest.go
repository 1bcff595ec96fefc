package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

var ErrShapeMismatch = errors.New("feature vector shape mismatch")

// Forest is an isolation forest. Trees are plain JSON so a fitted forest can
// be persisted and reloaded as-is.
type Forest struct {
	Trees      []*iNode `json:"trees"`
	NumTrees   int      `json:"num_trees"`
	SampleSize int      `json:"sample_size"`
	HeightLim  int      `json:"height_limit"`
	Dims       int      `json:"dims"`
}

type iNode struct {
	Leaf     bool    `json:"leaf,omitempty"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split,omitempty"`
	Left     *iNode  `json:"l,omitempty"`
	Right    *iNode  `json:"r,omitempty"`
}

func NewForest(numTrees, sampleSize int) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &Forest{NumTrees: numTrees, SampleSize: sampleSize}
}

// Fit builds the trees from X. All rows must share one length.
func (f *Forest) Fit(X [][]float64, rng *rand.Rand) error {
	if len(X) == 0 {
		return errors.New("empty training set")
	}
	dims := len(X[0])
	for _, row := range X {
		if len(row) != dims {
			return ErrShapeMismatch
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m := f.SampleSize
	if m > len(X) {
		m = len(X)
	}
	f.SampleSize = m
	f.Dims = dims
	f.HeightLim = int(math.Ceil(math.Log2(float64(max(m, 2)))))
	f.Trees = make([]*iNode, f.NumTrees)
	for i := range f.Trees {
		idxs := rng.Perm(len(X))
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = X[idxs[j]]
		}
		f.Trees[i] = buildTree(sample, 0, f.HeightLim, rng)
	}
	return nil
}

func buildTree(X [][]float64, h, hlim int, rng *rand.Rand) *iNode {
	if len(X) <= 1 || h >= hlim {
		return &iNode{Leaf: true, Size: len(X)}
	}
	dim := rng.IntN(len(X[0]))
	minv, maxv := X[0][dim], X[0][dim]
	for _, row := range X[1:] {
		minv = math.Min(minv, row[dim])
		maxv = math.Max(maxv, row[dim])
	}
	if minv == maxv {
		return &iNode{Leaf: true, Size: len(X)}
	}
	split := minv + rng.Float64()*(maxv-minv)
	left := make([][]float64, 0, len(X))
	right := make([][]float64, 0, len(X))
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Leaf: true, Size: len(X)}
	}
	return &iNode{
		Dim:      dim,
		SplitVal: split,
		Left:     buildTree(left, h+1, hlim, rng),
		Right:    buildTree(right, h+1, hlim, rng),
	}
}

// cFactor is the average unsuccessful-search path length of a BST with n nodes.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(node *iNode, x []float64, h int) float64 {
	for !node.Leaf {
		if node.Left == nil || node.Right == nil || node.Dim >= len(x) {
			break
		}
		if x[node.Dim] < node.SplitVal {
			node = node.Left
		} else {
			node = node.Right
		}
		h++
	}
	if node.Size <= 1 {
		return float64(h)
	}
	return float64(h) + cFactor(node.Size)
}

// Score returns the anomaly score in (0,1]; higher is more anomalous.
func (f *Forest) Score(x []float64) (float64, error) {
	if len(f.Trees) == 0 {
		return 0, errors.New("forest not fitted")
	}
	if len(x) != f.Dims {
		return 0, fmt.Errorf("%w: model expects %d features, got %d", ErrShapeMismatch, f.Dims, len(x))
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t, x, 0)
	}
	eh := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -eh/c), nil
}

// Threshold is the score above which a fraction contamination of X would be
// flagged.
func (f *Forest) Threshold(X [][]float64, contamination float64) (float64, error) {
	scores := make([]float64, 0, len(X))
	for _, row := range X {
		s, err := f.Score(row)
		if err != nil {
			return 0, err
		}
		scores = append(scores, s)
	}
	sort.Float64s(scores)
	idx := int(math.Floor((1 - contamination) * float64(len(scores))))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return scores[idx], nil
}
