package anomaly

import (
	"math"
	"math/rand"
)

// isolationForest is a textbook Liu/Ting/Zhou isolation forest: anomalous
// points isolate in fewer random splits than normal ones. Seeded so a
// given dataset and config always produce the same scores.
type isolationForest struct {
	trees      []*isoNode
	sampleSize int
}

type isoNode struct {
	left, right *isoNode
	splitDim    int
	splitValue  float64
	size        int // leaf only
}

// fitForest builds nTrees trees, each on a random subsample of at most
// sampleSize rows.
func fitForest(data [][]float64, nTrees, sampleSize int, seed int64) *isolationForest {
	rng := rand.New(rand.NewSource(seed))
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	f := &isolationForest{sampleSize: sampleSize}
	for i := 0; i < nTrees; i++ {
		sample := make([][]float64, sampleSize)
		for j, idx := range rng.Perm(len(data))[:sampleSize] {
			sample[j] = data[idx]
		}
		f.trees = append(f.trees, buildTree(sample, 0, maxDepth, rng))
	}
	return f
}

func buildTree(data [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(data)}
	}

	dims := len(data[0])
	dim := rng.Intn(dims)
	lo, hi := data[0][dim], data[0][dim]
	for _, row := range data[1:] {
		if row[dim] < lo {
			lo = row[dim]
		}
		if row[dim] > hi {
			hi = row[dim]
		}
	}
	if lo == hi {
		// constant along this dimension; nothing left to split
		return &isoNode{size: len(data)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &isoNode{
		splitDim:   dim,
		splitValue: split,
		left:       buildTree(left, depth+1, maxDepth, rng),
		right:      buildTree(right, depth+1, maxDepth, rng),
	}
}

// score returns the anomaly score in (0, 1]; higher means more isolated.
func (f *isolationForest) score(point []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, point, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgPathLength(f.sampleSize))
}

func pathLength(n *isoNode, point []float64, depth float64) float64 {
	if n.left == nil {
		return depth + avgPathLength(n.size)
	}
	if point[n.splitDim] < n.splitValue {
		return pathLength(n.left, point, depth+1)
	}
	return pathLength(n.right, point, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points, used to normalize depths and extend leaves.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}
