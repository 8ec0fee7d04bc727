package classifier

import (
	"math/rand/v2"
	"slices"
)

const leafFeature = -1

// Node is one split or leaf of a decision tree. Leaves carry the weighted
// share of AI_GENERATED samples that reached them.
type Node struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      int32   `msgpack:"l"`
	Right     int32   `msgpack:"r"`
	Value     float64 `msgpack:"v"`
}

func (n Node) leaf() bool { return n.Feature == leafFeature }

// Tree is a flattened binary tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `msgpack:"nodes"`
}

// predict walks x down to a leaf: values <= Threshold go left.
func (t Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.leaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = int(n.Left)
		} else {
			i = int(n.Right)
		}
	}
}

type treeBuilder struct {
	x           [][]float64
	y           []int
	weights     []float64
	maxDepth    int
	maxFeatures int
	minSplit    int
	rng         *rand.Rand
	nodes       []Node
}

// grow builds the subtree for idx and returns its node index.
func (b *treeBuilder) grow(idx []int, depth int) int32 {
	self := int32(len(b.nodes))
	b.nodes = append(b.nodes, Node{Feature: leafFeature})

	w0, w1 := b.classWeights(idx)
	value := 0.0
	if total := w0 + w1; total > 0 {
		value = w1 / total
	}
	b.nodes[self].Value = value

	if depth >= b.maxDepth || len(idx) < b.minSplit || w0 == 0 || w1 == 0 {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, w0, w1)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: value}
	return self
}

func (b *treeBuilder) classWeights(idx []int) (w0, w1 float64) {
	for _, i := range idx {
		if b.y[i] == 1 {
			w1 += b.weights[i]
		} else {
			w0 += b.weights[i]
		}
	}
	return w0, w1
}

// bestSplit searches up to maxFeatures non-constant features, in random
// order, for the threshold with the lowest weighted Gini impurity.
func (b *treeBuilder) bestSplit(idx []int, w0, w1 float64) (int, float64, bool) {
	sorted := make([]int, len(idx))
	bestFeature, bestThreshold := -1, 0.0
	bestScore := 0.0
	tried := 0

	for _, f := range b.rng.Perm(len(b.x[0])) {
		if tried >= b.maxFeatures {
			break
		}
		copy(sorted, idx)
		slices.SortFunc(sorted, func(a, c int) int {
			switch va, vc := b.x[a][f], b.x[c][f]; {
			case va < vc:
				return -1
			case va > vc:
				return 1
			default:
				return 0
			}
		})
		if b.x[sorted[0]][f] == b.x[sorted[len(sorted)-1]][f] {
			continue
		}
		tried++

		var l0, l1 float64
		for pos := 0; pos < len(sorted)-1; pos++ {
			i := sorted[pos]
			if b.y[i] == 1 {
				l1 += b.weights[i]
			} else {
				l0 += b.weights[i]
			}
			cur, next := b.x[i][f], b.x[sorted[pos+1]][f]
			if cur == next {
				continue
			}
			score := weightedGini(l0, l1) + weightedGini(w0-l0, w1-l1)
			if bestFeature < 0 || score < bestScore {
				bestFeature = f
				bestScore = score
				bestThreshold = cur + (next-cur)/2
				if bestThreshold >= next {
					bestThreshold = cur
				}
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// weightedGini returns total weight times the Gini impurity of a node.
func weightedGini(w0, w1 float64) float64 {
	total := w0 + w1
	if total <= 0 {
		return 0
	}
	p0, p1 := w0/total, w1/total
	return total * (1 - p0*p0 - p1*p1)
}
