package ml

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"sort"
)

const maxSplitCandidates = 16

// DecisionTree is a gini-impurity classification tree stored as a flat node
// slice. Leaves carry the class distribution of the training samples that
// reached them, so inference yields a full probability vector.
type DecisionTree struct {
	ClassCount int        `json:"class_count"`
	Nodes      []TreeNode `json:"nodes"`

	importance []float64
}

type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	ClassDist  []float64 `json:"class_dist,omitempty"`
	IsLeaf     bool      `json:"is_leaf"`
}

func (dt *DecisionTree) Train(features [][]float64, labels []int, classCount, maxDepth, minLeaf int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if classCount <= 0 {
		return errors.New("classCount must be positive")
	}
	for _, label := range labels {
		if label < 0 || label >= classCount {
			return errors.New("label out of class range")
		}
	}
	if maxDepth <= 0 {
		maxDepth = 8
	}
	if minLeaf <= 0 {
		minLeaf = 1
	}

	dt.ClassCount = classCount
	dt.importance = make([]float64, len(features[0]))
	dt.Nodes = dt.buildNode(features, labels, 0, maxDepth, minLeaf, len(labels))
	return nil
}

// PredictProba walks the tree and returns the leaf class distribution.
func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	if len(dt.Nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			if len(node.ClassDist) != dt.ClassCount {
				return nil, errors.New("leaf distribution width mismatch")
			}
			dist := make([]float64, len(node.ClassDist))
			copy(dist, node.ClassDist)
			return dist, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

// Importance returns per-feature importance scores accumulated during
// training as weighted impurity decrease, normalized to sum to 1. Nil when
// the tree was loaded from disk rather than trained in-process.
func (dt *DecisionTree) Importance() []float64 {
	if dt.importance == nil {
		return nil
	}
	total := 0.0
	for _, v := range dt.importance {
		total += v
	}
	result := make([]float64, len(dt.importance))
	if total == 0 {
		return result
	}
	for i, v := range dt.importance {
		result[i] = v / total
	}
	return result
}

func (dt *DecisionTree) Save(path string) error {
	if len(dt.Nodes) == 0 {
		return errors.New("model not trained")
	}
	payload, err := json.Marshal(dt)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (dt *DecisionTree) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded DecisionTree
	if err := json.Unmarshal(payload, &loaded); err != nil {
		return err
	}
	if loaded.ClassCount <= 0 || len(loaded.Nodes) == 0 {
		return errors.New("invalid model file")
	}
	dt.ClassCount = loaded.ClassCount
	dt.Nodes = loaded.Nodes
	dt.importance = nil
	return nil
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth, maxDepth, minLeaf, total int) []TreeNode {
	if depth >= maxDepth || len(labels) < 2*minLeaf || isPure(labels) {
		return []TreeNode{dt.leafNode(labels)}
	}

	bestFeature, threshold, gain, ok := dt.findBestSplit(features, labels, minLeaf)
	if !ok {
		return []TreeNode{dt.leafNode(labels)}
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) < minLeaf || len(rightLabels) < minLeaf {
		return []TreeNode{dt.leafNode(labels)}
	}

	dt.importance[bestFeature] += float64(len(labels)) / float64(total) * gain

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth, minLeaf, total)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth, minLeaf, total)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		IsLeaf:     false,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetChildren(leftNodes, 1)...)
	nodes = append(nodes, offsetChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func offsetChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if !nodes[i].IsLeaf {
			nodes[i].LeftChild += offset
			nodes[i].RightChild += offset
		}
	}
	return nodes
}

func (dt *DecisionTree) leafNode(labels []int) TreeNode {
	dist := make([]float64, dt.ClassCount)
	for _, label := range labels {
		dist[label]++
	}
	if len(labels) > 0 {
		for i := range dist {
			dist[i] /= float64(len(labels))
		}
	}
	return TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		ClassDist:  dist,
		IsLeaf:     true,
	}
}

func (dt *DecisionTree) findBestSplit(features [][]float64, labels []int, minLeaf int) (int, float64, float64, bool) {
	featureCount := len(features[0])
	parentImpurity := gini(labels)
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		for _, threshold := range splitCandidates(features, featureIdx) {
			leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
			if len(leftLabels) < minLeaf || len(rightLabels) < minLeaf {
				continue
			}
			impurity := weightedGini(leftLabels, rightLabels)
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 || bestImpurity >= parentImpurity {
		return -1, 0, 0, false
	}
	return bestFeature, bestThreshold, parentImpurity - bestImpurity, true
}

// splitCandidates returns midpoints between distinct sorted values, thinned
// to at most maxSplitCandidates evenly spaced cut points.
func splitCandidates(features [][]float64, featureIdx int) []float64 {
	values := make([]float64, len(features))
	for i := range features {
		values[i] = features[i][featureIdx]
	}
	sort.Float64s(values)

	distinct := values[:0]
	for i, v := range values {
		if i == 0 || v != distinct[len(distinct)-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	midpoints := make([]float64, 0, len(distinct)-1)
	for i := 1; i < len(distinct); i++ {
		midpoints = append(midpoints, (distinct[i-1]+distinct[i])/2)
	}
	if len(midpoints) <= maxSplitCandidates {
		return midpoints
	}

	thinned := make([]float64, 0, maxSplitCandidates)
	step := float64(len(midpoints)) / float64(maxSplitCandidates)
	for i := 0; i < maxSplitCandidates; i++ {
		thinned = append(thinned, midpoints[int(float64(i)*step)])
	}
	return thinned
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
