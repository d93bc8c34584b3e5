package imageprocessor

import (
	"math"
	"sort"
)

// TopK ranks class scores and returns the k highest as predictions.
// Scores that do not look like a probability distribution are passed
// through softmax first.
func TopK(scores []float32, k int, index ClassIndex) []Prediction {
	if len(scores) == 0 {
		return nil
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if k > len(scores) {
		k = len(scores)
	}

	probs := normalize(scores)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return probs[order[a]] > probs[order[b]]
	})

	out := make([]Prediction, 0, k)
	for _, i := range order[:k] {
		id, name := index.Lookup(i)
		out = append(out, Prediction{ClassID: id, Label: name, Confidence: probs[i]})
	}
	return out
}

func normalize(scores []float32) []float64 {
	out := make([]float64, len(scores))
	var sum float64
	isDistribution := true
	for i, s := range scores {
		v := float64(s)
		if v < 0 || v > 1 || math.IsNaN(v) {
			isDistribution = false
		}
		out[i] = v
		sum += v
	}
	if isDistribution && math.Abs(sum-1) < 0.01 {
		return out
	}
	return softmax(out)
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		out[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
