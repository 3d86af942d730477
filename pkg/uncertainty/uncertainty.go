// Package uncertainty implements margin-based uncertainty sampling
// (spec component C6): per-image margin, case-level minimum margin,
// and heap-based top-k selection of the most uncertain cases. Grounded
// in original_source/Always/backserver/AL.py.
package uncertainty

import (
	"container/heap"
	"sort"
)

// Prediction is one label/confidence pair produced by the classifier
// contract for a single image.
type Prediction struct {
	Label      string
	Confidence float64
}

// Image carries the predictions attached to one image within a case.
type Image struct {
	Predictions []Prediction
}

// Case is the subset of case fields this package needs: its images
// (each with predictions) and, as a fallback, case-level predictions.
type Case struct {
	ID          string
	Images      []Image
	Predictions []Prediction
}

// Candidate is a case annotated with its computed uncertainty.
type Candidate struct {
	Case              Case
	Margin            float64
	UncertaintyScore  float64
}

// CalculateMargin returns the gap between the top two confidences
// (lower = more uncertain). A single prediction is maximally certain.
func CalculateMargin(predictions []Prediction) float64 {
	if len(predictions) < 2 {
		return 1.0
	}
	top, second := predictions[0].Confidence, predictions[1].Confidence
	if second > top {
		top, second = second, top
	}
	for _, p := range predictions[2:] {
		if p.Confidence > top {
			top, second = p.Confidence, top
		} else if p.Confidence > second {
			second = p.Confidence
		}
	}
	return top - second
}

// CalculateCaseMargin returns the minimum margin across all images in
// the case — the least-certain image determines case-level
// uncertainty. Falls back to case-level predictions when there are no
// images, and to maximum certainty (1.0) when there is nothing to
// score.
func CalculateCaseMargin(c Case) float64 {
	if len(c.Images) == 0 {
		if len(c.Predictions) > 0 {
			return CalculateMargin(c.Predictions)
		}
		return 1.0
	}

	minMargin := 1.0
	found := false
	for _, image := range c.Images {
		if len(image.Predictions) == 0 {
			continue
		}
		margin := CalculateMargin(image.Predictions)
		if !found || margin < minMargin {
			minMargin = margin
			found = true
		}
	}
	if !found {
		return 1.0
	}
	return minMargin
}

// scoredCandidate is a Candidate plus its position in the input slice,
// carried only so the final sort can break margin ties by input order
// (spec §4.6) instead of by wherever the heap's internal array happens
// to leave it after its fill/replace phases.
type scoredCandidate struct {
	Candidate
	index int
}

// candidateHeap is a max-heap on Margin: the root is always the
// least-uncertain (largest-margin) member of the current top-k, so it
// can be evicted in O(log k) when a more uncertain case arrives.
type candidateHeap []scoredCandidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Margin > h[j].Margin }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(scoredCandidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SelectUncertainSamples selects the topK most uncertain cases
// (smallest margins), returned sorted most-uncertain first with ties
// broken by original input order.
func SelectUncertainSamples(cases []Case, topK int) []Candidate {
	if topK <= 0 {
		return nil
	}
	h := &candidateHeap{}
	heap.Init(h)

	for i, c := range cases {
		margin := CalculateCaseMargin(c)
		candidate := scoredCandidate{Candidate: Candidate{Case: c, Margin: margin, UncertaintyScore: 1.0 - margin}, index: i}
		if h.Len() < topK {
			heap.Push(h, candidate)
		} else if margin < (*h)[0].Margin {
			(*h)[0] = candidate
			heap.Fix(h, 0)
		}
	}

	items := make([]scoredCandidate, h.Len())
	copy(items, *h)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Margin != items[j].Margin {
			return items[i].Margin < items[j].Margin
		}
		return items[i].index < items[j].index
	})

	result := make([]Candidate, len(items))
	for i, it := range items {
		result[i] = it.Candidate
	}
	return result
}

// Candidates bundles SelectUncertainSamples' output with the
// descriptive metadata the original API response carries.
type Candidates struct {
	Items            []Candidate
	TotalCandidates  int
	SelectionMethod  string
	Description      string
}

// GetActiveLearningCandidates wraps SelectUncertainSamples with the
// response envelope the active-learning candidates endpoint returns.
func GetActiveLearningCandidates(cases []Case, topK int) Candidates {
	items := SelectUncertainSamples(cases, topK)
	return Candidates{
		Items:           items,
		TotalCandidates: len(items),
		SelectionMethod: "minimum_margin_case_sampling",
		Description:     "Most uncertain cases based on minimum prediction margins across all images",
	}
}
