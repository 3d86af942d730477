package replay_test

import (
	"fmt"
	"testing"

	"github.com/allcare-health/al-backend/pkg/replay"
)

// syntheticPool builds n samples split across numClasses, each with a
// deterministic 2-D embedding so centroid/distance math is easy to reason
// about: class c's embeddings cluster around (float64(c+1), float64(c+1)).
func syntheticPool(n, numClasses int) []replay.Sample {
	pool := make([]replay.Sample, n)
	for i := 0; i < n; i++ {
		class := i % numClasses
		pool[i] = replay.Sample{ImagePath: fmt.Sprintf("img-%d.jpg", i), ClassIndex: class}
	}
	return pool
}

func syntheticEmbed(pool []replay.Sample) replay.EmbeddingFunc {
	offsets := map[string]float64{}
	for i, s := range pool {
		offsets[s.ImagePath] = float64(i%7) * 0.01
	}
	return func(s replay.Sample) ([]float64, bool) {
		base := float64(s.ClassIndex + 1)
		jitter := offsets[s.ImagePath]
		return []float64{base + jitter, base - jitter}, true
	}
}

func TestSelectClampsQuotaToPoolSize(t *testing.T) {
	pool := syntheticPool(10, 3)
	embed := syntheticEmbed(pool)
	summary := replay.Select(pool, embed, replay.Options{Quota: 1000, HerdingRatio: 0.8, Seed: 42})
	if summary.ClampedQuota != 10 {
		t.Fatalf("expected clamp to pool size 10, got %d", summary.ClampedQuota)
	}
	if len(summary.Selected) != 10 {
		t.Fatalf("expected all 10 samples selected, got %d", len(summary.Selected))
	}
}

func TestSelectZeroQuotaReturnsEmpty(t *testing.T) {
	pool := syntheticPool(10, 3)
	embed := syntheticEmbed(pool)
	summary := replay.Select(pool, embed, replay.Options{Quota: 0, HerdingRatio: 0.8, Seed: 42})
	if len(summary.Selected) != 0 {
		t.Fatalf("expected no samples for zero quota, got %d", len(summary.Selected))
	}
}

func TestSelectSkipsSamplesThatFailToEmbed(t *testing.T) {
	pool := syntheticPool(20, 2)
	embed := func(s replay.Sample) ([]float64, bool) {
		if s.ImagePath == "img-0.jpg" {
			return nil, false
		}
		return []float64{float64(s.ClassIndex + 1), 0}, true
	}
	summary := replay.Select(pool, embed, replay.Options{Quota: 10, HerdingRatio: 0.8, Seed: 42})
	if summary.EmbeddedCount != 19 {
		t.Fatalf("expected 19 embeddable samples, got %d", summary.EmbeddedCount)
	}
	for _, s := range summary.Selected {
		if s.ImagePath == "img-0.jpg" {
			t.Fatalf("unembeddable sample should never be selected")
		}
	}
}

func TestSelectIsDeterministicForAGivenSeed(t *testing.T) {
	pool := syntheticPool(1000, 7)
	embed := syntheticEmbed(pool)
	opts := replay.Options{Quota: 150, HerdingRatio: 0.8, Seed: 42}

	first := replay.Select(pool, embed, opts)
	second := replay.Select(pool, embed, opts)

	if len(first.Selected) != len(second.Selected) {
		t.Fatalf("lengths differ: %d vs %d", len(first.Selected), len(second.Selected))
	}
	for i := range first.Selected {
		if first.Selected[i] != second.Selected[i] {
			t.Fatalf("selection at index %d differs between identical runs: %v vs %v",
				i, first.Selected[i], second.Selected[i])
		}
	}
}

func TestSelectDifferentSeedChangesSelection(t *testing.T) {
	pool := syntheticPool(1000, 7)
	embed := syntheticEmbed(pool)

	a := replay.Select(pool, embed, replay.Options{Quota: 150, HerdingRatio: 0.8, Seed: 42})
	b := replay.Select(pool, embed, replay.Options{Quota: 150, HerdingRatio: 0.8, Seed: 43})

	different := false
	for i := range a.Selected {
		if i >= len(b.Selected) || a.Selected[i] != b.Selected[i] {
			different = true
			break
		}
	}
	if !different {
		t.Fatalf("expected a different seed to change at least one selected element")
	}
}

func TestSelectHerdingPicksClassCentroidNearestMembers(t *testing.T) {
	// Class 0 has one clear outlier; herding should prefer the samples
	// nearest the centroid over the outlier when the quota is tight.
	pool := []replay.Sample{
		{ImagePath: "near-1", ClassIndex: 0},
		{ImagePath: "near-2", ClassIndex: 0},
		{ImagePath: "near-3", ClassIndex: 0},
		{ImagePath: "outlier", ClassIndex: 0},
	}
	embed := func(s replay.Sample) ([]float64, bool) {
		switch s.ImagePath {
		case "near-1":
			return []float64{1.0, 0.0}, true
		case "near-2":
			return []float64{0.99, 0.01}, true
		case "near-3":
			return []float64{0.98, 0.02}, true
		case "outlier":
			return []float64{-1.0, 0.0}, true
		}
		return nil, false
	}
	summary := replay.Select(pool, embed, replay.Options{Quota: 3, HerdingRatio: 1.0, Seed: 1})
	selectedPaths := map[string]bool{}
	for _, s := range summary.Selected {
		selectedPaths[s.ImagePath] = true
	}
	if selectedPaths["outlier"] {
		t.Fatalf("expected the outlier to be excluded from a tight herding selection, got %v", summary.Selected)
	}
}

func TestSelectProportionalAllocationAcrossClasses(t *testing.T) {
	// 3 samples in class 0, 9 in class 1: a quota that picks only
	// herding samples should roughly track that 1:3 ratio.
	pool := append(syntheticPoolOfClass(3, 0), syntheticPoolOfClass(9, 1)...)
	embed := syntheticEmbed(pool)
	summary := replay.Select(pool, embed, replay.Options{Quota: 4, HerdingRatio: 1.0, Seed: 7})

	classCounts := map[int]int{}
	for _, s := range summary.Selected {
		classCounts[s.ClassIndex]++
	}
	if classCounts[1] < classCounts[0] {
		t.Fatalf("expected class 1 (larger pool) to receive at least as many picks as class 0, got %v", classCounts)
	}
}

func syntheticPoolOfClass(n, class int) []replay.Sample {
	out := make([]replay.Sample, n)
	for i := 0; i < n; i++ {
		out[i] = replay.Sample{ImagePath: fmt.Sprintf("class%d-img%d.jpg", class, i), ClassIndex: class}
	}
	return out
}
