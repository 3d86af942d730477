// Package replay implements herding+random experience-replay sample
// selection (spec component C7): a deterministic, seeded mix of
// class-centroid-nearest ("herding") and uniform-random historical
// samples, used to rehearse old data alongside fresh labels during
// retraining. Grounded in spec §4.7; the original's richer
// replay/embedding module was filtered out of the retrieval pack, so
// the algorithm here is built directly from the spec's protocol and
// the config constants (AL_REPLAY_OLD_QUOTA, AL_REPLAY_HERDING_RATIO,
// AL_REPLAY_RANDOM_SEED) surviving in
// original_source/AllCare/backserver/config.py.
package replay

import (
	"math"
	"math/rand"
	"sort"
)

// Sample is one historical (image, label) pair.
type Sample struct {
	ImagePath  string
	ClassIndex int
}

// EmbeddingFunc computes an L2-normalized embedding vector for one
// sample. Returns ok=false when the image fails to load.
type EmbeddingFunc func(Sample) (embedding []float64, ok bool)

// Options configures one selection run.
type Options struct {
	Quota        int
	HerdingRatio float64 // h; r = 1 - h
	Seed         int64
}

// Summary describes the outcome of one selection run.
type Summary struct {
	Selected        []Sample
	HerdingCount    int
	RandomCount     int
	PoolSize        int
	EmbeddedCount   int
	RequestedQuota  int
	ClampedQuota    int
}

// embedded pairs a sample with its (L2-normalized) embedding.
type embedded struct {
	sample    Sample
	embedding []float64
}

// Select runs the herding+random protocol described in spec §4.7 and
// returns the chosen samples plus a count summary.
func Select(pool []Sample, embed EmbeddingFunc, opts Options) Summary {
	summary := Summary{PoolSize: len(pool), RequestedQuota: opts.Quota}

	quota := opts.Quota
	if quota > len(pool) {
		quota = len(pool)
	}
	if quota < 0 {
		quota = 0
	}
	summary.ClampedQuota = quota
	if quota == 0 {
		return summary
	}

	var valid []embedded
	for _, s := range pool {
		if vec, ok := embed(s); ok {
			valid = append(valid, embedded{sample: s, embedding: l2Normalize(vec)})
		}
	}
	summary.EmbeddedCount = len(valid)
	if len(valid) == 0 {
		return summary
	}
	if quota > len(valid) {
		quota = len(valid)
	}

	hTarget := int(math.Round(float64(quota) * opts.HerdingRatio))
	rTarget := quota - hTarget

	byClass := map[int][]embedded{}
	var classOrder []int
	for _, v := range valid {
		if _, seen := byClass[v.sample.ClassIndex]; !seen {
			classOrder = append(classOrder, v.sample.ClassIndex)
		}
		byClass[v.sample.ClassIndex] = append(byClass[v.sample.ClassIndex], v)
	}
	sort.Ints(classOrder)

	allocation := largestRemainderAllocation(classOrder, byClass, hTarget)

	rng := rand.New(rand.NewSource(opts.Seed))

	used := map[string]bool{}
	var selected []Sample
	herdingCount := 0

	for _, class := range classOrder {
		k := allocation[class]
		if k <= 0 {
			continue
		}
		members := byClass[class]
		centroid := centroidOf(members)
		sort.Slice(members, func(i, j int) bool {
			return l2Distance(members[i].embedding, centroid) < l2Distance(members[j].embedding, centroid)
		})
		if k > len(members) {
			k = len(members)
		}
		for i := 0; i < k; i++ {
			sample := members[i].sample
			if used[sample.ImagePath] {
				continue
			}
			used[sample.ImagePath] = true
			selected = append(selected, sample)
			herdingCount++
		}
	}

	// Top up herding under-fill with seeded random picks from the
	// remaining valid pool.
	remaining := func() []embedded {
		var out []embedded
		for _, v := range valid {
			if !used[v.sample.ImagePath] {
				out = append(out, v)
			}
		}
		return out
	}

	for herdingCount < hTarget {
		rest := remaining()
		if len(rest) == 0 {
			break
		}
		pick := rest[rng.Intn(len(rest))]
		used[pick.sample.ImagePath] = true
		selected = append(selected, pick.sample)
		herdingCount++
	}

	randomCount := 0
	for randomCount < rTarget {
		rest := remaining()
		if len(rest) == 0 {
			break
		}
		pick := rest[rng.Intn(len(rest))]
		used[pick.sample.ImagePath] = true
		selected = append(selected, pick.sample)
		randomCount++
	}

	// Fill any remaining shortfall (defensive: pool exhaustion above).
	for len(selected) < quota {
		rest := remaining()
		if len(rest) == 0 {
			break
		}
		pick := rest[rng.Intn(len(rest))]
		used[pick.sample.ImagePath] = true
		selected = append(selected, pick.sample)
		randomCount++
	}

	// Defensive down-sample if selection somehow overshot the quota.
	if len(selected) > quota {
		rng.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })
		selected = selected[:quota]
	}

	summary.Selected = selected
	summary.HerdingCount = herdingCount
	summary.RandomCount = randomCount
	return summary
}

// largestRemainderAllocation distributes target across classes
// proportionally to each class's pool size, floor first then
// distributing the remainder by descending fractional part; classes
// that already exhausted their pool are skipped when handing out the
// remainder.
func largestRemainderAllocation(classOrder []int, byClass map[int][]embedded, target int) map[int]int {
	total := 0
	for _, c := range classOrder {
		total += len(byClass[c])
	}
	allocation := map[int]int{}
	if total == 0 || target <= 0 {
		return allocation
	}

	type frac struct {
		class int
		frac  float64
	}
	var fracs []frac
	assigned := 0
	for _, c := range classOrder {
		exact := float64(target) * float64(len(byClass[c])) / float64(total)
		floor := int(math.Floor(exact))
		if floor > len(byClass[c]) {
			floor = len(byClass[c])
		}
		allocation[c] = floor
		assigned += floor
		fracs = append(fracs, frac{class: c, frac: exact - math.Floor(exact)})
	}
	sort.SliceStable(fracs, func(i, j int) bool { return fracs[i].frac > fracs[j].frac })

	remainder := target - assigned
	for remainder > 0 {
		progressed := false
		for _, f := range fracs {
			if remainder <= 0 {
				break
			}
			if allocation[f.class] >= len(byClass[f.class]) {
				continue
			}
			allocation[f.class]++
			remainder--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return allocation
}

func centroidOf(members []embedded) []float64 {
	if len(members) == 0 {
		return nil
	}
	dims := len(members[0].embedding)
	centroid := make([]float64, dims)
	for _, m := range members {
		for i, v := range m.embedding {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(members))
	}
	return centroid
}

func l2Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func l2Normalize(vec []float64) []float64 {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
