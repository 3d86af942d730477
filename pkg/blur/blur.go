// Package blur defines the boundary contract for image-quality
// scoring (spec §1 "out of scope", `BlurScorer`). The original scores
// sharpness with a Laplacian-variance filter (see
// original_source/AllCare/backserver/back.py's get_blur_score); this
// module only needs the contract, not the implementation, since the
// scoring step itself is excluded from the core.
package blur

// Scorer computes a sharpness score for an image; higher is sharper.
// The core compares the returned score against a configured threshold
// to gate uploads (spec §3 image entry `status`).
type Scorer interface {
	Score(imageData []byte) (float64, error)
}
