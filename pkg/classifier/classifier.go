// Package classifier defines the boundary contract for the
// image-classification inference function the core treats as an
// opaque collaborator (spec §1 "out of scope"). No implementation
// lives in this module; deployments plug in a real classifier behind
// this interface.
package classifier

import "context"

// Prediction is one label/confidence pair, ordered by the classifier
// from most to least confident.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier maps an RGB image to a probability distribution over a
// fixed label set. Implementations are expected to load model weights
// once and serve Classify concurrently.
type Classifier interface {
	// Classify returns predictions sorted descending by confidence.
	Classify(ctx context.Context, imageData []byte) ([]Prediction, error)

	// Architecture reports the architecture identifier this
	// classifier was built from (e.g. "efficientnet_v2_m"), used to
	// annotate case entries and to compare against a candidate model
	// during promotion.
	Architecture() string
}
