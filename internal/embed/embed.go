// Package embed calls the external embedding service that turns document
// content into fixed-dimension vectors.
package embed

import (
	"context"
	"fmt"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ModelError marks failures of the model contract itself (empty input,
// wrong output dimension) as opposed to transport failures.
type ModelError struct {
	Reason string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error: %s", e.Reason)
}
