package artifacts

import (
	"context"
	"io"
)

// Fetcher retrieves artifact contents, not just metadata. Implementations
// live with the provider integrations; saga actions that need an
// artifact's bytes depend on this interface only.
type Fetcher interface {
	// Fetch opens the artifact's contents for reading. The caller owns
	// the returned reader and must close it.
	Fetch(ctx context.Context, artifact Artifact) (io.ReadCloser, error)
}
