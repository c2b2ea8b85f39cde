package artifacts

import (
	"fmt"
	"strings"
)

// UnresolvedError reports an expectation no search tier could satisfy.
type UnresolvedError struct {
	// Expected is the expectation that failed to resolve.
	Expected ExpectedArtifact
}

// Error implements the error interface.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("expected artifact %s could not be resolved (match pattern %s)",
		e.Expected.ID, describeArtifact(e.Expected.MatchArtifact))
}

// AmbiguousMatchError reports an expectation that matched more than one
// candidate while unique matches were required.
type AmbiguousMatchError struct {
	// Expected is the expectation that matched ambiguously.
	Expected ExpectedArtifact

	// Candidates are all artifacts the expectation matched.
	Candidates []Artifact
}

// Error implements the error interface.
func (e *AmbiguousMatchError) Error() string {
	names := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		names[i] = describeArtifact(c)
	}
	return fmt.Sprintf("expected artifact %s matched multiple artifacts: %s",
		e.Expected.ID, strings.Join(names, ", "))
}

func describeArtifact(a Artifact) string {
	if a.Reference != "" {
		return fmt.Sprintf("%s:%s (%s)", a.Type, a.Name, a.Reference)
	}
	return fmt.Sprintf("%s:%s", a.Type, a.Name)
}
