// Package artifacts binds declared artifact expectations to concrete
// artifact instances delivered by trigger events or produced by prior
// executions.
package artifacts

import (
	"fmt"
	"regexp"
)

// Artifact is an immutable description of one deployable object: an image,
// an archive, a manifest, or any other addressable blob.
type Artifact struct {
	// Type classifies the artifact, e.g. "docker/image" or "gcs/object".
	Type string `json:"type,omitempty"`

	// Name is the artifact's logical name within its type.
	Name string `json:"name,omitempty"`

	// Version distinguishes revisions of the same name, e.g. an image tag.
	Version string `json:"version,omitempty"`

	// Reference is the fully qualified locator used to fetch the artifact.
	Reference string `json:"reference,omitempty"`

	// Location narrows where the artifact lives, e.g. a region or namespace.
	Location string `json:"location,omitempty"`

	// Account names the credentials used to access the artifact.
	Account string `json:"artifactAccount,omitempty"`

	// Metadata carries provider-specific annotations.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ExpectedArtifact is a declaration inside a workflow definition. Before
// resolution only the match pattern and fallback settings are populated;
// after resolution BoundArtifact holds the concrete match.
type ExpectedArtifact struct {
	// ID uniquely identifies the expectation within its workflow definition.
	ID string `json:"id"`

	// MatchArtifact is the pattern artifact candidates are matched against.
	MatchArtifact Artifact `json:"matchArtifact"`

	// UsePriorArtifact allows falling back to artifacts from the most
	// recent prior execution of the same workflow.
	UsePriorArtifact bool `json:"usePriorArtifact,omitempty"`

	// UseDefaultArtifact allows falling back to DefaultArtifact.
	UseDefaultArtifact bool `json:"useDefaultArtifact,omitempty"`

	// DefaultArtifact is the inline fallback used when no candidate matches.
	DefaultArtifact *Artifact `json:"defaultArtifact,omitempty"`

	// BoundArtifact is the concrete artifact this expectation resolved to.
	BoundArtifact *Artifact `json:"boundArtifact,omitempty"`
}

// Matches reports whether candidate satisfies the expectation's match
// pattern. Every non-empty pattern field must match the candidate's
// corresponding field; pattern fields are full-match regular expressions.
func (e *ExpectedArtifact) Matches(candidate Artifact) bool {
	pattern := e.MatchArtifact
	fields := []struct {
		pattern string
		value   string
	}{
		{pattern.Type, candidate.Type},
		{pattern.Name, candidate.Name},
		{pattern.Version, candidate.Version},
		{pattern.Location, candidate.Location},
		{pattern.Reference, candidate.Reference},
		{pattern.Account, candidate.Account},
	}

	for _, f := range fields {
		if f.pattern == "" {
			continue
		}
		if !fieldMatches(f.pattern, f.value) {
			return false
		}
	}
	return true
}

// fieldMatches applies pattern to value as a full-string regular
// expression. A pattern that fails to compile only matches literally.
func fieldMatches(pattern, value string) bool {
	re, err := regexp.Compile(fmt.Sprintf("^(?:%s)$", pattern))
	if err != nil {
		return pattern == value
	}
	return re.MatchString(value)
}
