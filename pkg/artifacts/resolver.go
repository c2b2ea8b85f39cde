package artifacts

import (
	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

// PriorArtifactsFunc supplies the artifacts produced by the most recent
// prior execution of the same workflow. The resolver calls it at most once
// per Resolve call, and only when an expectation opts into prior lookup.
type PriorArtifactsFunc func() ([]Artifact, error)

// Resolution is the outcome of one Resolve call.
type Resolution struct {
	// Artifacts are the resolved artifacts, deduplicated and ordered by
	// first resolution.
	Artifacts []Artifact

	// ExpectedArtifacts are the input expectations with BoundArtifact set.
	ExpectedArtifacts []ExpectedArtifact
}

// Resolver binds expected artifacts to concrete artifacts.
type Resolver struct {
	logger *telemetry.Logger
}

// NewResolver creates a new artifact resolver.
func NewResolver(logger *telemetry.Logger) *Resolver {
	return &Resolver{
		logger: logger.NewComponentLogger("artifact-resolver"),
	}
}

// Resolve binds every expectation to exactly one artifact. Search order
// per expectation: current artifacts first, then prior-execution artifacts
// when UsePriorArtifact is set, then the inline default when
// UseDefaultArtifact is set. The first tier producing any match wins and
// lower tiers are not consulted.
//
// When requireUniqueMatches is set, a tier matching more than one
// candidate fails with AmbiguousMatchError. An expectation no tier can
// satisfy fails with UnresolvedError.
func (r *Resolver) Resolve(
	expected []ExpectedArtifact,
	current []Artifact,
	prior PriorArtifactsFunc,
	requireUniqueMatches bool,
) (*Resolution, error) {
	resolution := &Resolution{
		Artifacts:         []Artifact{},
		ExpectedArtifacts: make([]ExpectedArtifact, 0, len(expected)),
	}

	// Prior artifacts are fetched lazily and shared across all
	// expectations in this call.
	var priorArtifacts []Artifact
	priorFetched := false
	fetchPrior := func() ([]Artifact, error) {
		if priorFetched || prior == nil {
			return priorArtifacts, nil
		}
		fetched, err := prior()
		if err != nil {
			return nil, err
		}
		priorArtifacts = fetched
		priorFetched = true
		return priorArtifacts, nil
	}

	seen := map[string]bool{}
	for _, exp := range expected {
		bound, err := r.resolveOne(exp, current, fetchPrior, requireUniqueMatches)
		if err != nil {
			return nil, err
		}

		exp.BoundArtifact = bound
		resolution.ExpectedArtifacts = append(resolution.ExpectedArtifacts, exp)

		key := dedupKey(*bound)
		if !seen[key] {
			seen[key] = true
			resolution.Artifacts = append(resolution.Artifacts, *bound)
		}
	}

	r.logger.WithField("resolved", len(resolution.Artifacts)).
		Debugf("resolved %d expected artifacts", len(expected))
	return resolution, nil
}

func (r *Resolver) resolveOne(
	exp ExpectedArtifact,
	current []Artifact,
	fetchPrior func() ([]Artifact, error),
	requireUniqueMatches bool,
) (*Artifact, error) {
	if match, err := pickMatch(exp, current, requireUniqueMatches); err != nil || match != nil {
		return match, err
	}

	if exp.UsePriorArtifact {
		priorArtifacts, err := fetchPrior()
		if err != nil {
			return nil, err
		}
		if match, err := pickMatch(exp, priorArtifacts, requireUniqueMatches); err != nil || match != nil {
			return match, err
		}
	}

	if exp.UseDefaultArtifact && exp.DefaultArtifact != nil {
		def := *exp.DefaultArtifact
		return &def, nil
	}

	return nil, &UnresolvedError{Expected: exp}
}

// dedupKey identifies an artifact by its addressable fields. Metadata is
// deliberately excluded so annotated duplicates still collapse.
func dedupKey(a Artifact) string {
	return a.Type + "\x00" + a.Name + "\x00" + a.Version + "\x00" +
		a.Reference + "\x00" + a.Location + "\x00" + a.Account
}

// pickMatch evaluates one search tier. A nil artifact with a nil error
// means the tier produced no match and the next tier should be consulted.
func pickMatch(exp ExpectedArtifact, candidates []Artifact, requireUniqueMatches bool) (*Artifact, error) {
	matches := []Artifact{}
	for _, candidate := range candidates {
		if exp.Matches(candidate) {
			matches = append(matches, candidate)
		}
	}

	switch {
	case len(matches) == 0:
		return nil, nil
	case len(matches) > 1 && requireUniqueMatches:
		return nil, &AmbiguousMatchError{Expected: exp, Candidates: matches}
	default:
		match := matches[0]
		return &match, nil
	}
}
