package artifacts

import (
	"errors"
	"testing"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewResolver(logger)
}

func TestMatchesExactFields(t *testing.T) {
	exp := &ExpectedArtifact{
		MatchArtifact: Artifact{Type: "docker/image", Name: "gcr.io/app/api"},
	}

	if !exp.Matches(Artifact{Type: "docker/image", Name: "gcr.io/app/api", Version: "1.2.3"}) {
		t.Error("expected match on exact type and name")
	}
	if exp.Matches(Artifact{Type: "docker/image", Name: "gcr.io/app/web"}) {
		t.Error("expected mismatch on different name")
	}
}

func TestMatchesRegexFields(t *testing.T) {
	exp := &ExpectedArtifact{
		MatchArtifact: Artifact{Type: "docker/image", Version: `v\d+\.\d+\.\d+`},
	}

	if !exp.Matches(Artifact{Type: "docker/image", Version: "v1.2.3"}) {
		t.Error("expected regex match on version")
	}
	// Full-string semantics, not substring.
	if exp.Matches(Artifact{Type: "docker/image", Version: "rc-v1.2.3-hotfix"}) {
		t.Error("expected full-match regex semantics")
	}
}

func TestResolveFromCurrentArtifacts(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", MatchArtifact: Artifact{Type: "docker/image", Name: "app"}},
	}
	current := []Artifact{
		{Type: "docker/image", Name: "app", Version: "1.0.0"},
		{Type: "gcs/object", Name: "manifest"},
	}

	res, err := resolver.Resolve(expected, current, nil, true)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	if len(res.Artifacts) != 1 {
		t.Fatalf("expected 1 resolved artifact, got %d", len(res.Artifacts))
	}
	if res.Artifacts[0].Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %q", res.Artifacts[0].Version)
	}
	if res.ExpectedArtifacts[0].BoundArtifact == nil {
		t.Fatal("expected expectation to be bound")
	}
	if res.ExpectedArtifacts[0].BoundArtifact.Name != "app" {
		t.Errorf("expected bound artifact app, got %q", res.ExpectedArtifacts[0].BoundArtifact.Name)
	}
}

func TestResolveFallsBackToPrior(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", UsePriorArtifact: true, MatchArtifact: Artifact{Name: "app"}},
		{ID: "e2", UsePriorArtifact: true, MatchArtifact: Artifact{Name: "sidecar"}},
	}

	priorCalls := 0
	prior := func() ([]Artifact, error) {
		priorCalls++
		return []Artifact{
			{Type: "docker/image", Name: "app", Version: "0.9.0"},
			{Type: "docker/image", Name: "sidecar", Version: "2.0.0"},
		}, nil
	}

	res, err := resolver.Resolve(expected, nil, prior, true)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	if priorCalls != 1 {
		t.Errorf("expected prior supplier to be called once, got %d", priorCalls)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("expected 2 resolved artifacts, got %d", len(res.Artifacts))
	}
	if res.Artifacts[0].Version != "0.9.0" {
		t.Errorf("expected prior version 0.9.0, got %q", res.Artifacts[0].Version)
	}
}

func TestResolveCurrentTierWinsOverPrior(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", UsePriorArtifact: true, MatchArtifact: Artifact{Name: "app"}},
	}
	current := []Artifact{{Name: "app", Version: "2.0.0"}}
	prior := func() ([]Artifact, error) {
		t.Fatal("prior supplier must not be consulted when current tier matches")
		return nil, nil
	}

	res, err := resolver.Resolve(expected, current, prior, true)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if res.Artifacts[0].Version != "2.0.0" {
		t.Errorf("expected current version 2.0.0, got %q", res.Artifacts[0].Version)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{
			ID:                 "e1",
			UseDefaultArtifact: true,
			MatchArtifact:      Artifact{Name: "app"},
			DefaultArtifact:    &Artifact{Name: "app", Version: "default"},
		},
	}

	res, err := resolver.Resolve(expected, nil, nil, true)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if res.Artifacts[0].Version != "default" {
		t.Errorf("expected default artifact, got %q", res.Artifacts[0].Version)
	}
}

func TestResolveUnresolved(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", MatchArtifact: Artifact{Name: "missing"}},
	}

	_, err := resolver.Resolve(expected, nil, nil, true)
	var unresolved *UnresolvedError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedError, got %v", err)
	}
	if unresolved.Expected.ID != "e1" {
		t.Errorf("expected error to name e1, got %q", unresolved.Expected.ID)
	}
}

func TestResolveAmbiguousMatch(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", MatchArtifact: Artifact{Type: "docker/image"}},
	}
	current := []Artifact{
		{Type: "docker/image", Name: "app"},
		{Type: "docker/image", Name: "web"},
	}

	_, err := resolver.Resolve(expected, current, nil, true)
	var ambiguous *AmbiguousMatchError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousMatchError, got %v", err)
	}
	if len(ambiguous.Candidates) != 2 {
		t.Errorf("expected 2 candidates in error, got %d", len(ambiguous.Candidates))
	}

	// Without unique matches the first candidate wins.
	res, err := resolver.Resolve(expected, current, nil, false)
	if err != nil {
		t.Fatalf("failed to resolve without unique matches: %v", err)
	}
	if res.Artifacts[0].Name != "app" {
		t.Errorf("expected first candidate app, got %q", res.Artifacts[0].Name)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	resolver := newTestResolver(t)

	expected := []ExpectedArtifact{
		{ID: "e1", MatchArtifact: Artifact{Name: "app"}},
		{ID: "e2", MatchArtifact: Artifact{Type: "docker/image"}},
	}
	current := []Artifact{{Type: "docker/image", Name: "app", Version: "1.0.0"}}

	res, err := resolver.Resolve(expected, current, nil, true)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	if len(res.Artifacts) != 1 {
		t.Errorf("expected deduplicated single artifact, got %d", len(res.Artifacts))
	}
	if len(res.ExpectedArtifacts) != 2 {
		t.Errorf("expected both expectations bound, got %d", len(res.ExpectedArtifacts))
	}
}
