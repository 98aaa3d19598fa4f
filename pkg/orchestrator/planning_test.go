package orchestrator

import (
	"strings"
	"testing"

	"orchestrator/pkg/proto"
)

func TestDetectUIProjectRequiresTwoIndicators(t *testing.T) {
	if detectUIProject("A simple command-line tool that sorts files.") {
		t.Error("spec with no UI indicators should not be classified as UI")
	}
	if detectUIProject("Add a button.") {
		t.Error("a single UI indicator should not be enough")
	}
	if !detectUIProject("Build a responsive dashboard with a login form and navigation.") {
		t.Error("spec with 3+ UI indicators should be classified as UI")
	}
}

func TestEstimateComplexityTiers(t *testing.T) {
	tier, count := estimateComplexity("A plain static HTML hello-world page.")
	if tier != proto.ComplexitySimple {
		t.Errorf("tier = %s, want simple", tier)
	}
	if count <= 0 {
		t.Errorf("suggested feature count should be positive, got %d", count)
	}

	tier, _ = estimateComplexity("A blog with authentication, a database, and a REST API.")
	if tier != proto.ComplexityStandard {
		t.Errorf("tier = %s, want standard", tier)
	}

	tier, count = estimateComplexity(
		"A multi-tenant SaaS with authentication, database, API, payment, admin panel, " +
			"real-time notifications, search, analytics, and workflow automation.")
	if tier != proto.ComplexityProduction {
		t.Errorf("tier = %s, want production", tier)
	}
	if count > proto.MaxSuggestedFeatureCount {
		t.Errorf("suggested count %d exceeds cap %d", count, proto.MaxSuggestedFeatureCount)
	}
}

func TestEstimateComplexityCapsAtMax(t *testing.T) {
	spec := strings.Join(complexityIndicators, " ") + " " + strings.Join(complexityIndicators, " ")
	_, count := estimateComplexity(spec)
	if count != proto.MaxSuggestedFeatureCount {
		t.Errorf("count = %d, want capped at %d", count, proto.MaxSuggestedFeatureCount)
	}
}

func TestBuildPlannerSystemPromptIncludesUIAddendum(t *testing.T) {
	plain := buildPlannerSystemPrompt(false, "")
	if strings.Contains(plain, "UI project") {
		t.Error("non-UI prompt should not include the UI addendum")
	}

	ui := buildPlannerSystemPrompt(true, "")
	if !strings.Contains(ui, "UI project") {
		t.Error("UI prompt should include the UI addendum")
	}

	withResearch := buildPlannerSystemPrompt(true, "Use a clean minimal aesthetic.")
	if !strings.Contains(withResearch, "Use a clean minimal aesthetic.") {
		t.Error("prompt should include the design research block when present")
	}
}

func TestNextDescriptionsReturnsOnlyUnfinished(t *testing.T) {
	mf := &proto.Manifest{Features: []proto.Feature{
		{Description: "a", Passes: true},
		{Description: "b", Passes: false},
		{Description: "c", Passes: false},
	}}
	got := nextDescriptions(mf, 10)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("nextDescriptions = %v, want [b c]", got)
	}
}

func TestNextDescriptionsRespectsLimit(t *testing.T) {
	var features []proto.Feature
	for i := 0; i < 25; i++ {
		features = append(features, proto.Feature{Description: "f"})
	}
	mf := &proto.Manifest{Features: features}
	got := nextDescriptions(mf, 10)
	if len(got) != 10 {
		t.Errorf("len(nextDescriptions) = %d, want 10", len(got))
	}
}
