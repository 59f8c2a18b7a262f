package finding

import (
	"math/rand"
	"testing"
)

func TestComputeRiskEmpty(t *testing.T) {
	rs := ComputeRisk(nil)
	if rs.Overall != 0 {
		t.Errorf("empty set should score 0, got %f", rs.Overall)
	}
	if rs.Group(GroupInjection) != 0 {
		t.Errorf("empty set should have zero group scores")
	}
}

func TestComputeRiskSingleFinding(t *testing.T) {
	set := Set{{DetectorID: "patterns", Category: CategoryJailbreak, Confidence: 0.7}}
	rs := ComputeRisk(set)

	if rs.Group(GroupInjection) != 0.7 {
		t.Errorf("single finding: group score should equal confidence, got %f", rs.Group(GroupInjection))
	}
	if rs.Overall != 0.7 {
		t.Errorf("overall should be 0.7, got %f", rs.Overall)
	}
}

func TestComputeRiskUnion(t *testing.T) {
	// Two independent 0.5 signals in one group combine to 0.75, not 1.0 or 0.5.
	set := Set{
		{Category: CategoryInstructionOverride, Confidence: 0.5},
		{Category: CategoryJailbreak, Confidence: 0.5},
	}
	rs := ComputeRisk(set)

	got := rs.Group(GroupInjection)
	if got < 0.7499 || got > 0.7501 {
		t.Errorf("expected union 0.75, got %f", got)
	}
}

func TestComputeRiskGroupsIndependent(t *testing.T) {
	set := Set{
		{Category: CategoryJailbreak, Confidence: 0.9},
		{Category: CategoryPII, Confidence: 0.4},
	}
	rs := ComputeRisk(set)

	if rs.Group(GroupInjection) != 0.9 {
		t.Errorf("injection group should be 0.9, got %f", rs.Group(GroupInjection))
	}
	if rs.Group(GroupPII) != 0.4 {
		t.Errorf("pii group should be 0.4, got %f", rs.Group(GroupPII))
	}
	if rs.Overall != 0.9 {
		t.Errorf("overall should be the max group, got %f", rs.Overall)
	}
}

// Adding a finding must never lower any aggregate, for any confidence and
// any category. Exercised with randomized sets.
func TestComputeRiskMonotonic(t *testing.T) {
	cats := []Category{
		CategoryInstructionOverride, CategoryRoleManipulation, CategoryJailbreak,
		CategoryContextConfusion, CategoryScopeViolation, CategoryExfiltration,
		CategoryPII, CategoryToxicity,
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		var set Set
		n := rng.Intn(8)
		for i := 0; i < n; i++ {
			set = append(set, Finding{
				Category:   cats[rng.Intn(len(cats))],
				Confidence: rng.Float64(),
			})
		}
		before := ComputeRisk(set)

		added := Finding{
			Category:   cats[rng.Intn(len(cats))],
			Confidence: rng.Float64(),
		}
		after := ComputeRisk(append(set, added))

		if after.Overall < before.Overall-1e-12 {
			t.Fatalf("trial %d: overall dropped %f -> %f after adding %+v",
				trial, before.Overall, after.Overall, added)
		}
		for g, prev := range before.Groups {
			if after.Group(g) < prev-1e-12 {
				t.Fatalf("trial %d: group %s dropped %f -> %f after adding %+v",
					trial, g, prev, after.Group(g), added)
			}
		}
	}
}

func TestComputeRiskClampsConfidence(t *testing.T) {
	set := Set{
		{Category: CategoryJailbreak, Confidence: 1.7},
		{Category: CategoryPII, Confidence: -0.3},
	}
	rs := ComputeRisk(set)

	if rs.Group(GroupInjection) != 1.0 {
		t.Errorf("confidence above 1 should clamp, got %f", rs.Group(GroupInjection))
	}
	if rs.Group(GroupPII) != 0 {
		t.Errorf("negative confidence should clamp to 0, got %f", rs.Group(GroupPII))
	}
}

func TestGroupOf(t *testing.T) {
	testCases := []struct {
		cat  Category
		want Group
	}{
		{CategoryInstructionOverride, GroupInjection},
		{CategoryRoleManipulation, GroupInjection},
		{CategoryJailbreak, GroupInjection},
		{CategoryContextConfusion, GroupInjection},
		{CategoryScopeViolation, GroupInjection},
		{CategoryExfiltration, GroupExfiltration},
		{CategoryPII, GroupPII},
		{CategoryToxicity, GroupToxicity},
		{Category("made_up"), GroupInjection},
	}
	for _, tc := range testCases {
		if got := GroupOf(tc.cat); got != tc.want {
			t.Errorf("GroupOf(%s) = %s, want %s", tc.cat, got, tc.want)
		}
	}
}
