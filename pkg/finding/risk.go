package finding

// RiskScore is the deterministic aggregate of a finding set, one scalar per
// risk group plus the overall maximum. Aggregation is the probabilistic
// union 1-∏(1-confidence), so adding a finding can only raise a group score,
// never lower it. That monotonicity is an invariant policy thresholds rely on.
type RiskScore struct {
	Overall float64           `json:"overall"`
	Groups  map[Group]float64 `json:"groups,omitempty"`
}

// ComputeRisk derives the risk score for a finding set.
// Empty set yields zero everywhere.
func ComputeRisk(s Set) RiskScore {
	if len(s) == 0 {
		return RiskScore{Groups: map[Group]float64{}}
	}

	// survival[g] = ∏(1-confidence) over findings in group g
	survival := make(map[Group]float64, 4)
	for _, f := range s {
		g := GroupOf(f.Category)
		c := clamp01(f.Confidence)
		if prev, ok := survival[g]; ok {
			survival[g] = prev * (1 - c)
		} else {
			survival[g] = 1 - c
		}
	}

	rs := RiskScore{Groups: make(map[Group]float64, len(survival))}
	for g, surv := range survival {
		score := 1 - surv
		rs.Groups[g] = score
		if score > rs.Overall {
			rs.Overall = score
		}
	}
	return rs
}

// Group returns the aggregate for one group, 0 when the group is absent.
func (r RiskScore) Group(g Group) float64 {
	if r.Groups == nil {
		return 0
	}
	return r.Groups[g]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
