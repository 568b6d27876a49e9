// Package plans holds the static tier table. Lookups are pure.
package plans

import (
	"github.com/jordanlanch/docvault/pkg/domain"
	"github.com/jordanlanch/docvault/pkg/models"
)

// Feature flags gated by plan
const (
	FeatureAIChat          = "ai_chat"
	FeatureSemanticSearch  = "semantic_search"
	FeatureExport          = "export"
	FeaturePrioritySupport = "priority_support"
)

// Limits are the allowances of one tier
type Limits struct {
	DocumentLimit   int
	AIQuestionLimit int
	UploadLimit     int
	Features        map[string]bool
}

// HasFeature reports whether the feature is enabled
func (l Limits) HasFeature(name string) bool {
	return l.Features[name]
}

type tier struct {
	rank   int
	limits Limits
}

var tiers = map[models.Plan]tier{
	models.PlanFree: {
		rank: 0,
		limits: Limits{
			DocumentLimit:   3,
			AIQuestionLimit: 3,
			UploadLimit:     5,
			Features: map[string]bool{
				FeatureAIChat:          true,
				FeatureSemanticSearch:  false,
				FeatureExport:          false,
				FeaturePrioritySupport: false,
			},
		},
	},
	models.PlanStarter: {
		rank: 1,
		limits: Limits{
			DocumentLimit:   25,
			AIQuestionLimit: 100,
			UploadLimit:     50,
			Features: map[string]bool{
				FeatureAIChat:          true,
				FeatureSemanticSearch:  true,
				FeatureExport:          true,
				FeaturePrioritySupport: false,
			},
		},
	},
	models.PlanPro: {
		rank: 2,
		limits: Limits{
			DocumentLimit:   1000,
			AIQuestionLimit: 1000,
			UploadLimit:     500,
			Features: map[string]bool{
				FeatureAIChat:          true,
				FeatureSemanticSearch:  true,
				FeatureExport:          true,
				FeaturePrioritySupport: true,
			},
		},
	},
}

var ordered = []models.Plan{models.PlanFree, models.PlanStarter, models.PlanPro}

// LimitsFor returns the allowances of plan. An unknown plan means the stored
// record is corrupt.
func LimitsFor(plan models.Plan) (Limits, error) {
	t, ok := tiers[plan]
	if !ok {
		return Limits{}, domain.NewCorruptRecordError("unknown plan " + string(plan))
	}
	l := t.limits
	l.Features = make(map[string]bool, len(t.limits.Features))
	for k, v := range t.limits.Features {
		l.Features[k] = v
	}
	return l, nil
}

// Rank orders plans: free < starter < pro
func Rank(plan models.Plan) (int, error) {
	t, ok := tiers[plan]
	if !ok {
		return 0, domain.NewCorruptRecordError("unknown plan " + string(plan))
	}
	return t.rank, nil
}

// Valid reports whether plan is a catalog key
func Valid(plan models.Plan) bool {
	_, ok := tiers[plan]
	return ok
}

// Parse validates user input; unknown names are a validation error, not corruption
func Parse(name string) (models.Plan, error) {
	p := models.Plan(name)
	if !Valid(p) {
		return "", domain.NewValidationError("unknown plan: " + name)
	}
	return p, nil
}

// Compare returns -1, 0 or 1 as a ranks below, equal to or above b
func Compare(a, b models.Plan) (int, error) {
	ra, err := Rank(a)
	if err != nil {
		return 0, err
	}
	rb, err := Rank(b)
	if err != nil {
		return 0, err
	}
	switch {
	case ra < rb:
		return -1, nil
	case ra > rb:
		return 1, nil
	}
	return 0, nil
}

// Plans lists every plan in rank order
func Plans() []models.Plan {
	out := make([]models.Plan, len(ordered))
	copy(out, ordered)
	return out
}

// ApplyLimits copies the plan's limits onto the record
func ApplyLimits(rec *models.EntitlementRecord, plan models.Plan) error {
	l, err := LimitsFor(plan)
	if err != nil {
		return err
	}
	rec.Plan = plan
	rec.DocumentLimit = l.DocumentLimit
	rec.AIQuestionLimit = l.AIQuestionLimit
	rec.UploadLimit = l.UploadLimit
	return nil
}
