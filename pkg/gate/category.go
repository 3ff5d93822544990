package gate

import "strings"

// category classifies an advice candidate for the phase-relevance
// multiplier table (spec.md §4.5 step 4). Categories are inferred from the
// insight_key's leading segment (before the first ':'), falling back to the
// candidate's source when insight_key is absent or unrecognized.
type category string

const (
	categorySelfAwareness category = "self_awareness"
	categoryWisdom        category = "wisdom"
	categoryContext       category = "context"
	categoryReliability   category = "reliability"
	categoryGeneral       category = "general"
)

var insightKeyPrefixes = map[string]category{
	"self_awareness": categorySelfAwareness,
	"wisdom":         categoryWisdom,
	"context":        categoryContext,
	"reliability":    categoryReliability,
}

var sourceCategories = map[string]category{
	"eidos":         categorySelfAwareness,
	"outcomes":      categoryReliability,
	"chips":         categorySelfAwareness,
	"cognitive":     categorySelfAwareness,
	"orchestration": categoryContext,
	"mind":          categoryWisdom,
}

func inferCategory(insightKey, source string) category {
	if insightKey != "" {
		prefix := insightKey
		if idx := strings.IndexByte(insightKey, ':'); idx >= 0 {
			prefix = insightKey[:idx]
		}
		if c, ok := insightKeyPrefixes[strings.ToLower(prefix)]; ok {
			return c
		}
	}
	if c, ok := sourceCategories[strings.ToLower(source)]; ok {
		return c
	}
	return categoryGeneral
}

// phaseCategoryMultiplier is the single table gate step 4 multiplies
// base_score by, keyed [phase][category]. Phases not listed for a category
// fall back to 1.0 (no adjustment). The four example values spec.md §4.5
// names verbatim are marked below; the rest extend the same shape to keep
// every phase×category pair covered.
var phaseCategoryMultiplier = map[string]map[category]float64{
	"exploration": {
		categoryContext:       1.3, // spec.md §4.5 example value
		categorySelfAwareness: 1.1,
		categoryWisdom:        1.1,
		categoryReliability:   1.0,
	},
	"planning": {
		categoryContext:       1.2,
		categoryWisdom:        1.2,
		categorySelfAwareness: 1.0,
		categoryReliability:   1.0,
	},
	"implementation": {
		categorySelfAwareness: 1.4, // spec.md §4.5 example value
		categoryContext:       1.1,
		categoryWisdom:        1.0,
		categoryReliability:   1.1,
	},
	"testing": {
		categoryReliability:   1.4,
		categorySelfAwareness: 1.1,
		categoryContext:       1.0,
		categoryWisdom:        1.0,
	},
	"debugging": {
		categorySelfAwareness: 1.5, // spec.md §4.5 example value
		categoryReliability:   1.3,
		categoryContext:       1.1,
		categoryWisdom:        1.0,
	},
	"deployment": {
		categoryWisdom:        1.5, // spec.md §4.5 example value
		categoryReliability:   1.3,
		categorySelfAwareness: 1.1,
		categoryContext:       1.0,
	},
}

func phaseMultiplier(phase string, c category) float64 {
	byPhase, ok := phaseCategoryMultiplier[phase]
	if !ok {
		return 1.0
	}
	if m, ok := byPhase[c]; ok {
		return m
	}
	return 1.0
}
