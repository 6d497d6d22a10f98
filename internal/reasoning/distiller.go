package reasoning

import (
	"sort"
	"unicode/utf8"

	"canvas_worker/pkg"
)

const (
	// CharsPerToken is the fixed approximation used for all budget math.
	// Deliberately low so estimates err towards overcounting.
	CharsPerToken = 2
	// MinPartialTokens is the smallest remainder worth keeping as a
	// truncated item; anything shorter is dropped.
	MinPartialTokens = 32
	// PartialMarker ends content cut to fit the remaining budget
	PartialMarker = "..."
)

var roleWeight = map[pkg.Role]int{
	pkg.RoleInstruction: 4,
	pkg.RoleKnowledge:   3,
	pkg.RoleHistory:     2,
	pkg.RoleContext:     1,
}

// EstimateTokens returns ceil(runes / CharsPerToken)
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Distiller trims a reasoning context to a token budget
type Distiller struct {
	minPartial int
}

// NewDistiller creates a distiller with the default partial threshold
func NewDistiller() *Distiller {
	return &Distiller{minPartial: MinPartialTokens}
}

// Distill keeps the highest-priority items that fit the budget and returns
// them in their original order together with their token total. Priority is
// role weight first, then importance, then recency (later items are more
// recent).
func (d *Distiller) Distill(rc pkg.ReasoningContext, budget int) (pkg.ReasoningContext, int) {
	out := pkg.ReasoningContext{TargetNodeID: rc.TargetNodeID}
	if budget <= 0 || len(rc.Items) == 0 {
		return out, 0
	}

	order := make([]int, len(rc.Items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return priority(rc.Items[order[a]], order[a], len(rc.Items)) >
			priority(rc.Items[order[b]], order[b], len(rc.Items))
	})

	kept := make(map[int]pkg.ContextItem, len(rc.Items))
	remaining := budget
	for _, idx := range order {
		item := rc.Items[idx]
		cost := EstimateTokens(item.Content)
		if cost <= remaining {
			kept[idx] = item
			remaining -= cost
			continue
		}
		if remaining < d.minPartial {
			continue
		}
		item.Content = truncateToTokens(item.Content, remaining)
		kept[idx] = item
		remaining -= EstimateTokens(item.Content)
	}

	total := 0
	for i := range rc.Items {
		item, ok := kept[i]
		if !ok {
			continue
		}
		out.Items = append(out.Items, item)
		total += EstimateTokens(item.Content)
	}
	return out, total
}

// priority orders by role, then importance, then position. Recency is scaled
// into [0,1) so it only breaks ties within the same importance.
func priority(item pkg.ContextItem, index, count int) float64 {
	importance := item.Importance
	if importance == 0 {
		importance = pkg.DefaultImportance
	}
	recency := float64(index+1) / float64(count+1)
	return float64(roleWeight[item.Role]*100+importance*10) + recency
}

// truncateToTokens cuts s so that the result, marker included, costs at most
// tokens
func truncateToTokens(s string, tokens int) string {
	maxRunes := tokens*CharsPerToken - utf8.RuneCountInString(PartialMarker)
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + PartialMarker
}
