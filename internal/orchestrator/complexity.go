package orchestrator

import (
	"fmt"
	"strings"
)

// Assessor scores a query's complexity in [0,10]. The orchestrator uses
// the score to decide whether two-stage mode escalates to POWERFUL.
type Assessor interface {
	Assess(query, draft string) (score float64, reasoning string)
}

// technical terms that push a query toward the powerful tier.
var complexityKeywords = []string{
	"algorithm", "architecture", "concurrency", "distributed", "optimize",
	"performance", "protocol", "security", "tradeoff", "trade-off",
	"scalability", "implement", "design", "refactor", "debug", "proof",
	"complexity", "database", "transaction", "consistency",
}

// HeuristicAssessor scores from query length, technical keyword density,
// and structure cues. No model call; it runs between the two stages.
type HeuristicAssessor struct{}

// Assess is deterministic: same query, same score.
func (HeuristicAssessor) Assess(query, draft string) (float64, string) {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)

	var score float64
	var reasons []string

	// Length: up to 3 points at 150+ words.
	lengthScore := float64(len(words)) / 50
	if lengthScore > 3 {
		lengthScore = 3
	}
	score += lengthScore
	reasons = append(reasons, fmt.Sprintf("length %d words (+%.1f)", len(words), lengthScore))

	// Keyword density: 1 point each, capped at 4.
	var hits int
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	kwScore := float64(hits)
	if kwScore > 4 {
		kwScore = 4
	}
	score += kwScore
	if hits > 0 {
		reasons = append(reasons, fmt.Sprintf("%d technical keywords (+%.0f)", hits, kwScore))
	}

	// Structure cues: code blocks, multi-part questions, comparisons.
	var structure float64
	if strings.Contains(query, "```") {
		structure += 1.5
		reasons = append(reasons, "contains a code block (+1.5)")
	}
	if strings.Count(query, "?") > 1 {
		structure += 1
		reasons = append(reasons, "multiple questions (+1)")
	}
	if strings.Contains(lower, " vs ") || strings.Contains(lower, "compare") {
		structure += 0.5
		reasons = append(reasons, "comparison requested (+0.5)")
	}
	score += structure

	if score > 10 {
		score = 10
	}
	return score, strings.Join(reasons, "; ")
}
