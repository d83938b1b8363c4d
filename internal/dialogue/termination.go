package dialogue

import (
	"strings"

	"github.com/conclave-ai/conclave/pkg/models"
)

// concessionKeywords end a debate as soon as the last speaker utters one.
var concessionKeywords = []string{
	"you're right",
	"i agree",
	"fair point",
	"i concede",
	"you've convinced me",
	"i accept your argument",
	"you make a valid point",
}

const (
	// jaccardThreshold is the mean pairwise content overlap over the last
	// four turns above which the debate is circling.
	jaccardThreshold = 0.6
	// disengagementTokens marks a turn as disengaged when it carries fewer
	// whitespace-separated tokens than this.
	disengagementTokens = 20
	// minTurnsForTermination is how many regular turns must exist before
	// dynamic termination is considered.
	minTurnsForTermination = 4
)

// checkTermination inspects the last turns of a transcript and returns a
// termination reason, or "" to continue. Moderator turns are not part of
// the analysis window.
func checkTermination(turns []models.DialogueTurn) models.TerminationReason {
	regular := make([]models.DialogueTurn, 0, len(turns))
	for _, t := range turns {
		if t.Position != models.PositionModerator {
			regular = append(regular, t)
		}
	}
	if len(regular) < minTurnsForTermination {
		return ""
	}
	window := regular[len(regular)-4:]

	if containsConcession(window[3].Content) {
		return models.TerminationConcession
	}
	if averageJaccard(window) > jaccardThreshold {
		return models.TerminationRepetition
	}
	if isDisengaged(window[2].Content) && isDisengaged(window[3].Content) {
		return models.TerminationDisengagement
	}
	return ""
}

func containsConcession(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range concessionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isDisengaged(content string) bool {
	return len(strings.Fields(content)) < disengagementTokens
}

// averageJaccard is the mean pairwise Jaccard similarity of the turns'
// keyword sets (case-folded tokens longer than four characters).
func averageJaccard(window []models.DialogueTurn) float64 {
	sets := make([]map[string]bool, len(window))
	for i, t := range window {
		sets[i] = keywordSet(t.Content)
	}

	var sum float64
	var pairs int
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func keywordSet(content string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(content)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) > 4 {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
