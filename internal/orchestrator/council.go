package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conclave-ai/conclave/internal/dialogue"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ── Consensus ────────────────────────────────────────────────

// runConsensus fans a query out to three models, lets each refine its
// answer against the others, and synthesizes a consensus.
func (o *Orchestrator) runConsensus(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	participants, err := o.pickCouncil()
	if err != nil {
		return nil, err
	}

	// Round 1: independent answers in parallel. Individual failures are
	// tolerated as long as two participants deliver.
	o.stageStart(queryID, "round1", map[string]interface{}{"participants": participants})
	round1 := o.fanOut(ctx, queryID, participants, func(string) string { return pre.Prompt }, o.cfg.CouncilRoundTokens, req.Temperature)

	succeeded := 0
	for _, r := range round1 {
		if r.err == nil {
			succeeded++
		}
	}
	if succeeded < 2 {
		return nil, fmt.Errorf("consensus round 1: only %d of %d participants succeeded", succeeded, len(participants))
	}
	o.stageComplete(queryID, "round1", map[string]interface{}{"succeeded": succeeded})

	// Round 2: each surviving participant refines its answer with the
	// others in view. A failed refinement falls back to Round 1 text.
	o.stageStart(queryID, "round2", nil)
	round2 := o.fanOut(ctx, queryID, participants, func(modelID string) string {
		return refinementPrompt(req.Query, modelID, participants, round1)
	}, o.cfg.CouncilRoundTokens, req.Temperature)

	finals := make([]string, len(participants))
	for i := range participants {
		switch {
		case round2[i].err == nil && round1[i].err == nil:
			finals[i] = round2[i].content
		case round1[i].err == nil:
			log.Warn().Str("model_id", participants[i]).Msg("Round 2 failed, keeping Round 1 answer")
			finals[i] = round1[i].content
		}
	}
	o.stageComplete(queryID, "round2", nil)

	// Synthesis by the last participant, presumed most powerful.
	o.stageStart(queryID, "synthesis", nil)
	synthesizer := participants[len(participants)-1]
	synthesis, tokensPredicted, tokensEvaluated := o.synthesizeConsensus(ctx, queryID, req, synthesizer, participants, finals)
	o.stageComplete(queryID, "synthesis", map[string]interface{}{"model_id": synthesizer})

	contributions := make([]map[string]interface{}, 0, len(participants))
	for i, id := range participants {
		contributions = append(contributions, map[string]interface{}{
			"modelId": id,
			"tier":    string(o.tierOf(id)),
			"round1":  round1[i].content,
			"round2":  finals[i],
			"failed":  round1[i].err != nil,
		})
	}

	return &models.QueryResponse{
		Response:        synthesis,
		ModelID:         synthesizer,
		Tier:            o.tierOf(synthesizer),
		TokensPredicted: tokensPredicted,
		TokensEvaluated: tokensEvaluated,
		Metadata: map[string]interface{}{
			"participants":  participants,
			"contributions": contributions,
		},
	}, nil
}

// pickCouncil selects three participants, preferring one per tier and
// filling from any ready enabled model, ordered weakest to strongest.
func (o *Orchestrator) pickCouncil() ([]string, error) {
	enabled := o.deps.Registry.Enabled()
	if len(enabled) < 3 {
		return nil, &UnavailableError{
			Reason:         fmt.Sprintf("council requires three enabled models, have %d", len(enabled)),
			AvailableTiers: o.deps.Registry.AvailableTiers(),
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, tier := range models.AllTiers {
		if len(out) == 3 {
			break
		}
		id, err := o.deps.Selector.Select(tier)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, m := range enabled {
		if len(out) == 3 {
			break
		}
		if seen[m.ModelID] || !o.isReady(m.ModelID) {
			continue
		}
		seen[m.ModelID] = true
		out = append(out, m.ModelID)
	}

	if len(out) < 3 {
		return nil, &UnavailableError{
			Reason:         fmt.Sprintf("council requires three healthy models, have %d", len(out)),
			AvailableTiers: o.deps.Registry.AvailableTiers(),
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return o.tierOf(out[i]).Rank() < o.tierOf(out[j]).Rank()
	})
	return out, nil
}

func (o *Orchestrator) isReady(modelID string) bool {
	return o.deps.Ready == nil || o.deps.Ready.IsReady(modelID)
}

type callResult struct {
	content         string
	tokensPredicted int
	tokensEvaluated int
	err             error
}

// fanOut runs one generation per participant concurrently and returns
// results in participant order. Errors stay per-slot.
func (o *Orchestrator) fanOut(ctx context.Context, queryID string, participants []string, prompt func(modelID string) string, maxTokens int, temperature float64) []callResult {
	results := make([]callResult, len(participants))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range participants {
		i, id := i, id
		g.Go(func() error {
			res, _, err := o.callModel(gctx, queryID, id, models.CompletionRequest{
				Prompt:      prompt(id),
				MaxTokens:   maxTokens,
				Temperature: temperature,
			})
			if err != nil {
				log.Warn().Err(err).Str("model_id", id).Msg("Council participant failed")
				results[i] = callResult{err: err}
				return nil
			}
			results[i] = callResult{
				content:         res.Content,
				tokensPredicted: res.TokensPredicted,
				tokensEvaluated: res.TokensEvaluated,
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func refinementPrompt(query, selfID string, participants []string, round1 []callResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nYour initial answer:\n", query)
	var others []string
	for i, id := range participants {
		if round1[i].err != nil {
			continue
		}
		if id == selfID {
			b.WriteString(round1[i].content)
			b.WriteString("\n")
		} else {
			others = append(others, round1[i].content)
		}
	}
	b.WriteString("\nOther participants answered:\n")
	for i, answer := range others {
		fmt.Fprintf(&b, "--- Answer %d ---\n%s\n", i+1, answer)
	}
	b.WriteString("\nRefine your answer in light of the others. Preserve your own " +
		"perspective; adopt their points only where they are clearly correct.\n")
	return b.String()
}

// synthesizeConsensus asks the synthesizer for a consensus answer,
// falling back to the longest refined answer if the call fails.
func (o *Orchestrator) synthesizeConsensus(ctx context.Context, queryID string, req *models.QueryRequest, synthesizer string, participants, finals []string) (string, int, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nThree models answered:\n", req.Query)
	for i, answer := range finals {
		if answer == "" {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", participants[i], answer)
	}
	b.WriteString("\nProduce a single consensus answer that combines the strongest " +
		"points of each, resolving any disagreements explicitly.\n")

	res, _, err := o.callModel(ctx, queryID, synthesizer, models.CompletionRequest{
		Prompt:      b.String(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		log.Warn().Err(err).Str("model_id", synthesizer).Msg("Consensus synthesis failed, using longest refined answer")
		longest := ""
		for _, answer := range finals {
			if len(answer) > len(longest) {
				longest = answer
			}
		}
		return longest, 0, 0
	}
	return res.Content, res.TokensPredicted, res.TokensEvaluated
}

// ── Debate ───────────────────────────────────────────────────

var defaultPersonas = map[models.DialoguePosition]string{
	models.PositionPro: "a rigorous advocate who argues from evidence and first principles",
	models.PositionCon: "a critical skeptic who probes assumptions and edge cases",
}

// personaProfiles are named pro/con persona pairs selectable by request.
var personaProfiles = map[string][2]string{
	"builder_critic": {
		"a pragmatic builder focused on shipping working solutions",
		"a meticulous critic focused on failure modes and maintenance cost",
	},
	"theorist_practitioner": {
		"a theorist who argues from formal models and guarantees",
		"a practitioner who argues from operational experience",
	},
}

// systemPromptPresets are optional debate-wide framing prompts.
var systemPromptPresets = map[string]string{
	"concise":  "Keep every contribution under four sentences.",
	"socratic": "Advance the debate primarily through pointed questions.",
	"formal":   "Use precise, formal language; cite concrete mechanisms, not vibes.",
}

// dialogueCaller adapts the orchestrator's model calling (timeout, flow
// crumbs) to the dialogue engine's interface.
type dialogueCaller struct {
	o       *Orchestrator
	queryID string
}

func (d dialogueCaller) Generate(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (string, error) {
	res, _, err := d.o.callModel(ctx, d.queryID, modelID, models.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// runDebate runs an adversarial two-model debate through the dialogue
// engine and returns its synthesis.
func (o *Orchestrator) runDebate(ctx context.Context, queryID string, req *models.QueryRequest, pre *preamble) (*models.QueryResponse, error) {
	pro, con, err := o.resolveDebatePair(req)
	if err != nil {
		return nil, err
	}

	personas := o.resolvePersonas(req, pro, con)
	if preset, ok := systemPromptPresets[req.CouncilSystemPromptPreset]; ok {
		for id, p := range personas {
			personas[id] = preset + " " + p
		}
	}

	moderator := models.ModeratorOptions{}
	if req.CouncilModerator {
		moderator = models.ModeratorOptions{
			Enabled:          true,
			Frequency:        req.CouncilModeratorFrequency,
			MaxInterjections: 3,
		}
		if moderator.Frequency <= 0 {
			moderator.Frequency = 2
		}
	}

	o.stageStart(queryID, "debate", map[string]interface{}{"pro": pro, "con": con})
	result, err := dialogue.Run(ctx, dialogueCaller{o: o, queryID: queryID}, dialogue.Options{
		Participants:       [2]string{pro, con},
		Query:              req.Query,
		Personas:           personas,
		Context:            pre.ContextText,
		MaxTurns:           req.CouncilMaxTurns,
		DynamicTermination: req.CouncilDynamicTermination,
		Temperature:        req.Temperature,
		PerTurnMaxTokens:   o.cfg.CouncilRoundTokens,
		Moderator:          moderator,
	})
	if err != nil {
		return nil, fmt.Errorf("debate: %w", err)
	}
	o.stageComplete(queryID, "debate", map[string]interface{}{
		"turns":       len(result.Turns),
		"termination": string(result.TerminationReason),
	})

	meta := map[string]interface{}{
		"pro":                    pro,
		"con":                    con,
		"personas":               personas,
		"turns":                  result.Turns,
		"terminationReason":      string(result.TerminationReason),
		"moderatorInterjections": result.ModeratorInterjections,
		"totalDurationMs":        result.TotalDurationMs,
	}
	if req.CouncilModerator {
		if analysis := o.moderatorAnalysis(ctx, queryID, req.Query, con, result); analysis != "" {
			meta["moderatorAnalysis"] = analysis
		}
	}

	return &models.QueryResponse{
		Response:        result.Synthesis,
		ModelID:         pro,
		Tier:            o.tierOf(pro),
		TokensPredicted: result.TotalTokens,
		Metadata:        meta,
	}, nil
}

// resolveDebatePair applies the priority order: explicit pair, explicit
// participants list, then auto-selection. Every referenced model must
// exist, be enabled, and have a running server.
func (o *Orchestrator) resolveDebatePair(req *models.QueryRequest) (string, string, error) {
	pro, con := req.CouncilProModel, req.CouncilConModel
	if pro == "" || con == "" {
		if len(req.CouncilParticipants) >= 2 {
			pro, con = req.CouncilParticipants[0], req.CouncilParticipants[1]
		} else {
			var err error
			pro, con, err = o.deps.Selector.SelectDebatePair()
			if err != nil {
				return "", "", o.classify(err)
			}
		}
	}

	for _, id := range []string{pro, con} {
		m := o.deps.Registry.Get(id)
		switch {
		case m == nil:
			return "", "", &UnavailableError{Reason: fmt.Sprintf("debate model %s not found", id)}
		case !m.Enabled:
			return "", "", &UnavailableError{Reason: fmt.Sprintf("debate model %s is disabled", id)}
		case !o.isReady(id):
			return "", "", &UnavailableError{Reason: fmt.Sprintf("debate model %s has no running server", id)}
		}
	}
	return pro, con, nil
}

func (o *Orchestrator) resolvePersonas(req *models.QueryRequest, pro, con string) map[string]string {
	if len(req.CouncilPersonas) > 0 {
		out := make(map[string]string, len(req.CouncilPersonas))
		for id, p := range req.CouncilPersonas {
			out[id] = p
		}
		return out
	}
	if profile, ok := personaProfiles[req.CouncilPersonaProfile]; ok {
		return map[string]string{pro: profile[0], con: profile[1]}
	}
	return map[string]string{
		pro: defaultPersonas[models.PositionPro],
		con: defaultPersonas[models.PositionCon],
	}
}

// moderatorAnalysis runs a post-debate structured review. Failures are
// non-fatal; the debate result stands on its own.
func (o *Orchestrator) moderatorAnalysis(ctx context.Context, queryID, query, moderatorID string, result *models.DialogueResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You moderated a debate on: %s\n\nFull transcript:\n", query)
	for _, turn := range result.Turns {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Position, turn.Content)
	}
	b.WriteString("\nAs the moderator, produce a structured analysis: the decisive " +
		"arguments, the weakest claims on each side, and which position ended stronger.\n")

	res, _, err := o.callModel(ctx, queryID, moderatorID, models.CompletionRequest{
		Prompt:      b.String(),
		MaxTokens:   400,
		Temperature: 0.3,
	})
	if err != nil {
		log.Warn().Err(err).Str("model_id", moderatorID).Msg("Post-debate moderator analysis failed")
		return ""
	}
	return res.Content
}
