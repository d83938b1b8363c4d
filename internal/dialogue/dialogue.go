// Package dialogue runs adversarial multi-turn debates between two
// models: alternating PRO/CON turns with personas, optional live
// moderation, dynamic termination, and a final synthesis pass.
package dialogue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// ModelCaller issues one generation call against a named model. The
// orchestrator provides an implementation backed by the server manager
// and inference client.
type ModelCaller interface {
	Generate(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (string, error)
}

// Options configures one debate run.
type Options struct {
	Participants       [2]string // [pro, con]
	Query              string
	Personas           map[string]string // model id → persona
	Context            string            // optional retrieval/web context
	MaxTurns           int
	DynamicTermination bool
	Temperature        float64
	PerTurnMaxTokens   int
	Moderator          models.ModeratorOptions
}

// moderatorSilent is the sentinel a moderator model returns when it has
// no guidance to add.
const moderatorSilent = "SILENT"

// Run executes the debate loop and returns the ordered transcript,
// termination reason, and synthesis.
func Run(ctx context.Context, caller ModelCaller, opts Options) (*models.DialogueResult, error) {
	if opts.Participants[0] == "" || opts.Participants[1] == "" {
		return nil, fmt.Errorf("debate requires two participants")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 6
	}
	if opts.PerTurnMaxTokens <= 0 {
		opts.PerTurnMaxTokens = 400
	}

	start := time.Now()
	result := &models.DialogueResult{TerminationReason: models.TerminationMaxTurns}

	for t := 1; t <= opts.MaxTurns; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		speaker := opts.Participants[(t-1)%2]
		position := models.PositionPro
		if t%2 == 0 {
			position = models.PositionCon
		}
		persona := opts.Personas[speaker]

		prompt := buildTurnPrompt(opts, speaker, position, persona, result.Turns)
		content, err := caller.Generate(ctx, speaker, prompt, opts.PerTurnMaxTokens, opts.Temperature)
		if err != nil {
			log.Warn().Err(err).Str("model_id", speaker).Int("turn", t).Msg("Debate turn failed, inserting placeholder")
			content = fmt.Sprintf("[Error: model %s failed to respond]", speaker)
		}

		turn := models.DialogueTurn{
			TurnNumber: t,
			SpeakerID:  speaker,
			Position:   position,
			Persona:    persona,
			Content:    content,
			Timestamp:  time.Now().UTC(),
			TokenCount: models.EstimateTokens(content),
		}
		result.Turns = append(result.Turns, turn)
		result.TotalTokens += turn.TokenCount

		if opts.Moderator.Enabled &&
			opts.Moderator.Frequency > 0 &&
			t%opts.Moderator.Frequency == 0 &&
			result.ModeratorInterjections < opts.Moderator.MaxInterjections {
			if modTurn := runModerator(ctx, caller, opts, t, result.Turns); modTurn != nil {
				result.Turns = append(result.Turns, *modTurn)
				result.ModeratorInterjections++
			}
		}

		if opts.DynamicTermination {
			if reason := checkTermination(result.Turns); reason != "" {
				result.TerminationReason = reason
				log.Info().Str("reason", string(reason)).Int("turns", t).Msg("Debate terminated dynamically")
				break
			}
		}
	}

	result.Synthesis = synthesize(ctx, caller, opts, result.Turns)
	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// buildTurnPrompt assembles the speaker's view: topic, persona, opponent
// position, optional context, labeled transcript, and turn instructions.
func buildTurnPrompt(opts Options, speaker string, position models.DialoguePosition, persona string, turns []models.DialogueTurn) string {
	opponent := models.PositionCon
	if position == models.PositionCon {
		opponent = models.PositionPro
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Debate topic: %s\n\n", opts.Query)
	fmt.Fprintf(&b, "You argue the %s position.", position)
	if persona != "" {
		fmt.Fprintf(&b, " Your persona: %s.", persona)
	}
	fmt.Fprintf(&b, " Your opponent argues %s.\n", opponent)

	if opts.Context != "" {
		fmt.Fprintf(&b, "\nBackground context:\n%s\n", opts.Context)
	}

	if len(turns) == 0 {
		b.WriteString("\nOpen the debate with your strongest argument.\n")
		return b.String()
	}

	b.WriteString("\nTranscript so far:\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Position, turn.Content)
	}
	b.WriteString("\nAddress your opponent's last points, then advance your own argument.\n")
	return b.String()
}

// runModerator asks the moderator model to review the recent window and
// either stay silent or inject guidance. Moderator turns carry no token
// cost.
func runModerator(ctx context.Context, caller ModelCaller, opts Options, turnNumber int, turns []models.DialogueTurn) *models.DialogueTurn {
	moderatorID := opts.Moderator.ModelID
	if moderatorID == "" {
		moderatorID = opts.Participants[1]
	}

	window := 2 * opts.Moderator.Frequency
	recent := turns
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You moderate a debate on: %s\n\nRecent turns:\n", opts.Query)
	for _, turn := range recent {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Position, turn.Content)
	}
	fmt.Fprintf(&b, "\nIf the debate is productive, reply with exactly %q. "+
		"Otherwise give one short steering note to refocus the participants.\n", moderatorSilent)

	content, err := caller.Generate(ctx, moderatorID, b.String(), 150, 0.3)
	if err != nil {
		log.Warn().Err(err).Str("model_id", moderatorID).Msg("Moderator call failed, skipping interjection")
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(content), moderatorSilent) {
		return nil
	}

	return &models.DialogueTurn{
		TurnNumber: turnNumber,
		SpeakerID:  moderatorID,
		Position:   models.PositionModerator,
		Content:    strings.TrimSpace(content),
		Timestamp:  time.Now().UTC(),
	}
}

// synthesize asks the first participant for a neutral summary of the
// debate. On failure the last substantive turn stands in.
func synthesize(ctx context.Context, caller ModelCaller, opts Options, turns []models.DialogueTurn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The following debate took place on: %s\n\n", opts.Query)
	for _, turn := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", turn.Position, turn.Content)
	}
	b.WriteString("\nWrite a neutral synthesis: the strongest arguments on each side, " +
		"points of agreement, points of disagreement, and any shifts in position.\n")

	synthesis, err := caller.Generate(ctx, opts.Participants[0], b.String(), 600, 0.4)
	if err != nil {
		log.Warn().Err(err).Msg("Synthesis call failed, falling back to last turn")
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Position != models.PositionModerator {
				return turns[i].Content
			}
		}
		return ""
	}
	return synthesis
}
