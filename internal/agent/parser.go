package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Decision is one parsed planner output: either a tool action or a final
// answer, never both.
type Decision struct {
	Thought string
	Action  string
	Args    map[string]interface{}
	Answer  string
}

var actionPattern = regexp.MustCompile(`(?m)^Action:\s*([a-zA-Z_][a-zA-Z0-9_]*)\((.*)\)\s*$`)

// parsePlannerOutput extracts the Thought plus either an Action call or
// an Answer. Output with neither is a protocol violation.
func parsePlannerOutput(out string) (*Decision, error) {
	d := &Decision{}

	if idx := strings.Index(out, "Thought:"); idx >= 0 {
		rest := out[idx+len("Thought:"):]
		if end := strings.IndexAny(rest, "\n"); end >= 0 {
			d.Thought = strings.TrimSpace(rest[:end])
		} else {
			d.Thought = strings.TrimSpace(rest)
		}
	}

	if idx := strings.Index(out, "Answer:"); idx >= 0 {
		d.Answer = strings.TrimSpace(out[idx+len("Answer:"):])
		if d.Answer == "" {
			return nil, fmt.Errorf("empty answer")
		}
		return d, nil
	}

	m := actionPattern.FindStringSubmatch(out)
	if m == nil {
		return nil, fmt.Errorf("planner output has neither Action nor Answer")
	}
	d.Action = m[1]

	argText := strings.TrimSpace(m[2])
	if argText == "" {
		d.Args = map[string]interface{}{}
		return d, nil
	}
	if err := json.Unmarshal([]byte(argText), &d.Args); err != nil {
		return nil, fmt.Errorf("action %s: arguments are not a JSON object: %w", d.Action, err)
	}
	return d, nil
}
