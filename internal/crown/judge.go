package crown

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/coronet/internal/models"
	"github.com/tidwall/gjson"
)

// Judge is the external decision function. It is a black box with real cost
// per call, so the orchestrator invokes it at most once per arbitration
// attempt.
type Judge interface {
	// Complete returns the raw model response for an arbitration prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Candidate is one completed run presented to the judge.
type Candidate struct {
	Index      int    `json:"index"`
	RunID      string `json:"run_id"`
	AgentLabel string `json:"agent_label"`
	Branch     string `json:"branch"`
	Summary    string `json:"summary"`
}

// Verdict is the judge's structured decision.
type Verdict struct {
	WinnerIndex int    `json:"winnerIndex"`
	Reason      string `json:"reason"`
}

// ErrInvalidVerdict indicates the judge returned a malformed or out-of-range
// response. Retrying with identical input will not fix it, so it is terminal
// for the attempt.
var ErrInvalidVerdict = errors.New("invalid evaluation result")

// BuildCandidates converts eligible runs into judge candidates, preserving
// the store's stable ordering so the prompt is deterministic.
func BuildCandidates(runs []models.Run) []Candidate {
	candidates := make([]Candidate, 0, len(runs))
	for i, run := range runs {
		candidates = append(candidates, Candidate{
			Index:      i,
			RunID:      run.ID,
			AgentLabel: run.AgentLabel,
			Branch:     run.Branch,
			Summary:    run.Summary,
		})
	}
	return candidates
}

// CandidateRunIDs returns the run IDs in candidate order.
func CandidateRunIDs(candidates []Candidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.RunID
	}
	return ids
}

// BuildArbitrationPrompt builds the deterministic judge prompt from the task
// description and the candidate set.
func BuildArbitrationPrompt(taskPrompt string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("You are a strict arbitration judge for parallel coding agents.\n")
	b.WriteString("Several agents attempted the same task. Pick the single best result.\n")
	b.WriteString("Return JSON only with schema: {\"winnerIndex\":0,\"reason\":\"short\"}\n")
	b.WriteString(fmt.Sprintf("winnerIndex must be an integer in [0, %d).\n\n", len(candidates)))
	b.WriteString("task:\n")
	b.WriteString(taskPrompt)
	b.WriteString("\n\ncandidates:\n")
	for _, c := range candidates {
		b.WriteString(fmt.Sprintf("[%d] agent=%s branch=%s\n", c.Index, c.AgentLabel, c.Branch))
		b.WriteString("summary:\n")
		b.WriteString(c.Summary)
		b.WriteString("\n\n")
	}
	return b.String()
}

// ParseVerdict extracts and validates the judge's decision from its raw
// response. Models fence their JSON more often than not, so fences are
// stripped before parsing. A missing or out-of-range winnerIndex is
// ErrInvalidVerdict.
func ParseVerdict(raw string, numCandidates int) (Verdict, error) {
	body := stripFences(raw)
	if !gjson.Valid(body) {
		return Verdict{}, fmt.Errorf("%w: not valid JSON", ErrInvalidVerdict)
	}

	winner := gjson.Get(body, "winnerIndex")
	if !winner.Exists() || winner.Type != gjson.Number {
		return Verdict{}, fmt.Errorf("%w: missing winnerIndex", ErrInvalidVerdict)
	}
	idx := winner.Int()
	if float64(idx) != winner.Num {
		return Verdict{}, fmt.Errorf("%w: winnerIndex is not an integer", ErrInvalidVerdict)
	}
	if idx < 0 || idx >= int64(numCandidates) {
		return Verdict{}, fmt.Errorf("%w: winnerIndex %d out of range [0, %d)", ErrInvalidVerdict, idx, numCandidates)
	}

	return Verdict{
		WinnerIndex: int(idx),
		Reason:      gjson.Get(body, "reason").String(),
	}, nil
}

// stripFences removes a markdown code fence around a JSON body, if present.
func stripFences(raw string) string {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	return strings.TrimSpace(body)
}
